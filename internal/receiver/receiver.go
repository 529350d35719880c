// Package receiver is the inbound pipeline: it handles the relay's socket
// requests, peels the signaling-key frame, decrypts the envelope through the
// session cipher, and dispatches exactly one event per message.
package receiver

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/events"
	"github.com/forstalabs/librelay/internal/metrics"
	"github.com/forstalabs/librelay/internal/protocol"
	"github.com/forstalabs/librelay/internal/ratchet"
	"github.com/forstalabs/librelay/internal/store"
)

// Receiver decrypts and dispatches inbound socket traffic for one account.
type Receiver struct {
	state    *store.State
	registry *events.Registry
}

// New builds a receiver.
func New(state *store.State, registry *events.Registry) *Receiver {
	return &Receiver{state: state, registry: registry}
}

// HandleRequest is the socket handler: PUT /api/v1/message carries one framed
// envelope, PUT /api/v1/queue/empty marks the offline queue drained, anything
// else is a bad request.
func (r *Receiver) HandleRequest(req *protocol.WebSocketRequest) *protocol.WebSocketResponse {
	if req.Verb != "PUT" {
		return &protocol.WebSocketResponse{Status: 400, Message: "Invalid verb"}
	}
	switch req.Path {
	case "/api/v1/message":
		return r.handleMessage(req.Body)
	case "/api/v1/queue/empty":
		metrics.MessagesReceived.WithLabelValues("queueEmpty").Inc()
		r.registry.Emit(events.KindQueueEmpty, &events.QueueEmptyEvent{})
		return &protocol.WebSocketResponse{Status: 200, Message: "OK"}
	default:
		return &protocol.WebSocketResponse{Status: 400, Message: "Invalid path"}
	}
}

func (r *Receiver) handleMessage(framed []byte) *protocol.WebSocketResponse {
	signalingKey, err := r.state.GetBytes("", store.KeySignalingKey)
	if err != nil || len(signalingKey) != crypto.SignalingKeySize {
		log.Printf("[RECEIVER] signaling key unavailable: %v", err)
		metrics.MessagesReceived.WithLabelValues("error").Inc()
		return &protocol.WebSocketResponse{Status: 500, Message: "Server error"}
	}

	plaintext, err := crypto.DecryptFrame(framed, signalingKey)
	if err != nil {
		return r.errorResponse(err)
	}
	envelope, err := protocol.UnmarshalEnvelope(plaintext)
	if err != nil {
		return r.errorResponse(err)
	}

	if err := r.handleEnvelope(envelope); err != nil {
		return r.errorResponse(err)
	}
	return &protocol.WebSocketResponse{Status: 200, Message: "OK"}
}

// errorResponse maps taxonomy codes onto the socket's two failure statuses:
// malformed input is the peer's fault (400), crypto failures are ours (500).
func (r *Receiver) errorResponse(err error) *protocol.WebSocketResponse {
	log.Printf("[RECEIVER] inbound message failed: %v", err)
	metrics.MessagesReceived.WithLabelValues("error").Inc()
	switch errs.CodeOf(err) {
	case errs.InvalidLength, errs.InvalidMessage, errs.InvalidProtoBuf,
		errs.InvalidType, errs.LegacyMessage, errs.InvalidPayload:
		return &protocol.WebSocketResponse{Status: 400, Message: "Invalid message"}
	default:
		return &protocol.WebSocketResponse{Status: 500, Message: "Server error"}
	}
}

func (r *Receiver) handleEnvelope(envelope *protocol.Envelope) error {
	if envelope.Type == protocol.EnvelopeReceipt {
		source, err := sourceAddress(envelope)
		if err != nil {
			return err
		}
		metrics.MessagesReceived.WithLabelValues("receipt").Inc()
		r.registry.Emit(events.KindReceipt, &events.ReceiptEvent{
			Source:    source,
			Timestamp: envelope.Timestamp,
		})
		return nil
	}
	if len(envelope.Content) > 0 {
		return r.handleContent(envelope)
	}
	if len(envelope.LegacyMessage) > 0 {
		return errs.New(errs.LegacyMessage, "legacy envelope format not supported")
	}
	return errs.New(errs.InvalidMessage, "envelope carries no content")
}

func sourceAddress(envelope *protocol.Envelope) (store.Address, error) {
	userID, err := uuid.Parse(envelope.Source)
	if err != nil {
		return store.Address{}, errs.Wrap(errs.InvalidMessage, "bad envelope source", err)
	}
	return store.NewAddress(userID, envelope.SourceDevice), nil
}

func (r *Receiver) handleContent(envelope *protocol.Envelope) error {
	source, err := sourceAddress(envelope)
	if err != nil {
		return err
	}
	cipher := ratchet.New(r.state, source)

	var padded []byte
	switch envelope.Type {
	case protocol.EnvelopePreKeyBundle:
		padded, err = cipher.DecryptPreKey(envelope.Content)
	case protocol.EnvelopeCiphertext:
		padded, err = cipher.DecryptWhisper(envelope.Content)
	default:
		return errs.Newf(errs.InvalidType, "unhandled envelope type %d", envelope.Type)
	}
	if err != nil {
		return err
	}

	plaintext, err := protocol.Unpad(padded)
	if err != nil {
		return err
	}
	content, err := protocol.UnmarshalContent(plaintext)
	if err != nil {
		return err
	}

	switch {
	case content.DataMessage != nil:
		return r.dispatchDataMessage(source, envelope, content.DataMessage, nil)
	case content.SyncMessage != nil && content.SyncMessage.Sent != nil:
		sent := content.SyncMessage.Sent
		if sent.Message == nil {
			return errs.New(errs.InvalidMessage, "sync-sent without message")
		}
		return r.dispatchDataMessage(source, envelope, sent.Message, sent)
	case content.SyncMessage != nil && len(content.SyncMessage.Read) > 0:
		return r.dispatchReadSync(content.SyncMessage.Read)
	default:
		return errs.New(errs.DecryptionError, "content carries neither data nor sync message")
	}
}

func (r *Receiver) dispatchDataMessage(source store.Address, envelope *protocol.Envelope, dm *protocol.DataMessage, sent *protocol.SyncSent) error {
	now := uint64(time.Now().UnixMilli())
	event := &events.MessageEvent{
		Source:                source,
		Timestamp:             envelope.Timestamp,
		ServerTimestamp:       now,
		ExpirationMs:          dm.ExpireTimer * 1000,
		EndSession:            dm.Flags&protocol.FlagEndSession != 0,
		ExpirationTimerUpdate: dm.Flags&protocol.FlagExpirationTimerUpdate != 0,
		Body:                  []byte(dm.Body),
	}
	if envelope.Timestamp > 0 && now > envelope.Timestamp {
		event.ServerAge = now - envelope.Timestamp
	}
	if sent != nil {
		event.Sync = true
		event.ExpirationStartTimestamp = sent.ExpirationStartTimestamp
		event.Destination = sent.Destination
		if sent.Timestamp != 0 {
			event.Timestamp = sent.Timestamp
		}
	}

	metrics.MessagesReceived.WithLabelValues("message").Inc()
	r.registry.Emit(events.KindMessage, event)
	return nil
}

func (r *Receiver) dispatchReadSync(reads []*protocol.SyncRead) error {
	event := &events.ReadSyncEvent{}
	for _, read := range reads {
		sender, err := uuid.Parse(read.Sender)
		if err != nil {
			return errs.Wrap(errs.InvalidMessage, "bad read-sync sender", err)
		}
		event.Reads = append(event.Reads, events.ReadMark{
			Sender:    sender,
			Timestamp: read.Timestamp,
		})
	}
	metrics.MessagesReceived.WithLabelValues("readSync").Inc()
	r.registry.Emit(events.KindReadSync, event)
	return nil
}
