// Package sender is the outbound pipeline: payload validation, data-message
// serialization, padding, per-device encryption, and the relay fan-out with
// its three recovery machines (identity change, stale device, extra device).
package sender

import (
	"encoding/base64"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/events"
	"github.com/forstalabs/librelay/internal/metrics"
	"github.com/forstalabs/librelay/internal/payload"
	"github.com/forstalabs/librelay/internal/protocol"
	"github.com/forstalabs/librelay/internal/ratchet"
	"github.com/forstalabs/librelay/internal/relay"
	"github.com/forstalabs/librelay/internal/store"
)

// Recipient names either one specific device or a whole user.
type Recipient struct {
	UserID    uuid.UUID
	DeviceID  uint32
	HasDevice bool
}

// Device builds a device recipient.
func Device(addr store.Address) Recipient {
	return Recipient{UserID: addr.UserID, DeviceID: addr.DeviceID, HasDevice: true}
}

// User builds a whole-user recipient.
func User(userID uuid.UUID) Recipient {
	return Recipient{UserID: userID}
}

// Request is one outbound message.
type Request struct {
	Payload               *payload.Payload
	Recipients            []Recipient
	Attachments           []*protocol.AttachmentPointer
	ExpireTimer           uint32 // seconds
	EndSession            bool
	ExpirationTimerUpdate bool
	Timestamp             int64 // ms; zero means now
	NoSyncToSelf          bool  // sync-to-self defaults on
}

// TransmissionInfo acknowledges one delivered recipient.
type TransmissionInfo struct {
	Recipient   uuid.UUID
	DeviceCount int
	ReceivedAt  int64 // ms
	NeedsSync   bool
}

// Sender drives the outbound pipeline for one account.
type Sender struct {
	state    *store.State
	relay    *relay.Client
	registry *events.Registry
}

// New builds a sender.
func New(state *store.State, relayClient *relay.Client, registry *events.Registry) *Sender {
	return &Sender{state: state, relay: relayClient, registry: registry}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Send validates, serializes, pads, encrypts, and fans the message out to
// every recipient, then mirrors it to our other devices unless disabled. The
// aggregate waits for every transmission; any single failure fails the whole
// send.
func (s *Sender) Send(req *Request) ([]*TransmissionInfo, error) {
	started := time.Now()
	defer func() {
		metrics.SendLatency.Observe(time.Since(started).Seconds())
	}()

	if err := req.Payload.SanityCheck(); err != nil {
		return nil, err
	}
	body, err := req.Payload.Encode()
	if err != nil {
		return nil, err
	}

	timestamp := req.Timestamp
	if timestamp == 0 {
		timestamp = nowMs()
	}

	var flags uint32
	if req.EndSession {
		flags |= protocol.FlagEndSession
	}
	if req.ExpirationTimerUpdate {
		flags |= protocol.FlagExpirationTimerUpdate
	}
	dataMsg := &protocol.DataMessage{
		Body:        string(body),
		Attachments: req.Attachments,
		Flags:       flags,
		ExpireTimer: req.ExpireTimer,
	}
	padded := protocol.Pad((&protocol.Content{DataMessage: dataMsg}).Marshal())

	own, err := s.state.OwnAddress()
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, "account not registered", err)
	}

	type result struct {
		info *TransmissionInfo
		err  error
	}
	var wg sync.WaitGroup
	results := make(chan result, len(req.Recipients)+1)

	for _, recipient := range req.Recipients {
		// References to ourselves are covered by the sync fan-out.
		if recipient.UserID == own.UserID {
			if !recipient.HasDevice || recipient.DeviceID == own.DeviceID {
				continue
			}
		}
		wg.Add(1)
		go func(r Recipient) {
			defer wg.Done()
			if r.HasDevice {
				addr := store.NewAddress(r.UserID, r.DeviceID)
				err := s.sendToDevice(addr, padded, timestamp)
				if err != nil {
					results <- result{err: err}
					return
				}
				metrics.MessagesSent.WithLabelValues("device").Inc()
				results <- result{info: &TransmissionInfo{
					Recipient:   r.UserID,
					DeviceCount: 1,
					ReceivedAt:  nowMs(),
				}}
				return
			}
			info, err := s.sendToUser(r.UserID, padded, timestamp)
			if err != nil {
				results <- result{err: err}
				return
			}
			metrics.MessagesSent.WithLabelValues("user").Inc()
			results <- result{info: info}
		}(recipient)
	}

	if !req.NoSyncToSelf {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.sendSyncToSelf(own, dataMsg, req.Payload, timestamp); err != nil {
				results <- result{err: err}
				return
			}
			metrics.MessagesSent.WithLabelValues("sync").Inc()
		}()
	}

	wg.Wait()
	close(results)

	var infos []*TransmissionInfo
	for r := range results {
		if r.err != nil {
			return infos, r.err
		}
		if r.info != nil {
			infos = append(infos, r.info)
		}
	}
	return infos, nil
}

// updatePrekeysForDevice fetches and installs a prekey bundle for one device.
func (s *Sender) updatePrekeysForDevice(addr store.Address) error {
	bundles, err := s.relay.GetKeysForAddr(addr.UserID, deviceIDString(addr.DeviceID))
	if err != nil {
		return err
	}
	if len(bundles) == 0 {
		return errs.Newf(errs.NoSession, "no key material for %s", addr)
	}
	return ratchet.New(s.state, addr).InitiateFromBundle(bundles[0])
}

// updatePrekeysForUser refreshes bundles for every currently-known device of
// a user, installing sessions for devices that lack one.
func (s *Sender) updatePrekeysForUser(userID uuid.UUID) error {
	bundles, err := s.relay.GetKeysForAddr(userID, "")
	if err != nil {
		return err
	}
	for _, bundle := range bundles {
		addr := store.NewAddress(userID, bundle.DeviceID)
		cipher := ratchet.New(s.state, addr)
		has, err := cipher.HasSession()
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if err := cipher.InitiateFromBundle(bundle); err != nil {
			return err
		}
	}
	return nil
}

// encryptWithKeyChangeRecovery encrypts for one device, recovering exactly
// once from an identity-key change: the stored record is replaced and
// observers are notified, then the encryption is retried.
func (s *Sender) encryptWithKeyChangeRecovery(addr store.Address, padded []byte) (*ratchet.EncryptResult, error) {
	cipher := ratchet.New(s.state, addr)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		has, err := cipher.HasSession()
		if err != nil {
			return nil, err
		}
		if !has {
			if err := s.updatePrekeysForDevice(addr); err != nil {
				if s.recoverIdentity(addr, err, attempt) {
					lastErr = err
					continue
				}
				return nil, err
			}
		}
		result, err := cipher.Encrypt(padded)
		if err == nil {
			return result, nil
		}
		if s.recoverIdentity(addr, err, attempt) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// recoverIdentity clears a conflicting trust record and reports whether the
// caller may retry.
func (s *Sender) recoverIdentity(addr store.Address, err error, attempt int) bool {
	if errs.CodeOf(err) != errs.UntrustedIdentity || attempt != 0 {
		return false
	}
	if rmErr := s.state.RemoveIdentity(addr); rmErr != nil {
		log.Printf("[SENDER] failed to clear identity for %s: %v", addr, rmErr)
		return false
	}
	metrics.SendRecoveries.WithLabelValues("identityChange").Inc()
	if s.registry != nil {
		s.registry.Emit(events.KindIdentityChanged, &events.IdentityChangeEvent{Address: addr})
	}
	return true
}

func deviceIDString(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (s *Sender) buildBundle(addr store.Address, padded []byte, timestamp int64) (relay.MessageBundle, error) {
	result, err := s.encryptWithKeyChangeRecovery(addr, padded)
	if err != nil {
		return relay.MessageBundle{}, err
	}
	return relay.MessageBundle{
		Type:                      int(result.Type),
		DestinationDeviceID:       addr.DeviceID,
		DestinationRegistrationID: result.RemoteRegistrationID,
		Content:                   base64.StdEncoding.EncodeToString(result.Body),
		Timestamp:                 timestamp,
	}, nil
}

// sendToDevice delivers to one specific device, recovering once from a relay
// 410 by discarding the session and re-bootstrapping from fresh prekeys.
func (s *Sender) sendToDevice(addr store.Address, padded []byte, timestamp int64) error {
	for attempt := 0; attempt < 2; attempt++ {
		bundle, err := s.buildBundle(addr, padded, timestamp)
		if err != nil {
			return err
		}
		err = s.relay.DeliverToDevice(addr, bundle)
		if err == nil {
			return nil
		}
		if errs.StatusOf(err) == 410 && attempt == 0 {
			metrics.SendRecoveries.WithLabelValues("sessionGone").Inc()
			if rmErr := s.state.RemoveSession(addr); rmErr != nil {
				return rmErr
			}
			continue
		}
		return err
	}
	return errs.Newf(errs.TransmissionFailure, "delivery to %s kept failing", addr)
}

// sendToUser delivers to every known device of a user. The relay reports
// device-list drift as 409 (extraDevices) or 410 (staleDevices); each answer
// drops the listed sessions, refreshes prekeys and retries, for at most three
// attempts in all, and a 409 arriving after a 410 recovery is fatal.
func (s *Sender) sendToUser(userID uuid.UUID, padded []byte, timestamp int64) (*TransmissionInfo, error) {
	retriesEnabled := true
	for attempt := 0; attempt < 3; attempt++ {
		deviceIDs, err := s.state.DeviceIDsForUser(userID)
		if err != nil {
			return nil, err
		}
		bundles := make([]relay.MessageBundle, 0, len(deviceIDs))
		for _, deviceID := range deviceIDs {
			bundle, err := s.buildBundle(store.NewAddress(userID, deviceID), padded, timestamp)
			if err != nil {
				return nil, err
			}
			bundles = append(bundles, bundle)
		}

		err = s.relay.DeliverToUser(userID, bundles, timestamp)
		if err == nil {
			return &TransmissionInfo{
				Recipient:   userID,
				DeviceCount: len(bundles),
				ReceivedAt:  nowMs(),
			}, nil
		}

		switch errs.StatusOf(err) {
		case 409:
			if !retriesEnabled {
				return nil, err
			}
			metrics.SendRecoveries.WithLabelValues("extraDevices").Inc()
			s.removeListedSessions(userID, errs.BodyOf(err), "extraDevices")
			if err := s.updatePrekeysForUser(userID); err != nil {
				return nil, err
			}
		case 410:
			metrics.SendRecoveries.WithLabelValues("staleDevices").Inc()
			s.removeListedSessions(userID, errs.BodyOf(err), "staleDevices")
			if err := s.updatePrekeysForUser(userID); err != nil {
				return nil, err
			}
			retriesEnabled = false
		default:
			return nil, err
		}
	}
	return nil, errs.Newf(errs.TransmissionFailure, "delivery to %s kept failing", userID)
}

func (s *Sender) removeListedSessions(userID uuid.UUID, body map[string]interface{}, field string) {
	if body == nil {
		return
	}
	listed, _ := body[field].([]interface{})
	for _, raw := range listed {
		f, ok := raw.(float64)
		if !ok {
			continue
		}
		addr := store.NewAddress(userID, uint32(f))
		if err := s.state.RemoveSession(addr); err != nil {
			log.Printf("[SENDER] failed to drop session %s: %v", addr, err)
		}
	}
}

// sendSyncToSelf mirrors the outbound message to our other devices, wrapped
// in a sync-sent so they can distinguish it from peer traffic.
func (s *Sender) sendSyncToSelf(own store.Address, dataMsg *protocol.DataMessage, p *payload.Payload, timestamp int64) error {
	deviceIDs, err := s.state.DeviceIDsForUser(own.UserID)
	if err != nil {
		return err
	}
	others := deviceIDs[:0]
	for _, id := range deviceIDs {
		if id != own.DeviceID {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return nil
	}

	content := &protocol.Content{
		SyncMessage: &protocol.SyncMessage{
			Sent: &protocol.SyncSent{
				Destination:              p.ThreadID.String(),
				Timestamp:                uint64(timestamp),
				Message:                  dataMsg,
				ExpirationStartTimestamp: uint64(timestamp),
			},
		},
	}
	padded := protocol.Pad(content.Marshal())

	bundles := make([]relay.MessageBundle, 0, len(others))
	for _, deviceID := range others {
		bundle, err := s.buildBundle(store.NewAddress(own.UserID, deviceID), padded, timestamp)
		if err != nil {
			return err
		}
		bundles = append(bundles, bundle)
	}
	return s.relay.DeliverToUser(own.UserID, bundles, timestamp)
}
