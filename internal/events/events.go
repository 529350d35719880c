// Package events is the client's observer registry. Components emit; the
// embedding application subscribes. Dispatch happens on a dedicated goroutine
// so observers never run on the socket read loop.
package events

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/store"
)

// Kind names an observable event stream.
type Kind string

const (
	KindCredentialSet      Kind = "credentialSet"
	KindCredentialExpired  Kind = "credentialExpired"
	KindIdentityChanged    Kind = "identityChanged"
	KindReceipt            Kind = "receipt"
	KindMessage            Kind = "message"
	KindReadSync           Kind = "readSync"
	KindQueueEmpty         Kind = "queueEmpty"
	KindSocketConnected    Kind = "socketConnected"
	KindSocketDisconnected Kind = "socketDisconnected"
)

// ReceiptEvent reports a delivery receipt from a peer device.
type ReceiptEvent struct {
	Source    store.Address
	Timestamp uint64 // ms
}

// MessageEvent reports one decrypted inbound message (peer traffic or a
// sync-sent echo from another of our own devices).
type MessageEvent struct {
	Source                   store.Address
	Timestamp                uint64 // envelope timestamp, ms
	ServerTimestamp          uint64 // ms, when the relay accepted it
	ServerAge                uint64 // ms spent queued on the relay
	ExpirationMs             uint32
	EndSession               bool
	ExpirationTimerUpdate    bool
	Body                     []byte // decoded payload JSON
	Sync                     bool
	ExpirationStartTimestamp uint64 // sync-sent only, ms
	Destination              string // sync-sent only
}

// ReadSyncEvent reports read marks mirrored from another of our devices.
type ReadSyncEvent struct {
	Reads []ReadMark
}

// ReadMark is one (sender, timestamp) read receipt.
type ReadMark struct {
	Sender    uuid.UUID
	Timestamp uint64 // ms
}

// IdentityChangeEvent reports that a peer's identity key changed and the
// stored trust record was replaced.
type IdentityChangeEvent struct {
	Address store.Address
}

// SocketEvent reports socket lifecycle transitions; Err is set on unexpected
// disconnects.
type SocketEvent struct {
	Err error
}

// CredentialEvent reports JWT lifecycle transitions on the directory client.
type CredentialEvent struct {
	Token string
}

// QueueEmptyEvent signals the relay finished draining our offline queue.
type QueueEmptyEvent struct{}

// Token identifies one subscription.
type Token uint64

type subscription struct {
	token Token
	fn    func(interface{})
	dead  bool
}

// Registry fans events out to subscribers. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	next   Token
	subs   map[Kind][]*subscription
	queue  chan dispatch
	closed bool
}

type dispatch struct {
	kind  Kind
	event interface{}
}

// NewRegistry starts a registry and its dispatch goroutine.
func NewRegistry() *Registry {
	r := &Registry{
		subs:  make(map[Kind][]*subscription),
		queue: make(chan dispatch, 256),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	for d := range r.queue {
		for _, fn := range r.observers(d.kind) {
			func() {
				defer func() {
					if p := recover(); p != nil {
						log.Printf("[EVENTS] observer for %s panicked: %v", d.kind, p)
					}
				}()
				fn(d.event)
			}()
		}
	}
}

// observers snapshots the live callbacks for kind and sweeps dead entries.
func (r *Registry) observers(kind Kind) []func(interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[kind]
	live := subs[:0]
	var fns []func(interface{})
	for _, s := range subs {
		if s.dead {
			continue
		}
		live = append(live, s)
		fns = append(fns, s.fn)
	}
	r.subs[kind] = live
	return fns
}

// Subscribe registers fn for kind and returns a token for Unsubscribe.
func (r *Registry) Subscribe(kind Kind, fn func(interface{})) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.subs[kind] = append(r.subs[kind], &subscription{token: r.next, fn: fn})
	return r.next
}

// Unsubscribe marks the subscription dead; the entry is collected on the next
// notification for its kind.
func (r *Registry) Unsubscribe(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, subs := range r.subs {
		for _, s := range subs {
			if s.token == token {
				s.dead = true
				return
			}
		}
	}
}

// Emit queues an event for dispatch. Drops with a log line if the embedding
// application stops draining (slow observers must not stall the socket).
func (r *Registry) Emit(kind Kind, event interface{}) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	select {
	case r.queue <- dispatch{kind: kind, event: event}:
	default:
		log.Printf("[EVENTS] dropping %s event: dispatch queue full", kind)
	}
}

// Close stops the dispatch goroutine. Emit becomes a no-op.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.queue)
}
