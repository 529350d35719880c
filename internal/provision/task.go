package provision

import (
	"log"
	"sync"
	"time"

	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/protocol"
	"github.com/forstalabs/librelay/internal/socket"
)

// Task is the new-device side of the handshake: it opens the provisioning
// socket, forwards the relay-assigned uuid (plus our ephemeral public key) to
// the account's existing devices, and waits for exactly one encrypted
// provisioning envelope.
type Task struct {
	cipher *Cipher
	sock   *socket.Resource

	// onUUID forwards (socket uuid, our ephemeral key) to the existing
	// devices, typically through the directory service.
	onUUID func(uuid string, ephemeralKey []byte) error

	mu     sync.Mutex
	waiter chan waiterResult
	done   bool
}

type waiterResult struct {
	envelope *protocol.ProvisionEnvelope
	err      error
}

// NewTask builds a provisioning task against the relay at serverURL.
func NewTask(serverURL string, cipher *Cipher, onUUID func(string, []byte) error) *Task {
	return &Task{
		cipher: cipher,
		sock:   socket.New(socket.ProvisioningURL(serverURL), nil),
		onUUID: onUUID,
		waiter: make(chan waiterResult, 1),
	}
}

// Run connects and blocks until a provisioning envelope arrives, the timeout
// lapses, or Cancel is called. On success the decrypted provisioning message
// is returned and the socket is closed.
func (t *Task) Run(timeout time.Duration) (*protocol.ProvisionMessage, error) {
	t.sock.SetHandler(t.handleRequest)
	if err := t.sock.Connect(); err != nil {
		return nil, err
	}
	defer t.sock.Disconnect()

	var result waiterResult
	if timeout > 0 {
		select {
		case result = <-t.waiter:
		case <-time.After(timeout):
			return nil, errs.New(errs.RequestFailure, "timed out waiting for provisioning envelope")
		}
	} else {
		result = <-t.waiter
	}
	if result.err != nil {
		return nil, result.err
	}

	plaintext, err := t.cipher.Decrypt(result.envelope.PublicKey, result.envelope.Body)
	if err != nil {
		return nil, err
	}
	return protocol.UnmarshalProvisionMessage(plaintext)
}

// Cancel rejects the waiter and closes the socket.
func (t *Task) Cancel() {
	t.resolve(waiterResult{err: errs.New(errs.Canceled, "provisioning canceled")})
	t.sock.Disconnect()
}

func (t *Task) resolve(result waiterResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.waiter <- result
}

func (t *Task) handleRequest(req *protocol.WebSocketRequest) *protocol.WebSocketResponse {
	if req.Verb != "PUT" {
		return &protocol.WebSocketResponse{Status: 400, Message: "Invalid verb"}
	}
	switch req.Path {
	case "/v1/address":
		assigned, err := protocol.UnmarshalProvisioningUUID(req.Body)
		if err != nil || assigned.UUID == "" {
			return &protocol.WebSocketResponse{Status: 400, Message: "Invalid uuid"}
		}
		if err := t.onUUID(assigned.UUID, t.cipher.PublicKey()); err != nil {
			log.Printf("[PROVISION] failed to announce provisioning uuid: %v", err)
			t.resolve(waiterResult{err: err})
			return &protocol.WebSocketResponse{Status: 500, Message: "Server error"}
		}
		return &protocol.WebSocketResponse{Status: 200, Message: "OK"}
	case "/v1/message":
		envelope, err := protocol.UnmarshalProvisionEnvelope(req.Body)
		if err != nil {
			return &protocol.WebSocketResponse{Status: 400, Message: "Invalid envelope"}
		}
		t.resolve(waiterResult{envelope: envelope})
		return &protocol.WebSocketResponse{Status: 200, Message: "OK"}
	default:
		return &protocol.WebSocketResponse{Status: 404, Message: "Not found"}
	}
}
