// Package socket maintains the persistent duplex websocket to the relay. One
// protobuf frame type rides it, tagged as a request or a response; outgoing
// requests are correlated to responses by a random 64-bit id. The resource
// reconnects itself with jittered exponential backoff for as long as the last
// connect was intentional.
package socket

import (
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/events"
	"github.com/forstalabs/librelay/internal/metrics"
	"github.com/forstalabs/librelay/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 55 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 10 * 1024 * 1024

	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Handler answers inbound socket requests. A nil return means "no handler",
// which the resource answers with 404.
type Handler func(req *protocol.WebSocketRequest) *protocol.WebSocketResponse

type pendingResult struct {
	resp *protocol.WebSocketResponse
	err  error
}

// Resource is one persistent socket.
type Resource struct {
	url      string
	registry *events.Registry

	mu       sync.Mutex
	conn     *websocket.Conn
	handler  Handler
	pending  map[uint64]chan pendingResult
	intent   bool // last connect was intentional; reconnect on peer close
	attempts int

	writeMu sync.Mutex
}

// New builds a resource for a fully-formed websocket URL. registry may be nil.
func New(socketURL string, registry *events.Registry) *Resource {
	return &Resource{
		url:      socketURL,
		registry: registry,
		pending:  make(map[uint64]chan pendingResult),
	}
}

// MessagingURL forms the authenticated messaging socket URL.
func MessagingURL(serverURL, username, password string) string {
	return fmt.Sprintf("%s/v1/websocket/?login=%s&password=%s",
		wsURL(serverURL), url.QueryEscape(username), url.QueryEscape(password))
}

// ProvisioningURL forms the anonymous provisioning socket URL.
func ProvisioningURL(serverURL string) string {
	return wsURL(serverURL) + "/v1/websocket/provisioning/"
}

func wsURL(u string) string {
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return u
}

// SetHandler installs the inbound-request handler.
func (r *Resource) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Connect dials the socket and starts the read pump. Marks the connection
// intentional so peer closes trigger reconnection.
func (r *Resource) Connect() error {
	r.mu.Lock()
	r.intent = true
	r.attempts = 0
	r.mu.Unlock()
	return r.dial()
}

func (r *Resource) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	if err != nil {
		return errs.Wrap(errs.RequestFailure, "socket dial failed", err)
	}

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("[SOCKET] Warning: failed to set read deadline: %v", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	r.mu.Lock()
	r.conn = conn
	r.attempts = 0
	r.mu.Unlock()

	go r.readPump(conn)
	go r.pingLoop(conn)

	metrics.SocketConnects.Inc()
	if r.registry != nil {
		r.registry.Emit(events.KindSocketConnected, &events.SocketEvent{})
	}
	return nil
}

// Disconnect clears the reconnect intent and releases the connection. All
// outstanding request waiters are rejected.
func (r *Resource) Disconnect() {
	r.mu.Lock()
	r.intent = false
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[SOCKET] Warning: failed to close connection: %v", err)
		}
	}
	r.failPending(errs.New(errs.Canceled, "socket disconnected"))
}

func (r *Resource) failPending(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]chan pendingResult)
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

func (r *Resource) readPump(conn *websocket.Conn) {
	var pumpErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				pumpErr = err
			}
			break
		}
		msg, err := protocol.UnmarshalWebSocketMessage(data)
		if err != nil {
			log.Printf("[SOCKET] dropping undecodable frame: %v", err)
			continue
		}
		r.dispatch(msg)
	}

	r.mu.Lock()
	active := r.conn == conn
	if active {
		r.conn = nil
	}
	intent := r.intent
	r.mu.Unlock()

	if !active {
		return // replaced or intentionally closed
	}

	conn.Close()
	r.failPending(errs.Wrap(errs.TransmissionFailure, "socket closed", pumpErr))
	if r.registry != nil {
		r.registry.Emit(events.KindSocketDisconnected, &events.SocketEvent{Err: pumpErr})
	}
	if intent {
		go r.reconnect()
	}
}

// reconnect retries the dial with jittered exponential backoff until it
// succeeds or the intent is cleared.
func (r *Resource) reconnect() {
	for {
		r.mu.Lock()
		if !r.intent {
			r.mu.Unlock()
			return
		}
		attempt := r.attempts
		r.attempts++
		r.mu.Unlock()
		metrics.SocketReconnects.Inc()

		delay := backoffBase << uint(attempt)
		if delay > backoffCap || delay <= 0 {
			delay = backoffCap
		}
		// ±50% jitter keeps a fleet of clients from reconnecting in lockstep
		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		time.Sleep(jittered)

		r.mu.Lock()
		if !r.intent {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		err := r.dial()
		if err == nil {
			return
		}
		log.Printf("[SOCKET] reconnect attempt %d failed: %v", attempt+1, err)
	}
}

func (r *Resource) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		active := r.conn == conn
		r.mu.Unlock()
		if !active {
			return
		}
		r.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		r.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (r *Resource) dispatch(msg *protocol.WebSocketMessage) {
	switch msg.Type {
	case protocol.WebSocketTypeRequest:
		if msg.Request == nil {
			log.Printf("[SOCKET] request frame without request body")
			return
		}
		// Handlers own their latency; never block the read loop on them.
		go r.handleRequest(msg.Request)
	case protocol.WebSocketTypeResponse:
		if msg.Response == nil {
			log.Printf("[SOCKET] response frame without response body")
			return
		}
		r.handleResponse(msg.Response)
	default:
		log.Printf("[SOCKET] dropping frame with unknown type %d", msg.Type)
	}
}

func (r *Resource) handleRequest(req *protocol.WebSocketRequest) {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()

	var resp *protocol.WebSocketResponse
	if handler != nil {
		resp = handler(req)
	}
	if resp == nil {
		resp = &protocol.WebSocketResponse{Status: 404, Message: "Not found"}
	}
	resp.ID = req.ID
	if err := r.SendResponse(resp); err != nil {
		log.Printf("[SOCKET] failed to answer request %d: %v", req.ID, err)
	}
}

func (r *Resource) handleResponse(resp *protocol.WebSocketResponse) {
	r.mu.Lock()
	ch, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()

	if !ok {
		log.Printf("[SOCKET] dropping response for unknown request id %d", resp.ID)
		return
	}
	if resp.Status >= 200 && resp.Status < 300 {
		ch <- pendingResult{resp: resp}
	} else {
		ch <- pendingResult{err: errs.Reject(int(resp.Status), nil, resp.Message)}
	}
}

func (r *Resource) write(data []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errs.New(errs.TransmissionFailure, "socket not connected")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errs.Wrap(errs.TransmissionFailure, "socket write failed", err)
	}
	return nil
}

// SendRequest issues a correlated request and blocks for its response.
// Statuses outside [200,300) come back as a rejection error.
func (r *Resource) SendRequest(verb, path string, body []byte, timeout time.Duration) (*protocol.WebSocketResponse, error) {
	id, err := crypto.RandomU64()
	if err != nil {
		return nil, err
	}
	ch := make(chan pendingResult, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()

	frame := &protocol.WebSocketMessage{
		Type:    protocol.WebSocketTypeRequest,
		Request: &protocol.WebSocketRequest{Verb: verb, Path: path, Body: body, ID: id},
	}
	if err := r.write(frame.Marshal()); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return nil, err
	}

	if timeout <= 0 {
		result := <-ch
		return result.resp, result.err
	}
	select {
	case result := <-ch:
		return result.resp, result.err
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return nil, errs.New(errs.RequestFailure, "socket request timed out")
	}
}

// SendResponse answers an inbound request.
func (r *Resource) SendResponse(resp *protocol.WebSocketResponse) error {
	frame := &protocol.WebSocketMessage{
		Type:     protocol.WebSocketTypeResponse,
		Response: resp,
	}
	return r.write(frame.Marshal())
}

// Connected reports whether a live connection exists right now.
func (r *Resource) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}
