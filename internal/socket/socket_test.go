package socket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/protocol"
)

// wsServer is a scriptable socket peer.
type wsServer struct {
	server *httptest.Server

	mu        sync.Mutex
	conn      *websocket.Conn
	responses chan *protocol.WebSocketResponse // responses the client sent us
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{responses: make(chan *protocol.WebSocketResponse, 8)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.UnmarshalWebSocketMessage(data)
			if err != nil {
				continue
			}
			switch msg.Type {
			case protocol.WebSocketTypeRequest:
				s.answer(conn, msg.Request)
			case protocol.WebSocketTypeResponse:
				s.responses <- msg.Response
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

// answer scripts the server side: /ok-* gets 200, /fail gets 500, /silent
// gets nothing.
func (s *wsServer) answer(conn *websocket.Conn, req *protocol.WebSocketRequest) {
	var resp *protocol.WebSocketResponse
	switch {
	case strings.HasPrefix(req.Path, "/ok"):
		resp = &protocol.WebSocketResponse{ID: req.ID, Status: 200, Message: "OK", Body: req.Body}
	case req.Path == "/fail":
		resp = &protocol.WebSocketResponse{ID: req.ID, Status: 500, Message: "boom"}
	default:
		return
	}
	frame := &protocol.WebSocketMessage{Type: protocol.WebSocketTypeResponse, Response: resp}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn.WriteMessage(websocket.BinaryMessage, frame.Marshal())
}

// push sends a request to the client.
func (s *wsServer) push(t *testing.T, req *protocol.WebSocketRequest) {
	t.Helper()
	frame := &protocol.WebSocketMessage{Type: protocol.WebSocketTypeRequest, Request: req}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()))
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func connect(t *testing.T, s *wsServer) *Resource {
	t.Helper()
	r := New(s.url(), nil)
	require.NoError(t, r.Connect())
	t.Cleanup(r.Disconnect)
	return r
}

func TestRequestResponseCorrelation(t *testing.T) {
	s := newWSServer(t)
	r := connect(t, s)

	resp, err := r.SendRequest("PUT", "/ok-echo", []byte("body bytes"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(200), resp.Status)
	assert.Equal(t, []byte("body bytes"), resp.Body)
}

func TestConcurrentRequestsKeepTheirResponses(t *testing.T) {
	s := newWSServer(t)
	r := connect(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			resp, err := r.SendRequest("PUT", "/ok-parallel", []byte{n}, 5*time.Second)
			if assert.NoError(t, err) {
				assert.Equal(t, []byte{n}, resp.Body, "response for another request leaked")
			}
		}(byte(i))
	}
	wg.Wait()
}

func TestNon2xxRejects(t *testing.T) {
	s := newWSServer(t)
	r := connect(t, s)

	_, err := r.SendRequest("PUT", "/fail", nil, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, 500, errs.StatusOf(err))
}

func TestDefaultHandlerAnswers404(t *testing.T) {
	s := newWSServer(t)
	connect(t, s)

	s.push(t, &protocol.WebSocketRequest{Verb: "PUT", Path: "/whatever", ID: 77})
	select {
	case resp := <-s.responses:
		assert.Equal(t, uint64(77), resp.ID)
		assert.Equal(t, uint32(404), resp.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no response from default handler")
	}
}

func TestInstalledHandlerAnswers(t *testing.T) {
	s := newWSServer(t)
	r := connect(t, s)

	r.SetHandler(func(req *protocol.WebSocketRequest) *protocol.WebSocketResponse {
		assert.Equal(t, "/api/v1/message", req.Path)
		return &protocol.WebSocketResponse{Status: 200, Message: "OK"}
	})

	s.push(t, &protocol.WebSocketRequest{Verb: "PUT", Path: "/api/v1/message", ID: 88})
	select {
	case resp := <-s.responses:
		assert.Equal(t, uint64(88), resp.ID)
		assert.Equal(t, uint32(200), resp.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no response from handler")
	}
}

func TestDisconnectRejectsPending(t *testing.T) {
	s := newWSServer(t)
	r := connect(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := r.SendRequest("PUT", "/silent", nil, 0)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	r.Disconnect()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errs.Canceled, errs.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on disconnect")
	}
	assert.False(t, r.Connected())
}

func TestRequestTimeout(t *testing.T) {
	s := newWSServer(t)
	r := connect(t, s)

	_, err := r.SendRequest("PUT", "/silent", nil, 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errs.RequestFailure, errs.CodeOf(err))
}
