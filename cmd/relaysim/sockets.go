package main

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/protocol"
)

// handleMessagingSocket authenticates via the query string, drains the
// device's offline queue, and then keeps the socket open for live delivery.
func (s *simulator) handleMessagingSocket(w http.ResponseWriter, r *http.Request) {
	login := r.URL.Query().Get("login")
	password := r.URL.Query().Get("password")
	fake := &http.Request{Header: http.Header{}}
	fake.SetBasicAuth(login, password)
	_, device, ok := s.authenticate(fake)
	if !ok || device == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[RELAYSIM] socket upgrade failed: %v", err)
		return
	}

	device.mu.Lock()
	device.conn = conn
	queued := device.queue
	device.queue = nil
	device.mu.Unlock()

	for _, framed := range queued {
		if err := s.pushMessage(device, conn, framed); err != nil {
			log.Printf("[RELAYSIM] queued delivery failed: %v", err)
		}
	}
	s.pushQueueEmpty(device, conn)

	// Drain client frames (responses and keepalives) until the peer leaves.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	device.mu.Lock()
	if device.conn == conn {
		device.conn = nil
	}
	device.mu.Unlock()
	conn.Close()
}

func (s *simulator) pushQueueEmpty(device *simDevice, conn *websocket.Conn) {
	frame := &protocol.WebSocketMessage{
		Type: protocol.WebSocketTypeRequest,
		Request: &protocol.WebSocketRequest{
			Verb: "PUT",
			Path: "/api/v1/queue/empty",
			ID:   s.nextRequestID(),
		},
	}
	device.mu.Lock()
	defer device.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Marshal()); err != nil {
		log.Printf("[RELAYSIM] queue-empty push failed: %v", err)
	}
}

// handleProvisioningSocket assigns the socket a routing uuid and tells the
// new device about it with a /v1/address request.
func (s *simulator) handleProvisioningSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[RELAYSIM] provisioning upgrade failed: %v", err)
		return
	}
	socketUUID := uuid.New().String()

	ps := &provisioningSocket{conn: conn}
	s.mu.Lock()
	s.provisioning[socketUUID] = ps
	s.mu.Unlock()

	addressMsg := &protocol.ProvisioningUUID{UUID: socketUUID}
	frame := &protocol.WebSocketMessage{
		Type: protocol.WebSocketTypeRequest,
		Request: &protocol.WebSocketRequest{
			Verb: "PUT",
			Path: "/v1/address",
			Body: addressMsg.Marshal(),
			ID:   s.nextRequestID(),
		},
	}
	ps.mu.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = conn.WriteMessage(websocket.BinaryMessage, frame.Marshal())
	ps.mu.Unlock()
	if err != nil {
		log.Printf("[RELAYSIM] provisioning address push failed: %v", err)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.provisioning, socketUUID)
	s.mu.Unlock()
	conn.Close()
}

// handlePutProvisioning routes a sealed provisioning envelope from a primary
// device to the waiting socket. 404 when the socket is gone (someone else
// answered, or the new device gave up).
func (s *simulator) handlePutProvisioning(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(r); !ok {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	socketUUID := mux.Vars(r)["uuid"]

	var body struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}
	envelope, err := base64.StdEncoding.DecodeString(body.Body)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad envelope"})
		return
	}

	s.mu.Lock()
	ps := s.provisioning[socketUUID]
	delete(s.provisioning, socketUUID)
	s.mu.Unlock()
	if ps == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no such provisioning socket"})
		return
	}

	frame := &protocol.WebSocketMessage{
		Type: protocol.WebSocketTypeRequest,
		Request: &protocol.WebSocketRequest{
			Verb: "PUT",
			Path: "/v1/message",
			Body: envelope,
			ID:   s.nextRequestID(),
		},
	}
	ps.mu.Lock()
	ps.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = ps.conn.WriteMessage(websocket.BinaryMessage, frame.Marshal())
	ps.mu.Unlock()
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "delivery failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProvisioningCode hands a primary device a one-time code for adopting
// a new device.
func (s *simulator) handleProvisioningCode(w http.ResponseWriter, r *http.Request) {
	account, device, ok := s.authenticate(r)
	if !ok || device == nil {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	raw, err := crypto.RandomBytes(4)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, nil)
		return
	}
	code := base64.RawURLEncoding.EncodeToString(raw)

	s.mu.Lock()
	s.codes[code] = account.userID
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]string{"verificationCode": code})
}

// handleRegisterDevice finalizes a provisioned secondary device.
func (s *simulator) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	userID, err := uuid.Parse(username)
	if err != nil {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "device registration uses bare-uuid auth"})
		return
	}
	code := mux.Vars(r)["code"]

	var body struct {
		SignalingKey   string `json:"signalingKey"`
		RegistrationID uint32 `json:"registrationId"`
		Name           string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}
	signalingKey, err := base64.StdEncoding.DecodeString(body.SignalingKey)
	if err != nil || len(signalingKey) != crypto.SignalingKeySize {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad signaling key"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.codes[code]
	if !ok || owner != userID {
		respondJSON(w, http.StatusForbidden, map[string]string{"error": "bad provisioning code"})
		return
	}
	delete(s.codes, code)

	account := s.accounts[owner]
	next := uint32(1)
	for id := range account.devices {
		if id >= next {
			next = id + 1
		}
	}
	account.devices[next] = &simDevice{
		deviceID:       next,
		registrationID: body.RegistrationID,
		signalingKey:   signalingKey,
		password:       password,
	}
	respondJSON(w, http.StatusOK, map[string]uint32{"deviceId": next})
}
