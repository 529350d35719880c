package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/protocol"
)

// simDevice is one registered device and its delivery state.
type simDevice struct {
	deviceID       uint32
	registrationID uint32
	signalingKey   []byte
	password       string

	identityKey  string
	signedPreKey map[string]interface{}
	preKeys      []map[string]interface{}

	mu    sync.Mutex
	conn  *websocket.Conn
	queue [][]byte // framed envelopes awaiting a socket
}

// simAccount is one user with one or more devices.
type simAccount struct {
	userID  uuid.UUID
	devices map[uint32]*simDevice
}

type provisioningSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type simulator struct {
	externalURL string
	upgrader    websocket.Upgrader

	mu           sync.Mutex
	accounts     map[uuid.UUID]*simAccount
	codes        map[string]uuid.UUID // provisioning code -> user
	provisioning map[string]*provisioningSocket
	blobs        blobStore
	nextBlobID   uint64
	requestID    uint64
}

func newSimulator(externalURL string) *simulator {
	return &simulator{
		externalURL:  externalURL,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		accounts:     make(map[uuid.UUID]*simAccount),
		codes:        make(map[string]uuid.UUID),
		provisioning: make(map[string]*provisioningSocket),
		blobs:        newMemoryBlobStore(),
		nextBlobID:   1,
	}
}

func (s *simulator) install(router *mux.Router) {
	router.HandleFunc("/v1/accounts", s.handleCreateAccount).Methods("PUT")
	router.HandleFunc("/v2/keys", s.handlePutKeys).Methods("PUT")
	router.HandleFunc("/v2/keys", s.handleKeyCount).Methods("GET")
	router.HandleFunc("/v2/keys/{user}/{device}", s.handleGetKeys).Methods("GET")
	router.HandleFunc("/v1/messages/{user}/{device}", s.handleDeviceMessage).Methods("PUT")
	router.HandleFunc("/v1/messages/{user}", s.handleUserMessages).Methods("PUT")
	router.HandleFunc("/v1/attachments/", s.handleAllocateAttachment).Methods("GET")
	router.HandleFunc("/v1/attachments/{id}", s.handleGetAttachment).Methods("GET")
	router.HandleFunc("/blob/{id}", s.handlePutBlob).Methods("PUT")
	router.HandleFunc("/blob/{id}", s.handleGetBlob).Methods("GET")
	router.HandleFunc("/v1/devices/provisioning/code", s.handleProvisioningCode).Methods("GET")
	router.HandleFunc("/v1/devices/{code}", s.handleRegisterDevice).Methods("PUT")
	router.HandleFunc("/v1/provisioning/{uuid}", s.handlePutProvisioning).Methods("PUT")
	router.HandleFunc("/v1/websocket/", s.handleMessagingSocket)
	router.HandleFunc("/v1/websocket/provisioning/", s.handleProvisioningSocket)
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Printf("[RELAYSIM] response encoding failed: %v", err)
		}
	}
}

// authenticate resolves HTTP Basic "<uuid>.<device>:<password>" (or bare
// "<uuid>" during device registration) to an account and device.
func (s *simulator) authenticate(r *http.Request) (*simAccount, *simDevice, bool) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, nil, false
	}

	userPart := username
	deviceID := uint32(0)
	if dot := lastDot(username); dot > 0 {
		if parsed, err := strconv.ParseUint(username[dot+1:], 10, 32); err == nil {
			userPart = username[:dot]
			deviceID = uint32(parsed)
		}
	}
	userID, err := uuid.Parse(userPart)
	if err != nil {
		return nil, nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[userID]
	if !ok {
		return nil, nil, false
	}
	if deviceID == 0 {
		// Bare-uuid auth is only for the device registration handshake.
		return account, nil, true
	}
	device, ok := account.devices[deviceID]
	if !ok || device.password != password {
		return nil, nil, false
	}
	return account, device, true
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// handleCreateAccount registers a primary device. In production this arrives
// via the directory service; the bench calls it directly.
func (s *simulator) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID         string `json:"userId"`
		Password       string `json:"password"`
		SignalingKey   string `json:"signalingKey"`
		RegistrationID uint32 `json:"registrationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		userID = uuid.New()
	}
	signalingKey, err := base64.StdEncoding.DecodeString(body.SignalingKey)
	if err != nil || len(signalingKey) != crypto.SignalingKeySize {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad signaling key"})
		return
	}

	s.mu.Lock()
	account, ok := s.accounts[userID]
	if !ok {
		account = &simAccount{userID: userID, devices: make(map[uint32]*simDevice)}
		s.accounts[userID] = account
	}
	account.devices[1] = &simDevice{
		deviceID:       1,
		registrationID: body.RegistrationID,
		signalingKey:   signalingKey,
		password:       body.Password,
	}
	s.mu.Unlock()

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"serverUrl": s.externalURL,
		"userId":    userID.String(),
		"deviceId":  1,
	})
}

func (s *simulator) handlePutKeys(w http.ResponseWriter, r *http.Request) {
	_, device, ok := s.authenticate(r)
	if !ok || device == nil {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	var body struct {
		IdentityKey  string                   `json:"identityKey"`
		PreKeys      []map[string]interface{} `json:"preKeys"`
		SignedPreKey map[string]interface{}   `json:"signedPreKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}

	s.mu.Lock()
	device.identityKey = body.IdentityKey
	device.preKeys = body.PreKeys
	device.signedPreKey = body.SignedPreKey
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]string{})
}

func (s *simulator) handleKeyCount(w http.ResponseWriter, r *http.Request) {
	_, device, ok := s.authenticate(r)
	if !ok || device == nil {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	s.mu.Lock()
	count := len(device.preKeys)
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *simulator) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.authenticate(r); !ok {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	vars := mux.Vars(r)
	userID, err := uuid.Parse(vars["user"])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad user"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[userID]
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no such user"})
		return
	}

	wanted := func(*simDevice) bool { return true }
	if vars["device"] != "*" {
		id, err := strconv.ParseUint(vars["device"], 10, 32)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad device"})
			return
		}
		wanted = func(d *simDevice) bool { return d.deviceID == uint32(id) }
	}

	identityKey := ""
	devices := []map[string]interface{}{}
	for _, device := range account.devices {
		if !wanted(device) || device.identityKey == "" {
			continue
		}
		identityKey = device.identityKey
		entry := map[string]interface{}{
			"deviceId":       device.deviceID,
			"registrationId": device.registrationID,
			"signedPreKey":   device.signedPreKey,
		}
		// One-time prekeys are consumed by the fetch.
		if len(device.preKeys) > 0 {
			entry["preKey"] = device.preKeys[0]
			device.preKeys = device.preKeys[1:]
		}
		devices = append(devices, entry)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"identityKey": identityKey,
		"devices":     devices,
	})
}

type incomingBundle struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   string `json:"content"`
	Timestamp                 int64  `json:"timestamp"`
}

func (s *simulator) handleDeviceMessage(w http.ResponseWriter, r *http.Request) {
	senderAccount, senderDevice, ok := s.authenticate(r)
	if !ok || senderDevice == nil {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	vars := mux.Vars(r)
	userID, err := uuid.Parse(vars["user"])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad user"})
		return
	}
	deviceID, err := strconv.ParseUint(vars["device"], 10, 32)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad device"})
		return
	}
	var bundle incomingBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}

	s.mu.Lock()
	target := s.lookupDevice(userID, uint32(deviceID))
	s.mu.Unlock()
	if target == nil {
		respondJSON(w, http.StatusGone, map[string]interface{}{"staleDevices": []uint32{uint32(deviceID)}})
		return
	}
	if err := s.deliver(senderAccount.userID, senderDevice.deviceID, target, &bundle); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{})
}

func (s *simulator) handleUserMessages(w http.ResponseWriter, r *http.Request) {
	senderAccount, senderDevice, ok := s.authenticate(r)
	if !ok || senderDevice == nil {
		respondJSON(w, http.StatusUnauthorized, nil)
		return
	}
	userID, err := uuid.Parse(mux.Vars(r)["user"])
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad user"})
		return
	}
	var body struct {
		Messages  []incomingBundle `json:"messages"`
		Timestamp int64            `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}

	s.mu.Lock()
	account, ok := s.accounts[userID]
	if !ok {
		s.mu.Unlock()
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "no such user"})
		return
	}

	// Device-list drift: unknown destinations are extra (409); mismatched
	// registration ids are stale (410); registered devices missing from the
	// batch also force a 409 so the sender refreshes its session set.
	var extra, stale []uint32
	seen := make(map[uint32]bool)
	for _, bundle := range body.Messages {
		seen[bundle.DestinationDeviceID] = true
		device, ok := account.devices[bundle.DestinationDeviceID]
		if !ok {
			extra = append(extra, bundle.DestinationDeviceID)
			continue
		}
		// Bundles that carry a registration id must match the device's current one.
		if bundle.DestinationRegistrationID != 0 && bundle.DestinationRegistrationID != device.registrationID {
			stale = append(stale, bundle.DestinationDeviceID)
		}
	}
	missing := false
	for id, device := range account.devices {
		if !seen[id] && device.identityKey != "" && !(userID == senderAccount.userID && id == senderDevice.deviceID) {
			missing = true
		}
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		respondJSON(w, http.StatusGone, map[string]interface{}{"staleDevices": stale})
		return
	}
	if len(extra) > 0 || missing {
		if extra == nil {
			extra = []uint32{}
		}
		respondJSON(w, http.StatusConflict, map[string]interface{}{"extraDevices": extra})
		return
	}

	for i := range body.Messages {
		bundle := &body.Messages[i]
		s.mu.Lock()
		target := s.lookupDevice(userID, bundle.DestinationDeviceID)
		s.mu.Unlock()
		if target == nil {
			continue
		}
		if err := s.deliver(senderAccount.userID, senderDevice.deviceID, target, bundle); err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{})
}

// lookupDevice requires s.mu held.
func (s *simulator) lookupDevice(userID uuid.UUID, deviceID uint32) *simDevice {
	account, ok := s.accounts[userID]
	if !ok {
		return nil
	}
	return account.devices[deviceID]
}

// deliver frames one bundle as an envelope under the recipient's signaling
// key and pushes it down the recipient's socket, or queues it.
func (s *simulator) deliver(fromUser uuid.UUID, fromDevice uint32, target *simDevice, bundle *incomingBundle) error {
	content, err := base64.StdEncoding.DecodeString(bundle.Content)
	if err != nil {
		return fmt.Errorf("bad message content: %w", err)
	}
	envelope := &protocol.Envelope{
		Type:         protocol.EnvelopeType(bundle.Type),
		Source:       fromUser.String(),
		SourceDevice: fromDevice,
		Timestamp:    uint64(bundle.Timestamp),
		Content:      content,
	}
	framed, err := crypto.EncryptFrame(envelope.Marshal(), target.signalingKey)
	if err != nil {
		return fmt.Errorf("framing failed: %w", err)
	}

	target.mu.Lock()
	conn := target.conn
	if conn == nil {
		target.queue = append(target.queue, framed)
	}
	target.mu.Unlock()

	if conn != nil {
		return s.pushMessage(target, conn, framed)
	}
	return nil
}

func (s *simulator) nextRequestID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestID++
	return s.requestID
}

func (s *simulator) pushMessage(device *simDevice, conn *websocket.Conn, framed []byte) error {
	frame := &protocol.WebSocketMessage{
		Type: protocol.WebSocketTypeRequest,
		Request: &protocol.WebSocketRequest{
			Verb: "PUT",
			Path: "/api/v1/message",
			Body: framed,
			ID:   s.nextRequestID(),
		},
	}
	device.mu.Lock()
	defer device.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame.Marshal())
}
