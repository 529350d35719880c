package account

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay/internal/atlas"
	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/payload"
	"github.com/forstalabs/librelay/internal/protocol"
	"github.com/forstalabs/librelay/internal/relay"
	"github.com/forstalabs/librelay/internal/store"
)

const testUserID = "11111111-1111-1111-1111-111111111111"

// fakeServices is a combined Atlas + relay double for account flows.
type fakeServices struct {
	server *httptest.Server

	mu              sync.Mutex
	preKeyCount     int
	keyUploads      []map[string]interface{}
	deviceRegs      []map[string]interface{}
	provisionPuts   []string // uuids
	provisionFound  bool     // whether PUT /v1/provisioning hits a socket
	assignedDevice  uint32
	provisionCh     chan provisionAnnounce
	provisionSocket *websocket.Conn
	socketUUID      string
}

type provisionAnnounce struct {
	uuid string
	key  []byte
}

func newFakeServices(t *testing.T) *fakeServices {
	t.Helper()
	f := &fakeServices{
		provisionFound: true,
		assignedDevice: 7,
		provisionCh:    make(chan provisionAnnounce, 1),
		socketUUID:     "prov-socket-1",
	}
	router := mux.NewRouter()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	// --- Atlas surface ---
	accountInfo := func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"serverUrl": f.server.URL,
			"userId":    testUserID,
			"deviceId":  1,
		})
	}
	router.HandleFunc("/v1/provision/account", accountInfo).Methods("PUT", "GET")
	router.HandleFunc("/v1/provision/request", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UUID string `json:"uuid"`
			Key  string `json:"key"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		key, _ := base64.StdEncoding.DecodeString(body.Key)
		f.provisionCh <- provisionAnnounce{uuid: body.UUID, key: key}
		w.Write([]byte("{}"))
	}).Methods("POST")

	// --- relay surface ---
	router.HandleFunc("/v2/keys", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.keyUploads = append(f.keyUploads, body)
		f.mu.Unlock()
		w.Write([]byte("{}"))
	}).Methods("PUT")
	router.HandleFunc("/v2/keys", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		count := f.preKeyCount
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]int{"count": count})
	}).Methods("GET")
	router.HandleFunc("/v1/devices/provisioning/code", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"verificationCode": "abc"})
	}).Methods("GET")
	router.HandleFunc("/v1/devices/{code}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		body["code"] = mux.Vars(r)["code"]
		f.deviceRegs = append(f.deviceRegs, body)
		device := f.assignedDevice
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]uint32{"deviceId": device})
	}).Methods("PUT")
	router.HandleFunc("/v1/provisioning/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.provisionPuts = append(f.provisionPuts, mux.Vars(r)["uuid"])
		found := f.provisionFound
		conn := f.provisionSocket
		f.mu.Unlock()
		if !found || conn == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Body string `json:"body"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		envelope, _ := base64.StdEncoding.DecodeString(body.Body)
		frame := &protocol.WebSocketMessage{
			Type: protocol.WebSocketTypeRequest,
			Request: &protocol.WebSocketRequest{
				Verb: "PUT", Path: "/v1/message", Body: envelope, ID: 2,
			},
		}
		conn.WriteMessage(websocket.BinaryMessage, frame.Marshal())
		w.WriteHeader(http.StatusNoContent)
	}).Methods("PUT")
	router.HandleFunc("/v1/websocket/provisioning/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.provisionSocket = conn
		f.mu.Unlock()

		addressMsg := &protocol.ProvisioningUUID{UUID: f.socketUUID}
		frame := &protocol.WebSocketMessage{
			Type: protocol.WebSocketTypeRequest,
			Request: &protocol.WebSocketRequest{
				Verb: "PUT", Path: "/v1/address", Body: addressMsg.Marshal(), ID: 1,
			},
		}
		conn.WriteMessage(websocket.BinaryMessage, frame.Marshal())
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func testJWT(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": testUserID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func newManager(t *testing.T, f *fakeServices) (*Manager, *store.State, *relay.Client) {
	t.Helper()
	state := store.NewState(store.NewMemoryBackend())
	atlasClient := atlas.NewClient(f.server.URL, state, nil)
	require.NoError(t, atlasClient.SetJWT(testJWT(t)))
	t.Cleanup(atlasClient.Stop)
	relayClient := relay.NewClient(f.server.URL, "", "")
	return NewManager(state, atlasClient, relayClient), state, relayClient
}

func TestRegisterFreshAccount(t *testing.T) {
	f := newFakeServices(t)
	m, state, _ := newManager(t, f)

	require.NoError(t, m.Register("dev-A"))

	addr, err := state.OwnAddress()
	require.NoError(t, err)
	assert.Equal(t, testUserID+".1", addr.String())

	// Exactly one upload with 100 prekeys and one signed prekey.
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.keyUploads, 1)
	upload := f.keyUploads[0]
	preKeys, _ := upload["preKeys"].([]interface{})
	assert.Len(t, preKeys, 100)
	signed, _ := upload["signedPreKey"].(map[string]interface{})
	require.NotNil(t, signed)
	assert.NotEmpty(t, signed["signature"])
	assert.NotEmpty(t, upload["identityKey"])

	// Credentials persisted for the socket and later runs.
	signalingKey, err := state.GetBytes("", store.KeySignalingKey)
	require.NoError(t, err)
	assert.Len(t, signalingKey, crypto.SignalingKeySize)
	registrationID, err := state.RegistrationID()
	require.NoError(t, err)
	assert.Less(t, registrationID, uint32(1<<14))
	_, err = state.IdentityKeyPair()
	assert.NoError(t, err)
}

func TestReRegisterDropsSessions(t *testing.T) {
	f := newFakeServices(t)
	m, state, _ := newManager(t, f)

	require.NoError(t, m.Register("dev-A"))
	require.NoError(t, state.StoreSession(store.NewAddress(uuid.New(), 2), []byte("old ratchet")))

	require.NoError(t, m.Register("dev-A-again"))
	keys, err := state.Keys("Sessions", "")
	require.NoError(t, err)
	assert.Empty(t, keys, "re-registration must invalidate peer sessions")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.keyUploads, 2, "all key material is replaced")
}

func TestAutoProvisionHappyPath(t *testing.T) {
	f := newFakeServices(t)

	// The primary device: an already-registered account whose identity key
	// will be handed over.
	primary, primaryState, _ := newManager(t, f)
	require.NoError(t, primary.Register("primary"))
	primaryIdentity, err := primaryState.IdentityKeyPair()
	require.NoError(t, err)

	// The new device asks to join; the fake primary answers the provisioning
	// request as soon as Atlas relays it.
	go func() {
		announce := <-f.provisionCh
		handled, err := primary.LinkDevice(&payload.ProvisionRequest{
			UUID: announce.uuid,
			Key:  announce.key,
		})
		if err != nil || !handled {
			t.Errorf("linkDevice failed: handled=%v err=%v", handled, err)
		}
	}()

	newDevice, newState, _ := newManager(t, f)
	require.NoError(t, newDevice.RegisterDevice("new laptop", 10*time.Second))

	// Same account, relay-assigned device id.
	addr, err := newState.OwnAddress()
	require.NoError(t, err)
	assert.Equal(t, testUserID+".7", addr.String())

	// The identity key survived the hand-over bit for bit.
	newIdentity, err := newState.IdentityKeyPair()
	require.NoError(t, err)
	assert.Equal(t, primaryIdentity.PrivateKey, newIdentity.PrivateKey)
	assert.Equal(t, primaryIdentity.PublicKey, newIdentity.PublicKey)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{f.socketUUID}, f.provisionPuts)
	require.Len(t, f.deviceRegs, 1)
	assert.Equal(t, "abc", f.deviceRegs[0]["code"])
	// Both the primary registration and the new device uploaded key batches.
	assert.Len(t, f.keyUploads, 2)
}

func TestLinkDeviceAnsweredElsewhere(t *testing.T) {
	f := newFakeServices(t)
	m, _, _ := newManager(t, f)
	require.NoError(t, m.Register("primary"))

	f.mu.Lock()
	f.provisionFound = false
	f.mu.Unlock()

	ephemeral, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	handled, err := m.LinkDevice(&payload.ProvisionRequest{UUID: "gone", Key: crypto.SerializePublicKey(ephemeral.PublicKey)})
	require.NoError(t, err, "a 404 is a race outcome, not an error")
	assert.False(t, handled)
}

func TestLinkDeviceRejectsMalformedRequest(t *testing.T) {
	f := newFakeServices(t)
	m, _, _ := newManager(t, f)

	_, err := m.LinkDevice(nil)
	assert.Error(t, err)
	_, err = m.LinkDevice(&payload.ProvisionRequest{UUID: "", Key: []byte{1}})
	assert.Error(t, err)
}

func TestRefillPreKeysWhenLow(t *testing.T) {
	f := newFakeServices(t)
	m, _, _ := newManager(t, f)
	require.NoError(t, m.Register("dev"))

	f.mu.Lock()
	f.preKeyCount = 3 // below the low-water mark
	f.mu.Unlock()
	require.NoError(t, m.RefillPreKeys())

	f.mu.Lock()
	uploads := len(f.keyUploads)
	f.mu.Unlock()
	assert.Equal(t, 2, uploads, "a low stock triggers a fresh batch")

	f.mu.Lock()
	f.preKeyCount = 80
	f.mu.Unlock()
	require.NoError(t, m.RefillPreKeys())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.keyUploads, 2, "a healthy stock uploads nothing")
}
