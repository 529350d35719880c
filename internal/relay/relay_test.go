package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
)

func TestHTTPURLNormalization(t *testing.T) {
	assert.Equal(t, "http://relay:8080", httpURL("ws://relay:8080"))
	assert.Equal(t, "https://relay", httpURL("wss://relay"))
	assert.Equal(t, "https://relay", httpURL("https://relay"))
}

func TestBasicAuthIsSent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "11111111-1111-1111-1111-111111111111.1", user)
		assert.Equal(t, "hunter2", pass)
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	c := NewClient(server.URL, "11111111-1111-1111-1111-111111111111.1", "hunter2")
	_, err := c.ProvisioningCode()
	assert.Error(t, err) // empty code, but auth was asserted above
}

func TestGetKeysWildcardEmptyDeviceList(t *testing.T) {
	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/*")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"identityKey": base64.StdEncoding.EncodeToString(crypto.SerializePublicKey(identity.PublicKey)),
			"devices":     []interface{}{},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "u", "p")
	bundles, err := c.GetKeysForAddr(uuid.New(), "")
	require.NoError(t, err, "an empty device list is a valid answer, not an error")
	assert.Empty(t, bundles)
}

func TestGetKeysParsesBundles(t *testing.T) {
	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	spk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	b64 := func(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"identityKey": b64(crypto.SerializePublicKey(identity.PublicKey)),
			"devices": []interface{}{
				map[string]interface{}{
					"deviceId":       2,
					"registrationId": 42,
					"preKey": map[string]interface{}{
						"keyId":     9,
						"publicKey": b64(crypto.SerializePublicKey(pk.PublicKey)),
					},
					"signedPreKey": map[string]interface{}{
						"keyId":     3,
						"publicKey": b64(crypto.SerializePublicKey(spk.PublicKey)),
						"signature": b64(make([]byte, 32)),
					},
				},
			},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "u", "p")
	bundles, err := c.GetKeysForAddr(uuid.New(), "2")
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	bundle := bundles[0]
	assert.Equal(t, uint32(2), bundle.DeviceID)
	assert.Equal(t, uint32(42), bundle.RegistrationID)
	assert.True(t, bundle.HasPreKey)
	assert.Equal(t, uint32(9), bundle.PreKeyID)
	assert.Equal(t, uint32(3), bundle.SignedPreKeyID)
	assert.Len(t, bundle.Signature, 32)
	assert.Equal(t, crypto.SerializePublicKey(identity.PublicKey), bundle.IdentityKey)
}

func TestDeliverRejectionCarriesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]interface{}{"staleDevices": []int{3}})
	}))
	defer server.Close()

	c := NewClient(server.URL, "u", "p")
	err := c.DeliverToUser(uuid.New(), nil, 123)
	require.Error(t, err)
	assert.Equal(t, 410, errs.StatusOf(err))
	stale, _ := errs.BodyOf(err)["staleDevices"].([]interface{})
	require.Len(t, stale, 1)
	assert.Equal(t, float64(3), stale[0])
}

func TestPutProvisioningOutcomes(t *testing.T) {
	status := http.StatusNoContent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	c := NewClient(server.URL, "u", "p")
	ok, err := c.PutProvisioning("uuid-1", []byte{1})
	require.NoError(t, err)
	assert.True(t, ok)

	// Another primary got there first.
	status = http.StatusNotFound
	ok, err = c.PutProvisioning("uuid-1", []byte{1})
	require.NoError(t, err)
	assert.False(t, ok)

	status = http.StatusBadRequest
	_, err = c.PutProvisioning("uuid-1", []byte{1})
	assert.Equal(t, 400, errs.StatusOf(err))
}

func TestAttachmentRoundTripThroughSignedURLs(t *testing.T) {
	var stored []byte
	router := mux.NewRouter()
	var serverURL string

	router.HandleFunc("/v1/attachments/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       77,
			"location": serverURL + "/signed/77",
		})
	}).Methods("GET")
	router.HandleFunc("/v1/attachments/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "77", mux.Vars(r)["id"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"location": serverURL + "/signed/77",
		})
	}).Methods("GET")
	router.HandleFunc("/signed/77", func(w http.ResponseWriter, r *http.Request) {
		stored, _ = io.ReadAll(r.Body)
	}).Methods("PUT")
	router.HandleFunc("/signed/77", func(w http.ResponseWriter, r *http.Request) {
		w.Write(stored)
	}).Methods("GET")

	server := httptest.NewServer(router)
	defer server.Close()
	serverURL = server.URL

	keys, err := crypto.RandomBytes(crypto.AttachmentKeySize)
	require.NoError(t, err)
	plaintext := []byte("attachment body")

	c := NewClient(server.URL, "u", "p")
	id, err := c.PutAttachment(plaintext, keys)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), id)
	require.NotEmpty(t, stored)
	assert.NotContains(t, string(stored), "attachment body", "ciphertext only on the wire")

	out, err := c.GetAttachment(id, keys)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestRegisterDevice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/devices/abc", r.URL.Path)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, false, body["supportsSms"])
		assert.Equal(t, true, body["fetchesMessages"])
		assert.Equal(t, "laptop", body["name"])
		fmt.Fprint(w, `{"deviceId": 7}`)
	}))
	defer server.Close()

	signalingKey := make([]byte, crypto.SignalingKeySize)
	c := NewClient(server.URL, "u", "p")
	deviceID, err := c.RegisterDevice("abc", signalingKey, 99, "laptop")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), deviceID)
}
