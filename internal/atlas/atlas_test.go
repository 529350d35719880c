package atlas

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/events"
	"github.com/forstalabs/librelay/internal/store"
)

func signedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestSetJWTPersistsAndEmits(t *testing.T) {
	state := store.NewState(store.NewMemoryBackend())
	registry := events.NewRegistry()
	defer registry.Close()

	got := make(chan *events.CredentialEvent, 1)
	registry.Subscribe(events.KindCredentialSet, func(raw interface{}) {
		got <- raw.(*events.CredentialEvent)
	})

	c := NewClient("http://atlas", state, registry)
	defer c.Stop()
	token := signedJWT(t, jwt.MapClaims{
		"user_id": "11111111-1111-1111-1111-111111111111",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, c.SetJWT(token))

	stored, err := state.GetString("", store.KeyJWT)
	require.NoError(t, err)
	assert.Equal(t, token, stored)

	select {
	case event := <-got:
		assert.Equal(t, token, event.Token)
	case <-time.After(2 * time.Second):
		t.Fatal("credential event not observed")
	}

	userID, err := c.AuthenticatedUserID()
	require.NoError(t, err)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", userID)
}

func TestSetJWTRejectsExpired(t *testing.T) {
	c := NewClient("http://atlas", nil, nil)
	token := signedJWT(t, jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()})
	err := c.SetJWT(token)
	assert.Equal(t, errs.Configuration, errs.CodeOf(err))
}

func TestProvisionAccount(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "PUT", r.Method)
		require.Equal(t, "/v1/provision/account", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"serverUrl": "ws://relay",
			"userId":    "11111111-1111-1111-1111-111111111111",
			"deviceId":  1,
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	token := signedJWT(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	require.NoError(t, c.SetJWT(token))
	defer c.Stop()

	info, err := c.ProvisionAccount(map[string]interface{}{"name": "dev"})
	require.NoError(t, err)
	assert.Equal(t, "ws://relay", info.ServerURL)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", info.UserID)
	assert.Equal(t, uint32(1), info.DeviceID)
	assert.Equal(t, "JWT "+token, gotAuth)
}

func TestProvisionAccountRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"nope"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	_, err := c.ProvisionAccount(nil)
	require.Error(t, err)
	assert.Equal(t, 403, errs.StatusOf(err))
	assert.Equal(t, "nope", errs.BodyOf(err)["error"])
}

func TestRTCServers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/rtc/servers", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"urls": []string{"turn:turn.example.com"}, "username": "u", "credential": "c"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	servers, err := c.RTCServers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"turn:turn.example.com"}, servers[0].URLs)
	assert.Equal(t, "u", servers[0].Username)
}
