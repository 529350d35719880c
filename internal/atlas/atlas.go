// Package atlas is the client for the directory/identity service: it issues
// and refreshes the JWT the rest of the library authenticates with, bootstraps
// relay accounts, proxies provisioning requests to an account's existing
// devices, and hands out TURN server info.
package atlas

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/events"
	"github.com/forstalabs/librelay/internal/store"
)

const defaultTimeout = 45 * time.Second

// Client talks to one Atlas instance on behalf of one account.
type Client struct {
	baseURL string
	http    *http.Client
	events  *events.Registry
	state   *store.State

	mu           sync.Mutex
	jwt          string
	refreshTimer *time.Timer
}

// NewClient builds an Atlas client. The JWT may be empty until Login or
// SetJWT. events may be nil for tools that don't observe credentials.
func NewClient(baseURL string, state *store.State, registry *events.Registry) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		events:  registry,
		state:   state,
	}
}

// URL returns the service base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// JWT returns the current token.
func (c *Client) JWT() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jwt
}

// SetJWT installs a token (e.g. one restored from the store) and schedules
// its refresh.
func (c *Client) SetJWT(token string) error {
	c.mu.Lock()
	c.jwt = token
	c.mu.Unlock()

	if c.state != nil {
		if err := c.state.SetString("", store.KeyJWT, token); err != nil {
			return err
		}
	}
	if c.events != nil {
		c.events.Emit(events.KindCredentialSet, &events.CredentialEvent{Token: token})
	}
	return c.scheduleRefresh(token)
}

// Login authenticates with a user tag and password and installs the issued JWT.
func (c *Client) Login(userTag, password string) error {
	status, body, err := c.fetch("POST", "/v1/login/", map[string]interface{}{
		"fq_tag":   userTag,
		"password": password,
	}, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errs.Reject(status, body, "login failed")
	}
	token, _ := body["token"].(string)
	if token == "" {
		return errs.New(errs.MalformedResponse, "login response without token")
	}
	return c.SetJWT(token)
}

// scheduleRefresh arms a timer at half the token's remaining TTL. Tokens
// without an exp claim are left alone.
func (c *Client) scheduleRefresh(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return errs.Wrap(errs.Configuration, "unparseable JWT", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}

	remaining := time.Until(exp.Time)
	if remaining <= 0 {
		if c.events != nil {
			c.events.Emit(events.KindCredentialExpired, &events.CredentialEvent{Token: token})
		}
		return errs.New(errs.Configuration, "JWT already expired")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(remaining/2, c.refreshJWT)
	return nil
}

func (c *Client) refreshJWT() {
	c.mu.Lock()
	current := c.jwt
	c.mu.Unlock()

	status, body, err := c.fetch("POST", "/v1/api-token-refresh/", map[string]interface{}{
		"token": current,
	}, false)
	if err != nil || status != http.StatusOK {
		log.Printf("[ATLAS] JWT refresh failed (status %d): %v", status, err)
		if c.events != nil {
			c.events.Emit(events.KindCredentialExpired, &events.CredentialEvent{Token: current})
		}
		return
	}
	token, _ := body["token"].(string)
	if token == "" {
		log.Printf("[ATLAS] JWT refresh returned no token")
		return
	}
	if err := c.SetJWT(token); err != nil {
		log.Printf("[ATLAS] failed to install refreshed JWT: %v", err)
	}
}

// Stop cancels the refresh timer.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
}

// AccountInfo is what Atlas returns when it provisions a relay account.
type AccountInfo struct {
	ServerURL string `json:"serverUrl"`
	UserID    string `json:"userId"`
	DeviceID  uint32 `json:"deviceId"`
}

// ProvisionAccount asks Atlas to create (or re-key) this account on the relay.
func (c *Client) ProvisionAccount(fields map[string]interface{}) (*AccountInfo, error) {
	status, body, err := c.fetch("PUT", "/v1/provision/account", fields, true)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, errs.Reject(status, body, "account provisioning failed")
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedResponse, "bad provisioning response", err)
	}
	var info AccountInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errs.Wrap(errs.MalformedResponse, "bad provisioning response", err)
	}
	if info.ServerURL == "" || info.UserID == "" {
		return nil, errs.New(errs.MalformedResponse, "provisioning response missing serverUrl/userId")
	}
	return &info, nil
}

// AccountInfo looks up the existing relay account for the authenticated user
// without re-keying it (the secondary-device bootstrap path).
func (c *Client) AccountInfo() (*AccountInfo, error) {
	status, body, err := c.fetch("GET", "/v1/provision/account", nil, true)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, errs.Reject(status, body, "account lookup failed")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedResponse, "bad account response", err)
	}
	var info AccountInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errs.Wrap(errs.MalformedResponse, "bad account response", err)
	}
	return &info, nil
}

// ProvisionRequest asks Atlas to broadcast a provisioning request (the new
// device's socket uuid and ephemeral public key) to the account's existing
// devices.
func (c *Client) ProvisionRequest(uuid string, ephemeralKey []byte) error {
	status, body, err := c.fetch("POST", "/v1/provision/request", map[string]interface{}{
		"uuid": uuid,
		"key":  base64.StdEncoding.EncodeToString(ephemeralKey),
	}, true)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return errs.Reject(status, body, "provision request failed")
	}
	return nil
}

// AuthenticatedUserID returns the user id baked into the current JWT.
func (c *Client) AuthenticatedUserID() (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.JWT(), claims); err != nil {
		return "", errs.Wrap(errs.Configuration, "unparseable JWT", err)
	}
	if id, ok := claims["user_id"].(string); ok && id != "" {
		return id, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errs.New(errs.Configuration, "JWT has no user id claim")
	}
	return sub, nil
}

// RTCServer is one TURN/STUN endpoint from the directory service.
type RTCServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// RTCServers fetches TURN info for call signalling.
func (c *Client) RTCServers() ([]RTCServer, error) {
	req, err := http.NewRequest("GET", c.baseURL+"/v1/rtc/servers", nil)
	if err != nil {
		return nil, errs.Wrap(errs.RequestFailure, "bad request", err)
	}
	req.Header.Set("Authorization", "JWT "+c.JWT())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.RequestFailure, "rtc servers fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Reject(resp.StatusCode, nil, "rtc servers fetch failed")
	}
	var servers []RTCServer
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return nil, errs.Wrap(errs.MalformedResponse, "bad rtc servers response", err)
	}
	return servers, nil
}

// fetch runs one JSON request and decodes the JSON response body (when any).
func (c *Client) fetch(method, path string, body map[string]interface{}, authed bool) (int, map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errs.Wrap(errs.RequestFailure, "request encoding failed", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, errs.Wrap(errs.RequestFailure, "bad request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "JWT "+c.JWT())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errs.Wrap(errs.RequestFailure, fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errs.Wrap(errs.RequestFailure, "response read failed", err)
	}
	decoded := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			// Some endpoints answer with bare text; surface it under a key.
			decoded = map[string]interface{}{"raw": string(raw)}
		}
	}
	return resp.StatusCode, decoded, nil
}
