// Package relay is the HTTP client for the message relay: key distribution,
// encrypted message delivery, attachments, and device provisioning endpoints.
// Every authenticated call uses HTTP Basic with "<address>:<password>" as
// negotiated at registration.
package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/ratchet"
	"github.com/forstalabs/librelay/internal/store"
)

const defaultTimeout = 45 * time.Second

// Client talks to one relay server on behalf of one device.
type Client struct {
	http *http.Client

	mu        sync.RWMutex
	serverURL string
	username  string
	password  string
}

// NewClient builds a relay client. Credentials may be empty until
// registration completes.
func NewClient(serverURL, username, password string) *Client {
	return &Client{
		http:      &http.Client{Timeout: defaultTimeout},
		serverURL: httpURL(serverURL),
		username:  username,
		password:  password,
	}
}

// UpdateCredentials swaps in newly negotiated credentials.
func (c *Client) UpdateCredentials(serverURL, username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverURL = httpURL(serverURL)
	c.username = username
	c.password = password
}

// ServerURL returns the relay base URL (http/https form).
func (c *Client) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverURL
}

// Credentials returns the Basic-auth pair for the socket query string.
func (c *Client) Credentials() (username, password string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.password
}

// httpURL normalizes ws:// and wss:// server urls to their HTTP form.
func httpURL(u string) string {
	switch {
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	}
	return u
}

// request runs one JSON round-trip. Non-2xx statuses come back as a status
// plus decoded body; the caller decides whether that is an error.
func (c *Client) request(method, path string, body interface{}) (int, map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errs.Wrap(errs.RequestFailure, "request encoding failed", err)
		}
		reader = bytes.NewReader(encoded)
	}

	c.mu.RLock()
	url := c.serverURL + path
	username, password := c.username, c.password
	c.mu.RUnlock()

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return 0, nil, errs.Wrap(errs.RequestFailure, "bad request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if username != "" {
		req.SetBasicAuth(username, password)
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
			decoded = map[string]interface{}{"raw": string(raw)}
		}
	}
	return resp.StatusCode, decoded, nil
}

// PreKeyUpload is the serialized form of PUT /v2/keys.
type PreKeyUpload struct {
	IdentityKey  string             `json:"identityKey"`
	PreKeys      []PreKeyEntry      `json:"preKeys"`
	SignedPreKey SignedPreKeyUpload `json:"signedPreKey"`
}

type PreKeyEntry struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type SignedPreKeyUpload struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

// PutKeys uploads the full key bundle: identity key, a prekey batch, and the
// current signed prekey.
func (c *Client) PutKeys(identityKey []byte, preKeys []*store.PreKeyRecord, signed *store.SignedPreKeyRecord) error {
	upload := PreKeyUpload{
		IdentityKey: base64.StdEncoding.EncodeToString(identityKey),
		SignedPreKey: SignedPreKeyUpload{
			KeyID:     signed.ID,
			PublicKey: base64.StdEncoding.EncodeToString(signed.PublicKey),
			Signature: base64.StdEncoding.EncodeToString(signed.Signature),
		},
	}
	for _, pk := range preKeys {
		upload.PreKeys = append(upload.PreKeys, PreKeyEntry{
			KeyID:     pk.ID,
			PublicKey: base64.StdEncoding.EncodeToString(pk.PublicKey),
		})
	}

	status, body, err := c.request("PUT", "/v2/keys", upload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return errs.Reject(status, body, "key upload failed")
	}
	return nil
}

// PreKeyCount asks the relay how many one-time prekeys it still holds for us.
func (c *Client) PreKeyCount() (int, error) {
	status, body, err := c.request("GET", "/v2/keys", nil)
	if err != nil {
		return 0, err
	}
	if status < 200 || status >= 300 {
		return 0, errs.Reject(status, body, "prekey count fetch failed")
	}
	count, _ := body["count"].(float64)
	return int(count), nil
}

// GetKeysForAddr fetches prekey bundles for a user. deviceID "" means the
// wildcard: one bundle per known device. An empty device list is a valid
// answer, not an error.
func (c *Client) GetKeysForAddr(userID uuid.UUID, deviceID string) ([]*ratchet.Bundle, error) {
	if deviceID == "" {
		deviceID = "*"
	}
	status, body, err := c.request("GET", fmt.Sprintf("/v2/keys/%s/%s", userID, deviceID), nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, errs.Reject(status, body, "prekey bundle fetch failed")
	}

	identityKey, err := b64Field(body, "identityKey")
	if err != nil {
		return nil, err
	}
	devices, _ := body["devices"].([]interface{})
	bundles := make([]*ratchet.Bundle, 0, len(devices))
	for _, raw := range devices {
		device, ok := raw.(map[string]interface{})
		if !ok {
			return nil, errs.New(errs.MalformedResponse, "bad device entry in key response")
		}
		bundle := &ratchet.Bundle{
			IdentityKey:    identityKey,
			RegistrationID: u32Field(device, "registrationId"),
			DeviceID:       u32Field(device, "deviceId"),
		}
		if pk, ok := device["preKey"].(map[string]interface{}); ok {
			key, err := b64Field(pk, "publicKey")
			if err != nil {
				return nil, err
			}
			bundle.PreKeyID = u32Field(pk, "keyId")
			bundle.PreKey = key
			bundle.HasPreKey = true
		}
		spk, ok := device["signedPreKey"].(map[string]interface{})
		if !ok {
			return nil, errs.New(errs.MalformedResponse, "device bundle without signed prekey")
		}
		key, err := b64Field(spk, "publicKey")
		if err != nil {
			return nil, err
		}
		sig, err := b64Field(spk, "signature")
		if err != nil {
			return nil, err
		}
		bundle.SignedPreKeyID = u32Field(spk, "keyId")
		bundle.SignedPreKey = key
		bundle.Signature = sig
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

func b64Field(m map[string]interface{}, key string) ([]byte, error) {
	s, _ := m[key].(string)
	if s == "" {
		return nil, errs.Newf(errs.MalformedResponse, "missing %s in response", key)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.MalformedResponse, "bad base64 in "+key, err)
	}
	return b, nil
}

func u32Field(m map[string]interface{}, key string) uint32 {
	f, _ := m[key].(float64)
	return uint32(f)
}

// MessageBundle is one encrypted message addressed to one device.
type MessageBundle struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   string `json:"content"` // base64
	Timestamp                 int64  `json:"timestamp"`
}

// DeliverToDevice PUTs one bundle to one specific device.
func (c *Client) DeliverToDevice(addr store.Address, bundle MessageBundle) error {
	path := fmt.Sprintf("/v1/messages/%s/%d", addr.UserID, addr.DeviceID)
	status, body, err := c.request("PUT", path, bundle)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return errs.Reject(status, body, "message delivery failed")
	}
	return nil
}

// DeliverToUser PUTs a batch of bundles and lets the relay multiplex to the
// user's devices. 409/410 responses carry the canonical device list and are
// surfaced as rejections for the sender's recovery machine.
func (c *Client) DeliverToUser(userID uuid.UUID, bundles []MessageBundle, timestamp int64) error {
	if bundles == nil {
		bundles = []MessageBundle{}
	}
	status, body, err := c.request("PUT", fmt.Sprintf("/v1/messages/%s", userID), map[string]interface{}{
		"messages":  bundles,
		"timestamp": timestamp,
	})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return errs.Reject(status, body, "message delivery failed")
	}
	return nil
}

// GetAttachment fetches and decrypts one attachment: the relay returns a
// signed URL, the blob store serves the ciphertext.
func (c *Client) GetAttachment(id uint64, keys []byte) ([]byte, error) {
	status, body, err := c.request("GET", fmt.Sprintf("/v1/attachments/%d", id), nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, errs.Reject(status, body, "attachment lookup failed")
	}
	location, _ := body["location"].(string)
	if location == "" {
		return nil, errs.New(errs.MalformedResponse, "attachment response without location")
	}

	resp, err := c.http.Get(location)
	if err != nil {
		return nil, errs.Wrap(errs.RequestFailure, "attachment fetch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Reject(resp.StatusCode, nil, "attachment fetch failed")
	}
	ciphertext, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.RequestFailure, "attachment read failed", err)
	}
	return crypto.DecryptAttachment(ciphertext, keys)
}

// PutAttachment encrypts and uploads an attachment, returning its relay id.
func (c *Client) PutAttachment(plaintext, keys []byte) (uint64, error) {
	ciphertext, err := crypto.EncryptAttachment(plaintext, keys)
	if err != nil {
		return 0, err
	}

	status, body, err := c.request("GET", "/v1/attachments/", nil)
	if err != nil {
		return 0, err
	}
	if status < 200 || status >= 300 {
		return 0, errs.Reject(status, body, "attachment allocation failed")
	}
	location, _ := body["location"].(string)
	idField, _ := body["id"].(float64)
	if location == "" || idField == 0 {
		return 0, errs.New(errs.MalformedResponse, "attachment allocation response incomplete")
	}

	req, err := http.NewRequest("PUT", location, bytes.NewReader(ciphertext))
	if err != nil {
		return 0, errs.Wrap(errs.RequestFailure, "bad upload request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errs.Wrap(errs.RequestFailure, "attachment upload failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, errs.Reject(resp.StatusCode, nil, "attachment upload failed")
	}
	return uint64(idField), nil
}

// ProvisioningCode fetches a one-time device verification code.
func (c *Client) ProvisioningCode() (string, error) {
	status, body, err := c.request("GET", "/v1/devices/provisioning/code", nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", errs.Reject(status, body, "provisioning code fetch failed")
	}
	code, _ := body["verificationCode"].(string)
	if code == "" {
		return "", errs.New(errs.MalformedResponse, "provisioning code response empty")
	}
	return code, nil
}

// PutProvisioning delivers an encrypted provisioning envelope to a waiting
// socket. Returns false when another primary device already answered (404).
func (c *Client) PutProvisioning(socketUUID string, envelope []byte) (bool, error) {
	status, body, err := c.request("PUT", "/v1/provisioning/"+socketUUID, map[string]interface{}{
		"body": base64.StdEncoding.EncodeToString(envelope),
	})
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status < 200 || status >= 300:
		return false, errs.Reject(status, body, "provisioning delivery failed")
	}
	return true, nil
}

// RegisterDevice finalizes a provisioned device with the relay and returns the
// assigned device id.
func (c *Client) RegisterDevice(code string, signalingKey []byte, registrationID uint32, name string) (uint32, error) {
	status, body, err := c.request("PUT", "/v1/devices/"+code, map[string]interface{}{
		"signalingKey":    base64.StdEncoding.EncodeToString(signalingKey),
		"supportsSms":     false,
		"fetchesMessages": true,
		"registrationId":  registrationID,
		"name":            name,
	})
	if err != nil {
		return 0, err
	}
	if status < 200 || status >= 300 {
		return 0, errs.Reject(status, body, "device registration failed")
	}
	deviceID, _ := body["deviceId"].(float64)
	if deviceID == 0 {
		return 0, errs.New(errs.MalformedResponse, "device registration response without deviceId")
	}
	return uint32(deviceID), nil
}
