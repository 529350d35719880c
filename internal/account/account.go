// Package account manages the device's registered identity: fresh primary
// registration, secondary-device autoprovisioning, primary-side device
// linking, and prekey stock upkeep.
package account

import (
	"encoding/base64"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/atlas"
	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/metrics"
	"github.com/forstalabs/librelay/internal/payload"
	"github.com/forstalabs/librelay/internal/protocol"
	"github.com/forstalabs/librelay/internal/provision"
	"github.com/forstalabs/librelay/internal/relay"
	"github.com/forstalabs/librelay/internal/store"
)

const (
	// preKeyBatchSize is how many one-time prekeys a registration uploads.
	preKeyBatchSize = 100

	// preKeyLowWater triggers a refill when the relay's stock drops below it.
	preKeyLowWater = 10

	userAgent = "librelay-go"
)

// Manager drives account lifecycle operations.
type Manager struct {
	state *store.State
	atlas *atlas.Client
	relay *relay.Client

	mu   sync.Mutex
	task *provision.Task
}

// NewManager builds an account manager.
func NewManager(state *store.State, atlasClient *atlas.Client, relayClient *relay.Client) *Manager {
	return &Manager{state: state, atlas: atlasClient, relay: relayClient}
}

// Register creates (or re-keys) this account as a primary device. Calling it
// again replaces all key material and invalidates every peer session.
func (m *Manager) Register(label string) error {
	signalingKey, err := crypto.RandomBytes(crypto.SignalingKeySize)
	if err != nil {
		return err
	}
	password, err := newPassword()
	if err != nil {
		return err
	}
	registrationID, err := crypto.RandomRegistrationID()
	if err != nil {
		return err
	}

	info, err := m.atlas.ProvisionAccount(map[string]interface{}{
		"signalingKey":    base64.StdEncoding.EncodeToString(signalingKey),
		"supportsSms":     false,
		"fetchesMessages": true,
		"registrationId":  registrationID,
		"name":            label,
		"password":        password,
	})
	if err != nil {
		return err
	}
	userID, err := uuid.Parse(info.UserID)
	if err != nil {
		return errs.Wrap(errs.MalformedResponse, "bad userId from directory service", err)
	}
	deviceID := info.DeviceID
	if deviceID == 0 {
		deviceID = 1
	}
	addr := store.NewAddress(userID, deviceID)

	identity, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := m.persistCredentials(addr, identity, info.ServerURL, signalingKey, password, registrationID, label); err != nil {
		return err
	}

	// A re-registration orphans every existing ratchet; drop them so peers
	// re-bootstrap from the new prekeys.
	if err := m.clearSessions(); err != nil {
		return err
	}

	m.relay.UpdateCredentials(info.ServerURL, addr.String(), password)
	return m.generateAndUploadKeys(identity, preKeyBatchSize)
}

// RegisterDevice provisions this process as a secondary device: it opens the
// provisioning socket and waits (up to timeout; zero waits forever) for an
// existing device to hand over the identity key.
func (m *Manager) RegisterDevice(label string, timeout time.Duration) error {
	info, err := m.atlas.AccountInfo()
	if err != nil {
		return err
	}

	cipher, err := provision.NewCipher()
	if err != nil {
		return err
	}
	task := provision.NewTask(info.ServerURL, cipher, m.atlas.ProvisionRequest)
	m.mu.Lock()
	m.task = task
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.task = nil
		m.mu.Unlock()
	}()

	pm, err := task.Run(timeout)
	if err != nil {
		return err
	}

	// The envelope must come from our own account: a foreign device handing
	// us its identity key is an attack, not a provisioning flow.
	ownerAddr, err := store.ParseAddress(pm.Addr)
	if err != nil {
		return err
	}
	authedUser, err := m.atlas.AuthenticatedUserID()
	if err != nil {
		return err
	}
	if ownerAddr.UserID.String() != authedUser || info.UserID != authedUser {
		return errs.New(errs.InvalidMessage, "provisioning envelope from foreign account")
	}

	if len(pm.IdentityKeyPrivate) != 32 {
		return errs.New(errs.InvalidKey, "bad identity key in provisioning message")
	}
	identity := &crypto.KeyPair{}
	copy(identity.PrivateKey[:], pm.IdentityKeyPrivate)
	identity.PublicKey = crypto.PublicFromPrivate(identity.PrivateKey)

	signalingKey, err := crypto.RandomBytes(crypto.SignalingKeySize)
	if err != nil {
		return err
	}
	password, err := newPassword()
	if err != nil {
		return err
	}
	registrationID, err := crypto.RandomRegistrationID()
	if err != nil {
		return err
	}

	m.relay.UpdateCredentials(info.ServerURL, info.UserID, password)
	deviceID, err := m.relay.RegisterDevice(pm.ProvisioningCode, signalingKey, registrationID, label)
	if err != nil {
		return err
	}

	addr := store.NewAddress(ownerAddr.UserID, deviceID)
	if err := m.persistCredentials(addr, identity, info.ServerURL, signalingKey, password, registrationID, label); err != nil {
		return err
	}
	m.relay.UpdateCredentials(info.ServerURL, addr.String(), password)
	return m.generateAndUploadKeys(identity, preKeyBatchSize)
}

// CancelProvisioning aborts an in-flight RegisterDevice.
func (m *Manager) CancelProvisioning() {
	m.mu.Lock()
	task := m.task
	m.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// LinkDevice is the primary-device side: on a provisioning request from one
// of our other (new) devices, fetch a one-time code, seal our identity key to
// the new device's ephemeral key, and deliver it. Returns false when another
// primary answered first.
func (m *Manager) LinkDevice(request *payload.ProvisionRequest) (bool, error) {
	if request == nil || request.UUID == "" || len(request.Key) == 0 {
		return false, errs.New(errs.InvalidPayload, "malformed provision request")
	}

	code, err := m.relay.ProvisioningCode()
	if err != nil {
		return false, err
	}
	ownAddr, err := m.state.OwnAddress()
	if err != nil {
		return false, errs.Wrap(errs.Configuration, "account not registered", err)
	}
	identity, err := m.state.IdentityKeyPair()
	if err != nil {
		return false, errs.Wrap(errs.Configuration, "no identity key pair", err)
	}

	pm := &protocol.ProvisionMessage{
		IdentityKeyPrivate: identity.PrivateKey[:],
		Addr:               ownAddr.String(),
		ProvisioningCode:   code,
		UserAgent:          userAgent,
	}
	cipher, err := provision.NewCipher()
	if err != nil {
		return false, err
	}
	body, err := cipher.Encrypt(request.Key, pm.Marshal())
	if err != nil {
		return false, err
	}
	envelope := &protocol.ProvisionEnvelope{
		PublicKey: cipher.PublicKey(),
		Body:      body,
	}
	return m.relay.PutProvisioning(request.UUID, envelope.Marshal())
}

// RefillPreKeys tops up the relay's one-time prekey stock and rotates the
// signed prekey when the stock runs low.
func (m *Manager) RefillPreKeys() error {
	count, err := m.relay.PreKeyCount()
	if err != nil {
		return err
	}
	if count >= preKeyLowWater {
		return nil
	}
	identity, err := m.state.IdentityKeyPair()
	if err != nil {
		return errs.Wrap(errs.Configuration, "no identity key pair", err)
	}
	log.Printf("[ACCOUNT] prekey stock low (%d), uploading a fresh batch", count)
	return m.generateAndUploadKeys(identity, preKeyBatchSize)
}

func (m *Manager) persistCredentials(addr store.Address, identity *crypto.KeyPair, serverURL string, signalingKey []byte, password string, registrationID uint32, label string) error {
	if err := m.state.SetIdentityKeyPair(identity); err != nil {
		return err
	}
	if err := m.state.SetRegistrationID(registrationID); err != nil {
		return err
	}
	if err := m.state.SetOwnAddress(addr); err != nil {
		return err
	}
	if err := m.state.SetString("", store.KeyServerURL, serverURL); err != nil {
		return err
	}
	if err := m.state.SetString("", store.KeyAtlasURL, m.atlas.URL()); err != nil {
		return err
	}
	if err := m.state.SetBytes("", store.KeySignalingKey, signalingKey); err != nil {
		return err
	}
	if err := m.state.SetString("", store.KeyPassword, password); err != nil {
		return err
	}
	return m.state.SetString("", store.KeyDeviceLabel, label)
}

func (m *Manager) clearSessions() error {
	keys, err := m.state.Keys("Sessions", "")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.state.Remove("Sessions", key); err != nil {
			return err
		}
	}
	return nil
}

// generateAndUploadKeys builds a prekey batch plus a fresh signed prekey,
// persists them, and uploads the public halves.
func (m *Manager) generateAndUploadKeys(identity *crypto.KeyPair, n uint32) error {
	startID, err := m.state.NextPreKeyIDs(n)
	if err != nil {
		return err
	}
	preKeys := make([]*store.PreKeyRecord, 0, n)
	for i := uint32(0); i < n; i++ {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		rec := &store.PreKeyRecord{
			ID:         startID + i,
			PublicKey:  crypto.SerializePublicKey(kp.PublicKey),
			PrivateKey: kp.PrivateKey[:],
		}
		if err := m.state.StorePreKey(rec); err != nil {
			return err
		}
		preKeys = append(preKeys, rec)
	}
	metrics.PreKeysGenerated.Add(float64(n))

	signedID, err := m.state.NextSignedPreKeyID()
	if err != nil {
		return err
	}
	spk, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	serialized := crypto.SerializePublicKey(spk.PublicKey)
	signed := &store.SignedPreKeyRecord{
		ID:         signedID,
		PublicKey:  serialized,
		PrivateKey: spk.PrivateKey[:],
		Signature:  crypto.HMACSHA256(identity.PrivateKey[:], serialized),
	}
	if err := m.state.StoreSignedPreKey(signed); err != nil {
		return err
	}

	return m.relay.PutKeys(crypto.SerializePublicKey(identity.PublicKey), preKeys, signed)
}

func newPassword() (string, error) {
	raw, err := crypto.RandomBytes(16)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}
