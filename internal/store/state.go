package store

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
)

// Storage namespaces. The default namespace holds account-global scalars.
const (
	nsDefault       = ""
	nsPreKeys       = "PreKeys"
	nsSignedPreKeys = "SignedPreKeys"
	nsSessions      = "Sessions"
	nsIdentityKeys  = "IdentityKeys"
	nsUserRecords   = "UserRecords"
)

// Default-namespace keys.
const (
	KeyAtlasURL           = "atlasUrl"
	KeyServerURL          = "serverUrl"
	KeyAddr               = "addr"
	KeyDeviceLabel        = "name"
	KeySignalingKey       = "signalingKey"
	KeyPassword           = "password"
	KeyJWT                = "jwt"
	KeyIdentityPrivate    = "ourIdentityKeyPrivate"
	KeyIdentityPublic     = "ourIdentityKeyPublic"
	KeyRegistrationID     = "registrationId"
	KeyLastPreKeyID       = "LastPreKeyId"
	KeyLastSignedPreKeyID = "LastSignedPreKeyId"
)

// PreKeyRecord is a stored unsigned prekey.
type PreKeyRecord struct {
	ID         uint32 `json:"id"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

// SignedPreKeyRecord is a stored signed prekey.
type SignedPreKeyRecord struct {
	ID         uint32 `json:"id"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
	Signature  []byte `json:"signature"`
}

// State is the protocol-facing view of the store: the five namespaces plus the
// account-global scalars, with the key-material lifecycles from the protocol
// (monotonic prekey ids, trust-on-first-use identity records, prefix-scannable
// sessions) layered on top.
type State struct {
	*Store
}

// NewState wraps a backend in the protocol state layer.
func NewState(backend Backend) *State {
	return &State{Store: New(backend)}
}

// --- account scalars ---

func (s *State) SetIdentityKeyPair(kp *crypto.KeyPair) error {
	if err := s.SetBytes(nsDefault, KeyIdentityPrivate, kp.PrivateKey[:]); err != nil {
		return err
	}
	return s.SetBytes(nsDefault, KeyIdentityPublic, crypto.SerializePublicKey(kp.PublicKey))
}

func (s *State) IdentityKeyPair() (*crypto.KeyPair, error) {
	priv, err := s.GetBytes(nsDefault, KeyIdentityPrivate)
	if err != nil {
		return nil, err
	}
	if len(priv) != 32 {
		return nil, errs.New(errs.InvalidKey, "bad stored identity private key")
	}
	pub, err := s.GetBytes(nsDefault, KeyIdentityPublic)
	if err != nil {
		return nil, err
	}
	pubKey, err := crypto.DeserializePublicKey(pub)
	if err != nil {
		return nil, err
	}
	kp := &crypto.KeyPair{PublicKey: pubKey}
	copy(kp.PrivateKey[:], priv)
	return kp, nil
}

func (s *State) SetRegistrationID(id uint32) error {
	return s.SetUint32(nsDefault, KeyRegistrationID, id)
}

func (s *State) RegistrationID() (uint32, error) {
	return s.GetUint32(nsDefault, KeyRegistrationID)
}

func (s *State) SetOwnAddress(addr Address) error {
	return s.SetAddress(nsDefault, KeyAddr, addr)
}

func (s *State) OwnAddress() (Address, error) {
	return s.GetAddress(nsDefault, KeyAddr)
}

// --- prekeys ---

func preKeyKey(id uint32) string {
	return fmt.Sprintf("%d", id)
}

// NextPreKeyIDs reserves n consecutive prekey ids, continuing at lastId+1 with
// uint32 wraparound, and advances the lastId scalar.
func (s *State) NextPreKeyIDs(n uint32) (uint32, error) {
	last, err := s.GetUint32(nsDefault, KeyLastPreKeyID)
	if err != nil && err != ErrNotFound {
		return 0, err
	}
	start := last + 1 // wraps at 2^32 by construction
	if err := s.SetUint32(nsDefault, KeyLastPreKeyID, last+n); err != nil {
		return 0, err
	}
	return start, nil
}

// NextSignedPreKeyID reserves the next signed prekey id.
func (s *State) NextSignedPreKeyID() (uint32, error) {
	last, err := s.GetUint32(nsDefault, KeyLastSignedPreKeyID)
	if err != nil && err != ErrNotFound {
		return 0, err
	}
	next := last + 1
	if err := s.SetUint32(nsDefault, KeyLastSignedPreKeyID, next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *State) StorePreKey(rec *PreKeyRecord) error {
	return s.SetJSON(nsPreKeys, preKeyKey(rec.ID), rec)
}

func (s *State) LoadPreKey(id uint32) (*PreKeyRecord, error) {
	var rec PreKeyRecord
	if err := s.GetJSON(nsPreKeys, preKeyKey(id), &rec); err != nil {
		if err == ErrNotFound {
			return nil, errs.Newf(errs.InvalidID, "no such prekey %d", id)
		}
		return nil, err
	}
	return &rec, nil
}

func (s *State) RemovePreKey(id uint32) error {
	return s.Remove(nsPreKeys, preKeyKey(id))
}

func (s *State) StoreSignedPreKey(rec *SignedPreKeyRecord) error {
	return s.SetJSON(nsSignedPreKeys, preKeyKey(rec.ID), rec)
}

func (s *State) LoadSignedPreKey(id uint32) (*SignedPreKeyRecord, error) {
	var rec SignedPreKeyRecord
	if err := s.GetJSON(nsSignedPreKeys, preKeyKey(id), &rec); err != nil {
		if err == ErrNotFound {
			return nil, errs.Newf(errs.InvalidID, "no such signed prekey %d", id)
		}
		return nil, err
	}
	return &rec, nil
}

func (s *State) RemoveSignedPreKey(id uint32) error {
	return s.Remove(nsSignedPreKeys, preKeyKey(id))
}

// --- sessions ---

func (s *State) StoreSession(addr Address, blob []byte) error {
	return s.SetBytes(nsSessions, addr.String(), blob)
}

func (s *State) LoadSession(addr Address) ([]byte, error) {
	return s.GetBytes(nsSessions, addr.String())
}

func (s *State) HasSession(addr Address) (bool, error) {
	return s.Has(nsSessions, addr.String())
}

func (s *State) RemoveSession(addr Address) error {
	return s.Remove(nsSessions, addr.String())
}

// DeviceIDsForUser lists the device ids this account holds sessions with for
// one user, by prefix-scanning the session namespace.
func (s *State) DeviceIDsForUser(userID uuid.UUID) ([]uint32, error) {
	keys, err := s.Keys(nsSessions, userID.String()+".")
	if err != nil {
		return nil, err
	}
	deviceIDs := make([]uint32, 0, len(keys))
	for _, k := range keys {
		addr, err := ParseAddress(k)
		if err != nil {
			continue // foreign key in the namespace, skip
		}
		deviceIDs = append(deviceIDs, addr.DeviceID)
	}
	return deviceIDs, nil
}

// --- trust records ---

// IsTrustedIdentity implements trust-on-first-use: an absent record is trusted,
// a matching record is trusted, a mismatch is not (the caller replaces the
// record and notifies observers; nothing is blocked).
func (s *State) IsTrustedIdentity(addr Address, identityKey []byte) (bool, error) {
	stored, err := s.GetBytes(nsIdentityKeys, addr.String())
	if err == ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(stored, identityKey), nil
}

func (s *State) SaveIdentity(addr Address, identityKey []byte) error {
	return s.SetBytes(nsIdentityKeys, addr.String(), identityKey)
}

func (s *State) LoadIdentity(addr Address) ([]byte, error) {
	return s.GetBytes(nsIdentityKeys, addr.String())
}

func (s *State) RemoveIdentity(addr Address) error {
	return s.Remove(nsIdentityKeys, addr.String())
}

// --- user records ---

func (s *State) SetUserRecord(addr Address, record interface{}) error {
	return s.SetJSON(nsUserRecords, addr.String(), record)
}

func (s *State) GetUserRecord(addr Address, out interface{}) error {
	return s.GetJSON(nsUserRecords, addr.String(), out)
}
