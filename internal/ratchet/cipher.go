package ratchet

import (
	"bytes"
	"crypto/aes"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/protocol"
	"github.com/forstalabs/librelay/internal/store"
)

const macSize = 8

// Bundle is the prekey material fetched from the relay for one peer device.
type Bundle struct {
	IdentityKey    []byte
	RegistrationID uint32
	DeviceID       uint32
	PreKeyID       uint32
	HasPreKey      bool
	PreKey         []byte
	SignedPreKeyID uint32
	SignedPreKey   []byte
	Signature      []byte
}

// Cipher encrypts and decrypts for exactly one peer device, persisting the
// mutated session through the store on every operation.
type Cipher struct {
	state *store.State
	addr  store.Address
}

// EncryptResult carries the ciphertext, the envelope type it must ride under,
// and the peer's registration id for the delivery bundle.
type EncryptResult struct {
	Body                 []byte
	Type                 protocol.EnvelopeType
	RemoteRegistrationID uint32
}

// New binds a session cipher to one peer device.
func New(state *store.State, addr store.Address) *Cipher {
	return &Cipher{state: state, addr: addr}
}

// HasSession reports whether ratchet state exists for the peer device.
func (c *Cipher) HasSession() (bool, error) {
	return c.state.HasSession(c.addr)
}

// InitiateFromBundle builds a fresh outbound session from a prekey bundle.
// The first encrypts on the new session produce prekey-bundle envelopes until
// the peer answers. Raises untrustedIdentity when the bundle's identity key
// conflicts with the stored trust record.
func (c *Cipher) InitiateFromBundle(b *Bundle) error {
	if len(b.Signature) != 32 {
		return errs.Newf(errs.InvalidSignature, "bad signed prekey signature length %d", len(b.Signature))
	}
	trusted, err := c.state.IsTrustedIdentity(c.addr, b.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return errs.Newf(errs.UntrustedIdentity, "identity key changed for %s", c.addr)
	}

	ourIdentity, err := c.state.IdentityKeyPair()
	if err != nil {
		return errs.Wrap(errs.InvalidKey, "no identity key pair", err)
	}
	baseKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	theirIdentity, err := crypto.DeserializePublicKey(b.IdentityKey)
	if err != nil {
		return err
	}
	theirSignedPreKey, err := crypto.DeserializePublicKey(b.SignedPreKey)
	if err != nil {
		return err
	}

	// X3DH, initiator side
	dh1, err := crypto.SharedSecret(ourIdentity.PrivateKey, theirSignedPreKey)
	if err != nil {
		return err
	}
	dh2, err := crypto.SharedSecret(baseKey.PrivateKey, theirIdentity)
	if err != nil {
		return err
	}
	dh3, err := crypto.SharedSecret(baseKey.PrivateKey, theirSignedPreKey)
	if err != nil {
		return err
	}
	master := make([]byte, 0, 128)
	master = append(master, dh1[:]...)
	master = append(master, dh2[:]...)
	master = append(master, dh3[:]...)
	if b.HasPreKey {
		theirPreKey, err := crypto.DeserializePublicKey(b.PreKey)
		if err != nil {
			return err
		}
		dh4, err := crypto.SharedSecret(baseKey.PrivateKey, theirPreKey)
		if err != nil {
			return err
		}
		master = append(master, dh4[:]...)
	}

	root, sendChain, recvChain, err := deriveSessionKeys(master, true)
	if err != nil {
		return err
	}

	session := &sessionState{
		RemoteIdentity:       b.IdentityKey,
		RemoteRegistrationID: b.RegistrationID,
		RootKey:              root,
		SendChainKey:         sendChain,
		RecvChainKey:         recvChain,
		Fresh:                true,
		Pending: &pendingPreKey{
			PreKeyID:       b.PreKeyID,
			HasPreKeyID:    b.HasPreKey,
			SignedPreKeyID: b.SignedPreKeyID,
			BaseKey:        crypto.SerializePublicKey(baseKey.PublicKey),
		},
	}

	if err := c.state.SaveIdentity(c.addr, b.IdentityKey); err != nil {
		return err
	}
	return saveSession(c.state, c.addr, session)
}

// deriveSessionKeys expands the X3DH master secret into the root key and the
// two directional chain keys. initiator=true yields (send, recv) in the
// initiator's frame; the responder gets the mirror image.
func deriveSessionKeys(master []byte, initiator bool) (root, send, recv []byte, err error) {
	salt := make([]byte, 32)
	keys, err := crypto.HKDFSHA256(master, salt, []byte(infoSessionSetup), 96)
	if err != nil {
		return nil, nil, nil, err
	}
	root = keys[:32]
	if initiator {
		send, recv = keys[32:64], keys[64:96]
	} else {
		send, recv = keys[64:96], keys[32:64]
	}
	return root, send, recv, nil
}

// chainKeysTo walks a chain key forward and returns the 64-byte message keys
// (32 enc ∥ 32 mac) at each step up to and including target, plus the chain
// key after target.
func chainKeysTo(chainKey []byte, from, target uint32) (skipped map[uint32][]byte, msgKeys []byte, next []byte, err error) {
	if target < from {
		return nil, nil, nil, errs.Newf(errs.DuplicateMessage, "counter %d before chain position %d", target, from)
	}
	if target-from > maxSkip {
		return nil, nil, nil, errs.Newf(errs.InvalidMessage, "message counter %d too far ahead", target)
	}
	ck := chainKey
	skipped = make(map[uint32][]byte)
	for i := from; ; i++ {
		mk, err := crypto.HKDFSHA256(ck, nil, []byte(infoMessageKey), 64)
		if err != nil {
			return nil, nil, nil, err
		}
		ck, err = crypto.HKDFSHA256(ck, nil, []byte(infoChainKey), 32)
		if err != nil {
			return nil, nil, nil, err
		}
		if i == target {
			return skipped, mk, ck, nil
		}
		skipped[i] = mk
	}
}

// Encrypt encrypts one padded plaintext for the peer device. The session's
// remote identity is re-checked against the trust record on every call, so an
// identity change observed elsewhere surfaces here as untrustedIdentity.
func (c *Cipher) Encrypt(plaintext []byte) (*EncryptResult, error) {
	session, err := loadSession(c.state, c.addr)
	if err != nil {
		return nil, err
	}

	trusted, err := c.state.IsTrustedIdentity(c.addr, session.RemoteIdentity)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, errs.Newf(errs.UntrustedIdentity, "identity key changed for %s", c.addr)
	}
	if err := c.state.SaveIdentity(c.addr, session.RemoteIdentity); err != nil {
		return nil, err
	}

	_, msgKeys, nextChain, err := chainKeysTo(session.SendChainKey, session.SendCounter, session.SendCounter)
	if err != nil {
		return nil, err
	}
	encKey, macKey := msgKeys[:32], msgKeys[32:]

	iv, err := crypto.RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptCBC(encKey, iv, plaintext)
	if err != nil {
		return nil, errs.Wrap(errs.EncryptionError, "message encryption failed", err)
	}

	msg := &protocol.SignalMessage{
		Counter:    session.SendCounter,
		IV:         iv,
		Ciphertext: ciphertext,
	}
	serialized := msg.Marshal()
	serialized = append(serialized, crypto.HMACSHA256(macKey, serialized)[:macSize]...)

	result := &EncryptResult{
		Body:                 serialized,
		Type:                 protocol.EnvelopeCiphertext,
		RemoteRegistrationID: session.RemoteRegistrationID,
	}

	if session.Fresh && session.Pending != nil {
		ourIdentity, err := c.state.IdentityKeyPair()
		if err != nil {
			return nil, err
		}
		ourRegistrationID, err := c.state.RegistrationID()
		if err != nil {
			return nil, err
		}
		wrapped := &protocol.PreKeySignalMessage{
			RegistrationID: ourRegistrationID,
			PreKeyID:       session.Pending.PreKeyID,
			HasPreKeyID:    session.Pending.HasPreKeyID,
			SignedPreKeyID: session.Pending.SignedPreKeyID,
			BaseKey:        session.Pending.BaseKey,
			IdentityKey:    crypto.SerializePublicKey(ourIdentity.PublicKey),
			Message:        serialized,
		}
		result.Body = wrapped.Marshal()
		result.Type = protocol.EnvelopePreKeyBundle
	}

	session.SendChainKey = nextChain
	session.SendCounter++
	if err := saveSession(c.state, c.addr, session); err != nil {
		return nil, err
	}
	return result, nil
}

// DecryptWhisper decrypts a ciphertext envelope on an established session.
func (c *Cipher) DecryptWhisper(data []byte) ([]byte, error) {
	session, err := loadSession(c.state, c.addr)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.decryptWith(session, data)
	if err != nil {
		return nil, err
	}
	// The peer has our session; stop sending prekey bundles.
	session.Fresh = false
	session.Pending = nil
	if err := saveSession(c.state, c.addr, session); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (c *Cipher) decryptWith(session *sessionState, data []byte) ([]byte, error) {
	if len(data) <= macSize {
		return nil, errs.Newf(errs.InvalidLength, "message too short: %d bytes", len(data))
	}
	body, mac := data[:len(data)-macSize], data[len(data)-macSize:]

	msg, err := protocol.UnmarshalSignalMessage(body)
	if err != nil {
		return nil, err
	}

	var msgKeys []byte
	if cached, ok := session.Skipped[msg.Counter]; ok && msg.Counter < session.RecvCounter {
		msgKeys = cached
		delete(session.Skipped, msg.Counter)
	} else {
		skipped, mk, nextChain, err := chainKeysTo(session.RecvChainKey, session.RecvCounter, msg.Counter)
		if err != nil {
			return nil, err
		}
		if session.Skipped == nil {
			session.Skipped = make(map[uint32][]byte)
		}
		for k, v := range skipped {
			session.Skipped[k] = v
		}
		msgKeys = mk
		session.RecvChainKey = nextChain
		session.RecvCounter = msg.Counter + 1
	}
	encKey, macKey := msgKeys[:32], msgKeys[32:]

	if err := crypto.VerifyMAC(body, macKey, mac, macSize); err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptCBC(encKey, msg.IV, msg.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.DecryptionError, "message decryption failed", err)
	}
	return plaintext, nil
}

// DecryptPreKey handles a prekey-bundle envelope: it establishes the inbound
// session if needed (consuming the named one-time prekey) and decrypts the
// embedded message.
func (c *Cipher) DecryptPreKey(data []byte) ([]byte, error) {
	wrapped, err := protocol.UnmarshalPreKeySignalMessage(data)
	if err != nil {
		return nil, err
	}

	trusted, err := c.state.IsTrustedIdentity(c.addr, wrapped.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, errs.Newf(errs.UntrustedIdentity, "identity key changed for %s", c.addr)
	}

	session, err := loadSession(c.state, c.addr)
	if err != nil || !bytes.Equal(session.RemoteBaseKey, wrapped.BaseKey) {
		session, err = c.buildResponderSession(wrapped)
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := c.decryptWith(session, wrapped.Message)
	if err != nil {
		return nil, err
	}
	if err := c.state.SaveIdentity(c.addr, wrapped.IdentityKey); err != nil {
		return nil, err
	}
	if err := saveSession(c.state, c.addr, session); err != nil {
		return nil, err
	}

	// One-time prekeys are single-use; drop it once the session exists.
	if wrapped.HasPreKeyID {
		if err := c.state.RemovePreKey(wrapped.PreKeyID); err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

func (c *Cipher) buildResponderSession(wrapped *protocol.PreKeySignalMessage) (*sessionState, error) {
	ourIdentity, err := c.state.IdentityKeyPair()
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, "no identity key pair", err)
	}
	signedPreKey, err := c.state.LoadSignedPreKey(wrapped.SignedPreKeyID)
	if err != nil {
		return nil, err
	}

	theirIdentity, err := crypto.DeserializePublicKey(wrapped.IdentityKey)
	if err != nil {
		return nil, err
	}
	theirBaseKey, err := crypto.DeserializePublicKey(wrapped.BaseKey)
	if err != nil {
		return nil, err
	}
	var spkPriv [32]byte
	copy(spkPriv[:], signedPreKey.PrivateKey)

	// X3DH, responder side: mirror of the initiator's agreement
	dh1, err := crypto.SharedSecret(spkPriv, theirIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.SharedSecret(ourIdentity.PrivateKey, theirBaseKey)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.SharedSecret(spkPriv, theirBaseKey)
	if err != nil {
		return nil, err
	}
	master := make([]byte, 0, 128)
	master = append(master, dh1[:]...)
	master = append(master, dh2[:]...)
	master = append(master, dh3[:]...)
	if wrapped.HasPreKeyID {
		preKey, err := c.state.LoadPreKey(wrapped.PreKeyID)
		if err != nil {
			return nil, err
		}
		var pkPriv [32]byte
		copy(pkPriv[:], preKey.PrivateKey)
		dh4, err := crypto.SharedSecret(pkPriv, theirBaseKey)
		if err != nil {
			return nil, err
		}
		master = append(master, dh4[:]...)
	}

	root, sendChain, recvChain, err := deriveSessionKeys(master, false)
	if err != nil {
		return nil, err
	}

	return &sessionState{
		RemoteIdentity:       wrapped.IdentityKey,
		RemoteRegistrationID: wrapped.RegistrationID,
		RootKey:              root,
		SendChainKey:         sendChain,
		RecvChainKey:         recvChain,
		RemoteBaseKey:        wrapped.BaseKey,
	}, nil
}
