package ratchet

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/protocol"
	"github.com/forstalabs/librelay/internal/store"
)

type party struct {
	state    *store.State
	addr     store.Address
	identity *crypto.KeyPair
}

func newParty(t *testing.T, device uint32) *party {
	t.Helper()
	state := store.NewState(store.NewMemoryBackend())

	identity, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, state.SetIdentityKeyPair(identity))

	registrationID, err := crypto.RandomRegistrationID()
	require.NoError(t, err)
	require.NoError(t, state.SetRegistrationID(registrationID))

	addr := store.NewAddress(uuid.New(), device)
	require.NoError(t, state.SetOwnAddress(addr))
	return &party{state: state, addr: addr, identity: identity}
}

// bundleFor publishes a prekey bundle for p the way the relay would serve it.
func bundleFor(t *testing.T, p *party, withPreKey bool) *Bundle {
	t.Helper()

	spk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	spkPub := crypto.SerializePublicKey(spk.PublicKey)
	require.NoError(t, p.state.StoreSignedPreKey(&store.SignedPreKeyRecord{
		ID:         1,
		PublicKey:  spkPub,
		PrivateKey: spk.PrivateKey[:],
		Signature:  crypto.HMACSHA256(p.identity.PrivateKey[:], spkPub),
	}))

	registrationID, err := p.state.RegistrationID()
	require.NoError(t, err)
	bundle := &Bundle{
		IdentityKey:    crypto.SerializePublicKey(p.identity.PublicKey),
		RegistrationID: registrationID,
		DeviceID:       p.addr.DeviceID,
		SignedPreKeyID: 1,
		SignedPreKey:   spkPub,
		Signature:      crypto.HMACSHA256(p.identity.PrivateKey[:], spkPub),
	}
	if withPreKey {
		pk, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		require.NoError(t, p.state.StorePreKey(&store.PreKeyRecord{
			ID:         1,
			PublicKey:  crypto.SerializePublicKey(pk.PublicKey),
			PrivateKey: pk.PrivateKey[:],
		}))
		bundle.PreKeyID = 1
		bundle.HasPreKey = true
		bundle.PreKey = crypto.SerializePublicKey(pk.PublicKey)
	}
	return bundle
}

func TestSessionBootstrapAndBothDirections(t *testing.T) {
	alice := newParty(t, 1)
	bob := newParty(t, 2)

	aliceToBob := New(alice.state, bob.addr)
	require.NoError(t, aliceToBob.InitiateFromBundle(bundleFor(t, bob, true)))

	// First message rides a prekey-bundle envelope.
	m1 := protocol.Pad([]byte("hello bob"))
	r1, err := aliceToBob.Encrypt(m1)
	require.NoError(t, err)
	assert.Equal(t, protocol.EnvelopePreKeyBundle, r1.Type)
	bobRegistration, _ := bob.state.RegistrationID()
	assert.Equal(t, bobRegistration, r1.RemoteRegistrationID)

	bobToAlice := New(bob.state, alice.addr)
	out, err := bobToAlice.DecryptPreKey(r1.Body)
	require.NoError(t, err)
	assert.Equal(t, m1, out)

	// The one-time prekey is consumed.
	_, err = bob.state.LoadPreKey(1)
	assert.Error(t, err)

	// Until the peer answers, the initiator keeps wrapping in prekey bundles.
	r2, err := aliceToBob.Encrypt(protocol.Pad([]byte("still waiting")))
	require.NoError(t, err)
	assert.Equal(t, protocol.EnvelopePreKeyBundle, r2.Type)
	_, err = bobToAlice.DecryptPreKey(r2.Body)
	require.NoError(t, err)

	// Bob's reply uses the established session.
	reply := protocol.Pad([]byte("hi alice"))
	r3, err := bobToAlice.Encrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, protocol.EnvelopeCiphertext, r3.Type)

	out, err = New(alice.state, bob.addr).DecryptWhisper(r3.Body)
	require.NoError(t, err)
	assert.Equal(t, reply, out)

	// Having heard back, alice drops the bundle wrapper.
	r4, err := New(alice.state, bob.addr).Encrypt(protocol.Pad([]byte("ack")))
	require.NoError(t, err)
	assert.Equal(t, protocol.EnvelopeCiphertext, r4.Type)
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice := newParty(t, 1)
	bob := newParty(t, 2)

	aliceToBob := New(alice.state, bob.addr)
	require.NoError(t, aliceToBob.InitiateFromBundle(bundleFor(t, bob, true)))

	m1 := protocol.Pad([]byte("first"))
	m2 := protocol.Pad([]byte("second"))
	m3 := protocol.Pad([]byte("third"))
	r1, err := aliceToBob.Encrypt(m1)
	require.NoError(t, err)
	r2, err := aliceToBob.Encrypt(m2)
	require.NoError(t, err)
	r3, err := aliceToBob.Encrypt(m3)
	require.NoError(t, err)

	bobToAlice := New(bob.state, alice.addr)
	out, err := bobToAlice.DecryptPreKey(r3.Body)
	require.NoError(t, err)
	assert.Equal(t, m3, out)

	out, err = bobToAlice.DecryptPreKey(r1.Body)
	require.NoError(t, err)
	assert.Equal(t, m1, out)

	out, err = bobToAlice.DecryptPreKey(r2.Body)
	require.NoError(t, err)
	assert.Equal(t, m2, out)

	// A replay of an already-consumed counter fails.
	_, err = bobToAlice.DecryptPreKey(r2.Body)
	assert.Equal(t, errs.DuplicateMessage, errs.CodeOf(err))
}

func TestNoSession(t *testing.T) {
	alice := newParty(t, 1)
	stranger := store.NewAddress(uuid.New(), 1)

	_, err := New(alice.state, stranger).Encrypt(protocol.Pad([]byte("x")))
	assert.Equal(t, errs.NoSession, errs.CodeOf(err))

	_, err = New(alice.state, stranger).DecryptWhisper([]byte("0123456789"))
	assert.Equal(t, errs.NoSession, errs.CodeOf(err))
}

func TestUntrustedIdentityOnBundle(t *testing.T) {
	alice := newParty(t, 1)
	bob := newParty(t, 2)
	bundle := bundleFor(t, bob, true)

	conflicting, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, alice.state.SaveIdentity(bob.addr, crypto.SerializePublicKey(conflicting.PublicKey)))

	err = New(alice.state, bob.addr).InitiateFromBundle(bundle)
	assert.Equal(t, errs.UntrustedIdentity, errs.CodeOf(err))

	// Replacing the record (the recovery path) unblocks the bootstrap.
	require.NoError(t, alice.state.RemoveIdentity(bob.addr))
	assert.NoError(t, New(alice.state, bob.addr).InitiateFromBundle(bundle))
}

func TestUntrustedIdentityOnEncrypt(t *testing.T) {
	alice := newParty(t, 1)
	bob := newParty(t, 2)

	cipher := New(alice.state, bob.addr)
	require.NoError(t, cipher.InitiateFromBundle(bundleFor(t, bob, true)))

	// The trust record changes under an established session, e.g. the peer
	// re-registered and another code path stored the new key.
	conflicting, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, alice.state.SaveIdentity(bob.addr, crypto.SerializePublicKey(conflicting.PublicKey)))

	_, err = cipher.Encrypt(protocol.Pad([]byte("x")))
	assert.Equal(t, errs.UntrustedIdentity, errs.CodeOf(err))

	require.NoError(t, alice.state.RemoveIdentity(bob.addr))
	_, err = cipher.Encrypt(protocol.Pad([]byte("x")))
	assert.NoError(t, err)
}

func TestBadSignatureRejected(t *testing.T) {
	alice := newParty(t, 1)
	bob := newParty(t, 2)

	bundle := bundleFor(t, bob, true)
	bundle.Signature = bundle.Signature[:16]
	err := New(alice.state, bob.addr).InitiateFromBundle(bundle)
	assert.Equal(t, errs.InvalidSignature, errs.CodeOf(err))
}

func TestTamperedMessageRejected(t *testing.T) {
	alice := newParty(t, 1)
	bob := newParty(t, 2)

	aliceToBob := New(alice.state, bob.addr)
	require.NoError(t, aliceToBob.InitiateFromBundle(bundleFor(t, bob, false)))
	r, err := aliceToBob.Encrypt(protocol.Pad([]byte("payload")))
	require.NoError(t, err)

	r.Body[len(r.Body)-1] ^= 0x01
	_, err = New(bob.state, alice.addr).DecryptPreKey(r.Body)
	assert.Error(t, err)
}
