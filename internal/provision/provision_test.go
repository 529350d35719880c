package provision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/protocol"
)

func TestCipherRoundTrip(t *testing.T) {
	// The new device holds the long-lived ephemeral key; the primary encrypts
	// to it with a throwaway pair.
	newDevice, err := NewCipher()
	require.NoError(t, err)
	primary, err := NewCipher()
	require.NoError(t, err)

	for _, n := range []int{1, 16, 100, 4096} {
		plaintext, err := crypto.RandomBytes(n)
		require.NoError(t, err)

		sealed, err := primary.Encrypt(newDevice.PublicKey(), plaintext)
		require.NoError(t, err)
		assert.Equal(t, byte(0x01), sealed[0])

		out, err := newDevice.Decrypt(primary.PublicKey(), sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, out, "round trip failed for %d bytes", n)
	}
}

func TestCipherRejectsTamper(t *testing.T) {
	newDevice, err := NewCipher()
	require.NoError(t, err)
	primary, err := NewCipher()
	require.NoError(t, err)

	sealed, err := primary.Encrypt(newDevice.PublicKey(), []byte("identity key material"))
	require.NoError(t, err)

	tampered := append([]byte{}, sealed...)
	tampered[10] ^= 0x01
	_, err = newDevice.Decrypt(primary.PublicKey(), tampered)
	assert.Equal(t, errs.InvalidMAC, errs.CodeOf(err))

	tampered = append([]byte{}, sealed...)
	tampered[0] = 0x02
	_, err = newDevice.Decrypt(primary.PublicKey(), tampered)
	assert.Equal(t, errs.InvalidMessage, errs.CodeOf(err))

	_, err = newDevice.Decrypt(primary.PublicKey(), sealed[:20])
	assert.Equal(t, errs.InvalidLength, errs.CodeOf(err))

	// The wrong recipient cannot open it.
	eavesdropper, err := NewCipher()
	require.NoError(t, err)
	_, err = eavesdropper.Decrypt(primary.PublicKey(), sealed)
	assert.Error(t, err)
}

func TestTaskAnswersAddressAndMessage(t *testing.T) {
	cipher, err := NewCipher()
	require.NoError(t, err)

	var gotUUID string
	var gotKey []byte
	task := NewTask("http://relay", cipher, func(uuid string, key []byte) error {
		gotUUID = uuid
		gotKey = key
		return nil
	})

	addressMsg := &protocol.ProvisioningUUID{UUID: "socket-1"}
	resp := task.handleRequest(&protocol.WebSocketRequest{
		Verb: "PUT", Path: "/v1/address", Body: addressMsg.Marshal(), ID: 1,
	})
	assert.Equal(t, uint32(200), resp.Status)
	assert.Equal(t, "socket-1", gotUUID)
	assert.Equal(t, cipher.PublicKey(), gotKey)

	// A primary answers with a sealed envelope.
	primary, err := NewCipher()
	require.NoError(t, err)
	pm := &protocol.ProvisionMessage{
		IdentityKeyPrivate: make([]byte, 32),
		Addr:               "11111111-1111-1111-1111-111111111111.1",
		ProvisioningCode:   "abc",
	}
	body, err := primary.Encrypt(cipher.PublicKey(), pm.Marshal())
	require.NoError(t, err)
	envelope := &protocol.ProvisionEnvelope{PublicKey: primary.PublicKey(), Body: body}

	resp = task.handleRequest(&protocol.WebSocketRequest{
		Verb: "PUT", Path: "/v1/message", Body: envelope.Marshal(), ID: 2,
	})
	assert.Equal(t, uint32(200), resp.Status)

	result := <-task.waiter
	require.NoError(t, result.err)
	plaintext, err := cipher.Decrypt(result.envelope.PublicKey, result.envelope.Body)
	require.NoError(t, err)
	out, err := protocol.UnmarshalProvisionMessage(plaintext)
	require.NoError(t, err)
	assert.Equal(t, "abc", out.ProvisioningCode)
}

func TestTaskRejectsBadRequests(t *testing.T) {
	cipher, err := NewCipher()
	require.NoError(t, err)
	task := NewTask("http://relay", cipher, func(string, []byte) error { return nil })

	resp := task.handleRequest(&protocol.WebSocketRequest{Verb: "GET", Path: "/v1/address"})
	assert.Equal(t, uint32(400), resp.Status)

	resp = task.handleRequest(&protocol.WebSocketRequest{Verb: "PUT", Path: "/v1/other"})
	assert.Equal(t, uint32(404), resp.Status)
}

func TestCancelRejectsWaiter(t *testing.T) {
	cipher, err := NewCipher()
	require.NoError(t, err)
	task := NewTask("http://relay", cipher, func(string, []byte) error { return nil })

	task.Cancel()
	result := <-task.waiter
	assert.Equal(t, errs.Canceled, errs.CodeOf(result.err))

	// Late envelopes after cancellation are ignored.
	task.resolve(waiterResult{envelope: &protocol.ProvisionEnvelope{}})
	select {
	case <-task.waiter:
		t.Fatal("resolved twice")
	default:
	}
}
