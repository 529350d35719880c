package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forstalabs/librelay/internal/errs"
)

func TestKeyAgreement(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := SharedSecret(alice.PrivateKey, bob.PublicKey)
	require.NoError(t, err)
	ba, err := SharedSecret(bob.PrivateKey, alice.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, ab, ba, "both sides must agree on the shared secret")
}

func TestPublicFromPrivate(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, PublicFromPrivate(kp.PrivateKey))
}

func TestSerializePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	serialized := SerializePublicKey(kp.PublicKey)
	assert.Len(t, serialized, 33)
	assert.Equal(t, byte(DjbType), serialized[0])

	out, err := DeserializePublicKey(serialized)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, out)

	// Bare 32-byte keys are accepted too.
	out, err = DeserializePublicKey(kp.PublicKey[:])
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, out)

	serialized[0] = 0x06
	_, err = DeserializePublicKey(serialized)
	assert.Error(t, err)
}

func TestCBCRoundTrip(t *testing.T) {
	key, _ := RandomBytes(32)
	iv, _ := RandomBytes(16)

	for _, n := range []int{0, 1, 15, 16, 17, 1000} {
		plaintext, _ := RandomBytes(n)
		ciphertext, err := EncryptCBC(key, iv, plaintext)
		require.NoError(t, err)
		assert.Equal(t, 0, len(ciphertext)%16)

		out, err := DecryptCBC(key, iv, ciphertext)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, out), "round trip failed for %d bytes", n)
	}
}

func TestDecryptCBCRejectsBadPadding(t *testing.T) {
	key, _ := RandomBytes(32)
	iv, _ := RandomBytes(16)
	ciphertext, err := EncryptCBC(key, iv, []byte("hello"))
	require.NoError(t, err)

	wrongKey, _ := RandomBytes(32)
	_, err = DecryptCBC(wrongKey, iv, ciphertext)
	assert.Error(t, err)

	_, err = DecryptCBC(key, iv, ciphertext[:8])
	assert.Equal(t, errs.InvalidLength, errs.CodeOf(err))
}

func TestCTRIsSymmetric(t *testing.T) {
	key, _ := RandomBytes(32)
	iv, _ := RandomBytes(16)
	plaintext := []byte("call signalling frame")

	ciphertext, err := EncryptCTR(key, iv, plaintext)
	require.NoError(t, err)
	assert.Len(t, ciphertext, len(plaintext), "CTR must not grow the frame")

	out, err := DecryptCTR(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestVerifyMACTruncated(t *testing.T) {
	key, _ := RandomBytes(20)
	data := []byte("framed message")

	mac := HMACSHA256(key, data)
	require.NoError(t, VerifyMAC(data, key, mac[:10], 10))

	mac[3] ^= 0xff
	err := VerifyMAC(data, key, mac[:10], 10)
	assert.Equal(t, errs.InvalidMAC, errs.CodeOf(err))

	err = VerifyMAC(data, key, mac[:9], 10)
	assert.Equal(t, errs.InvalidMAC, errs.CodeOf(err))
}

func TestRandomRegistrationID(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := RandomRegistrationID()
		require.NoError(t, err)
		assert.Less(t, id, uint32(1<<14), "registration ids are 14-bit")
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	keys, _ := RandomBytes(AttachmentKeySize)
	plaintext, _ := RandomBytes(1024)

	sealed, err := EncryptAttachment(plaintext, keys)
	require.NoError(t, err)

	out, err := DecryptAttachment(sealed, keys)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestAttachmentRejectsTamper(t *testing.T) {
	keys, _ := RandomBytes(AttachmentKeySize)
	sealed, err := EncryptAttachment([]byte("secret"), keys)
	require.NoError(t, err)

	sealed[20] ^= 0x01
	_, err = DecryptAttachment(sealed, keys)
	assert.Equal(t, errs.InvalidMAC, errs.CodeOf(err))

	_, err = DecryptAttachment(sealed, keys[:40])
	assert.Equal(t, errs.InvalidKey, errs.CodeOf(err))
}

func TestFrameRoundTrip(t *testing.T) {
	signalingKey, _ := RandomBytes(SignalingKeySize)
	plaintext := []byte("envelope bytes")

	framed, err := EncryptFrame(plaintext, signalingKey)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), framed[0])

	out, err := DecryptFrame(framed, signalingKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestFrameRejectsBadVersion(t *testing.T) {
	signalingKey, _ := RandomBytes(SignalingKeySize)
	framed, err := EncryptFrame([]byte("x"), signalingKey)
	require.NoError(t, err)

	framed[0] = 0x02
	_, err = DecryptFrame(framed, signalingKey)
	assert.Equal(t, errs.InvalidMessage, errs.CodeOf(err))
}

func TestFrameRejectsShortAndTampered(t *testing.T) {
	signalingKey, _ := RandomBytes(SignalingKeySize)

	_, err := DecryptFrame([]byte{0x01, 0x02}, signalingKey)
	assert.Equal(t, errs.InvalidLength, errs.CodeOf(err))

	framed, err := EncryptFrame([]byte("payload"), signalingKey)
	require.NoError(t, err)
	framed[len(framed)-1] ^= 0x01
	_, err = DecryptFrame(framed, signalingKey)
	assert.Equal(t, errs.InvalidMAC, errs.CodeOf(err))

	_, err = DecryptFrame(framed, signalingKey[:51])
	assert.Equal(t, errs.InvalidKey, errs.CodeOf(err))
}
