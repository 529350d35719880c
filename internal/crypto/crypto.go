package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/forstalabs/librelay/internal/errs"
)

// DjbType is the single-byte key-type tag that prefixes Curve25519 public keys
// on the wire. A serialized public key is always 33 bytes: 0x05 || key.
const DjbType = 0x05

// KeyPair is an X25519 key pair. PublicKey is the raw 32-byte point; use
// SerializePublicKey when it goes on the wire.
type KeyPair struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

// GenerateKeyPair generates a new X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var privateKey, publicKey [32]byte

	if _, err := io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return nil, errs.Wrap(errs.Unknown, "failed to generate private key", err)
	}

	// Clamp the private key according to the Curve25519 spec
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)

	return &KeyPair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

// PublicFromPrivate recomputes the public key for a private scalar. Used during
// provisioning, where only the identity private key crosses the wire.
func PublicFromPrivate(privateKey [32]byte) [32]byte {
	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return publicKey
}

// SerializePublicKey prefixes a raw public key with the DJB type byte.
func SerializePublicKey(publicKey [32]byte) []byte {
	out := make([]byte, 33)
	out[0] = DjbType
	copy(out[1:], publicKey[:])
	return out
}

// DeserializePublicKey accepts either a 33-byte tagged key or a bare 32-byte key.
func DeserializePublicKey(b []byte) ([32]byte, error) {
	var key [32]byte
	switch len(b) {
	case 33:
		if b[0] != DjbType {
			return key, errs.Newf(errs.InvalidKey, "unknown key type %d", b[0])
		}
		copy(key[:], b[1:])
	case 32:
		copy(key[:], b)
	default:
		return key, errs.Newf(errs.InvalidKey, "bad public key length %d", len(b))
	}
	return key, nil
}

// SharedSecret performs X25519 key agreement.
func SharedSecret(privateKey, publicKey [32]byte) ([32]byte, error) {
	secret, err := curve25519.X25519(privateKey[:], publicKey[:])
	if err != nil {
		return [32]byte{}, errs.Wrap(errs.InvalidKey, "key agreement failed", err)
	}
	var out [32]byte
	copy(out[:], secret)
	return out, nil
}

// HKDFSHA256 derives outputLength bytes with HKDF-SHA256.
func HKDFSHA256(inputKeyMaterial, salt, info []byte, outputLength int) ([]byte, error) {
	r := hkdf.New(sha256.New, inputKeyMaterial, salt, info)
	key := make([]byte, outputLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errs.Wrap(errs.Unknown, "failed to derive key", err)
	}
	return key, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errs.Wrap(errs.Unknown, "failed to read random bytes", err)
	}
	return b, nil
}

// RandomU64 returns a random request id for the socket protocol.
func RandomU64() (uint64, error) {
	b, err := RandomBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// RandomRegistrationID returns a random 14-bit registration id.
func RandomRegistrationID() (uint32, error) {
	b, err := RandomBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b) & 0x3fff, nil
}

// EncryptCBC encrypts plaintext with AES-CBC and PKCS#7 padding.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, "bad AES key", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, errs.Newf(errs.InvalidIV, "bad IV length %d", len(iv))
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptCBC decrypts AES-CBC ciphertext and strips PKCS#7 padding.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, "bad AES key", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, errs.Newf(errs.InvalidIV, "bad IV length %d", len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errs.Newf(errs.InvalidLength, "bad ciphertext length %d", len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	padLen := int(out[len(out)-1])
	if padLen < 1 || padLen > aes.BlockSize || padLen > len(out) {
		return nil, errs.New(errs.DecryptionError, "bad PKCS#7 padding")
	}
	for _, b := range out[len(out)-padLen:] {
		if int(b) != padLen {
			return nil, errs.New(errs.DecryptionError, "bad PKCS#7 padding")
		}
	}
	return out[:len(out)-padLen], nil
}

// EncryptCTR encrypts with AES-CTR. Used by the call-signalling path, where
// frames must not grow to a block boundary.
func EncryptCTR(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidKey, "bad AES key", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, errs.Newf(errs.InvalidIV, "bad IV length %d", len(iv))
	}
	out := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(out, plaintext)
	return out, nil
}

// DecryptCTR is EncryptCTR; CTR mode is symmetric.
func DecryptCTR(key, iv, ciphertext []byte) ([]byte, error) {
	return EncryptCTR(key, iv, ciphertext)
}

// HMACSHA256 computes an HMAC-SHA256 tag.
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyMAC checks a possibly-truncated HMAC-SHA256 tag in constant time.
func VerifyMAC(data, key, mac []byte, length int) error {
	if len(mac) != length {
		return errs.Newf(errs.InvalidMAC, "bad MAC length %d, want %d", len(mac), length)
	}
	calculated := HMACSHA256(key, data)
	if length > len(calculated) {
		return errs.Newf(errs.InvalidMAC, "MAC length %d exceeds digest size", length)
	}
	if !hmac.Equal(calculated[:length], mac) {
		return errs.New(errs.InvalidMAC, "bad MAC")
	}
	return nil
}

// Constant-time comparison helper for callers outside VerifyMAC.
func MACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
