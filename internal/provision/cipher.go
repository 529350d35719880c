// Package provision implements the ephemeral-key handshake that moves an
// account's long-term identity key from an existing device to a new one: the
// provisioning cipher shared by both roles, and the socket task the new
// device runs while it waits to be adopted.
package provision

import (
	"crypto/aes"

	"github.com/forstalabs/librelay/internal/crypto"
	"github.com/forstalabs/librelay/internal/errs"
)

const (
	provisionVersion = 0x01
	provisionInfo    = "TextSecure Provisioning Message"
)

// Cipher is the provisioning envelope cipher. Each side derives the same AES
// and MAC keys from an ECDH agreement between one long-lived ephemeral key
// (the new device's) and one throwaway key (the primary's).
type Cipher struct {
	keyPair *crypto.KeyPair
}

// NewCipher generates the ephemeral key pair the cipher operates with.
func NewCipher() (*Cipher, error) {
	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Cipher{keyPair: keyPair}, nil
}

// PublicKey returns our ephemeral public key in serialized (type-tagged) form.
func (c *Cipher) PublicKey() []byte {
	return crypto.SerializePublicKey(c.keyPair.PublicKey)
}

func (c *Cipher) deriveKeys(theirKey []byte) (aesKey, macKey []byte, err error) {
	theirPub, err := crypto.DeserializePublicKey(theirKey)
	if err != nil {
		return nil, nil, err
	}
	shared, err := crypto.SharedSecret(c.keyPair.PrivateKey, theirPub)
	if err != nil {
		return nil, nil, err
	}
	salt := make([]byte, 32)
	keys, err := crypto.HKDFSHA256(shared[:], salt, []byte(provisionInfo), 64)
	if err != nil {
		return nil, nil, err
	}
	return keys[:32], keys[32:], nil
}

// Encrypt seals plaintext to the peer's ephemeral public key. The envelope is
// [0x01 | iv(16) | AES-CBC ciphertext | HMAC-SHA256(32)] with the MAC over
// everything before it.
func (c *Cipher) Encrypt(theirKey, plaintext []byte) ([]byte, error) {
	aesKey, macKey, err := c.deriveKeys(theirKey)
	if err != nil {
		return nil, err
	}

	iv, err := crypto.RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(iv)+len(ciphertext)+32)
	out = append(out, provisionVersion)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, crypto.HMACSHA256(macKey, out)...)
	return out, nil
}

// Decrypt opens a provisioning envelope sealed to our ephemeral key.
func (c *Cipher) Decrypt(theirKey, message []byte) ([]byte, error) {
	if len(message) < 1+aes.BlockSize+32+aes.BlockSize {
		return nil, errs.Newf(errs.InvalidLength, "provisioning envelope too short: %d bytes", len(message))
	}
	if message[0] != provisionVersion {
		return nil, errs.Newf(errs.InvalidMessage, "bad provisioning envelope version %d", message[0])
	}

	aesKey, macKey, err := c.deriveKeys(theirKey)
	if err != nil {
		return nil, err
	}

	ivAndCiphertext := message[:len(message)-32]
	mac := message[len(message)-32:]
	if err := crypto.VerifyMAC(ivAndCiphertext, macKey, mac, 32); err != nil {
		return nil, err
	}

	iv := message[1 : 1+aes.BlockSize]
	ciphertext := message[1+aes.BlockSize : len(message)-32]
	return crypto.DecryptCBC(aesKey, iv, ciphertext)
}
