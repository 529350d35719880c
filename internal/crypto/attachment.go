package crypto

import (
	"crypto/aes"

	"github.com/forstalabs/librelay/internal/errs"
)

// Attachment key material is 64 bytes: a 32-byte AES-CBC key followed by a
// 32-byte HMAC key. The envelope is [iv(16) | ciphertext | hmac(32)] where the
// MAC covers iv||ciphertext.

const (
	AttachmentKeySize = 64
	attachmentMACSize = 32
)

// EncryptAttachment encrypts plaintext attachment bytes under 64-byte key material.
func EncryptAttachment(plaintext, keys []byte) ([]byte, error) {
	if len(keys) != AttachmentKeySize {
		return nil, errs.Newf(errs.InvalidKey, "bad attachment key length %d", len(keys))
	}
	aesKey, macKey := keys[:32], keys[32:]

	iv, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	ciphertext, err := EncryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(iv)+len(ciphertext)+attachmentMACSize)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, HMACSHA256(macKey, out)...)
	return out, nil
}

// DecryptAttachment verifies the trailing MAC and decrypts the attachment body.
func DecryptAttachment(data, keys []byte) ([]byte, error) {
	if len(keys) != AttachmentKeySize {
		return nil, errs.Newf(errs.InvalidKey, "bad attachment key length %d", len(keys))
	}
	if len(data) < aes.BlockSize+attachmentMACSize+aes.BlockSize {
		return nil, errs.Newf(errs.InvalidLength, "attachment too short: %d bytes", len(data))
	}
	aesKey, macKey := keys[:32], keys[32:]

	ivAndCiphertext := data[:len(data)-attachmentMACSize]
	mac := data[len(data)-attachmentMACSize:]
	if err := VerifyMAC(ivAndCiphertext, macKey, mac, attachmentMACSize); err != nil {
		return nil, err
	}

	iv := ivAndCiphertext[:aes.BlockSize]
	ciphertext := ivAndCiphertext[aes.BlockSize:]
	return DecryptCBC(aesKey, iv, ciphertext)
}
