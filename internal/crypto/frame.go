package crypto

import (
	"crypto/aes"

	"github.com/forstalabs/librelay/internal/errs"
)

// Socket frame confidentiality. Inbound websocket message bodies from the relay
// are wrapped as [version(1)=0x01 | iv(16) | AES-CBC ciphertext | mac(10)]
// under the 52-byte signaling key negotiated at registration: a 32-byte AES key
// followed by a 20-byte MAC key. The truncated MAC covers version|iv|ciphertext.

const (
	SignalingKeySize = 52
	frameVersion     = 0x01
	frameMACSize     = 10
)

// DecryptFrame unwraps an inbound relay socket frame.
func DecryptFrame(data, signalingKey []byte) ([]byte, error) {
	if len(signalingKey) != SignalingKeySize {
		return nil, errs.Newf(errs.InvalidKey, "bad signaling key length %d", len(signalingKey))
	}
	if len(data) < 1+aes.BlockSize+frameMACSize {
		return nil, errs.Newf(errs.InvalidLength, "frame too short: %d bytes", len(data))
	}
	if data[0] != frameVersion {
		return nil, errs.Newf(errs.InvalidMessage, "bad frame version %d", data[0])
	}
	aesKey, macKey := signalingKey[:32], signalingKey[32:]

	authed := data[:len(data)-frameMACSize]
	mac := data[len(data)-frameMACSize:]
	if err := VerifyMAC(authed, macKey, mac, frameMACSize); err != nil {
		return nil, err
	}

	iv := authed[1 : 1+aes.BlockSize]
	ciphertext := authed[1+aes.BlockSize:]
	return DecryptCBC(aesKey, iv, ciphertext)
}

// EncryptFrame produces a relay socket frame. The client only consumes frames;
// this direction exists for the relay simulator and the receiver tests.
func EncryptFrame(plaintext, signalingKey []byte) ([]byte, error) {
	if len(signalingKey) != SignalingKeySize {
		return nil, errs.Newf(errs.InvalidKey, "bad signaling key length %d", len(signalingKey))
	}
	aesKey, macKey := signalingKey[:32], signalingKey[32:]

	iv, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	ciphertext, err := EncryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(iv)+len(ciphertext)+frameMACSize)
	out = append(out, frameVersion)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, HMACSHA256(macKey, out)[:frameMACSize]...)
	return out, nil
}
