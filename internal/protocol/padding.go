package protocol

import (
	"github.com/forstalabs/librelay/internal/errs"
)

// Message bodies are padded before encryption so ciphertext length leaks only
// a coarse size bucket: append a single 0x80 terminator, then zero-fill to the
// next multiple of 160. At least one byte is always added.

const padBlockSize = 160

// Pad returns the padded copy of b.
func Pad(b []byte) []byte {
	padded := len(b) + 1
	if rem := padded % padBlockSize; rem != 0 {
		padded += padBlockSize - rem
	}
	out := make([]byte, padded)
	copy(out, b)
	out[len(b)] = 0x80
	return out
}

// Unpad strips the trailing zeros and the 0x80 terminator. A message whose
// tail is not zeros-then-0x80 is corrupt.
func Unpad(b []byte) ([]byte, error) {
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case 0x00:
			continue
		case 0x80:
			return b[:i], nil
		default:
			return nil, errs.New(errs.InvalidMessage, "bad message padding")
		}
	}
	return nil, errs.New(errs.InvalidMessage, "bad message padding")
}
