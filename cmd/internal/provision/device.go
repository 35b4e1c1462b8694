package provision

import (
	"crypto/rand"
	"io"

	"github.com/mr-tron/base58"
)

const deviceIDBytes = 16

// NewDeviceID returns a base58 device id of 16 random bytes.
func NewDeviceID(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, deviceIDBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base58.Encode(b), nil
}

func validDeviceID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
