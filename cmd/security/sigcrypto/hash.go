package sigcrypto

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// HashSize is the length of a content hash in bytes.
const HashSize = 32

// ContentHash returns the BLAKE3-256 digest of the canonical encoding of body.
func ContentHash(body any) ([]byte, error) {
	enc, err := CanonicalEncode(body)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(enc)
	return sum[:], nil
}

// ContentHashHex is ContentHash in lowercase hex.
func ContentHashHex(body any) (string, error) {
	h, err := ContentHash(body)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h), nil
}

// ParseHash decodes a hex content hash and checks its length.
func ParseHash(s string) ([]byte, error) {
	b, err := DecodeHex(s)
	if err != nil || len(b) != HashSize {
		return nil, ErrInvalidHash
	}
	return b, nil
}

// HashEqual compares two digests in constant time.
func HashEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// ContentID returns the CIDv1 (dag-cbor, sha2-256) of the canonical encoding of body.
func ContentID(body any) (string, error) {
	enc, err := CanonicalEncode(body)
	if err != nil {
		return "", err
	}
	mh, err := multihash.Sum(enc, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.DagCBOR, mh).String(), nil
}
