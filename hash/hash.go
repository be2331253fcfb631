// Package hash implements 20-byte identifiers as used by the BitTorrent
// protocol for info hashes and peer ids.
package hash

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Hash is the type of 20-byte hashes
type Hash [20]byte

var ErrParse = errors.New("couldn't parse hash")

func (hash Hash) String() string {
	return hex.EncodeToString(hash[:])
}

// Parse handles both hex and base-32 strings.
func Parse(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err == nil && len(b) == 20 {
		copy(h[:], b)
		return h, nil
	}
	b, err = base32.StdEncoding.DecodeString(s)
	if err == nil && len(b) == 20 {
		copy(h[:], b)
		return h, nil
	}
	return h, errors.Wrap(ErrParse, s)
}

// FromBytes converts a 20-byte slice into a hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != 20 {
		return h, errors.Wrapf(ErrParse, "length %v", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Random returns a random hash whose first bytes are prefix.  It is used
// to generate peer ids.
func Random(prefix string) Hash {
	var h Hash
	n := copy(h[:], prefix)
	_, err := rand.Read(h[n:])
	if err != nil {
		panic(err)
	}
	return h
}
