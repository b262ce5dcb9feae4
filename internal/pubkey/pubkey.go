// Package pubkey identifies devices by their X25519 identity key.
package pubkey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// keyTypeByte prefixes every encoded identity key (DJB type, as in libsignal).
const keyTypeByte = 0x05

// DeviceID is the lowercase hex encoding of a device identity key:
// the 0x05 type byte followed by the 32-byte X25519 public key.
type DeviceID string

// Parse validates s and returns its canonical DeviceID.
func Parse(s string) (DeviceID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2*(1+curve25519.PointSize) {
		return "", fmt.Errorf("pubkey: invalid length %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("pubkey: decode: %w", err)
	}
	if raw[0] != keyTypeByte {
		return "", fmt.Errorf("pubkey: unknown key type 0x%02x", raw[0])
	}
	return DeviceID(s), nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) DeviceID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromPublicKey encodes a raw 32-byte X25519 public key.
func FromPublicKey(pub []byte) (DeviceID, error) {
	if len(pub) != curve25519.PointSize {
		return "", fmt.Errorf("pubkey: public key must be %d bytes, got %d", curve25519.PointSize, len(pub))
	}
	buf := make([]byte, 0, 1+len(pub))
	buf = append(buf, keyTypeByte)
	buf = append(buf, pub...)
	return DeviceID(hex.EncodeToString(buf)), nil
}

// Generate creates a fresh X25519 key pair and returns the device id and private scalar.
func Generate() (DeviceID, []byte, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return "", nil, fmt.Errorf("pubkey: generate: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", nil, fmt.Errorf("pubkey: derive public key: %w", err)
	}
	id, err := FromPublicKey(pub)
	if err != nil {
		return "", nil, err
	}
	return id, priv, nil
}

// PublicKey returns the raw 32-byte X25519 public key.
func (d DeviceID) PublicKey() ([]byte, error) {
	raw, err := hex.DecodeString(string(d))
	if err != nil {
		return nil, fmt.Errorf("pubkey: decode: %w", err)
	}
	if len(raw) != 1+curve25519.PointSize {
		return nil, fmt.Errorf("pubkey: invalid length %d", len(raw))
	}
	return raw[1:], nil
}

func (d DeviceID) String() string { return string(d) }

// Short returns an abbreviated form for logs.
func (d DeviceID) Short() string {
	s := string(d)
	if len(s) > 10 {
		return s[2:10]
	}
	return s
}

// Set is an unordered set of device ids.
type Set map[DeviceID]struct{}

// NewSet returns a set holding ids.
func NewSet(ids ...DeviceID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Add(id DeviceID) { s[id] = struct{}{} }
func (s Set) Len() int        { return len(s) }

func (s Set) Has(id DeviceID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []DeviceID {
	out := make([]DeviceID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Union returns every id present in a or b.
func Union(a, b Set) Set {
	out := a.Clone()
	for id := range b {
		out[id] = struct{}{}
	}
	return out
}

// SymmetricDifference returns the ids present in exactly one of a and b.
// Note that ids only in b are added, this is not set subtraction.
func SymmetricDifference(a, b Set) Set {
	out := make(Set, len(a)+len(b))
	for id := range a {
		if !b.Has(id) {
			out[id] = struct{}{}
		}
	}
	for id := range b {
		if !a.Has(id) {
			out[id] = struct{}{}
		}
	}
	return out
}
