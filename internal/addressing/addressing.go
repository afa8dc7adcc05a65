// Package addressing derives a node's 16-byte mesh network address from
// its long-term Curve25519 public key.
//
// The derivation follows the cjdns convention the original engine was
// distilled from: the address is the leading 16 bytes of the double
// SHA-512 hash of the public key, and a key is only routable if that
// prefix happens to begin with 0xfc. Keys are generated out-of-band by a
// proof-of-work search for such a prefix; this package only verifies and
// derives, it never searches.
package addressing

import (
	"crypto/sha512"

	"meshnoise/internal/keys"
)

// Size is the byte length of a mesh network address.
const Size = 16

// RoutablePrefix is the required first byte of any valid derived address.
const RoutablePrefix = 0xfc

// FromPublicKey derives the 16-byte network address of pub.
func FromPublicKey(pub keys.Public) [Size]byte {
	h1 := sha512.Sum512(pub[:])
	h2 := sha512.Sum512(h1[:])
	var addr [Size]byte
	copy(addr[:], h2[:Size])
	return addr
}

// IsRoutable reports whether addr is eligible to be used as a session peer
// address, i.e. whether it carries the required 0xfc prefix.
func IsRoutable(addr [Size]byte) bool {
	return addr[0] == RoutablePrefix
}
