// Package keys holds the long-term Curve25519 identities used by the
// session engine: node private/public key pairs and peer static keys.
package keys

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
)

// Size is the byte length of a Curve25519 key, public or private.
const Size = 32

// ErrBadKeyLength is returned when a byte slice handed to Public/Private
// construction helpers isn't exactly Size bytes.
var ErrBadKeyLength = errors.New("keys: expected 32-byte key")

// Public is a peer's long-term Curve25519 static public key.
type Public [Size]byte

// Private is this process's long-term Curve25519 static private key.
type Private [Size]byte

// PublicFromBytes copies b into a Public key, failing if the length is wrong.
func PublicFromBytes(b []byte) (Public, error) {
	var p Public
	if len(b) != Size {
		return p, ErrBadKeyLength
	}
	copy(p[:], b)
	return p, nil
}

// PrivateFromBytes copies b into a Private key, failing if the length is wrong.
func PrivateFromBytes(b []byte) (Private, error) {
	var k Private
	if len(b) != Size {
		return k, ErrBadKeyLength
	}
	copy(k[:], b)
	return k, nil
}

// GeneratePrivate returns a fresh random private key.
func GeneratePrivate() (Private, error) {
	var k Private
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// Public derives the corresponding Curve25519 public key.
func (k Private) Public() (Public, error) {
	var pub Public
	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

func (p Public) Bytes() []byte  { return p[:] }
func (k Private) Bytes() []byte { return k[:] }

// IsZero reports whether the key is all-zero (uninitialized).
func (p Public) IsZero() bool {
	var zero Public
	return p == zero
}
