// Package auth implements the challenge-key table used to gate handshake
// admission: a concurrent, insertion-only map from a 32-byte challenge key
// (derived from login/password/auth-type) to the user record it unlocks.
package auth

import (
	"strconv"
	"sync"

	"golang.org/x/crypto/blake2s"
)

// Type distinguishes the two challenge derivations available for a single
// password: Type One binds an empty login (so any login, or none, may be
// presented), Type Two binds the actual login the user registered with.
type Type byte

const (
	// TypeOne derives a challenge from (empty login, password).
	TypeOne Type = 1
	// TypeTwo derives a challenge from (login, password).
	TypeTwo Type = 2
)

// challengeLabel domain-separates challenge derivation from the teacher's
// own MAC1/MAC2/cookie key derivations, which use the same keyed-BLAKE2s
// construction for a different purpose.
const challengeLabel = "meshnoise-challenge"

// Challenge is the 32-byte opaque authenticator used both as an Auth Table
// key and as the CjdnsPsk TLV value carried in handshake additional data.
type Challenge [32]byte

// User is the record a successful challenge lookup resolves to.
type User struct {
	// Secret is installed as the Noise pre-shared key on successful auth.
	Secret [32]byte
	// Login is the display name sessions authenticated as this user adopt.
	Login string
	// RestrictedTo, if set, is the only mesh address this user may connect
	// from; the dispatcher rejects sessions whose derived address differs.
	RestrictedTo *[16]byte
}

// Derive computes the (secret, challenge) pair for (login, password, typ).
// The secret feeds the Noise pre-shared key; the challenge is the table key.
func Derive(login string, password []byte, typ Type) (secret [32]byte, challenge Challenge) {
	h, _ := blake2s.New256([]byte(challengeLabel))
	h.Write([]byte{byte(typ)})
	h.Write([]byte(login))
	h.Write([]byte{0})
	h.Write(password)
	sum := h.Sum(nil)
	copy(secret[:], sum)

	h2, _ := blake2s.New256(sum)
	h2.Write([]byte("challenge"))
	copy(challenge[:], h2.Sum(nil))
	return secret, challenge
}

// Table is a concurrent, insertion-only challenge-key to user-record map.
// Readers (every incoming handshake) take the read lock; writers (user
// registration at startup/reconfig) take the write lock. No removal is
// supported, matching spec.
type Table struct {
	mu    sync.RWMutex
	users map[Challenge]User
}

// NewTable returns an empty Auth Table.
func NewTable() *Table {
	return &Table{users: make(map[Challenge]User)}
}

// Len returns the current number of registered entries, used by AddUser to
// name anonymous logins "Anon #N".
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

// AddUser registers password under Type Two always, and additionally under
// Type One only when login is non-nil.
//
// This resolves the spec's open question about the source's
// add_user_ipv6 behavior: when no login is given, the source still
// computed a Type Two challenge with an empty login (indistinguishable
// from Type One), which looked like a bug. The safe interpretation kept
// here is: always insert Type Two (empty login if none given);
// additionally insert Type One only when a login was actually supplied.
func (t *Table) AddUser(password []byte, login *string, restrictedIP6 *[16]byte) {
	loginStr := ""
	if login != nil {
		loginStr = *login
	}

	if login == nil {
		loginStr = "Anon #" + strconv.Itoa(t.Len())
	}

	secret2, challenge2 := Derive(func() string {
		if login != nil {
			return *login
		}
		return ""
	}(), password, TypeTwo)

	t.insert(challenge2, User{Secret: secret2, Login: loginStr, RestrictedTo: restrictedIP6})

	if login != nil {
		secret1, challenge1 := Derive("", password, TypeOne)
		t.insert(challenge1, User{Secret: secret1, Login: loginStr, RestrictedTo: restrictedIP6})
	}
}

func (t *Table) insert(challenge Challenge, u User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users[challenge] = u
}

// GetAuth performs a concurrent-reader lookup of challenge.
func (t *Table) GetAuth(challenge Challenge) (User, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[challenge]
	return u, ok
}
