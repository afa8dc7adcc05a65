package ratelimit

import (
	"crypto/rand"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// cookieSize is the width of the raw cookie value.
	cookieSize = 16
	// cookieNonceSize is the XChaCha20-Poly1305 nonce width.
	cookieNonceSize = 24
	// cookieBucketSeconds is the cookie value's rotation window.
	cookieBucketSeconds = 120
)

// cookieManager issues and validates time-bucketed cookie values, and
// encrypts them for delivery to a peer that must re-prove liveness before
// the engine spends a Diffie-Hellman operation on its handshake.
type cookieManager struct {
	mu     sync.RWMutex
	secret [32]byte
	now    func() time.Time
}

func newCookieManager() (*cookieManager, error) {
	cm := &cookieManager{now: time.Now}
	if _, err := rand.Read(cm.secret[:]); err != nil {
		return nil, err
	}
	return cm, nil
}

// cookieValue computes BLAKE2s-128(secret, addr || time_bucket).
func (cm *cookieManager) cookieValue(addr netip.Addr, bucket int64) []byte {
	cm.mu.RLock()
	secret := cm.secret
	cm.mu.RUnlock()

	a16 := addr.As16()
	data := make([]byte, 0, 18)
	data = append(data, a16[:]...)
	data = append(data, byte(bucket), byte(bucket>>8))

	h, _ := blake2s.New128(secret[:])
	h.Write(data)
	return h.Sum(nil)
}

func (cm *cookieManager) currentBucket() int64 {
	return cm.now().Unix() / cookieBucketSeconds
}

// computeCookieValue returns the cookie value for the current time bucket.
func (cm *cookieManager) computeCookieValue(addr netip.Addr) []byte {
	return cm.cookieValue(addr, cm.currentBucket())
}

func deriveCookieEncryptionKey(serverPubKey, clientEphemeral []byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(cookieLabel))
	h.Write([]byte(protocolLabel))
	h.Write(serverPubKey)
	h.Write(clientEphemeral)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// createCookieReply encrypts the current cookie value for addr, bound to
// the initiator's ephemeral key so only that initiator can decrypt it.
func (cm *cookieManager) createCookieReply(addr netip.Addr, clientEphemeral, serverPubKey []byte) ([]byte, error) {
	cookie := cm.computeCookieValue(addr)

	key := deriveCookieEncryptionKey(serverPubKey, clientEphemeral)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	var nonce [cookieNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	reply := make([]byte, cookieNonceSize+aead.Overhead()+cookieSize)
	copy(reply[:cookieNonceSize], nonce[:])
	aead.Seal(reply[cookieNonceSize:cookieNonceSize], nonce[:], cookie, nil)
	return reply, nil
}

// DecryptCookieReply decrypts a cookie reply, the initiator-side inverse of
// createCookieReply: clientEphemeral is the initiator's own ephemeral
// public key from the handshake attempt that earned the cookie, and
// serverPubKey is the responder's static public key.
func DecryptCookieReply(reply, clientEphemeral, serverPubKey []byte) ([]byte, error) {
	if len(reply) < cookieNonceSize+chacha20poly1305.Overhead+1 {
		return nil, ErrInvalidCookieReply
	}
	nonce := reply[:cookieNonceSize]
	ciphertext := reply[cookieNonceSize:]

	key := deriveCookieEncryptionKey(serverPubKey, clientEphemeral)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

