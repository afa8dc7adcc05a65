// Package ratelimit implements the handshake-admission gate the Session
// Registry consults before a fresh handshake init is allowed to spend a
// Diffie-Hellman operation: stateless MAC1 verification, handshake-rate
// tracking, and cookie-challenge issuance once that rate is exceeded.
//
// Ported from the teacher's infrastructure/cryptography/noise/{mac,cookie,
// load_monitor}.go, which implement the same WireGuard-style MAC1/MAC2/
// cookie scheme for the same purpose (DoS-resistant handshake admission).
// Adapted here to operate on tunnel-framed buffers carrying this engine's
// own additional-data TLV instead of TunGo's fixed handshake payload.
package ratelimit

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2s"
)

const (
	// protocolLabel domain-separates this engine's MAC/cookie derivations
	// from any other protocol that might reuse the same keys.
	protocolLabel = "meshnoise"

	mac1Label    = "mac1"
	mac2Label    = "mac2"
	cookieLabel  = "cookie"
	mac1Size     = 16
	mac2Size     = 16
	ephemeralLen = 32

	// headerSize is the tunnel-framed handshake-init prefix (type + 3
	// reserved bytes + little-endian sender index) preceding the Noise
	// payload, matching internal/wire's encoding.
	headerSize = 8
	// minNoisePayload is the floor for ephemeral + encrypted static key,
	// mirroring the teacher's MinMsg1Size.
	minNoisePayload = 80
	// minMsg1Size is the smallest buffer VerifyPacket accepts: header,
	// minimum Noise payload, MAC1, MAC2.
	minMsg1Size = headerSize + minNoisePayload + mac1Size + mac2Size
)

// HeaderSize is the tunnel-framed handshake-init header width (type +
// reserved + sender index), exported so internal/tunnel can strip it
// without duplicating the layout constant.
const HeaderSize = headerSize

// MACsSize is the combined width of the trailing MAC1 || MAC2 fields.
const MACsSize = mac1Size + mac2Size

func deriveMAC1Key(serverPubKey []byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(mac1Label))
	h.Write([]byte(protocolLabel))
	h.Write(serverPubKey)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// computeMAC1 computes MAC1 over msg1 using keyed BLAKE2s-128.
func computeMAC1(msg1, serverPubKey []byte) []byte {
	key := deriveMAC1Key(serverPubKey)
	h, _ := blake2s.New128(key[:])
	h.Write(msg1)
	return h.Sum(nil)
}

// verifyMAC1 checks MAC1 on a buffer shaped msg1 || mac1 || mac2. Stateless
// and cheap; must be checked before any allocation or DH.
func verifyMAC1(msgWithMACs, serverPubKey []byte) bool {
	if len(msgWithMACs) < minMsg1Size {
		return false
	}
	msgLen := len(msgWithMACs) - mac1Size - mac2Size
	msg1 := msgWithMACs[:msgLen]
	mac1 := msgWithMACs[msgLen : msgLen+mac1Size]
	return hmac.Equal(mac1, computeMAC1(msg1, serverPubKey))
}

func deriveMAC2Key(cookie []byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(mac2Label))
	h.Write([]byte(protocolLabel))
	h.Write(cookie)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// computeMAC2 computes MAC2 over msg1 || mac1 using the cookie value.
func computeMAC2(msg1, mac1, cookie []byte) []byte {
	key := deriveMAC2Key(cookie)
	h, _ := blake2s.New128(key[:])
	h.Write(msg1)
	h.Write(mac1)
	return h.Sum(nil)
}

// verifyMAC2 checks MAC2 given the server's recomputed cookie value.
func verifyMAC2(msgWithMACs, cookie []byte) bool {
	if len(msgWithMACs) < minMsg1Size {
		return false
	}
	msgLen := len(msgWithMACs) - mac1Size - mac2Size
	msg1 := msgWithMACs[:msgLen]
	mac1 := msgWithMACs[msgLen : msgLen+mac1Size]
	mac2 := msgWithMACs[msgLen+mac1Size:]
	return hmac.Equal(mac2, computeMAC2(msg1, mac1, cookie))
}

// AppendMACs appends MAC1 and MAC2 to msg1, the shape an initiator uses to
// finish building an outgoing handshake-init buffer. If cookie is empty,
// MAC2 is filled with random bytes so the absence of a cookie carries no
// signal to an on-path observer.
func AppendMACs(msg1, serverPubKey, cookie []byte) ([]byte, error) {
	mac1 := computeMAC1(msg1, serverPubKey)

	out := make([]byte, len(msg1)+mac1Size+mac2Size)
	copy(out, msg1)
	copy(out[len(msg1):], mac1)

	if len(cookie) > 0 {
		mac2 := computeMAC2(msg1, mac1, cookie)
		copy(out[len(msg1)+mac1Size:], mac2)
	} else if _, err := rand.Read(out[len(msg1)+mac1Size:]); err != nil {
		return nil, fmt.Errorf("ratelimit: random MAC2 fill: %w", err)
	}
	return out, nil
}

// extractClientEphemeral reads the initiator's ephemeral public key out of
// a handshake-init buffer. Must only be called after MAC1 verification.
func extractClientEphemeral(msgWithMACs []byte) []byte {
	if len(msgWithMACs) < minMsg1Size {
		return nil
	}
	start := headerSize
	return msgWithMACs[start : start+ephemeralLen]
}
