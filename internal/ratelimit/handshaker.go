package ratelimit

import "net/netip"

// Verdict is the outcome of VerifyPacket, the admission decision spec.md
// §4.5(a) calls rate_limiter.verify_packet.
type Verdict int

const (
	// VerdictAccept means the packet passed admission and may be handed to
	// the tunnel for a real handshake attempt.
	VerdictAccept Verdict = iota
	// VerdictSendCookie means the engine is under load; the caller must
	// reply with the accompanying cookie bytes instead of spending a DH.
	VerdictSendCookie
	// VerdictReject means the packet is malformed or fails MAC1 outright.
	VerdictReject
)

// Handshaker gates handshake-init admission: every init is checked against
// a stateless MAC1 first, then — only once the node is observed to be
// under load — against a cookie-bound MAC2, forcing the initiator to prove
// it can receive at the claimed address before the node spends a
// Diffie-Hellman operation on it.
type Handshaker struct {
	load         *loadMonitor
	cookies      *cookieManager
	serverPubKey []byte
}

// NewHandshaker seeds a Handshaker with the node's own public key (bound
// into MAC1/MAC2/cookie derivation) and a handshakes-per-second threshold;
// a threshold of 0 uses DefaultThreshold.
func NewHandshaker(serverPubKey []byte, threshold int64) (*Handshaker, error) {
	cm, err := newCookieManager()
	if err != nil {
		return nil, err
	}
	return &Handshaker{
		load:         newLoadMonitor(threshold),
		cookies:      cm,
		serverPubKey: serverPubKey,
	}, nil
}

// VerifyPacket implements the {Ok | WriteToNetwork | Err} trichotomy:
// VerdictAccept with a nil reply, VerdictSendCookie with the cookie bytes
// to send back, or VerdictReject with no reply.
func (h *Handshaker) VerifyPacket(peerAddr [16]byte, buf []byte) (Verdict, []byte, error) {
	if len(buf) < minMsg1Size {
		return VerdictReject, nil, ErrRunt
	}
	if !verifyMAC1(buf, h.serverPubKey) {
		return VerdictReject, nil, ErrInvalidMAC1
	}

	h.load.recordHandshake()
	if !h.load.underLoad() {
		return VerdictAccept, nil, nil
	}

	addr := netip.AddrFrom16(peerAddr)
	if verifyMAC2(buf, h.cookies.computeCookieValue(addr)) {
		return VerdictAccept, nil, nil
	}
	bucket := h.cookies.currentBucket() - 1
	if verifyMAC2(buf, h.cookies.cookieValue(addr, bucket)) {
		return VerdictAccept, nil, nil
	}

	ephemeral := extractClientEphemeral(buf)
	reply, err := h.cookies.createCookieReply(addr, ephemeral, h.serverPubKey)
	if err != nil {
		return VerdictReject, nil, err
	}
	return VerdictSendCookie, reply, nil
}

// RecordHandshake exposes the underlying rate counter for callers (e.g.
// tests) that need to drive the node into a loaded state without sending
// minMsg1Size-shaped buffers.
func (h *Handshaker) RecordHandshake() { h.load.recordHandshake() }

// UnderLoad reports the current load state.
func (h *Handshaker) UnderLoad() bool { return h.load.underLoad() }
