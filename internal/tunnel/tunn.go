package tunnel

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	noiselib "github.com/flynn/noise"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"

	"meshnoise/internal/keys"
	"meshnoise/internal/ratelimit"
	"meshnoise/internal/wire"
)

// cipherSuite matches the teacher's own choice in
// infrastructure/cryptography/noise/{handshake,ik_handshake}.go: Curve25519
// DH, ChaCha20-Poly1305 AEAD, SHA-256 hash.
var cipherSuite = noiselib.NewCipherSuite(noiselib.DH25519, noiselib.CipherChaChaPoly, noiselib.HashSHA256)

// unassignedIndex is the sentinel cjdns-style "no session" index; also used
// here as the initial value of a Tunn's peer-index cache, matching the
// usize::MAX sentinel spec.md §4.4 describes.
const unassignedIndex = 0xFFFFFFFF

// handshakeTimeout bounds how long an outstanding handshake attempt may go
// without a response before UpdateTimersAdd reports ConnectionExpired.
const handshakeTimeout = 5 * time.Second

// Tunn is this engine's realization of boringtun's Tunn contract: a single
// session's Noise IK handshake plus, once established, its two directional
// AEAD transport ciphers.
type Tunn struct {
	ourIndex  uint32
	peerIndex atomic.Uint32

	ourPriv keys.Private
	ourPub  keys.Public
	peerPub keys.Public

	initiator bool

	psk atomic.Pointer[[32]byte]

	mu                 sync.Mutex
	hs                 *noiselib.HandshakeState
	handshakeStartedAt time.Time
	localEphemeral     []byte
	pendingCookie      []byte
	established        bool
	sendCipher         cipher.AEAD
	recvCipher         cipher.AEAD
	sendCounter        atomic.Uint64

	replay replayWindow
	stats  statCounters
}

// NewInitiator creates a Tunn that will drive the handshake as initiator,
// bound to ourIndex (the session index the registry assigned) and the
// recipient's known static public key.
func NewInitiator(ourIndex uint32, ourPriv keys.Private, ourPub keys.Public, peerPub keys.Public) *Tunn {
	t := &Tunn{
		ourIndex:  ourIndex,
		ourPriv:   ourPriv,
		ourPub:    ourPub,
		peerPub:   peerPub,
		initiator: true,
	}
	t.peerIndex.Store(unassignedIndex)
	return t
}

// NewResponder creates a Tunn for a session created in reaction to an
// inbound handshake init, once the dispatcher has recovered the peer's
// static public key via ParseHandshakeAnon.
func NewResponder(ourIndex uint32, ourPriv keys.Private, ourPub keys.Public, peerPub keys.Public) *Tunn {
	t := &Tunn{
		ourIndex:  ourIndex,
		ourPriv:   ourPriv,
		ourPub:    ourPub,
		peerPub:   peerPub,
		initiator: false,
	}
	t.peerIndex.Store(unassignedIndex)
	return t
}

// SetPresharedKey installs or clears (psk == nil) the pre-shared secret
// mixed into the transport keys once the handshake completes. Per spec.md
// §4.4, set_auth installs this before a fresh handshake; a responder
// session installs it (or clears it) during handshake-init processing.
func (t *Tunn) SetPresharedKey(psk *[32]byte) {
	t.psk.Store(psk)
}

// IsEstablished reports whether the handshake has completed.
func (t *Tunn) IsEstablished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.established
}

// StatsDetail returns the running statistics view.
func (t *Tunn) StatsDetail() Stats {
	return t.stats.snapshot()
}

// PeerIndex returns the last-observed peer receive-index, or
// (0, false) if none has been observed (the usize::MAX-equivalent sentinel
// state).
func (t *Tunn) PeerIndex() (uint32, bool) {
	v := t.peerIndex.Load()
	if v == unassignedIndex {
		return 0, false
	}
	return v, true
}

// mixPSK folds an optional pre-shared key into a raw Noise transport key.
// flynn/noise has no native PSK handshake token support wired up here; this
// adapter mixes the secret in after the fact with the same keyed-BLAKE2s
// construction the teacher already uses for MAC/cookie derivation, rather
// than reimplementing Noise's own HKDF-based key mixing.
func mixPSK(rawKey []byte, psk *[32]byte) [32]byte {
	var out [32]byte
	if psk == nil {
		copy(out[:], rawKey)
		return out
	}
	h, _ := blake2s.New256(psk[:])
	h.Write(rawKey)
	copy(out[:], h.Sum(nil))
	return out
}

func aeadFor(rawKey []byte, psk *[32]byte) (cipher.AEAD, error) {
	key := mixPSK(rawKey, psk)
	return chacha20poly1305.New(key[:])
}

func sealNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// EncapsulateAdd feeds plain (and, for an in-progress or not-yet-started
// handshake, the current additional-data block) to the tunnel. Before the
// handshake completes this ignores plain and (re)starts a handshake
// attempt; once established it encrypts plain as a transport-data packet.
func (t *Tunn) EncapsulateAdd(plain, addData []byte) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.established {
		if !t.initiator {
			return errResult(ErrNotInitiator)
		}
		return t.startHandshakeLocked(addData)
	}

	counter := t.sendCounter.Add(1) - 1
	nonce := sealNonce(counter)
	ciphertext := t.sendCipher.Seal(nil, nonce[:], plain, nil)

	pkt := make([]byte, wire.TunnelHeaderSize+wire.TunnelCounterSize+len(ciphertext))
	pkt[0] = byte(wire.MsgTransportData)
	binary.LittleEndian.PutUint32(pkt[wire.TunnelTypeSize+wire.TunnelReservedLen:], t.peerIndex.Load())
	binary.LittleEndian.PutUint64(pkt[wire.TunnelHeaderSize:], counter)
	copy(pkt[wire.TunnelHeaderSize+wire.TunnelCounterSize:], ciphertext)

	return networkResult(pkt)
}

// Encapsulate is EncapsulateAdd with no additional-data, the shape a
// responder (or a tick-driven keepalive) uses.
func (t *Tunn) Encapsulate(plain []byte) Result {
	return t.EncapsulateAdd(plain, nil)
}

func (t *Tunn) startHandshakeLocked(addData []byte) Result {
	hs, err := noiselib.NewHandshakeState(noiselib.Config{
		CipherSuite: cipherSuite,
		Pattern:     noiselib.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noiselib.DHKey{
			Private: t.ourPriv.Bytes(),
			Public:  t.ourPub.Bytes(),
		},
		PeerStatic: t.peerPub.Bytes(),
	})
	if err != nil {
		return errResult(fmt.Errorf("tunnel: handshake state: %w", err))
	}

	msg1, _, _, err := hs.WriteMessage(nil, addData)
	if err != nil {
		return errResult(fmt.Errorf("tunnel: write msg1: %w", err))
	}

	t.hs = hs
	t.handshakeStartedAt = time.Now()
	t.localEphemeral = append([]byte(nil), hs.LocalEphemeral().Public...)

	// MAC1 must cover the same bytes the responder's verifyMAC1 will see,
	// so the header is built first and the MACs are appended to
	// header||msg1 as a whole, not to msg1 alone.
	framed := make([]byte, wire.TunnelHeaderSize+len(msg1))
	framed[0] = byte(wire.MsgHandshakeInit)
	binary.LittleEndian.PutUint32(framed[wire.TunnelTypeSize+wire.TunnelReservedLen:], t.ourIndex)
	copy(framed[wire.TunnelHeaderSize:], msg1)

	pkt, err := ratelimit.AppendMACs(framed, t.peerPub.Bytes(), t.pendingCookie)
	if err != nil {
		return errResult(fmt.Errorf("tunnel: append MACs: %w", err))
	}

	return networkResult(pkt)
}

// Decapsulate processes an inbound tunnel-framed buffer addressed to this
// Tunn's session: a handshake response, a cookie reply, or transport data.
// A fresh handshake init never reaches an existing Tunn — the dispatcher
// routes those through ParseHandshakeAnon/HandleVerifiedPacket instead.
func (t *Tunn) Decapsulate(buf []byte) Result {
	if len(buf) < wire.TunnelHeaderSize {
		return errResult(ErrUnexpectedMessage)
	}
	msgType := wire.MsgType(buf[0])
	rest := buf[wire.TunnelHeaderSize:]

	switch msgType {
	case wire.MsgHandshakeResponse:
		return t.decapHandshakeResponse(buf, rest)
	case wire.MsgCookieReply:
		return t.decapCookieReply(rest)
	case wire.MsgTransportData:
		return t.decapTransportData(buf, rest)
	default:
		return errResult(ErrUnexpectedMessage)
	}
}

func (t *Tunn) decapHandshakeResponse(full, rest []byte) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hs == nil || t.established {
		return errResult(ErrUnexpectedMessage)
	}
	if len(full) < wire.TunnelHeaderSize+wire.TunnelIndexSize {
		return errResult(ErrUnexpectedMessage)
	}
	responderIndex := binary.LittleEndian.Uint32(full[wire.TunnelTypeSize+wire.TunnelReservedLen : wire.TunnelHeaderSize])
	noiseMsg := rest[wire.TunnelIndexSize:]

	_, cs1, cs2, err := t.hs.ReadMessage(nil, noiseMsg)
	if err != nil {
		return errResult(fmt.Errorf("tunnel: read msg2: %w", err))
	}
	if cs1 == nil || cs2 == nil {
		return errResult(fmt.Errorf("tunnel: handshake not complete after msg2"))
	}

	if err := t.finalizeLocked(cs1, cs2); err != nil {
		return errResult(err)
	}
	t.peerIndex.Store(responderIndex)
	t.hs = nil
	return doneResult()
}

func (t *Tunn) decapCookieReply(rest []byte) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.localEphemeral == nil {
		return errResult(ErrUnexpectedMessage)
	}
	cookie, err := ratelimit.DecryptCookieReply(rest, t.localEphemeral, t.peerPub.Bytes())
	if err != nil {
		return errResult(fmt.Errorf("tunnel: decrypt cookie reply: %w", err))
	}
	t.pendingCookie = cookie
	t.hs = nil
	return doneResult()
}

func (t *Tunn) decapTransportData(full, rest []byte) Result {
	t.mu.Lock()
	established := t.established
	recvCipher := t.recvCipher
	t.mu.Unlock()

	if !established {
		return errResult(ErrNotEstablished)
	}
	if len(full) < wire.TunnelHeaderSize+wire.TunnelCounterSize {
		return errResult(ErrUnexpectedMessage)
	}

	counter := binary.LittleEndian.Uint64(rest[:wire.TunnelCounterSize])
	ciphertext := rest[wire.TunnelCounterSize:]

	if !t.replay.check(counter) {
		t.stats.recordDuplicate()
		return errResult(ErrReplayed)
	}

	nonce := sealNonce(counter)
	plain, err := recvCipher.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		t.stats.recordUnexpected()
		return errResult(fmt.Errorf("tunnel: open transport data: %w", err))
	}
	t.replay.accept(counter)
	t.stats.recordDelivered(counter)

	if len(plain) == 0 {
		return doneResult()
	}
	return customDataResult(plain)
}

// HandleVerifiedPacket completes a responder-side handshake: buf is the
// original tunnel-framed handshake-init buffer (header + Noise msg1 + MACs)
// the dispatcher admitted via ratelimit.Handshaker and resolved to this
// Tunn's peer public key. It performs the real (non-anonymous) IK exchange
// and returns the msg2 response to send.
func (t *Tunn) HandleVerifiedPacket(buf []byte) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(buf) < wire.TunnelHeaderSize+ratelimit.MACsSize {
		return errResult(ErrUnexpectedMessage)
	}
	senderIndex := binary.LittleEndian.Uint32(buf[wire.TunnelTypeSize+wire.TunnelReservedLen : wire.TunnelHeaderSize])
	noiseMsg := buf[wire.TunnelHeaderSize : len(buf)-ratelimit.MACsSize]

	hs, err := noiselib.NewHandshakeState(noiselib.Config{
		CipherSuite: cipherSuite,
		Pattern:     noiselib.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noiselib.DHKey{
			Private: t.ourPriv.Bytes(),
			Public:  t.ourPub.Bytes(),
		},
	})
	if err != nil {
		return errResult(fmt.Errorf("tunnel: handshake state: %w", err))
	}

	if _, _, _, err := hs.ReadMessage(nil, noiseMsg); err != nil {
		return errResult(fmt.Errorf("tunnel: read msg1: %w", err))
	}

	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return errResult(fmt.Errorf("tunnel: write msg2: %w", err))
	}
	if cs1 == nil || cs2 == nil {
		return errResult(fmt.Errorf("tunnel: handshake not complete after msg2"))
	}

	if err := t.finalizeLocked(cs1, cs2); err != nil {
		return errResult(err)
	}
	t.peerIndex.Store(senderIndex)

	pkt := make([]byte, wire.TunnelHeaderSize+wire.TunnelIndexSize+len(msg2))
	pkt[0] = byte(wire.MsgHandshakeResponse)
	binary.LittleEndian.PutUint32(pkt[wire.TunnelTypeSize+wire.TunnelReservedLen:], t.ourIndex)
	binary.LittleEndian.PutUint32(pkt[wire.TunnelHeaderSize:], senderIndex)
	copy(pkt[wire.TunnelHeaderSize+wire.TunnelIndexSize:], msg2)

	return networkResult(pkt)
}

// finalizeLocked derives the two directional AEADs from the completed
// handshake's cipher states. cs1 is always the initiator-to-responder
// direction and cs2 the responder-to-initiator direction, regardless of
// which side called ReadMessage/WriteMessage last — the same convention
// the teacher's handshake.go/ik_handshake.go rely on (c2sKey from cs1,
// s2cKey from cs2 on both client and server).
func (t *Tunn) finalizeLocked(cs1, cs2 *noiselib.CipherState) error {
	psk := t.psk.Load()

	initToResp := cs1.UnsafeKey()
	respToInit := cs2.UnsafeKey()

	var sendRaw, recvRaw []byte
	if t.initiator {
		sendRaw, recvRaw = initToResp[:], respToInit[:]
	} else {
		sendRaw, recvRaw = respToInit[:], initToResp[:]
	}

	sendCipher, err := aeadFor(sendRaw, psk)
	if err != nil {
		return fmt.Errorf("tunnel: send AEAD: %w", err)
	}
	recvCipher, err := aeadFor(recvRaw, psk)
	if err != nil {
		return fmt.Errorf("tunnel: recv AEAD: %w", err)
	}

	t.sendCipher = sendCipher
	t.recvCipher = recvCipher
	t.established = true
	return nil
}

// UpdateTimersAdd drives periodic per-session bookkeeping: it reports
// ConnectionExpired if a handshake attempt has been outstanding too long,
// otherwise Done. An established tunnel always reports Done; the caller
// (Session.Tick) is responsible for following a Done with an empty
// Encapsulate call to produce a keepalive, the adaptation this module makes
// of boringtun's decapsulate(None, &[]) keepalive-generation overload,
// which has no flynn/noise equivalent.
func (t *Tunn) UpdateTimersAdd(addData []byte) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.established {
		return doneResult()
	}
	if t.hs != nil && time.Since(t.handshakeStartedAt) > handshakeTimeout {
		t.hs = nil
		return errResult(ErrConnectionExpired)
	}
	return doneResult()
}

// ParseHandshakeAnon recovers the initiator's static public key, sender
// index, and additional-data block from an admitted handshake-init buffer,
// without binding to or mutating any session. Mirrors boringtun's
// parse_handshake_anon, realized with a throwaway flynn/noise
// HandshakeState since no persistent Tunn exists yet for a brand-new peer.
func ParseHandshakeAnon(ourPriv keys.Private, ourPub keys.Public, buf []byte) (peerPub keys.Public, senderIndex uint32, addData []byte, err error) {
	if len(buf) < wire.TunnelHeaderSize+ratelimit.MACsSize {
		return peerPub, 0, nil, ErrUnexpectedMessage
	}
	senderIndex = binary.LittleEndian.Uint32(buf[wire.TunnelTypeSize+wire.TunnelReservedLen : wire.TunnelHeaderSize])
	noiseMsg := buf[wire.TunnelHeaderSize : len(buf)-ratelimit.MACsSize]

	hs, err := noiselib.NewHandshakeState(noiselib.Config{
		CipherSuite: cipherSuite,
		Pattern:     noiselib.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noiselib.DHKey{
			Private: ourPriv.Bytes(),
			Public:  ourPub.Bytes(),
		},
	})
	if err != nil {
		return peerPub, 0, nil, fmt.Errorf("tunnel: anon handshake state: %w", err)
	}

	payload, _, _, err := hs.ReadMessage(nil, noiseMsg)
	if err != nil {
		return peerPub, 0, nil, fmt.Errorf("tunnel: anon read msg1: %w", err)
	}

	copy(peerPub[:], hs.PeerStatic())
	return peerPub, senderIndex, payload, nil
}
