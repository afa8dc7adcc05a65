// Package session implements a single established-or-establishing Noise
// tunnel: it wraps a internal/tunnel.Tunn, tracks peer identity and
// additional-data state, and exposes the plaintext/ciphertext endpoint
// pair the surrounding router uses to exchange packets with it.
//
// Grounded on the teacher's session_management.SessionContract/
// ClientSession style of keeping a session's identity accessors trivial
// while delegating all the cryptographic heavy lifting to a held
// collaborator (there, a Crypto; here, a tunnel.Tunn).
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"meshnoise/internal/addressing"
	"meshnoise/internal/auth"
	"meshnoise/internal/iface"
	"meshnoise/internal/keys"
	"meshnoise/internal/obslog"
	"meshnoise/internal/tunnel"
	"meshnoise/internal/wire"
	"meshnoise/internal/wire/addata"
)

// unassignedPeerIndex is the usize::MAX-equivalent sentinel spec.md §4.4
// names for the initiator's peer-receive-index cache before anything has
// been observed.
const unassignedPeerIndex = 0xFFFFFFFF

// State is the coarse handshake-progress view GetState() exposes.
type State int

const (
	StateInit State = iota
	StateEstablished
)

// Host is the back-reference a Session needs into its owning Registry:
// self-deregistration on Close, and delegating inbound ciphertext to the
// Ingress Dispatcher. Kept minimal and defined here (rather than imported
// from internal/registry) so this package never depends on registry or
// dispatcher — internal/registry implements Host structurally.
type Host interface {
	Deregister(id uint32)
	HandleIngress(peerAddr [16]byte, buf []byte) error
}

var (
	ErrEmptyPlaintext      = errors.New("session: empty plaintext")
	ErrMisalignedPlaintext = errors.New("session: plaintext length not a multiple of 4")
	ErrUnroutablePeer      = errors.New("session: peer public key does not derive a routable address")
	ErrProtocolInvariant   = errors.New("session: tunnel produced an impossible outcome")
)

// Session is a single point-to-point encrypted tunnel to a peer identified
// by a long-term Curve25519 public key.
type Session struct {
	id          uint32
	herPubkey   keys.Public
	herIP6      [16]byte
	displayName string
	initiator   bool
	requireAuth bool

	tunn *tunnel.Tunn

	addDataMu      sync.RWMutex
	addData        []byte
	challenge      *[32]byte
	peerIndexCache atomic.Uint32

	plaintextIface  *iface.Iface
	plaintextPvt    *iface.Pvt
	ciphertextIface *iface.Iface
	ciphertextPvt   *iface.Pvt
	ifacesTaken     atomic.Bool

	host      Host
	closeOnce sync.Once
}

// New constructs a Session bound to an already-created tunnel.Tunn.
// initiator/requireAuth select the role-specific behaviors spec.md §3/§4.4
// describe. Fails if herPubkey does not derive a routable address
// (spec.md §3's 0xfc-prefix requirement).
func New(host Host, id uint32, t *tunnel.Tunn, herPubkey keys.Public, name string, initiator, requireAuth bool) (*Session, error) {
	addr := addressing.FromPublicKey(herPubkey)
	if !addressing.IsRoutable(addr) {
		return nil, ErrUnroutablePeer
	}

	plainIface, plainPvt := iface.New(name + "-plaintext")
	cipherIface, cipherPvt := iface.New(name + "-ciphertext")

	s := &Session{
		id:              id,
		herPubkey:       herPubkey,
		herIP6:          addr,
		displayName:     name,
		initiator:       initiator,
		requireAuth:     requireAuth,
		tunn:            t,
		plaintextIface:  plainIface,
		plaintextPvt:    plainPvt,
		ciphertextIface: cipherIface,
		ciphertextPvt:   cipherPvt,
		host:            host,
	}
	s.peerIndexCache.Store(unassignedPeerIndex)
	return s, nil
}

// EncapsulatePlaintext feeds msg, arriving from the plaintext side, to the
// tunnel. A successful WriteToNetwork outcome is mesh-framed and pushed out
// the ciphertext endpoint.
func (s *Session) EncapsulatePlaintext(msg []byte) error {
	if len(msg) == 0 {
		return ErrEmptyPlaintext
	}
	if len(msg)%4 != 0 {
		return ErrMisalignedPlaintext
	}

	res := s.tunn.EncapsulateAdd(msg, s.currentAddData())
	switch res.Kind {
	case tunnel.Done:
		return nil
	case tunnel.WriteToNetwork:
		meshBuf, err := wire.TunnelToMesh(res.Packet)
		if err != nil {
			return fmt.Errorf("session: reframe outgoing packet: %w", err)
		}
		return s.ciphertextPvt.Send(meshBuf)
	case tunnel.Err:
		return res.Err
	default:
		return ErrProtocolInvariant
	}
}

// DecapsulateCiphertext receives a packet whose first 16 bytes are the
// sender's mesh address; it strips that prefix and defers everything else
// to the Ingress Dispatcher via the Host.
func (s *Session) DecapsulateCiphertext(msg []byte) error {
	if len(msg) < addressing.Size {
		return fmt.Errorf("session: ciphertext packet shorter than a mesh address")
	}
	var peerAddr [16]byte
	copy(peerAddr[:], msg[:addressing.Size])
	return s.host.HandleIngress(peerAddr, msg[addressing.Size:])
}

// SetAuth is initiator-only: it derives (secret, challenge) for
// (login, password), folds the challenge into the outgoing additional-data
// block, and installs the secret as the tunnel's pre-shared key. A no-op
// (with a warning log) on responder sessions.
func (s *Session) SetAuth(password []byte, login *string) {
	if !s.initiator {
		obslog.Default.Warnf("SetAuth called on responder session %d, ignoring", s.id)
		return
	}

	// AddUser always registers the Type Two challenge under the literal
	// login given at registration (empty string for an anonymous account),
	// so presenting the same login value here (nil treated as "") derives
	// the matching entry regardless of whether the account is named.
	var loginStr string
	if login != nil {
		loginStr = *login
	}
	secret, challenge := auth.Derive(loginStr, password, auth.TypeTwo)

	s.addDataMu.Lock()
	c := [32]byte(challenge)
	s.challenge = &c
	s.addDataMu.Unlock()
	s.rewriteAddData()

	s.tunn.SetPresharedKey(&secret)
}

// GetState reports Established once the tunnel's handshake has completed.
func (s *Session) GetState() State {
	if s.tunn.IsEstablished() {
		return StateEstablished
	}
	return StateInit
}

func (s *Session) ID() uint32             { return s.id }
func (s *Session) GetHerPubkey() keys.Public { return s.herPubkey }
func (s *Session) GetHerIP6() [16]byte       { return s.herIP6 }
func (s *Session) GetName() string           { return s.displayName }
func (s *Session) HerKeyKnown() bool         { return true }
func (s *Session) IsInitiator() bool         { return s.initiator }
func (s *Session) RequireAuth() bool         { return s.requireAuth }
func (s *Session) Tunn() *tunnel.Tunn        { return s.tunn }

// PeerIndexCache reports the most recently observed peer receive-index (the
// value a future handshake init would carry as PrevSessIndex), and whether
// one has been observed yet. Always false on a responder session, which
// never tracks this.
func (s *Session) PeerIndexCache() (uint32, bool) {
	v := s.peerIndexCache.Load()
	return v, v != unassignedPeerIndex
}

// Stats returns the tunnel's running statistics view.
func (s *Session) Stats() tunnel.Stats { return s.tunn.StatsDetail() }

// Tick drives periodic per-session bookkeeping: a keepalive is generated
// and mesh-framed when the tunnel reports Done on an established tunnel; a
// rekey-init packet is mesh-framed and returned when the tunnel itself
// produces one; ConnectionExpired and any other timer error are logged and
// treated as "nothing to emit" (reconnection happens implicitly on the
// next plaintext send).
func (s *Session) Tick() ([]byte, error) {
	res := s.tunn.UpdateTimersAdd(s.currentAddData())

	switch res.Kind {
	case tunnel.Done:
		if !s.tunn.IsEstablished() {
			return nil, nil
		}
		encRes := s.tunn.Encapsulate(nil)
		if encRes.Kind != tunnel.WriteToNetwork {
			return nil, nil
		}
		return wire.TunnelToMesh(encRes.Packet)
	case tunnel.WriteToNetwork:
		return wire.TunnelToMesh(res.Packet)
	case tunnel.Err:
		if errors.Is(res.Err, tunnel.ErrConnectionExpired) {
			obslog.Default.Debugf("session %d: handshake expired, will retry on next send", s.id)
		} else {
			obslog.Default.Debugf("session %d: tick error: %v", s.id, res.Err)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// Ifaces yields the plaintext/ciphertext endpoint pair exactly once.
func (s *Session) Ifaces() (plaintext, ciphertext *iface.Iface, ok bool) {
	if !s.ifacesTaken.CompareAndSwap(false, true) {
		return nil, nil, false
	}
	return s.plaintextIface, s.ciphertextIface, true
}

// Close removes this session's own entry from its Registry. Safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.host.Deregister(s.id)
	})
}

// UpdatePeerIndex records a newly observed peer receive-index (from a
// handshake-response frame) and, on change, rewrites the outgoing
// additional-data block so the next handshake frame carries it. A no-op on
// responder sessions, which never emit additional data.
func (s *Session) UpdatePeerIndex(peerIndex uint32) {
	if !s.initiator {
		return
	}
	if s.peerIndexCache.Swap(peerIndex) == peerIndex {
		return
	}
	s.rewriteAddData()
}

// DeliverPlaintext pushes a decrypted application payload out the
// plaintext endpoint.
func (s *Session) DeliverPlaintext(msg []byte) error {
	return s.plaintextPvt.Send(msg)
}

// SendCiphertext pushes a mesh-framed wire packet out the ciphertext endpoint.
func (s *Session) SendCiphertext(msg []byte) error {
	return s.ciphertextPvt.Send(msg)
}

func (s *Session) currentAddData() []byte {
	if !s.initiator {
		return nil
	}
	s.addDataMu.RLock()
	defer s.addDataMu.RUnlock()
	return s.addData
}

func (s *Session) rewriteAddData() {
	s.addDataMu.Lock()
	defer s.addDataMu.Unlock()

	var block addata.Block
	if pi := s.peerIndexCache.Load(); pi != unassignedPeerIndex {
		v := pi
		block.PrevSessIndex = &v
	}
	if s.challenge != nil {
		block.CjdnsPsk = s.challenge
	}
	s.addData = addata.Encode(block)
}
