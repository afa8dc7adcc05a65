// Package registry implements the Session Registry: the table of active
// sessions keyed by Session Index, the node's own long-term identity and
// Auth Table, and the rate-limited handshake admission gate every fresh
// peer has to pass before a Session is created for it.
//
// Grounded on the teacher's session_management package (concurrent_manager.go,
// session_contract.go): an RWMutex-guarded map wrapped by narrow accessor
// methods, with the session type depending on the manager only through a
// small interface rather than a direct import — the same back-reference
// shape spec.md §3/§5 asks for between Session and Registry, adapted here
// to two Go packages instead of one by having internal/session define that
// interface and internal/registry satisfy it structurally.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"meshnoise/internal/auth"
	"meshnoise/internal/dispatcher"
	"meshnoise/internal/keys"
	"meshnoise/internal/obslog"
	"meshnoise/internal/ratelimit"
	"meshnoise/internal/session"
	"meshnoise/internal/tunnel"
)

// unassignedIndex mirrors internal/tunnel's sentinel so the allocator never
// hands out the value that means "no index" elsewhere in the system.
const unassignedIndex = 0xFFFFFFFF

// DefaultHandshakeThreshold is used when NewRegistry is given a threshold
// of 0, matching internal/ratelimit's own default-on-zero convention.
const DefaultHandshakeThreshold = 100

// ReplySink delivers a reply the dispatcher built for a peer that has no
// established session yet (a cookie reply or a handshake response) — the
// registry has no socket of its own, so the surrounding router supplies this.
type ReplySink func(peerAddr [16]byte, buf []byte) error

// Registry is the Session Registry: node identity, Auth Table, handshake
// rate limiter, and the concurrent Session Index → Session map.
type Registry struct {
	ourPriv keys.Private
	ourPub  keys.Public

	authTable   *auth.Table
	handshaker  *ratelimit.Handshaker
	requireAuth bool

	mu        sync.RWMutex
	sessions  map[uint32]*session.Session
	nextIndex atomic.Uint32

	replySink    ReplySink
	onNewSession func(*session.Session)
}

// New constructs a Registry for node identity (ourPriv, ourPub). threshold
// is the handshakes-per-second ceiling before the rate limiter starts
// demanding cookies (0 uses DefaultHandshakeThreshold). requireAuth gates
// whether an unauthenticated handshake init is rejected outright.
func New(ourPriv keys.Private, ourPub keys.Public, threshold int64, requireAuth bool) (*Registry, error) {
	if threshold == 0 {
		threshold = DefaultHandshakeThreshold
	}
	hs, err := ratelimit.NewHandshaker(ourPub.Bytes(), threshold)
	if err != nil {
		return nil, fmt.Errorf("registry: new handshaker: %w", err)
	}
	return &Registry{
		ourPriv:     ourPriv,
		ourPub:      ourPub,
		authTable:   auth.NewTable(),
		handshaker:  hs,
		requireAuth: requireAuth,
		sessions:    make(map[uint32]*session.Session),
	}, nil
}

// SetReplySink installs the callback used to deliver cookie replies and
// handshake responses for peers with no established session yet.
func (r *Registry) SetReplySink(sink ReplySink) { r.replySink = sink }

// SetOnNewSession installs a callback invoked whenever a handshake init
// admits a new responder session or resumes an existing one, so the router
// can claim its ifaces.
func (r *Registry) SetOnNewSession(fn func(*session.Session)) { r.onNewSession = fn }

// Auth returns the node's Auth Table, for registering users.
func (r *Registry) Auth() *auth.Table { return r.authTable }

// Handshaker returns the handshake-admission gate.
func (r *Registry) Handshaker() *ratelimit.Handshaker { return r.handshaker }

func (r *Registry) OurPrivate() keys.Private { return r.ourPriv }
func (r *Registry) OurPublic() keys.Public   { return r.ourPub }
func (r *Registry) RequireAuth() bool        { return r.requireAuth }

// GetSession looks up a session by its local Session Index.
func (r *Registry) GetSession(idx uint32) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[idx]
	return s, ok
}

// Len reports how many sessions are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of every currently registered session, for a
// caller that needs to drive periodic bookkeeping (Session.Tick) across the
// whole table.
func (r *Registry) Sessions() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// NewOutbound creates and registers an initiator session to herPubkey,
// rejecting keys that don't derive a routable (0xfc-prefixed) address.
func (r *Registry) NewOutbound(herPubkey keys.Public, name string) (*session.Session, error) {
	idx := r.allocateIndex()
	t := tunnel.NewInitiator(idx, r.ourPriv, r.ourPub, herPubkey)
	s, err := session.New(r, idx, t, herPubkey, name, true, false)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[idx] = s
	r.mu.Unlock()
	return s, nil
}

// NewResponderSession allocates an index and builds a responder session for
// herPubkey, without registering it — the dispatcher only calls
// RegisterSession once the handshake actually completes, so a failed
// attempt leaves no trace in the session table.
func (r *Registry) NewResponderSession(herPubkey keys.Public, name string, requireAuth bool) (*session.Session, error) {
	idx := r.allocateIndex()
	t := tunnel.NewResponder(idx, r.ourPriv, r.ourPub, herPubkey)
	return session.New(r, idx, t, herPubkey, name, false, requireAuth)
}

// RegisterSession inserts s into the session table at its own index.
func (r *Registry) RegisterSession(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Deregister removes the session at id, the self-deregistration a Session
// performs on Close. Safe to call for an id that isn't present.
func (r *Registry) Deregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// HandleIngress is the real ciphertext entrypoint a Session's
// DecapsulateCiphertext forwards to: it runs the Ingress Dispatcher and
// routes whatever it decides onto the reply sink or the new-session hook.
func (r *Registry) HandleIngress(peerAddr [16]byte, buf []byte) error {
	outcome, err := dispatcher.Dispatch(r, peerAddr, buf)
	if err != nil {
		obslog.Default.Debugf("registry: ingress from %x rejected: %v", peerAddr, err)
		return err
	}

	if outcome.NewSession != nil && r.onNewSession != nil {
		r.onNewSession(outcome.NewSession)
	}

	if outcome.Kind == dispatcher.ReplyToPeer {
		if r.replySink == nil {
			return fmt.Errorf("registry: reply produced but no reply sink configured")
		}
		return r.replySink(peerAddr, outcome.ReplyBytes)
	}
	return nil
}

// allocateIndex implements the fetch-add-with-collision-retry scheme
// spec.md §4.3 describes: advance the counter, and if the resulting index
// is already occupied (or happens to land on the reserved sentinel),
// advance again. A failed allocate never releases anything — nothing was
// claimed yet.
func (r *Registry) allocateIndex() uint32 {
	for {
		idx := r.nextIndex.Add(1)
		if idx == 0 || idx == unassignedIndex {
			continue
		}
		r.mu.RLock()
		_, occupied := r.sessions[idx]
		r.mu.RUnlock()
		if !occupied {
			return idx
		}
	}
}
