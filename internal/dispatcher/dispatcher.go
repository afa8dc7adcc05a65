// Package dispatcher implements the Ingress Dispatcher: the single
// decision tree that turns a raw inbound mesh-framed packet into either
// traffic delivered to an existing Session or a brand-new responder
// Session admitted through a rate-limited handshake.
//
// Grounded on the teacher's ServerTunHandler/worker.go dispatch loop
// (infrastructure/routing/server_routing/routing/udp_chacha20/worker.go),
// which performs the same "look up by index, else treat as handshake"
// branch before handing a packet to a Session's crypto, generalized here
// from that file's fixed UDP/session_manager coupling to the Host
// interface below so this package never imports internal/registry.
package dispatcher

import (
	"encoding/binary"
	"fmt"

	"meshnoise/internal/auth"
	"meshnoise/internal/keys"
	"meshnoise/internal/obslog"
	"meshnoise/internal/ratelimit"
	"meshnoise/internal/session"
	"meshnoise/internal/tunnel"
	"meshnoise/internal/wire"
	"meshnoise/internal/wire/addata"
)

// Host is everything Dispatch needs from the registry holding the
// session table, without importing that package directly. internal/
// registry's Registry type satisfies this (and session.Host) structurally.
type Host interface {
	session.Host

	GetSession(idx uint32) (*session.Session, bool)
	NewResponderSession(herPubkey keys.Public, name string, requireAuth bool) (*session.Session, error)
	RegisterSession(s *session.Session)

	Auth() *auth.Table
	Handshaker() *ratelimit.Handshaker
	OurPrivate() keys.Private
	OurPublic() keys.Public
	RequireAuth() bool
}

// OutcomeKind discriminates what, if anything, Dispatch wants the caller
// to do with ReplyBytes once it returns.
type OutcomeKind int

const (
	// NoOutput means the dispatcher already delivered everything itself
	// (to an existing session's plaintext or ciphertext endpoint); the
	// caller has nothing further to send.
	NoOutput OutcomeKind = iota
	// ReplyToPeer means ReplyBytes is a mesh-framed packet the caller must
	// send back to the originating peer address directly — a cookie reply
	// or a handshake response, neither of which has an existing session's
	// endpoint to flow through yet.
	ReplyToPeer
)

// Outcome is Dispatch's result.
type Outcome struct {
	Kind       OutcomeKind
	ReplyBytes []byte
	// NewSession is set when this call admitted or resumed a session, so
	// the caller can register its ifaces with the surrounding router.
	NewSession *session.Session
}

// Dispatch is the Ingress Dispatcher's single entry point: buf is a
// mesh-framed packet as received from peerAddr, with its leading 16-byte
// address already stripped by the caller (ordinarily session.Session's
// DecapsulateCiphertext, on behalf of whichever session's ciphertext
// endpoint received it).
func Dispatch(host Host, peerAddr [16]byte, buf []byte) (Outcome, error) {
	parsed, tunnelBuf, err := wire.MeshToTunnel(buf)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrRunt, err)
	}

	if parsed.OurIndex != nil {
		return dispatchExisting(host, *parsed.OurIndex, parsed, tunnelBuf)
	}

	return dispatchHandshakeInit(host, peerAddr, tunnelBuf)
}

// dispatchExisting handles every frame that names a session this registry
// already holds: transport data routed to that tunnel, or a handshake
// response/cookie reply continuing that session's own outstanding attempt.
func dispatchExisting(host Host, ourIndex uint32, parsed wire.Parsed, tunnelBuf []byte) (Outcome, error) {
	sess, ok := host.GetSession(ourIndex)
	if !ok {
		// A handshake response or cookie reply naming an index we never
		// allocated is a stray keyed frame, not ordinary misrouted data.
		if parsed.MsgType == wire.MsgHandshakeResponse || parsed.MsgType == wire.MsgCookieReply {
			return Outcome{}, ErrStrayKey
		}
		return Outcome{}, ErrNoSession
	}

	res := sess.Tunn().Decapsulate(tunnelBuf)
	switch res.Kind {
	case tunnel.Err:
		meshBuf, reframeErr := wire.TunnelToMesh(tunnelBuf)
		if reframeErr != nil {
			return Outcome{}, fmt.Errorf("dispatcher: reframe original for error envelope: %w", reframeErr)
		}
		envelope := buildErrorEnvelope(sess.GetState(), res.Err, meshBuf)
		if sendErr := sess.DeliverPlaintext(envelope); sendErr != nil {
			obslog.Default.Debugf("session %d: deliver error envelope: %v", ourIndex, sendErr)
		}
		return Outcome{Kind: NoOutput}, nil

	case tunnel.Done:
		if parsed.PeerIndex != nil {
			sess.UpdatePeerIndex(*parsed.PeerIndex)
		}
		return Outcome{Kind: NoOutput}, nil

	case tunnel.WriteToNetwork:
		if parsed.PeerIndex != nil {
			sess.UpdatePeerIndex(*parsed.PeerIndex)
		}
		meshBuf, err := wire.TunnelToMesh(res.Packet)
		if err != nil {
			return Outcome{}, fmt.Errorf("dispatcher: reframe reply: %w", err)
		}
		if err := sess.SendCiphertext(meshBuf); err != nil {
			obslog.Default.Debugf("session %d: send ciphertext reply: %v", ourIndex, err)
		}
		return Outcome{Kind: NoOutput}, nil

	case tunnel.CustomData:
		envelope := make([]byte, 4+len(res.Packet))
		copy(envelope[4:], res.Packet)
		if err := sess.DeliverPlaintext(envelope); err != nil {
			obslog.Default.Debugf("session %d: deliver plaintext: %v", ourIndex, err)
		}
		return Outcome{Kind: NoOutput}, nil

	default:
		return Outcome{}, fmt.Errorf("dispatcher: impossible tunnel outcome kind %v", res.Kind)
	}
}

// buildErrorEnvelope produces the bit-exact layout spec.md §7 requires:
// [state_be32 | (code+1024)_be32 | first16_of_original | (code+1024)_le32].
// original must already be re-framed back to mesh framing (cjdns_from_wg) —
// the first16 bytes are defined over the original inbound packet, not its
// tunnel-framed form, which differ in header layout and endianness.
func buildErrorEnvelope(state session.State, tunnErr error, original []byte) []byte {
	code := errorCode(tunnErr) + 1024

	head := original
	if len(head) > 16 {
		head = head[:16]
	}

	out := make([]byte, 4+4+len(head)+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(state))
	binary.BigEndian.PutUint32(out[4:8], code)
	copy(out[8:8+len(head)], head)
	binary.LittleEndian.PutUint32(out[8+len(head):], code)
	return out
}

// dispatchHandshakeInit admits (or rejects) a fresh handshake init per
// spec.md §4.5(a)-(i): rate-limit check, anonymous parse, additional-data
// resolution, optional resumption, session creation or reuse, and finally
// the real (non-anonymous) Noise exchange.
func dispatchHandshakeInit(host Host, peerAddr [16]byte, tunnelBuf []byte) (Outcome, error) {
	verdict, cookieBytes, err := host.Handshaker().VerifyPacket(peerAddr, tunnelBuf)
	if err != nil && verdict != ratelimit.VerdictSendCookie {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}

	senderIndex := binary.LittleEndian.Uint32(tunnelBuf[wire.TunnelTypeSize+wire.TunnelReservedLen : wire.TunnelHeaderSize])

	switch verdict {
	case ratelimit.VerdictReject:
		return Outcome{}, ErrInvalidPacket

	case ratelimit.VerdictSendCookie:
		reply, ferr := frameCookieReply(senderIndex, cookieBytes)
		if ferr != nil {
			return Outcome{}, ferr
		}
		return Outcome{Kind: ReplyToPeer, ReplyBytes: reply}, nil
	}

	peerPub, _, addData, err := tunnel.ParseHandshakeAnon(host.OurPrivate(), host.OurPublic(), tunnelBuf)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrHandshakeDecryptFailed, err)
	}

	var block addata.Block
	if len(addData) > 0 {
		block, err = addata.Decode(addData)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
		}
	}

	var user *auth.User
	if block.CjdnsPsk != nil {
		u, found := host.Auth().GetAuth(auth.Challenge(*block.CjdnsPsk))
		if !found {
			return Outcome{}, ErrUnrecognizedAuth
		}
		user = &u
	}

	if user == nil && host.RequireAuth() {
		return Outcome{}, ErrAuthRequired
	}

	var target *session.Session
	if block.PrevSessIndex != nil {
		if existing, ok := host.GetSession(*block.PrevSessIndex); ok {
			if existing.GetHerPubkey() != peerPub {
				return Outcome{}, ErrWrongPermPubkey
			}
			target = existing
		}
	}

	isNew := target == nil
	if isNew {
		name := "<anon>"
		if user != nil {
			name = user.Login
		}
		target, err = host.NewResponderSession(peerPub, name, host.RequireAuth())
		if err != nil {
			return Outcome{}, fmt.Errorf("dispatcher: create responder session: %w", err)
		}
	}

	if user != nil && user.RestrictedTo != nil {
		herIP6 := target.GetHerIP6()
		if *user.RestrictedTo != herIP6 {
			return Outcome{}, ErrIPRestricted
		}
	}

	if user != nil {
		target.Tunn().SetPresharedKey(&user.Secret)
	} else {
		target.Tunn().SetPresharedKey(nil)
	}

	res := target.Tunn().HandleVerifiedPacket(tunnelBuf)
	if res.Kind != tunnel.WriteToNetwork {
		return Outcome{}, fmt.Errorf("%w: unexpected outcome kind %v", ErrHandshakeDecryptFailed, res.Kind)
	}

	if isNew {
		host.RegisterSession(target)
	}

	meshBuf, err := wire.TunnelToMesh(res.Packet)
	if err != nil {
		return Outcome{}, fmt.Errorf("dispatcher: reframe handshake response: %w", err)
	}

	return Outcome{Kind: ReplyToPeer, ReplyBytes: meshBuf, NewSession: target}, nil
}

// frameCookieReply wraps the raw encrypted cookie bytes ratelimit.Handshaker
// returns in tunnel framing (addressed back to the initiator's own sender
// index, the receiver-index field a cookie-reply frame carries) before
// handing it to wire.TunnelToMesh.
func frameCookieReply(receiverIndex uint32, cookieBytes []byte) ([]byte, error) {
	tunnelBuf := make([]byte, wire.TunnelHeaderSize+len(cookieBytes))
	tunnelBuf[0] = byte(wire.MsgCookieReply)
	binary.LittleEndian.PutUint32(tunnelBuf[wire.TunnelTypeSize+wire.TunnelReservedLen:], receiverIndex)
	copy(tunnelBuf[wire.TunnelHeaderSize:], cookieBytes)
	return wire.TunnelToMesh(tunnelBuf)
}
