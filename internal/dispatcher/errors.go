package dispatcher

import (
	"errors"

	"meshnoise/internal/tunnel"
)

// Named admission failures the Ingress Dispatcher can report for a
// fresh (no existing session) inbound packet, mirroring the teacher's
// grouped sentinel-error style in infrastructure/cryptography/noise/errors.go.
var (
	// ErrRunt is returned when a buffer is too short to be any known frame.
	ErrRunt = errors.New("dispatcher: packet too short")
	// ErrNoSession is returned when a transport-data frame addresses a
	// session index this registry doesn't hold.
	ErrNoSession = errors.New("dispatcher: no session for index")
	// ErrInvalidPacket is returned when handshake-admission (MAC1/MAC2)
	// fails for a reason other than being under load.
	ErrInvalidPacket = errors.New("dispatcher: invalid handshake packet")
	// ErrStrayKey is returned when a handshake-response or cookie-reply
	// frame arrives with no matching our_index.
	ErrStrayKey = errors.New("dispatcher: stray keyed frame")
	// ErrHandshakeDecryptFailed is returned when the Noise exchange itself
	// fails once a packet has passed admission.
	ErrHandshakeDecryptFailed = errors.New("dispatcher: handshake decrypt failed")
	// ErrUnrecognizedAuth is returned when a CjdnsPsk challenge doesn't
	// match any entry in the Auth Table.
	ErrUnrecognizedAuth = errors.New("dispatcher: unrecognized auth challenge")
	// ErrAuthRequired is returned when the registry demands authentication
	// and the handshake carried none.
	ErrAuthRequired = errors.New("dispatcher: authentication required")
	// ErrWrongPermPubkey is returned when a resumption's recovered static
	// key doesn't match the session it claims to resume.
	ErrWrongPermPubkey = errors.New("dispatcher: resumption static key mismatch")
	// ErrIPRestricted is returned when an authenticated user's restricted
	// address doesn't match the derived session address.
	ErrIPRestricted = errors.New("dispatcher: address restricted for this user")
)

// errorCode maps the handful of internal/tunnel decapsulation errors an
// existing session can surface to the small stable integers the error
// envelope (§7) encodes. Any other error, including the dispatcher's own
// named errors above, falls back to codeUnknown, so the envelope shape never
// depends on an error's exact wrapped text.
const (
	codeUnknown uint32 = iota
	codeReplayed
	codeNotEstablished
	codeUnexpectedMessage
	codeConnectionExpired
	codeNotInitiator
)

func errorCode(err error) uint32 {
	switch {
	case errors.Is(err, tunnel.ErrReplayed):
		return codeReplayed
	case errors.Is(err, tunnel.ErrNotEstablished):
		return codeNotEstablished
	case errors.Is(err, tunnel.ErrUnexpectedMessage):
		return codeUnexpectedMessage
	case errors.Is(err, tunnel.ErrConnectionExpired):
		return codeConnectionExpired
	case errors.Is(err, tunnel.ErrNotInitiator):
		return codeNotInitiator
	default:
		return codeUnknown
	}
}
