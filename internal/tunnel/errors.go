package tunnel

import "errors"

var (
	// ErrNotInitiator is returned if Encapsulate is called before any
	// handshake has been started on a responder-role Tunn.
	ErrNotInitiator = errors.New("tunnel: only an initiator can start a handshake")
	// ErrConnectionExpired is returned by UpdateTimersAdd when a handshake
	// attempt has been outstanding too long without a response.
	ErrConnectionExpired = errors.New("tunnel: connection expired")
	// ErrNotEstablished is returned when a transport-data packet is sent or
	// received before the handshake has completed.
	ErrNotEstablished = errors.New("tunnel: handshake not established")
	// ErrReplayed is returned when a transport-data counter has already
	// been seen.
	ErrReplayed = errors.New("tunnel: replayed or too-old counter")
	// ErrUnexpectedMessage is returned when a buffer's message type makes
	// no sense in the Tunn's current state (e.g. a second handshake init
	// addressed to an already-established tunnel).
	ErrUnexpectedMessage = errors.New("tunnel: unexpected message for current state")
)
