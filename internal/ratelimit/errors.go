package ratelimit

import "errors"

var (
	// ErrRunt is returned when a handshake-init buffer is too short to
	// contain a Noise message plus both MACs.
	ErrRunt = errors.New("ratelimit: packet too short")
	// ErrInvalidMAC1 is returned when the stateless MAC1 check fails; the
	// packet was not produced by anyone holding a plausible session state.
	ErrInvalidMAC1 = errors.New("ratelimit: MAC1 verification failed")
	// ErrInvalidCookieReply is returned when a cookie reply buffer is
	// too short to contain a nonce and an authenticated cookie value.
	ErrInvalidCookieReply = errors.New("ratelimit: invalid cookie reply")
)
