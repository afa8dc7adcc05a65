// Package config is the node's on-disk JSON configuration: its long-term
// identity, listen address, rate-limiter threshold, and the set of
// passwords it accepts for authenticated handshakes.
//
// Grounded on the teacher's infrastructure/PAL/server_configuration package
// (configuration.go/manager.go/resolver.go): a plain JSON-tagged struct with
// a NewDefaultConfiguration constructor, read/written through a Manager that
// lazily writes the default on first run, generalized here from the
// teacher's TCP/UDP tunnel settings to this engine's identity/rate-limit/
// auth-table settings.
package config

// DefaultListenAddress is used when a configuration file doesn't set one.
const DefaultListenAddress = ":6094"

// DefaultHandshakeThreshold mirrors ratelimit.DefaultThreshold so a fresh
// configuration's rate limiter starts at the same ceiling the package
// itself defaults to when given 0.
const DefaultHandshakeThreshold = 100

// DefaultScratchBufferSize is the size of the receive buffer the UDP read
// loop allocates once and reads every packet into; large enough for any
// mesh-framed frame this engine produces.
const DefaultScratchBufferSize = 2048

// UserConfig is one entry of the Auth Table, as persisted to disk.
type UserConfig struct {
	Login string `json:"login"`
	// Password is kept in cleartext, the same bootstrap-trust tradeoff
	// cjdns's own cjdroute.conf makes for its preshared connection
	// credentials: whoever can read this file already controls the node.
	Password string `json:"password"`
	// RestrictedIP6, if set, is the only mesh address (hex, no colons,
	// e.g. "fc112233445566778899aabbccddeeff") this login is allowed to
	// authenticate from.
	RestrictedIP6 string `json:"restrictedIP6,omitempty"`
}

// Configuration is the full on-disk shape of a node's settings.
type Configuration struct {
	// ListenAddress is the UDP address this node's mesh socket binds, in
	// net.ListenUDP's "host:port" form.
	ListenAddress string `json:"listenAddress"`

	// PrivateKeyBase64 is this node's long-term Curve25519 private key,
	// standard-base64 encoded. Generated and persisted on first run.
	PrivateKeyBase64 string `json:"privateKeyBase64"`
	// PublicKeyBase64 is kept alongside the private key purely for
	// operator convenience (so the node's own address is visible without
	// deriving it); it is never trusted over what PrivateKeyBase64 derives.
	PublicKeyBase64 string `json:"publicKeyBase64"`

	// HandshakeThreshold is the handshakes-per-second ceiling before the
	// rate limiter starts demanding cookie-bound retries.
	HandshakeThreshold int64 `json:"handshakeThreshold"`
	// RequireAuth rejects any handshake that doesn't present a recognized
	// challenge in its additional data.
	RequireAuth bool `json:"requireAuth"`
	// ScratchBufferSize sizes the UDP read loop's per-packet buffer.
	ScratchBufferSize int `json:"scratchBufferSize"`

	// Users is this node's Auth Table, loaded in at startup.
	Users []UserConfig `json:"users,omitempty"`
}

// NewDefaultConfiguration returns the configuration a freshly initialized
// node starts from: listening on DefaultListenAddress, no identity yet
// (the manager fills one in before ever persisting this), the stock
// handshake threshold, authentication not required, and no users.
func NewDefaultConfiguration() *Configuration {
	return &Configuration{
		ListenAddress:      DefaultListenAddress,
		HandshakeThreshold: DefaultHandshakeThreshold,
		RequireAuth:        false,
		ScratchBufferSize:  DefaultScratchBufferSize,
		Users:              nil,
	}
}
