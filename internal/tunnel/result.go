// Package tunnel realizes the Noise/WireGuard "black box" the rest of the
// engine treats as an external collaborator (spec'd in terms of boringtun's
// Tunn/TunnResult API): a per-session handshake and transport state machine
// built on github.com/flynn/noise's real IK handshake and AEAD, with
// MAC1/MAC2 admission and cookie handling from internal/ratelimit.
package tunnel

// Kind is the outcome discriminant of a tunnel operation, mirroring
// boringtun's TunnResult sum type as consumed by
// original_source/rust/cjdns_sys/src/crypto/crypto_noise.rs: the core only
// ever sees Done, Err, WriteToNetwork, and CustomData — WriteToTunnelV4/V6
// are impossible in this layering and are not represented here.
type Kind int

const (
	// Done means the operation completed with nothing to emit.
	Done Kind = iota
	// Err means the operation failed; Result.Err carries the reason.
	Err
	// WriteToNetwork means Result.Packet must be sent on the wire as-is.
	WriteToNetwork
	// CustomData means Result.Packet is a decrypted application payload.
	CustomData
)

// Result is the outcome of an Encapsulate/Decapsulate/UpdateTimersAdd call.
type Result struct {
	Kind   Kind
	Packet []byte
	Err    error
}

func doneResult() Result                { return Result{Kind: Done} }
func errResult(err error) Result        { return Result{Kind: Err, Err: err} }
func networkResult(pkt []byte) Result   { return Result{Kind: WriteToNetwork, Packet: pkt} }
func customDataResult(pkt []byte) Result { return Result{Kind: CustomData, Packet: pkt} }
