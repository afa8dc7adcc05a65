// Package wire implements the Framing Codec: the pure, bijective
// transforms between this system's on-the-wire packet shape and the
// shape the underlying Noise tunnel (internal/tunnel) expects.
//
// Both directions operate on a buffer whose leading 16-byte peer address
// has already been stripped by the caller (internal/dispatcher). They
// allocate a fresh buffer rather than mutate in place (Go slices can't
// grow in place without a new backing array) and fail with a well-defined
// error on malformed input — matching the teacher's PrependVersion /
// CheckVersion pair in infrastructure/cryptography/noise/mac.go,
// generalized here from a single version byte to the full
// message-type/index header.
package wire

import (
	"encoding/binary"
	"errors"
)

// MsgType identifies which of the four packet shapes a frame carries.
type MsgType byte

const (
	MsgHandshakeInit     MsgType = 1
	MsgHandshakeResponse MsgType = 2
	MsgCookieReply       MsgType = 3
	MsgTransportData     MsgType = 4
)

// Header field sizes, shared by both framings.
const (
	typeSize    = 1
	reservedLen = 3
	indexSize   = 4
	counterSize = 8
)

// Tunnel-framing layout widths, exported so internal/tunnel can build and
// parse buffers in exactly the shape MeshToTunnel/TunnelToMesh expect
// without duplicating the layout.
const (
	TunnelTypeSize    = typeSize
	TunnelReservedLen = reservedLen
	TunnelIndexSize   = indexSize
	TunnelCounterSize = counterSize
	TunnelHeaderSize  = typeSize + reservedLen + indexSize
)

var (
	// ErrRunt is returned when a buffer is shorter than the minimum frame
	// size for its declared (or inferable) message type.
	ErrRunt = errors.New("wire: packet too short")
	// ErrUnknownType is returned when the leading type byte doesn't match
	// any of the four known message types.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Parsed carries the session-routing fields extracted from a frame by
// MeshToTunnel, the fields the dispatcher uses to multiplex a packet to a
// session without touching the Noise payload itself.
type Parsed struct {
	// OurIndex is the local session index this packet addresses; nil for
	// a fresh handshake init, which doesn't yet belong to any session.
	OurIndex *uint32
	// PeerIndex is the remote's own receive index, when the frame shape
	// carries one (handshake responses only); nil otherwise.
	PeerIndex *uint32
	MsgType   MsgType
}

// MeshToTunnel parses the mesh on-the-wire framing in buf (big-endian
// indices, no padding) and returns the routing fields plus buf re-encoded
// in the framing the Noise tunnel expects: a type byte, 3 reserved bytes,
// little-endian index fields, little-endian counter — the shape real
// WireGuard implementations use on the wire.
func MeshToTunnel(buf []byte) (Parsed, []byte, error) {
	if len(buf) < typeSize+indexSize {
		return Parsed{}, nil, ErrRunt
	}
	msgType := MsgType(buf[0])
	switch msgType {
	case MsgHandshakeInit:
		senderIndex := binary.BigEndian.Uint32(buf[1:5])
		payload := buf[5:]
		out := make([]byte, typeSize+reservedLen+indexSize+len(payload))
		out[0] = byte(msgType)
		binary.LittleEndian.PutUint32(out[typeSize+reservedLen:], senderIndex)
		copy(out[typeSize+reservedLen+indexSize:], payload)
		return Parsed{MsgType: msgType}, out, nil

	case MsgHandshakeResponse:
		if len(buf) < typeSize+2*indexSize {
			return Parsed{}, nil, ErrRunt
		}
		senderIndex := binary.BigEndian.Uint32(buf[1:5])
		receiverIndex := binary.BigEndian.Uint32(buf[5:9])
		payload := buf[9:]
		out := make([]byte, typeSize+reservedLen+2*indexSize+len(payload))
		out[0] = byte(msgType)
		binary.LittleEndian.PutUint32(out[typeSize+reservedLen:], senderIndex)
		binary.LittleEndian.PutUint32(out[typeSize+reservedLen+indexSize:], receiverIndex)
		copy(out[typeSize+reservedLen+2*indexSize:], payload)
		return Parsed{OurIndex: u32p(receiverIndex), PeerIndex: u32p(senderIndex), MsgType: msgType}, out, nil

	case MsgCookieReply:
		receiverIndex := binary.BigEndian.Uint32(buf[1:5])
		payload := buf[5:]
		out := make([]byte, typeSize+reservedLen+indexSize+len(payload))
		out[0] = byte(msgType)
		binary.LittleEndian.PutUint32(out[typeSize+reservedLen:], receiverIndex)
		copy(out[typeSize+reservedLen+indexSize:], payload)
		return Parsed{OurIndex: u32p(receiverIndex), MsgType: msgType}, out, nil

	case MsgTransportData:
		if len(buf) < typeSize+indexSize+counterSize {
			return Parsed{}, nil, ErrRunt
		}
		receiverIndex := binary.BigEndian.Uint32(buf[1:5])
		counter := binary.BigEndian.Uint64(buf[5:13])
		payload := buf[13:]
		out := make([]byte, typeSize+reservedLen+indexSize+counterSize+len(payload))
		out[0] = byte(msgType)
		binary.LittleEndian.PutUint32(out[typeSize+reservedLen:], receiverIndex)
		binary.LittleEndian.PutUint64(out[typeSize+reservedLen+indexSize:], counter)
		copy(out[typeSize+reservedLen+indexSize+counterSize:], payload)
		return Parsed{OurIndex: u32p(receiverIndex), MsgType: msgType}, out, nil

	default:
		return Parsed{}, nil, ErrUnknownType
	}
}

// TunnelToMesh is the inverse of MeshToTunnel: given a buffer in tunnel
// framing, it re-encodes the equivalent mesh on-the-wire framing.
func TunnelToMesh(buf []byte) ([]byte, error) {
	if len(buf) < typeSize+reservedLen+indexSize {
		return nil, ErrRunt
	}
	msgType := MsgType(buf[0])
	rest := buf[typeSize+reservedLen:]

	switch msgType {
	case MsgHandshakeInit:
		senderIndex := binary.LittleEndian.Uint32(rest[:indexSize])
		payload := rest[indexSize:]
		out := make([]byte, typeSize+indexSize+len(payload))
		out[0] = byte(msgType)
		binary.BigEndian.PutUint32(out[1:5], senderIndex)
		copy(out[5:], payload)
		return out, nil

	case MsgHandshakeResponse:
		if len(rest) < 2*indexSize {
			return nil, ErrRunt
		}
		senderIndex := binary.LittleEndian.Uint32(rest[:indexSize])
		receiverIndex := binary.LittleEndian.Uint32(rest[indexSize : 2*indexSize])
		payload := rest[2*indexSize:]
		out := make([]byte, typeSize+2*indexSize+len(payload))
		out[0] = byte(msgType)
		binary.BigEndian.PutUint32(out[1:5], senderIndex)
		binary.BigEndian.PutUint32(out[5:9], receiverIndex)
		copy(out[9:], payload)
		return out, nil

	case MsgCookieReply:
		receiverIndex := binary.LittleEndian.Uint32(rest[:indexSize])
		payload := rest[indexSize:]
		out := make([]byte, typeSize+indexSize+len(payload))
		out[0] = byte(msgType)
		binary.BigEndian.PutUint32(out[1:5], receiverIndex)
		copy(out[5:], payload)
		return out, nil

	case MsgTransportData:
		if len(rest) < indexSize+counterSize {
			return nil, ErrRunt
		}
		receiverIndex := binary.LittleEndian.Uint32(rest[:indexSize])
		counter := binary.LittleEndian.Uint64(rest[indexSize : indexSize+counterSize])
		payload := rest[indexSize+counterSize:]
		out := make([]byte, typeSize+indexSize+counterSize+len(payload))
		out[0] = byte(msgType)
		binary.BigEndian.PutUint32(out[1:5], receiverIndex)
		binary.BigEndian.PutUint64(out[5:13], counter)
		copy(out[13:], payload)
		return out, nil

	default:
		return nil, ErrUnknownType
	}
}

func u32p(v uint32) *uint32 { return &v }
