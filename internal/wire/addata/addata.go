// Package addata serializes and parses the handshake additional-data
// block: a small TLV stream of {PrevSessIndex, CjdnsPsk} entries, bound
// into the Noise handshake's authenticated additional-data field and
// zero-padded to a multiple of 4 bytes.
//
// Shape mirrors the teacher's small, pure, byte-slice helpers in
// infrastructure/cryptography/noise/mac.go (AppendMACs, ExtractNoiseMsg):
// fixed-width fields, no allocation beyond the returned slice.
package addata

import (
	"encoding/binary"
	"errors"
)

// Tag identifies a TLV entry kind.
type Tag byte

const (
	// TagPrevSessIndex carries the peer's most recently observed receive
	// index, a 4-byte value.
	TagPrevSessIndex Tag = 1
	// TagCjdnsPsk carries a 32-byte challenge key chosen by the initiator.
	TagCjdnsPsk Tag = 2
)

const (
	tagSize = 1
	lenSize = 1
	// alignment is the block's required byte-length multiple.
	alignment = 4
)

// ErrMalformed is returned when a block cannot be parsed as a well-formed
// TLV stream.
var ErrMalformed = errors.New("addata: malformed block")

// Block is the decoded form of an additional-data TLV stream.
type Block struct {
	PrevSessIndex *uint32
	CjdnsPsk      *[32]byte
}

// Encode serializes b into a TLV stream zero-padded to a multiple of 4
// bytes. A Block with neither field set encodes to zero bytes.
func Encode(b Block) []byte {
	var body []byte

	if b.PrevSessIndex != nil {
		entry := make([]byte, tagSize+lenSize+4)
		entry[0] = byte(TagPrevSessIndex)
		entry[1] = 4
		binary.BigEndian.PutUint32(entry[2:], *b.PrevSessIndex)
		body = append(body, entry...)
	}
	if b.CjdnsPsk != nil {
		entry := make([]byte, tagSize+lenSize+32)
		entry[0] = byte(TagCjdnsPsk)
		entry[1] = 32
		copy(entry[2:], b.CjdnsPsk[:])
		body = append(body, entry...)
	}

	if pad := (alignment - len(body)%alignment) % alignment; pad != 0 {
		body = append(body, make([]byte, pad)...)
	}
	return body
}

// Decode parses a TLV stream produced by Encode. The empty block ([]byte{})
// decodes to a zero Block.
func Decode(buf []byte) (Block, error) {
	if len(buf)%alignment != 0 {
		return Block{}, ErrMalformed
	}

	var b Block
	i := 0
	for i < len(buf) {
		// Trailing zero padding: a zero tag/len pair with no payload ends
		// the stream.
		if buf[i] == 0 {
			break
		}
		if i+tagSize+lenSize > len(buf) {
			return Block{}, ErrMalformed
		}
		tag := Tag(buf[i])
		length := int(buf[i+1])
		start := i + tagSize + lenSize
		if start+length > len(buf) {
			return Block{}, ErrMalformed
		}
		value := buf[start : start+length]

		switch tag {
		case TagPrevSessIndex:
			if length != 4 {
				return Block{}, ErrMalformed
			}
			v := binary.BigEndian.Uint32(value)
			b.PrevSessIndex = &v
		case TagCjdnsPsk:
			if length != 32 {
				return Block{}, ErrMalformed
			}
			var psk [32]byte
			copy(psk[:], value)
			b.CjdnsPsk = &psk
		default:
			return Block{}, ErrMalformed
		}

		i = start + length
	}
	return b, nil
}
