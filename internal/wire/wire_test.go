package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func meshInit(senderIndex uint32, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = byte(MsgHandshakeInit)
	binary.BigEndian.PutUint32(buf[1:5], senderIndex)
	copy(buf[5:], payload)
	return buf
}

func meshResponse(senderIndex, receiverIndex uint32, payload []byte) []byte {
	buf := make([]byte, 9+len(payload))
	buf[0] = byte(MsgHandshakeResponse)
	binary.BigEndian.PutUint32(buf[1:5], senderIndex)
	binary.BigEndian.PutUint32(buf[5:9], receiverIndex)
	copy(buf[9:], payload)
	return buf
}

func meshData(receiverIndex uint32, counter uint64, payload []byte) []byte {
	buf := make([]byte, 13+len(payload))
	buf[0] = byte(MsgTransportData)
	binary.BigEndian.PutUint32(buf[1:5], receiverIndex)
	binary.BigEndian.PutUint64(buf[5:13], counter)
	copy(buf[13:], payload)
	return buf
}

func TestRoundTrip_Init(t *testing.T) {
	orig := meshInit(42, []byte("noise-handshake-payload"))
	parsed, tunnelBuf, err := MeshToTunnel(orig)
	if err != nil {
		t.Fatalf("MeshToTunnel: %v", err)
	}
	if parsed.OurIndex != nil {
		t.Fatal("fresh handshake init must have no OurIndex")
	}
	back, err := TunnelToMesh(tunnelBuf)
	if err != nil {
		t.Fatalf("TunnelToMesh: %v", err)
	}
	if !bytes.Equal(back, orig) {
		t.Fatalf("round trip mismatch:\norig=%x\nback=%x", orig, back)
	}
}

func TestRoundTrip_Response(t *testing.T) {
	orig := meshResponse(7, 3, []byte("response-payload"))
	parsed, tunnelBuf, err := MeshToTunnel(orig)
	if err != nil {
		t.Fatalf("MeshToTunnel: %v", err)
	}
	if parsed.OurIndex == nil || *parsed.OurIndex != 3 {
		t.Fatalf("expected OurIndex=3, got %v", parsed.OurIndex)
	}
	if parsed.PeerIndex == nil || *parsed.PeerIndex != 7 {
		t.Fatalf("expected PeerIndex=7, got %v", parsed.PeerIndex)
	}
	back, err := TunnelToMesh(tunnelBuf)
	if err != nil {
		t.Fatalf("TunnelToMesh: %v", err)
	}
	if !bytes.Equal(back, orig) {
		t.Fatalf("round trip mismatch:\norig=%x\nback=%x", orig, back)
	}
}

func TestRoundTrip_Data(t *testing.T) {
	orig := meshData(99, 12345, []byte("ciphertext-blob"))
	parsed, tunnelBuf, err := MeshToTunnel(orig)
	if err != nil {
		t.Fatalf("MeshToTunnel: %v", err)
	}
	if parsed.OurIndex == nil || *parsed.OurIndex != 99 {
		t.Fatalf("expected OurIndex=99, got %v", parsed.OurIndex)
	}
	if parsed.PeerIndex != nil {
		t.Fatal("data frames carry no peer index")
	}
	back, err := TunnelToMesh(tunnelBuf)
	if err != nil {
		t.Fatalf("TunnelToMesh: %v", err)
	}
	if !bytes.Equal(back, orig) {
		t.Fatalf("round trip mismatch:\norig=%x\nback=%x", orig, back)
	}
}

func TestMeshToTunnel_Runt(t *testing.T) {
	if _, _, err := MeshToTunnel([]byte{1, 2}); err != ErrRunt {
		t.Fatalf("expected ErrRunt, got %v", err)
	}
}

func TestMeshToTunnel_UnknownType(t *testing.T) {
	buf := make([]byte, 8)
	buf[0] = 0x7f
	if _, _, err := MeshToTunnel(buf); err != ErrUnknownType {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestTunnelToMesh_Runt(t *testing.T) {
	if _, err := TunnelToMesh([]byte{1, 0, 0}); err != ErrRunt {
		t.Fatalf("expected ErrRunt, got %v", err)
	}
}
