package session

import (
	"bytes"
	"testing"

	"meshnoise/internal/addressing"
	"meshnoise/internal/keys"
	"meshnoise/internal/tunnel"
)

type stubHost struct {
	deregistered []uint32
	ingress      func(peerAddr [16]byte, buf []byte) error
}

func (h *stubHost) Deregister(id uint32) { h.deregistered = append(h.deregistered, id) }
func (h *stubHost) HandleIngress(peerAddr [16]byte, buf []byte) error {
	if h.ingress != nil {
		return h.ingress(peerAddr, buf)
	}
	return nil
}

func routableKeys(t *testing.T) (keys.Private, keys.Public, keys.Private, keys.Public) {
	t.Helper()
	// addressing.FromPublicKey is a fixed double-SHA512 derivation with no
	// escape hatch for test keys, so sessions bound to freshly generated
	// random keys will only rarely land on a routable (0xfc-prefixed)
	// address; retry until two independent keys do, so either one can
	// serve as the peer key that New validates.
	var firstPriv keys.Private
	var firstPub keys.Public
	found := false
	for i := 0; i < 100000; i++ {
		priv, err := keys.GeneratePrivate()
		if err != nil {
			t.Fatalf("GeneratePrivate: %v", err)
		}
		pub, err := priv.Public()
		if err != nil {
			t.Fatalf("Public: %v", err)
		}
		if !routable(pub) {
			continue
		}
		if !found {
			firstPriv, firstPub, found = priv, pub, true
			continue
		}
		return firstPriv, firstPub, priv, pub
	}
	t.Fatal("could not find two routable keys")
	return keys.Private{}, keys.Public{}, keys.Private{}, keys.Public{}
}

func TestNew_RejectsUnroutablePeer(t *testing.T) {
	var unroutable keys.Public
	for i := 0; i < 100000; i++ {
		priv, err := keys.GeneratePrivate()
		if err != nil {
			t.Fatalf("GeneratePrivate: %v", err)
		}
		pub, err := priv.Public()
		if err != nil {
			t.Fatalf("Public: %v", err)
		}
		if !routable(pub) {
			unroutable = pub
			break
		}
	}

	host := &stubHost{}
	tunn := tunnel.NewInitiator(1, keys.Private{}, keys.Public{}, unroutable)
	_, err := New(host, 1, tunn, unroutable, "peer", true, false)
	if err != ErrUnroutablePeer {
		t.Fatalf("expected ErrUnroutablePeer, got %v", err)
	}
}

func TestEncapsulatePlaintext_RejectsEmptyAndMisaligned(t *testing.T) {
	ourPriv, ourPub, _, peerPub := routableKeys(t)
	host := &stubHost{}
	tunn := tunnel.NewInitiator(1, ourPriv, ourPub, peerPub)
	s, err := New(host, 1, tunn, peerPub, "peer", true, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.EncapsulatePlaintext(nil); err != ErrEmptyPlaintext {
		t.Fatalf("expected ErrEmptyPlaintext, got %v", err)
	}
	if err := s.EncapsulatePlaintext([]byte("abc")); err != ErrMisalignedPlaintext {
		t.Fatalf("expected ErrMisalignedPlaintext, got %v", err)
	}
}

func TestEncapsulatePlaintext_StartsHandshakeOnCiphertextEndpoint(t *testing.T) {
	ourPriv, ourPub, _, peerPub := routableKeys(t)
	host := &stubHost{}
	tunn := tunnel.NewInitiator(1, ourPriv, ourPub, peerPub)
	s, err := New(host, 1, tunn, peerPub, "peer", true, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var sent []byte
	_, cipherIface, ok := s.Ifaces()
	if !ok {
		t.Fatalf("expected Ifaces to yield once")
	}
	cipherIface.SetReceiver(func(msg []byte) { sent = msg })

	if err := s.EncapsulatePlaintext([]byte("ping")); err != nil {
		t.Fatalf("EncapsulatePlaintext: %v", err)
	}
	if sent == nil {
		t.Fatalf("expected a mesh-framed handshake init on the ciphertext endpoint")
	}
	if sent[0] != 1 {
		t.Fatalf("expected MsgHandshakeInit type byte 1, got %d", sent[0])
	}
}

func TestIfaces_SingleShotHandoff(t *testing.T) {
	ourPriv, ourPub, _, peerPub := routableKeys(t)
	host := &stubHost{}
	tunn := tunnel.NewInitiator(1, ourPriv, ourPub, peerPub)
	s, err := New(host, 1, tunn, peerPub, "peer", true, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, ok := s.Ifaces()
	if !ok {
		t.Fatalf("first Ifaces call should succeed")
	}
	_, _, ok = s.Ifaces()
	if ok {
		t.Fatalf("second Ifaces call should fail")
	}
}

func TestClose_Deregisters(t *testing.T) {
	ourPriv, ourPub, _, peerPub := routableKeys(t)
	host := &stubHost{}
	tunn := tunnel.NewInitiator(1, ourPriv, ourPub, peerPub)
	s, err := New(host, 7, tunn, peerPub, "peer", true, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Close()
	s.Close()
	if len(host.deregistered) != 1 || host.deregistered[0] != 7 {
		t.Fatalf("expected exactly one deregistration of id 7, got %v", host.deregistered)
	}
}

func TestSetAuth_NoopOnResponder(t *testing.T) {
	ourPriv, ourPub, _, peerPub := routableKeys(t)
	host := &stubHost{}
	tunn := tunnel.NewResponder(1, ourPriv, ourPub, peerPub)
	s, err := New(host, 1, tunn, peerPub, "peer", false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	login := "alice"
	s.SetAuth([]byte("secret"), &login)
	if s.currentAddData() != nil {
		t.Fatalf("expected no additional-data mutation on a responder session")
	}
}

func TestDecapsulateCiphertext_StripsAddressAndDefers(t *testing.T) {
	ourPriv, ourPub, _, peerPub := routableKeys(t)
	var gotAddr [16]byte
	var gotBuf []byte
	host := &stubHost{ingress: func(addr [16]byte, buf []byte) error {
		gotAddr = addr
		gotBuf = buf
		return nil
	}}
	tunn := tunnel.NewInitiator(1, ourPriv, ourPub, peerPub)
	s, err := New(host, 1, tunn, peerPub, "peer", true, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	addr := bytes.Repeat([]byte{0xAA}, 16)
	rest := []byte{1, 2, 3, 4}
	if err := s.DecapsulateCiphertext(append(append([]byte(nil), addr...), rest...)); err != nil {
		t.Fatalf("DecapsulateCiphertext: %v", err)
	}
	if !bytes.Equal(gotAddr[:], addr) {
		t.Fatalf("address not stripped correctly: got %x", gotAddr)
	}
	if !bytes.Equal(gotBuf, rest) {
		t.Fatalf("remainder not passed through: got %x want %x", gotBuf, rest)
	}
}

func routable(pub keys.Public) bool {
	return addressing.IsRoutable(addressing.FromPublicKey(pub))
}
