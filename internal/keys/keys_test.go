package keys

import "testing"

func TestGeneratePrivate_Unique(t *testing.T) {
	a, err := GeneratePrivate()
	if err != nil {
		t.Fatalf("GeneratePrivate: %v", err)
	}
	b, err := GeneratePrivate()
	if err != nil {
		t.Fatalf("GeneratePrivate: %v", err)
	}
	if a == b {
		t.Fatal("two generated private keys collided")
	}
}

func TestPrivate_PublicDeterministic(t *testing.T) {
	priv, err := GeneratePrivate()
	if err != nil {
		t.Fatalf("GeneratePrivate: %v", err)
	}
	pub1, err := priv.Public()
	if err != nil {
		t.Fatalf("Public: %v", err)
	}
	pub2, err := priv.Public()
	if err != nil {
		t.Fatalf("Public: %v", err)
	}
	if pub1 != pub2 {
		t.Fatal("public key derivation must be deterministic")
	}
	if pub1.IsZero() {
		t.Fatal("derived public key should not be zero")
	}
}

func TestPublicFromBytes_BadLength(t *testing.T) {
	if _, err := PublicFromBytes(make([]byte, 31)); err != ErrBadKeyLength {
		t.Fatalf("expected ErrBadKeyLength, got %v", err)
	}
}

func TestPrivateFromBytes_BadLength(t *testing.T) {
	if _, err := PrivateFromBytes(make([]byte, 33)); err != ErrBadKeyLength {
		t.Fatalf("expected ErrBadKeyLength, got %v", err)
	}
}

func TestPrivateFromBytes_RoundTrip(t *testing.T) {
	raw := make([]byte, Size)
	for i := range raw {
		raw[i] = byte(i)
	}
	k, err := PrivateFromBytes(raw)
	if err != nil {
		t.Fatalf("PrivateFromBytes: %v", err)
	}
	if !equalBytes(k.Bytes(), raw) {
		t.Fatal("Bytes() did not round trip the input")
	}
}

func TestPublic_IsZero(t *testing.T) {
	var p Public
	if !p.IsZero() {
		t.Fatal("zero-value Public should report IsZero")
	}
	p[0] = 1
	if p.IsZero() {
		t.Fatal("non-zero Public should not report IsZero")
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
