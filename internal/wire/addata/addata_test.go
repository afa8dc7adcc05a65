package addata

import "testing"

func TestEncodeDecode_Empty(t *testing.T) {
	got := Encode(Block{})
	if len(got) != 0 {
		t.Fatalf("expected empty encoding, got %x", got)
	}
	b, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.PrevSessIndex != nil || b.CjdnsPsk != nil {
		t.Fatal("expected zero Block")
	}
}

func TestEncodeDecode_PrevSessIndex(t *testing.T) {
	idx := uint32(12345)
	buf := Encode(Block{PrevSessIndex: &idx})
	if len(buf)%alignment != 0 {
		t.Fatalf("expected 4-byte aligned length, got %d", len(buf))
	}
	b, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.PrevSessIndex == nil || *b.PrevSessIndex != idx {
		t.Fatalf("got %v, want %d", b.PrevSessIndex, idx)
	}
}

func TestEncodeDecode_CjdnsPsk(t *testing.T) {
	var psk [32]byte
	for i := range psk {
		psk[i] = byte(i)
	}
	buf := Encode(Block{CjdnsPsk: &psk})
	b, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.CjdnsPsk == nil || *b.CjdnsPsk != psk {
		t.Fatal("psk did not round trip")
	}
}

func TestEncodeDecode_Both(t *testing.T) {
	idx := uint32(7)
	var psk [32]byte
	psk[0] = 0xff
	buf := Encode(Block{PrevSessIndex: &idx, CjdnsPsk: &psk})

	b, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.PrevSessIndex == nil || *b.PrevSessIndex != idx {
		t.Fatal("PrevSessIndex did not round trip alongside CjdnsPsk")
	}
	if b.CjdnsPsk == nil || *b.CjdnsPsk != psk {
		t.Fatal("CjdnsPsk did not round trip alongside PrevSessIndex")
	}
}

func TestDecode_UnalignedLength(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecode_TruncatedValue(t *testing.T) {
	buf := []byte{byte(TagPrevSessIndex), 4, 0, 0}
	if _, err := Decode(buf); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecode_UnknownTag(t *testing.T) {
	buf := []byte{0x7f, 0, 0, 0}
	if _, err := Decode(buf); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecode_WrongLengthForKnownTag(t *testing.T) {
	buf := make([]byte, 8)
	buf[0] = byte(TagPrevSessIndex)
	buf[1] = 8
	if _, err := Decode(buf); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
