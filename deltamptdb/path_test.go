package deltamptdb

import (
	"bytes"
	"testing"
)

func TestKeyBytesNibblesRoundTrip(t *testing.T) {
	key := []byte{0x12, 0xab, 0x00, 0xff}
	nibbles := KeyBytesToNibbles(key)
	want := []byte{1, 2, 0xa, 0xb, 0, 0, 0xf, 0xf}
	if !bytes.Equal(nibbles, want) {
		t.Fatalf("KeyBytesToNibbles(%x) = %v, want %v", key, nibbles, want)
	}

	back := CompressedPath{Nibbles: nibbles}.ToKeyBytes()
	if !bytes.Equal(back, key) {
		t.Fatalf("ToKeyBytes round trip = %x, want %x", back, key)
	}
}

func TestToKeyBytesPanicsOnOddLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic on a non-byte-aligned path")
		}
	}()
	CompressedPath{Nibbles: []byte{1, 2, 3}}.ToKeyBytes()
}

func TestCompactEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0xa},
		{1, 2},
		{1, 2, 3},
		{0xf, 0xe, 0xd, 0xc, 0xb},
	}
	for _, nibbles := range cases {
		encoded := compactEncode(nibbles)
		decoded := compactDecode(encoded)
		if len(nibbles) == 0 {
			if len(decoded) != 0 {
				t.Fatalf("compactDecode(compactEncode(%v)) = %v, want empty", nibbles, decoded)
			}
			continue
		}
		if !bytes.Equal(decoded, nibbles) {
			t.Fatalf("compactDecode(compactEncode(%v)) = %v, want %v", nibbles, decoded, nibbles)
		}
	}
}

func TestJoinConnectedPaths(t *testing.T) {
	prefix := CompressedPath{Nibbles: []byte{1, 2}}
	child := CompressedPath{Nibbles: []byte{5, 6}}
	joined := JoinConnectedPaths(prefix, 3, child)
	want := []byte{1, 2, 3, 5, 6}
	if !bytes.Equal(joined.Nibbles, want) {
		t.Fatalf("JoinConnectedPaths = %v, want %v", joined.Nibbles, want)
	}
	// The prefix's backing array must not be aliased by the result.
	prefix.Nibbles[0] = 9
	if joined.Nibbles[0] == 9 {
		t.Fatalf("JoinConnectedPaths aliased the prefix's backing array")
	}
}

func TestHasSecondNibble(t *testing.T) {
	if (CompressedPath{Nibbles: []byte{1}}).HasSecondNibble() {
		t.Fatalf("a single nibble should not report HasSecondNibble")
	}
	if !(CompressedPath{Nibbles: []byte{1, 2}}).HasSecondNibble() {
		t.Fatalf("two nibbles should report HasSecondNibble")
	}
}
