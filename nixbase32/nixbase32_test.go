// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package nixbase32

import (
	"bytes"
	"testing"
)

func TestEncodeToString(t *testing.T) {
	tests := []struct {
		src  []byte
		want string
	}{
		{nil, ""},
		{[]byte{0}, "00"},
		{bytes.Repeat([]byte{0}, 20), "0000000000000000000000000000000000000000"[:32]},
	}
	for _, test := range tests {
		got := EncodeToString(test.src)
		if got != test.want {
			t.Errorf("EncodeToString(%x) = %q; want %q", test.src, got, test.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	src := []byte("the quick brown fox jumps over the lazy dog 1234")
	for n := 0; n <= len(src); n++ {
		b := src[:n]
		enc := EncodeToString(b)
		if got, want := len(enc), EncodedLen(n); got != want {
			t.Errorf("len(EncodeToString(%d bytes)) = %d; want %d", n, got, want)
		}
		dec, err := DecodeString(n, enc)
		if err != nil {
			t.Fatalf("DecodeString(%d, %q): %v", n, enc, err)
		}
		if !bytes.Equal(dec, b) {
			t.Errorf("round trip of %x through %q produced %x", b, enc, dec)
		}
	}
}

func TestDecodeInvalidCharacter(t *testing.T) {
	if _, err := DecodeString(20, "0000000000000000000000000000000e00"[:32]); err == nil {
		t.Error("expected error for invalid character, got nil")
	}
}

func TestDecodeWrongLength(t *testing.T) {
	if _, err := DecodeString(20, "00"); err == nil {
		t.Error("expected error for wrong length, got nil")
	}
}

func TestStorePathHashExample(t *testing.T) {
	// From the Nix manual / widely used fixture:
	// base32 "00bgd045z0d4icpbc2yyz4gx48ak44la" decodes to a 20-byte digest
	// and re-encodes to the same string.
	const s = "00bgd045z0d4icpbc2yyz4gx48ak44la"
	b, err := DecodeString(20, s)
	if err != nil {
		t.Fatal(err)
	}
	if got := EncodeToString(b); got != s {
		t.Errorf("EncodeToString(DecodeString(20, %q)) = %q; want %q", s, got, s)
	}
}
