// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package nixhash

import (
	"bytes"
	"testing"
)

func TestHasherRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{MD5, SHA1, SHA256, SHA512} {
		hr := NewHasher(algo)
		hr.WriteString("hello world")
		h := hr.SumHash()
		if h.Algorithm() != algo {
			t.Errorf("%v: Algorithm() = %v", algo, h.Algorithm())
		}
		if len(h.Bytes()) != algo.Size() {
			t.Errorf("%v: len(Bytes()) = %d; want %d", algo, len(h.Bytes()), algo.Size())
		}

		parsed, err := ParsePrefixed(h.String())
		if err != nil {
			t.Fatalf("%v: ParsePrefixed(%q): %v", algo, h.String(), err)
		}
		if parsed.Algorithm() != h.Algorithm() || !bytes.Equal(parsed.Bytes(), h.Bytes()) {
			t.Errorf("%v: round trip through %q produced %v", algo, h.String(), parsed)
		}

		parsed32, err := Parse(algo, h.Base32())
		if err != nil {
			t.Fatalf("%v: Parse base32 %q: %v", algo, h.Base32(), err)
		}
		if !bytes.Equal(parsed32.Bytes(), h.Bytes()) {
			t.Errorf("%v: base32 round trip mismatch", algo)
		}

		parsed64, err := Parse(algo, h.Base64())
		if err != nil {
			t.Fatalf("%v: Parse base64 %q: %v", algo, h.Base64(), err)
		}
		if !bytes.Equal(parsed64.Bytes(), h.Bytes()) {
			t.Errorf("%v: base64 round trip mismatch", algo)
		}
	}
}

func TestCompressHash(t *testing.T) {
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i + 1)
	}
	out := CompressHash(20, digest)
	if len(out) != 20 {
		t.Fatalf("len(out) = %d; want 20", len(out))
	}
	for i := 0; i < 20; i++ {
		want := digest[i]
		if i+20 < len(digest) {
			want ^= digest[i+20]
		}
		if out[i] != want {
			t.Errorf("out[%d] = %#x; want %#x", i, out[i], want)
		}
	}
}

func TestNewWrongSize(t *testing.T) {
	if _, err := New(SHA256, make([]byte, 10)); err == nil {
		t.Error("expected error for wrong digest size")
	}
}
