// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package storepath

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"go.nixrs.dev/nixrs/nixbase32"
	"go.nixrs.dev/nixrs/nixhash"
)

func mustName(t *testing.T, s string) Name {
	t.Helper()
	n, err := ParseName(s)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func mustSHA256(t *testing.T, data string) nixhash.Hash {
	t.Helper()
	hr := nixhash.NewHasher(nixhash.SHA256)
	hr.WriteString(data)
	return hr.SumHash()
}

// referenceFingerprintHash reproduces the store-path hash derivation
// independently of the package under test, so tests don't merely check
// that the implementation agrees with itself.
func referenceFingerprintHash(t *testing.T, fingerprint string) Hash {
	t.Helper()
	sum := sha256.Sum256([]byte(fingerprint))
	compressed := make([]byte, HashSize)
	for i, b := range sum {
		compressed[i%HashSize] ^= b
	}
	h, err := NewHash(compressed)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestMakeStorePathText(t *testing.T) {
	name := mustName(t, "example.txt")
	ca := TextContentAddress(mustSHA256(t, "hello world"))

	got, err := MakeStorePath(DefaultStoreDir, name, ca, References{})
	if err != nil {
		t.Fatal(err)
	}

	fingerprint := "text:sha256:" + ca.Hash().Base16() + ":/nix/store:example.txt"
	want := New(referenceFingerprintHash(t, fingerprint), name)
	if got != want {
		t.Errorf("MakeStorePath() = %q; want %q", got, want)
	}
}

func TestMakeStorePathTextWithReferences(t *testing.T) {
	name := mustName(t, "example.txt")
	other, err := Parse("00000000000000000000000000000000-dep")
	if err != nil {
		t.Fatal(err)
	}
	refs := References{Others: *new(StorePathSet)}
	refs.Others.Add(other)
	ca := TextContentAddress(mustSHA256(t, "hello world"))

	got, err := MakeStorePath(DefaultStoreDir, name, ca, refs)
	if err != nil {
		t.Fatal(err)
	}

	fingerprint := "text:" + string(other) + ":sha256:" + ca.Hash().Base16() + ":/nix/store:example.txt"
	want := New(referenceFingerprintHash(t, fingerprint), name)
	if got != want {
		t.Errorf("MakeStorePath() = %q; want %q", got, want)
	}
}

func TestMakeStorePathSource(t *testing.T) {
	name := mustName(t, "source")
	ca := RecursiveContentAddress(mustSHA256(t, "pretend this is a NAR"))

	got, err := MakeStorePath(DefaultStoreDir, name, ca, References{Self: true})
	if err != nil {
		t.Fatal(err)
	}

	fingerprint := "source:self:sha256:" + ca.Hash().Base16() + ":/nix/store:source"
	want := New(referenceFingerprintHash(t, fingerprint), name)
	if got != want {
		t.Errorf("MakeStorePath() = %q; want %q", got, want)
	}
}

// TestMakeStorePathFixedFlat exercises the same shape of input as the
// store-path construction scenario: store_dir = "/nix/store",
// name = "konsole-18.12.3", a flat SHA-256 fixed-output content address.
// The digest here is a stand-in (the scenario's own digest is elided),
// so this checks internal consistency of the two-stage fingerprint,
// not the exact fixture digest.
func TestMakeStorePathFixedFlat(t *testing.T) {
	name := mustName(t, "konsole-18.12.3")
	innerHash := mustSHA256(t, "pretend file contents")
	ca := FlatContentAddress(innerHash)

	got, err := MakeStorePath(DefaultStoreDir, name, ca, References{})
	if err != nil {
		t.Fatal(err)
	}

	innerFingerprint := "fixed:out:" + innerHash.String()
	innerDigest := mustSHA256(t, innerFingerprint)
	outerFingerprint := "output:out:sha256:" + innerDigest.Base16() + ":/nix/store:konsole-18.12.3"
	want := New(referenceFingerprintHash(t, outerFingerprint), name)
	if got != want {
		t.Errorf("MakeStorePath() = %q; want %q", got, want)
	}
	if !got.IsValid() {
		t.Errorf("MakeStorePath() result %q is not a valid store path", got)
	}
}

func TestMakeStorePathFixedRecursiveNonSHA256(t *testing.T) {
	name := mustName(t, "foo-1.0")
	innerHash, err := nixhash.New(nixhash.MD5, make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	ca := RecursiveContentAddress(innerHash)

	got, err := MakeStorePath(DefaultStoreDir, name, ca, References{})
	if err != nil {
		t.Fatal(err)
	}

	innerFingerprint := "fixed:out:r:" + innerHash.String()
	innerDigest := mustSHA256(t, innerFingerprint)
	outerFingerprint := "output:out:sha256:" + innerDigest.Base16() + ":/nix/store:foo-1.0"
	want := New(referenceFingerprintHash(t, outerFingerprint), name)
	if got != want {
		t.Errorf("MakeStorePath() = %q; want %q", got, want)
	}
}

func TestValidateContentAddressRejectsTextSelfReference(t *testing.T) {
	ca := TextContentAddress(mustSHA256(t, "x"))
	if err := ValidateContentAddress(ca, References{Self: true}); err == nil {
		t.Error("expected error for text content address with self-reference")
	}
}

func TestValidateContentAddressRejectsReferencesOnFixedOutput(t *testing.T) {
	ca := FlatContentAddress(mustSHA256(t, "x"))
	refs := References{Others: *new(StorePathSet)}
	other, err := Parse("00000000000000000000000000000000-dep")
	if err != nil {
		t.Fatal(err)
	}
	refs.Others.Add(other)
	if err := ValidateContentAddress(ca, refs); err == nil {
		t.Error("expected error for fixed output with references")
	}
}

func TestParseRoundTrip(t *testing.T) {
	const s = "00bgd045z0d4icpbc2yyz4gx48ak44la-foo-1.0"
	p, err := Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Digest(), "00bgd045z0d4icpbc2yyz4gx48ak44la"; got != want {
		t.Errorf("Digest() = %q; want %q", got, want)
	}
	if got, want := string(p.Name()), "foo-1.0"; got != want {
		t.Errorf("Name() = %q; want %q", got, want)
	}
	if string(p) != s {
		t.Errorf("round trip: %q != %q", p, s)
	}
}

func TestParseRejectsBadName(t *testing.T) {
	tests := []string{
		"00bgd045z0d4icpbc2yyz4gx48ak44la-.hidden",
		"00bgd045z0d4icpbc2yyz4gx48ak44la-",
		"00bgd045z0d4icpbc2yyz4gx48ak44la-has space",
	}
	for _, s := range tests {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestStoreDirParsePath(t *testing.T) {
	dir := DefaultStoreDir
	sp, sub, err := dir.ParsePath("/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-foo-1.0/bin/foo")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(sp), "00bgd045z0d4icpbc2yyz4gx48ak44la-foo-1.0"; got != want {
		t.Errorf("store path = %q; want %q", got, want)
	}
	if got, want := sub, "bin/foo"; got != want {
		t.Errorf("sub = %q; want %q", got, want)
	}
}

func TestStoreDirParsePathOutsideStore(t *testing.T) {
	dir := DefaultStoreDir
	if _, _, err := dir.ParsePath("/etc/passwd"); err == nil {
		t.Error("expected error for path outside store directory")
	}
}

func TestContentAddressTextRoundTrip(t *testing.T) {
	ca := TextContentAddress(mustSHA256(t, "hello"))
	text, err := ca.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var got ContentAddress
	if err := got.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if got != ca {
		t.Errorf("round trip through %q produced %v; want %v", text, got, ca)
	}
}

func TestContentAddressRecursiveRoundTrip(t *testing.T) {
	ca := RecursiveContentAddress(mustSHA256(t, "hello"))
	text, err := ca.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(text), "fixed:r:sha256:"+hex.EncodeToString(ca.Hash().Bytes()); got != want {
		t.Errorf("MarshalText() = %q; want %q", got, want)
	}
	var got ContentAddress
	if err := got.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}
	if got != ca {
		t.Errorf("round trip produced %v; want %v", got, ca)
	}
}

func TestParseHashWrongLength(t *testing.T) {
	if _, err := ParseHash("00"); err == nil {
		t.Error("expected error for wrong-length hash")
	}
}

func TestNixbase32Consistency(t *testing.T) {
	// Sanity check that HashSize and hashEncodedLen agree with the
	// base-32 codec's own length formula.
	if got, want := hashEncodedLen, nixbase32.EncodedLen(HashSize); got != want {
		t.Errorf("hashEncodedLen = %d; want %d", got, want)
	}
}
