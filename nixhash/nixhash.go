// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package nixhash provides the digest algorithms, textual encodings,
// and hash-compression routine that the Nix store uses throughout its
// wire protocols and on-disk formats.
package nixhash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"go.nixrs.dev/nixrs/nixbase32"
)

// Algorithm is a digest algorithm supported by the Nix store.
type Algorithm int8

// Defined algorithms.
const (
	MD5 Algorithm = 1 + iota
	SHA1
	SHA256
	SHA512
)

// ParseAlgorithm parses the textual name of a hash algorithm
// (e.g. "md5", "sha1", "sha256", "sha512").
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "md5":
		return MD5, nil
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	case "sha512":
		return SHA512, nil
	default:
		return 0, fmt.Errorf("parse hash algorithm: unknown algorithm %q", s)
	}
}

// String returns the algorithm's textual name, as used in hash prefixes.
func (algo Algorithm) String() string {
	switch algo {
	case MD5:
		return "md5"
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return fmt.Sprintf("nixhash.Algorithm(%d)", int8(algo))
	}
}

// Size returns the number of bytes in a digest produced by algo.
// It returns -1 if algo is not a known algorithm.
func (algo Algorithm) Size() int {
	switch algo {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	default:
		return -1
	}
}

// IsValid reports whether algo is one of the defined constants.
func (algo Algorithm) IsValid() bool {
	return algo.Size() >= 0
}

// newHash returns a fresh [hash.Hash] for the given algorithm.
func (algo Algorithm) newHash() hash.Hash {
	switch algo {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	default:
		panic("nixhash: unknown algorithm")
	}
}

// Hash is a digest tagged with the [Algorithm] that produced it.
// The zero value is not a valid hash.
type Hash struct {
	algo   Algorithm
	digest [sha512.Size]byte
}

// New creates a new [Hash] from a digest's raw bytes.
// It returns an error if len(digest) does not match algo's digest size.
func New(algo Algorithm, digest []byte) (Hash, error) {
	size := algo.Size()
	if size < 0 {
		return Hash{}, fmt.Errorf("new hash: unknown algorithm %v", algo)
	}
	if len(digest) != size {
		return Hash{}, fmt.Errorf("new hash: %v digest must be %d bytes (got %d)", algo, size, len(digest))
	}
	h := Hash{algo: algo}
	copy(h.digest[:], digest)
	return h, nil
}

// IsZero reports whether h is the zero value (i.e. has no algorithm).
func (h Hash) IsZero() bool {
	return h.algo == 0
}

// Algorithm returns the hash's digest algorithm.
func (h Hash) Algorithm() Algorithm {
	return h.algo
}

// Bytes returns the raw digest bytes.
func (h Hash) Bytes() []byte {
	if h.algo == 0 {
		return nil
	}
	return append([]byte(nil), h.digest[:h.algo.Size()]...)
}

// Base16 returns the digest encoded as lowercase hexadecimal.
func (h Hash) Base16() string {
	return hex.EncodeToString(h.Bytes())
}

// Base32 returns the digest encoded in Nix's base-32 alphabet.
func (h Hash) Base32() string {
	return nixbase32.EncodeToString(h.Bytes())
}

// Base64 returns the digest encoded as standard base64.
func (h Hash) Base64() string {
	return base64.StdEncoding.EncodeToString(h.Bytes())
}

// String returns the hash in "<algo>:<hex>" form,
// the canonical textual form used by store-path fingerprints.
func (h Hash) String() string {
	if h.algo == 0 {
		return ""
	}
	return h.algo.String() + ":" + h.Base16()
}

// SRI returns the hash in Subresource Integrity form, "<algo>-<base64>".
func (h Hash) SRI() string {
	if h.algo == 0 {
		return ""
	}
	return h.algo.String() + "-" + h.Base64()
}

// MarshalText implements [encoding.TextMarshaler].
func (h Hash) MarshalText() ([]byte, error) {
	if h.algo == 0 {
		return nil, fmt.Errorf("marshal hash: zero value")
	}
	return []byte(h.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler]
// by parsing a "<algo>:<digest>" or "<algo>-<digest>" string,
// where digest may be base16, Nix base-32, or base64.
func (h *Hash) UnmarshalText(data []byte) error {
	parsed, err := ParsePrefixed(string(data))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParsePrefixed parses a hash string that begins with its algorithm name,
// separated from the digest by ':' (Nix-style) or '-' (SRI-style).
func ParsePrefixed(s string) (Hash, error) {
	sepIndex := -1
	for i, c := range s {
		if c == ':' || c == '-' {
			sepIndex = i
			break
		}
	}
	if sepIndex < 0 {
		return Hash{}, fmt.Errorf("parse hash %q: missing algorithm prefix", s)
	}
	algo, err := ParseAlgorithm(s[:sepIndex])
	if err != nil {
		return Hash{}, fmt.Errorf("parse hash %q: %v", s, err)
	}
	return Parse(algo, s[sepIndex+1:])
}

// Parse parses digest (in base16, Nix base-32, or base64 form)
// as a digest produced by algo.
func Parse(algo Algorithm, digest string) (Hash, error) {
	size := algo.Size()
	if size < 0 {
		return Hash{}, fmt.Errorf("parse %v hash: unknown algorithm", algo)
	}
	switch len(digest) {
	case size * 2:
		b, err := hex.DecodeString(digest)
		if err != nil {
			return Hash{}, fmt.Errorf("parse %v hash %q: %v", algo, digest, err)
		}
		return New(algo, b)
	case nixbase32.EncodedLen(size):
		b, err := nixbase32.DecodeString(size, digest)
		if err != nil {
			return Hash{}, fmt.Errorf("parse %v hash %q: %v", algo, digest, err)
		}
		return New(algo, b)
	case base64.StdEncoding.EncodedLen(size), base64.StdEncoding.WithPadding(base64.NoPadding).EncodedLen(size):
		b, err := decodeAnyBase64(digest)
		if err != nil {
			return Hash{}, fmt.Errorf("parse %v hash %q: %v", algo, digest, err)
		}
		return New(algo, b)
	default:
		return Hash{}, fmt.Errorf("parse %v hash %q: wrong length for any known encoding", algo, digest)
	}
}

func decodeAnyBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// Hasher incrementally computes a [Hash] of a given algorithm.
type Hasher struct {
	algo Algorithm
	h    hash.Hash
}

// NewHasher returns a new [Hasher] that computes a digest using algo.
func NewHasher(algo Algorithm) *Hasher {
	return &Hasher{algo: algo, h: algo.newHash()}
}

// Algorithm returns the hasher's digest algorithm.
func (hr *Hasher) Algorithm() Algorithm {
	return hr.algo
}

// Write implements [io.Writer].
func (hr *Hasher) Write(p []byte) (int, error) {
	return hr.h.Write(p)
}

// WriteString writes s to the hasher's internal state.
func (hr *Hasher) WriteString(s string) (int, error) {
	return io.WriteString(hr.h, s)
}

// SumHash returns the [Hash] of the data written so far.
// It does not alter the hasher's state.
func (hr *Hasher) SumHash() Hash {
	digest := hr.h.Sum(nil)
	h, err := New(hr.algo, digest)
	if err != nil {
		// Can only happen if a Hash implementation misbehaves.
		panic(err)
	}
	return h
}

// CompressHash folds a digest down to outputLen bytes by XOR-folding it:
// out[i % outputLen] ^= digest[i] for every byte of digest.
//
// This is how Nix derives the 20-byte store-path hash from a 32-byte SHA-256
// fingerprint digest (see the store-path hash derivation algorithm),
// and is also used historically to compute MD5-compatible digests
// from larger hash algorithms.
func CompressHash(outputLen int, digest []byte) []byte {
	out := make([]byte, outputLen)
	for i, b := range digest {
		out[i%outputLen] ^= b
	}
	return out
}
