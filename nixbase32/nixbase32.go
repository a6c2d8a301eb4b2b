// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package nixbase32 implements the specialized base-32 encoding
// that Nix uses for hashes and store path digests.
//
// The alphabet omits the characters "e", "o", "t", and "u"
// to avoid accidentally spelling offensive words in store paths,
// and encoding proceeds most-significant-character-first,
// unlike the standard library's [encoding/base32].
package nixbase32

import "fmt"

// Alphabet is the set of characters used by Nix's base-32 encoding,
// in order from least to most significant digit value.
const Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

var reverseAlphabet = func() [256]int8 {
	var tab [256]int8
	for i := range tab {
		tab[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		tab[Alphabet[i]] = int8(i)
	}
	return tab
}()

// EncodedLen returns the length in bytes of the base-32 encoding
// of an input buffer of length n.
func EncodedLen(n int) int {
	if n == 0 {
		return 0
	}
	return (n*8-1)/5 + 1
}

// DecodedLen returns the number of bytes that an encoded string of length n
// decodes to.
func DecodedLen(n int) int {
	return n * 5 / 8
}

// EncodeToString returns the Nix base-32 encoding of src.
func EncodeToString(src []byte) string {
	if len(src) == 0 {
		return ""
	}
	n := len(src)
	dstLen := EncodedLen(n)
	dst := make([]byte, dstLen)
	for c := 0; c < dstLen; c++ {
		// Characters are produced most-significant-digit-first,
		// so the digit index counts down as the output position counts up.
		digit := dstLen - 1 - c
		bitPos := digit * 5
		byteIndex := bitPos / 8
		bitOffset := uint(bitPos % 8)

		var x uint16 = uint16(src[byteIndex]) >> bitOffset
		if byteIndex+1 < n {
			x |= uint16(src[byteIndex+1]) << (8 - bitOffset)
		}
		dst[c] = Alphabet[x&0x1f]
	}
	return string(dst)
}

// AppendEncode appends the Nix base-32 encoding of src to dst
// and returns the extended buffer.
func AppendEncode(dst, src []byte) []byte {
	return append(dst, EncodeToString(src)...)
}

// Decode decodes src into dst, which must be exactly [DecodedLen] of len(src) bytes.
// Decode returns an error if src contains characters outside [Alphabet]
// or if src encodes more bits than fit in dst (a non-canonical encoding).
func Decode(dst []byte, src string) error {
	n := len(dst)
	if EncodedLen(n) != len(src) {
		return fmt.Errorf("decode nix base32: invalid encoded length %d (expected %d for %d bytes)", len(src), EncodedLen(n), n)
	}
	for i := range dst {
		dst[i] = 0
	}
	dstLen := len(src)
	for c := 0; c < dstLen; c++ {
		digit := reverseAlphabet[src[c]]
		if digit < 0 {
			return fmt.Errorf("decode nix base32: invalid character %q", src[c])
		}
		pos := dstLen - 1 - c
		bitPos := pos * 5
		byteIndex := bitPos / 8
		bitOffset := uint(bitPos % 8)

		dst[byteIndex] |= byte(digit) << bitOffset
		overflow := uint16(digit) >> (8 - bitOffset)
		if byteIndex+1 < n {
			dst[byteIndex+1] |= byte(overflow)
		} else if overflow != 0 {
			return fmt.Errorf("decode nix base32: %q is not a valid %d-byte encoding", src, n)
		}
	}
	return nil
}

// DecodeString decodes a Nix base-32 string of the given decoded length.
func DecodeString(size int, s string) ([]byte, error) {
	dst := make([]byte, size)
	if err := Decode(dst, s); err != nil {
		return nil, err
	}
	return dst, nil
}

// ValidateString reports whether s is a syntactically valid Nix base-32 string
// (i.e. every character is in [Alphabet]). It does not check for canonical length.
func ValidateString(s string) error {
	for i := 0; i < len(s); i++ {
		if reverseAlphabet[s[i]] < 0 {
			return fmt.Errorf("invalid nix base32 string %q: invalid character %q", s, s[i])
		}
	}
	return nil
}
