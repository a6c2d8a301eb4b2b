// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package wire implements the low-level primitives shared by the Nix
// daemon worker protocol, the legacy "nix-store --serve" protocol, and
// the legacy export/import stream format: fixed-width integers, padded
// byte strings, and the framed sub-stream used to transmit NAR payloads
// of unknown length.
package wire

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// PadLen returns the number of zero padding bytes that follow a byte
// string of length n so that the total is a multiple of 8.
func PadLen(n int) int {
	return (8 - n%8) % 8
}

// WriteNumber writes n to w as an unsigned 64-bit little-endian integer.
func WriteNumber(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

// ReadNumber reads an unsigned 64-bit little-endian integer from r.
func ReadNumber(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteBool writes b to w as a number (see [WriteNumber]): 1 for true,
// 0 for false.
func WriteBool(w io.Writer, b bool) error {
	if b {
		return WriteNumber(w, 1)
	}
	return WriteNumber(w, 0)
}

// ReadBool reads a number (see [ReadNumber]) from r and reports whether
// it is non-zero.
func ReadBool(r io.Reader) (bool, error) {
	n, err := ReadNumber(r)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// WriteDuration writes d to w as a number (see [WriteNumber]) of whole seconds, truncating
// any sub-second component.
func WriteDuration(w io.Writer, d time.Duration) error {
	return WriteNumber(w, uint64(d/time.Second))
}

// ReadDuration reads a number (see [ReadNumber]) of seconds from r.
func ReadDuration(r io.Reader) (time.Duration, error) {
	n, err := ReadNumber(r)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// WriteTime writes t to w as a number (see [WriteNumber]) of seconds
// since the Unix epoch.
// It returns an error if t is before the epoch.
func WriteTime(w io.Writer, t time.Time) error {
	secs := t.Unix()
	if secs < 0 {
		return fmt.Errorf("write time: %v is before the Unix epoch", t)
	}
	return WriteNumber(w, uint64(secs))
}

// ReadTime reads a number (see [ReadNumber]) of seconds since the Unix
// epoch from r.
func ReadTime(r io.Reader) (time.Time, error) {
	n, err := ReadNumber(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(n), 0).UTC(), nil
}

// WriteSlice writes p to w as a length-prefixed, zero-padded byte string:
// a number (see [WriteNumber]) giving len(p), then p itself, then enough zero bytes to
// round the total up to a multiple of 8.
func WriteSlice(w io.Writer, p []byte) error {
	if err := WriteNumber(w, uint64(len(p))); err != nil {
		return err
	}
	if _, err := w.Write(p); err != nil {
		return err
	}
	return writeZeroPad(w, PadLen(len(p)))
}

// WriteString writes s to w using the same encoding as [WriteSlice].
func WriteString(w io.Writer, s string) error {
	if err := WriteNumber(w, uint64(len(s))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	return writeZeroPad(w, PadLen(len(s)))
}

var zeroes [8]byte

func writeZeroPad(w io.Writer, n int) error {
	return WritePadding(w, n)
}

// WritePadding writes n zero bytes to w. It is used to align a byte
// string to an 8-byte boundary after writing its raw content directly
// (bypassing [WriteSlice]), as the NAR codec does for streamed file
// content.
func WritePadding(w io.Writer, n int) error {
	if n == 0 {
		return nil
	}
	_, err := w.Write(zeroes[:n])
	return err
}

// ReadSlice reads a length-prefixed, zero-padded byte string from r,
// as written by [WriteSlice]. It fails if the declared length exceeds
// limit, or if any padding byte read back is non-zero.
func ReadSlice(r io.Reader, limit int) ([]byte, error) {
	n, err := ReadNumber(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(limit) {
		return nil, fmt.Errorf("read slice: length %d exceeds limit %d", n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read slice: %w", err)
	}
	if padLen := PadLen(int(n)); padLen > 0 {
		var pad [8]byte
		if _, err := io.ReadFull(r, pad[:padLen]); err != nil {
			return nil, fmt.Errorf("read slice: padding: %w", err)
		}
		for _, b := range pad[:padLen] {
			if b != 0 {
				return nil, fmt.Errorf("read slice: non-zero padding")
			}
		}
	}
	return buf, nil
}

// ReadString is like [ReadSlice] but returns a string.
func ReadString(r io.Reader, limit int) (string, error) {
	b, err := ReadSlice(r, limit)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteDisplay writes v to w by printing its canonical textual form as a
// padded slice (see [WriteString]).
func WriteDisplay(w io.Writer, v fmt.Stringer) error {
	return WriteString(w, v.String())
}

// WriteTextMarshaler writes v to w by marshaling its text form as a
// padded slice (see [WriteString]).
func WriteTextMarshaler(w io.Writer, v encoding.TextMarshaler) error {
	text, err := v.MarshalText()
	if err != nil {
		return err
	}
	return WriteSlice(w, text)
}

// ReadTextUnmarshaler reads a padded slice from r (see [ReadSlice]) and
// unmarshals it into v.
func ReadTextUnmarshaler(r io.Reader, limit int, v encoding.TextUnmarshaler) error {
	b, err := ReadSlice(r, limit)
	if err != nil {
		return err
	}
	return v.UnmarshalText(b)
}

// WriteStringSlice writes a sequence of strings as a number (see
// [WriteNumber]) count followed by each string encoded with [WriteString].
func WriteStringSlice(w io.Writer, ss []string) error {
	if err := WriteNumber(w, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringSlice reads a sequence of strings written by
// [WriteStringSlice].
func ReadStringSlice(r io.Reader, limit int) ([]string, error) {
	n, err := ReadNumber(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, minInt(int(n), 1024))
	for i := uint64(0); i < n; i++ {
		s, err := ReadString(r, limit)
		if err != nil {
			return nil, fmt.Errorf("read string slice: element %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
