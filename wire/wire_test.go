// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package wire

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestNumberRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 255, 256, 1 << 32, ^uint64(0)} {
		var buf bytes.Buffer
		if err := WriteNumber(&buf, n); err != nil {
			t.Fatalf("WriteNumber(%d): %v", n, err)
		}
		if buf.Len() != 8 {
			t.Fatalf("WriteNumber(%d) wrote %d bytes; want 8", n, buf.Len())
		}
		got, err := ReadNumber(&buf)
		if err != nil {
			t.Fatalf("ReadNumber: %v", err)
		}
		if got != n {
			t.Errorf("round trip of %d produced %d", n, got)
		}
	}
}

func TestSliceRoundTrip(t *testing.T) {
	tests := [][]byte{
		nil,
		[]byte("a"),
		[]byte("exactly8"),
		[]byte("nine byte"),
		bytes.Repeat([]byte{0xff}, 100),
	}
	for _, b := range tests {
		var buf bytes.Buffer
		if err := WriteSlice(&buf, b); err != nil {
			t.Fatalf("WriteSlice(%x): %v", b, err)
		}
		if buf.Len()%8 != 0 {
			t.Errorf("WriteSlice(%x) wrote %d bytes, not a multiple of 8", b, buf.Len())
		}
		got, err := ReadSlice(&buf, 1<<20)
		if err != nil {
			t.Fatalf("ReadSlice: %v", err)
		}
		if !bytes.Equal(got, b) && !(len(got) == 0 && len(b) == 0) {
			t.Errorf("round trip of %x produced %x", b, got)
		}
	}
}

func TestReadSliceRejectsNonZeroPadding(t *testing.T) {
	var buf bytes.Buffer
	WriteNumber(&buf, 1)
	buf.WriteByte('a')
	buf.Write([]byte{1, 0, 0, 0, 0, 0, 0}) // non-zero padding byte
	if _, err := ReadSlice(&buf, 100); err == nil {
		t.Error("expected error for non-zero padding")
	}
}

func TestReadSliceRejectsTooLong(t *testing.T) {
	var buf bytes.Buffer
	WriteNumber(&buf, 100)
	if _, err := ReadSlice(&buf, 10); err == nil {
		t.Error("expected error for length exceeding limit")
	}
}

func TestBoolRoundTrip(t *testing.T) {
	for _, b := range []bool{true, false} {
		var buf bytes.Buffer
		WriteBool(&buf, b)
		got, err := ReadBool(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if got != b {
			t.Errorf("round trip of %v produced %v", b, got)
		}
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := 90 * time.Second
	var buf bytes.Buffer
	WriteDuration(&buf, d)
	got, err := ReadDuration(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Errorf("round trip of %v produced %v", d, got)
	}
}

func TestTimeRejectsBeforeEpoch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTime(&buf, time.Unix(-1, 0)); err == nil {
		t.Error("expected error writing time before epoch")
	}
}

func TestFramedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFramedWriterSize(&buf, 4)
	payload := []byte("ABCD")
	if _, err := fw.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := fw.Close(); err != nil {
		t.Fatal(err)
	}

	fr := NewFramedReader(&buf)
	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip produced %q; want %q", got, payload)
	}
}

// TestFramedReaderFixture reproduces the wire-level fixture used to
// validate the framed reader's state machine: a chunk of 0x20 'z'
// bytes, then a chunk of 4 containing "ABCD", then the zero terminator.
func TestFramedReaderFixture(t *testing.T) {
	var buf bytes.Buffer
	filler := bytes.Repeat([]byte{0x7a}, 0x20)
	WriteNumber(&buf, uint64(len(filler)))
	buf.Write(filler)
	WriteNumber(&buf, 4)
	buf.WriteString("ABCD")
	WriteNumber(&buf, 0) // terminator

	fr := NewFramedReader(&buf)
	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte(nil), filler...), "ABCD"...)
	if !bytes.Equal(got, want) {
		t.Errorf("got %x; want %x", got, want)
	}
}

func TestFramedReaderUnexpectedEOF(t *testing.T) {
	var buf bytes.Buffer
	WriteNumber(&buf, 10) // promises 10 bytes, delivers none
	fr := NewFramedReader(&buf)
	if _, err := io.ReadAll(fr); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestStderrReader(t *testing.T) {
	var requests bytes.Buffer
	var replies bytes.Buffer
	WriteSlice(&replies, []byte("hello"))

	sr := NewStderrReader(&requests, &replies)
	buf := make([]byte, 16)
	n, err := sr.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(buf[:n]), "hello"; got != want {
		t.Errorf("Read() = %q; want %q", got, want)
	}
	requestedLen, err := ReadNumber(&requests)
	if err != nil {
		t.Fatal(err)
	}
	if requestedLen != 16 {
		t.Errorf("requested length = %d; want 16", requestedLen)
	}
}

func TestStderrReaderEOF(t *testing.T) {
	var requests bytes.Buffer
	var replies bytes.Buffer
	WriteSlice(&replies, nil)

	sr := NewStderrReader(&requests, &replies)
	buf := make([]byte, 16)
	_, err := sr.Read(buf)
	if err != io.EOF {
		t.Errorf("Read() error = %v; want io.EOF", err)
	}
}
