// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package wire

import (
	"fmt"
	"io"
)

// StderrReader implements the reverse-pull read used on the logger
// channel to satisfy a STDERR_READ request: to read up to maxLen bytes
// of source data requested mid-operation by the peer, it writes maxLen
// to the peer and waits for a single length-prefixed chunk of 1..maxLen
// bytes in response.
//
// It implements [io.Reader] over a pair of streams already positioned at
// the logger channel: requests is written to (carrying the requested
// length) and replies is read from (carrying the response chunk).
type StderrReader struct {
	requests io.Writer
	replies  io.Reader
}

// NewStderrReader returns a [StderrReader] that requests bytes by
// writing lengths to requests and reads the resulting chunks from
// replies.
func NewStderrReader(requests io.Writer, replies io.Reader) *StderrReader {
	return &StderrReader{requests: requests, replies: replies}
}

// Read implements [io.Reader]. It requests up to len(p) bytes from the
// peer and copies whatever chunk comes back into p.
func (sr *StderrReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := WriteNumber(sr.requests, uint64(len(p))); err != nil {
		return 0, fmt.Errorf("wire: stderr reader: request: %w", err)
	}
	chunk, err := ReadSlice(sr.replies, len(p))
	if err != nil {
		return 0, fmt.Errorf("wire: stderr reader: %w", err)
	}
	if len(chunk) == 0 {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	return n, nil
}
