// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package wire

import (
	"errors"
	"fmt"
	"io"
)

// DefaultFrameCapacity is the default internal buffer capacity of a
// [FramedWriter] before it flushes a chunk to the underlying writer.
const DefaultFrameCapacity = 64 * 1024

// FramedWriter splits a byte stream into a sequence of length-prefixed
// chunks terminated by a zero-length chunk, as used to transmit a NAR
// payload of unknown total length over the worker protocol. It buffers
// writes up to an internal capacity, flushing a chunk to the underlying
// writer whenever the buffer fills or [FramedWriter.Flush] is called.
type FramedWriter struct {
	w        io.Writer
	buf      []byte
	capacity int
	closed   bool
}

// NewFramedWriter returns a [FramedWriter] that writes chunks to w,
// buffering up to [DefaultFrameCapacity] bytes at a time.
func NewFramedWriter(w io.Writer) *FramedWriter {
	return NewFramedWriterSize(w, DefaultFrameCapacity)
}

// NewFramedWriterSize is like [NewFramedWriter] but uses the given buffer
// capacity.
func NewFramedWriterSize(w io.Writer, capacity int) *FramedWriter {
	if capacity <= 0 {
		capacity = DefaultFrameCapacity
	}
	return &FramedWriter{w: w, capacity: capacity}
}

// Write implements [io.Writer], buffering p and flushing complete chunks
// to the underlying writer as the buffer fills.
func (fw *FramedWriter) Write(p []byte) (int, error) {
	if fw.closed {
		return 0, errors.New("wire: write to closed FramedWriter")
	}
	written := 0
	for len(p) > 0 {
		n := fw.capacity - len(fw.buf)
		if n > len(p) {
			n = len(p)
		}
		fw.buf = append(fw.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(fw.buf) >= fw.capacity {
			if err := fw.Flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush emits a chunk containing any buffered bytes. It is a no-op if
// the buffer is empty.
func (fw *FramedWriter) Flush() error {
	if len(fw.buf) == 0 {
		return nil
	}
	if err := fw.writeChunk(fw.buf); err != nil {
		return err
	}
	fw.buf = fw.buf[:0]
	return nil
}

// Close flushes any remaining buffered bytes and emits the zero-length
// terminator chunk that signals the end of the framed sub-stream.
// It does not close the underlying writer.
func (fw *FramedWriter) Close() error {
	if fw.closed {
		return nil
	}
	if err := fw.Flush(); err != nil {
		return err
	}
	fw.closed = true
	return fw.writeChunk(nil)
}

func (fw *FramedWriter) writeChunk(p []byte) error {
	if err := WriteNumber(fw.w, uint64(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	_, err := fw.w.Write(p)
	return err
}

// FramedReader reads the chunks produced by a [FramedWriter], presenting
// them to callers as a single concatenated byte stream that reaches EOF
// after the zero-length terminator chunk.
type FramedReader struct {
	r       io.Reader
	pending []byte
	eof     bool
}

// NewFramedReader returns a [FramedReader] that reads chunks from r.
func NewFramedReader(r io.Reader) *FramedReader {
	return &FramedReader{r: r}
}

// Read implements [io.Reader].
func (fr *FramedReader) Read(p []byte) (int, error) {
	if fr.eof {
		return 0, io.EOF
	}
	for len(fr.pending) == 0 {
		n, err := ReadNumber(fr.r)
		if err != nil {
			if err == io.EOF {
				return 0, fmt.Errorf("wire: framed reader: %w", io.ErrUnexpectedEOF)
			}
			return 0, fmt.Errorf("wire: framed reader: %w", err)
		}
		if n == 0 {
			fr.eof = true
			return 0, io.EOF
		}
		fr.pending = make([]byte, n)
		if _, err := io.ReadFull(fr.r, fr.pending); err != nil {
			return 0, fmt.Errorf("wire: framed reader: %w", io.ErrUnexpectedEOF)
		}
	}
	n := copy(p, fr.pending)
	fr.pending = fr.pending[n:]
	return n, nil
}
