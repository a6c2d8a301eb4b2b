// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package legacyexport implements the wire format written by
// "nix-store --export" and read by "nix-store --import": a sequence of
// NAR-encoded store objects, each followed by a trailer of metadata
// (store path, references, deriver, content-address assertion), and
// terminated by an all-zero marker.
package legacyexport

import (
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/nar"
	"go.nixrs.dev/nixrs/storepath"
	"go.nixrs.dev/nixrs/wire"
)

const (
	objectMarker  = "\x01\x00\x00\x00\x00\x00\x00\x00"
	trailerMarker = "NIXE\x00\x00\x00\x00"
	eofMarker     = "\x00\x00\x00\x00\x00\x00\x00\x00"
)

// maxStringLen bounds any single string read from an export stream.
const maxStringLen = 4096

// maxReferences bounds the reference count of a single trailer, as a
// sanity check against a corrupt or hostile stream.
const maxReferences = 100_000

// Trailer holds the metadata that follows each NAR in the stream.
type Trailer struct {
	StorePath      storepath.StorePath
	References     storepath.StorePathSet
	Deriver        storepath.StorePath
	ContentAddress storepath.ContentAddress
}

// Exporter serializes zero or more NARs to a stream in
// "nix-store --export" format.
type Exporter struct {
	w      io.Writer
	header bool
	closed bool
}

// NewExporter returns a new [Exporter] writing to w. The caller must
// call [Exporter.Close] to finish the stream.
func NewExporter(w io.Writer) *Exporter {
	return &Exporter{w: w}
}

// Write writes bytes of the current store object's NAR encoding.
func (exp *Exporter) Write(p []byte) (int, error) {
	if exp.closed {
		return 0, fmt.Errorf("legacyexport: write to closed exporter")
	}
	if !exp.header {
		if _, err := io.WriteString(exp.w, objectMarker); err != nil {
			return 0, err
		}
		exp.header = true
	}
	return exp.w.Write(p)
}

// Trailer marks the end of the current store object's NAR and writes
// its metadata. A subsequent [Exporter.Write] begins a new object.
func (exp *Exporter) Trailer(t *Trailer) error {
	if exp.closed {
		return fmt.Errorf("legacyexport: write trailer: exporter closed")
	}
	if !exp.header {
		return fmt.Errorf("legacyexport: write trailer: NAR not yet written")
	}
	exp.header = false

	if _, err := io.WriteString(exp.w, trailerMarker); err != nil {
		return err
	}
	if err := wire.WriteString(exp.w, string(t.StorePath)); err != nil {
		return err
	}
	if err := wire.WriteNumber(exp.w, uint64(t.References.Len())); err != nil {
		return err
	}
	for i := 0; i < t.References.Len(); i++ {
		if err := wire.WriteString(exp.w, string(t.References.At(i))); err != nil {
			return err
		}
	}
	if err := wire.WriteString(exp.w, string(t.Deriver)); err != nil {
		return err
	}
	if t.ContentAddress.IsZero() {
		return wire.WriteNumber(exp.w, 0)
	}
	// Nix 1.x stored RSA signatures in this field; Nix 2.x ignores it,
	// repurposed here (as upstream does) to carry a content-address
	// assertion.
	if err := wire.WriteNumber(exp.w, 1); err != nil {
		return err
	}
	return wire.WriteString(exp.w, t.ContentAddress.String())
}

// Close writes the stream's terminating marker. It returns an error if
// a NAR was written without a matching [Exporter.Trailer] call. Close
// does not close the underlying writer.
func (exp *Exporter) Close() error {
	if exp.closed {
		return fmt.Errorf("legacyexport: close: exporter already closed")
	}
	if exp.header {
		return fmt.Errorf("legacyexport: close: missing trailer")
	}
	exp.closed = true
	_, err := io.WriteString(exp.w, eofMarker)
	return err
}

// Receiver processes the sequence of NARs in an import stream. After a
// NAR's bytes have all been written to the Receiver via Write,
// ReceiveNAR is called with that NAR's trailer; a subsequent Write
// begins a new NAR.
type Receiver interface {
	io.Writer
	ReceiveNAR(trailer *Trailer)
}

// Import reads r as a "nix-store --export" stream, validating each
// NAR's well-formedness with [nar.Parser] and forwarding its raw bytes
// and trailer to receiver.
func Import(receiver Receiver, r io.Reader) error {
	marker := make([]byte, len(objectMarker))
	ew := &errWriter{w: receiver}
	for {
		if _, err := io.ReadFull(r, marker); err != nil {
			return unexpectedEOF(err)
		}
		if string(marker) == eofMarker {
			return nil
		}
		if string(marker) != objectMarker {
			return fmt.Errorf("legacyexport: invalid object marker %x", marker)
		}

		tr := io.TeeReader(r, ew)
		p := nar.NewParser(tr)
		for {
			_, err := p.Next()
			if ew.err != nil {
				return recvError{ew.err}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("legacyexport: parse nar: %w", err)
			}
			if _, err := io.Copy(io.Discard, p); err != nil {
				return fmt.Errorf("legacyexport: drain nar: %w", err)
			}
		}

		var trailerMarkerBuf [8]byte
		if _, err := io.ReadFull(r, trailerMarkerBuf[:]); err != nil {
			return unexpectedEOF(err)
		}
		if string(trailerMarkerBuf[:]) != trailerMarker {
			return fmt.Errorf("legacyexport: invalid trailer marker %x", trailerMarkerBuf[:])
		}

		t := new(Trailer)
		storePathStr, err := wire.ReadString(r, maxStringLen)
		if err != nil {
			return fmt.Errorf("legacyexport: read store path: %w", err)
		}
		t.StorePath, err = storepath.Parse(storePathStr)
		if err != nil {
			return fmt.Errorf("legacyexport: read store path: %w", err)
		}

		nrefs, err := wire.ReadNumber(r)
		if err != nil {
			return fmt.Errorf("legacyexport: read references: %w", err)
		}
		if nrefs > maxReferences {
			return fmt.Errorf("legacyexport: read references: too many references (%d)", nrefs)
		}
		for i := uint64(0); i < nrefs; i++ {
			refStr, err := wire.ReadString(r, maxStringLen)
			if err != nil {
				return fmt.Errorf("legacyexport: read references: %w", err)
			}
			ref, err := storepath.Parse(refStr)
			if err != nil {
				return fmt.Errorf("legacyexport: read references: %w", err)
			}
			t.References.Add(ref)
		}

		deriverStr, err := wire.ReadString(r, maxStringLen)
		if err != nil {
			return fmt.Errorf("legacyexport: read deriver: %w", err)
		}
		if deriverStr != "" {
			t.Deriver, err = storepath.Parse(deriverStr)
			if err != nil {
				return fmt.Errorf("legacyexport: read deriver: %w", err)
			}
		}

		tag, err := wire.ReadNumber(r)
		if err != nil {
			return fmt.Errorf("legacyexport: read object end marker: %w", err)
		}
		switch tag {
		case 0:
			// No content-address assertion or signatures.
		case 1:
			caStr, err := wire.ReadString(r, maxStringLen)
			if err != nil {
				return fmt.Errorf("legacyexport: read content address assertion: %w", err)
			}
			ca, err := storepath.ParseContentAddress(caStr)
			if err != nil {
				return fmt.Errorf("legacyexport: read content address assertion: %w", err)
			}
			t.ContentAddress = ca
		default:
			return fmt.Errorf("legacyexport: invalid object end marker %d", tag)
		}

		receiver.ReceiveNAR(t)
		if fe, ok := receiver.(interface{ Err() error }); ok {
			if err := fe.Err(); err != nil {
				return err
			}
		}
	}
}

// recvError marks an error raised by a [Receiver]'s Write as fatal and
// distinguishable from an ordinary stream-parsing error.
type recvError struct {
	err error
}

func (e recvError) Error() string { return e.err.Error() }
func (e recvError) Unwrap() error { return e.err }

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	var n int
	n, ew.err = ew.w.Write(p)
	return n, ew.err
}
