// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"
	"io"
	"time"

	"go.nixrs.dev/nixrs/internal/sortedset"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
	"go.nixrs.dev/nixrs/wire"
)

// MaxStringLen bounds the length of any single string read from a
// connection (store paths, derivation fields, log text). It is
// generous relative to any legitimate protocol value.
const MaxStringLen = 16 << 20

// NixReader reads worker-protocol values from a connection, threading
// the connection's negotiated [ProtocolVersion] and [storepath.StoreDir]
// through every read so that version-gated fields and store-path parsing
// don't need package-level state.
type NixReader struct {
	r        io.Reader
	version  ProtocolVersion
	storeDir storepath.StoreDir
}

// NewNixReader returns a [NixReader] reading from r.
func NewNixReader(r io.Reader, version ProtocolVersion, storeDir storepath.StoreDir) *NixReader {
	return &NixReader{r: r, version: version, storeDir: storeDir}
}

// Version returns the connection's negotiated protocol version.
func (nr *NixReader) Version() ProtocolVersion { return nr.version }

// StoreDir returns the connection's store directory.
func (nr *NixReader) StoreDir() storepath.StoreDir { return nr.storeDir }

// Reader returns the underlying byte source.
func (nr *NixReader) Reader() io.Reader { return nr.r }

func (nr *NixReader) ReadUint64() (uint64, error) { return wire.ReadNumber(nr.r) }

func (nr *NixReader) ReadInt64() (int64, error) {
	n, err := wire.ReadNumber(nr.r)
	return int64(n), err
}

func (nr *NixReader) ReadBool() (bool, error) { return wire.ReadBool(nr.r) }

func (nr *NixReader) ReadDuration() (time.Duration, error) { return wire.ReadDuration(nr.r) }

func (nr *NixReader) ReadTime() (time.Time, error) { return wire.ReadTime(nr.r) }

func (nr *NixReader) ReadString() (string, error) { return wire.ReadString(nr.r, MaxStringLen) }

func (nr *NixReader) ReadStringSlice() ([]string, error) { return wire.ReadStringSlice(nr.r, MaxStringLen) }

// ReadStringSet reads a sequence of strings into a sorted set.
func (nr *NixReader) ReadStringSet() (sortedset.Set[string], error) {
	ss, err := nr.ReadStringSlice()
	if err != nil {
		return sortedset.Set[string]{}, err
	}
	var set sortedset.Set[string]
	set.Add(ss...)
	return set, nil
}

// ReadStorePath reads a single [storepath.StorePath] in its canonical
// "<hash>-<name>" wire form and validates it with [storepath.Parse].
// The wire form carries no directory component, so no store directory
// is involved.
func (nr *NixReader) ReadStorePath() (storepath.StorePath, error) {
	s, err := nr.ReadString()
	if err != nil {
		return "", err
	}
	p, err := storepath.Parse(s)
	if err != nil {
		return "", fmt.Errorf("read store path: %w", err)
	}
	return p, nil
}

// ReadStorePathSet reads a sequence of store paths into a sorted set.
func (nr *NixReader) ReadStorePathSet() (storepath.StorePathSet, error) {
	n, err := nr.ReadUint64()
	if err != nil {
		return storepath.StorePathSet{}, err
	}
	var set storepath.StorePathSet
	for i := uint64(0); i < n; i++ {
		p, err := nr.ReadStorePath()
		if err != nil {
			return storepath.StorePathSet{}, fmt.Errorf("read store path set: element %d: %w", i, err)
		}
		set.Add(p)
	}
	return set, nil
}

// ReadHash reads a hash in its prefixed textual form ("<algo>:<digest>").
func (nr *NixReader) ReadHash() (nixhash.Hash, error) {
	s, err := nr.ReadString()
	if err != nil {
		return nixhash.Hash{}, err
	}
	return nixhash.ParsePrefixed(s)
}

// ReadContentAddress reads a possibly-absent content address: an empty
// string means none.
func (nr *NixReader) ReadContentAddress() (storepath.ContentAddress, error) {
	s, err := nr.ReadString()
	if err != nil {
		return storepath.ContentAddress{}, err
	}
	if s == "" {
		return storepath.ContentAddress{}, nil
	}
	return storepath.ParseContentAddress(s)
}

// NixWriter writes worker-protocol values to a connection, threading the
// connection's negotiated [ProtocolVersion] and [storepath.StoreDir].
type NixWriter struct {
	w        io.Writer
	version  ProtocolVersion
	storeDir storepath.StoreDir
}

// NewNixWriter returns a [NixWriter] writing to w.
func NewNixWriter(w io.Writer, version ProtocolVersion, storeDir storepath.StoreDir) *NixWriter {
	return &NixWriter{w: w, version: version, storeDir: storeDir}
}

// Version returns the connection's negotiated protocol version.
func (nw *NixWriter) Version() ProtocolVersion { return nw.version }

// StoreDir returns the connection's store directory.
func (nw *NixWriter) StoreDir() storepath.StoreDir { return nw.storeDir }

// Writer returns the underlying byte sink.
func (nw *NixWriter) Writer() io.Writer { return nw.w }

func (nw *NixWriter) WriteUint64(n uint64) error { return wire.WriteNumber(nw.w, n) }

func (nw *NixWriter) WriteInt64(n int64) error { return wire.WriteNumber(nw.w, uint64(n)) }

func (nw *NixWriter) WriteBool(b bool) error { return wire.WriteBool(nw.w, b) }

func (nw *NixWriter) WriteDuration(d time.Duration) error { return wire.WriteDuration(nw.w, d) }

func (nw *NixWriter) WriteTime(t time.Time) error { return wire.WriteTime(nw.w, t) }

func (nw *NixWriter) WriteString(s string) error { return wire.WriteString(nw.w, s) }

func (nw *NixWriter) WriteStringSlice(ss []string) error { return wire.WriteStringSlice(nw.w, ss) }

// WriteStorePath writes a single store path in its canonical
// "<hash>-<name>" wire form.
func (nw *NixWriter) WriteStorePath(p storepath.StorePath) error {
	return nw.WriteString(string(p))
}

// WriteStorePathSet writes a sorted set of store paths.
func (nw *NixWriter) WriteStorePathSet(set storepath.StorePathSet) error {
	if err := nw.WriteUint64(uint64(set.Len())); err != nil {
		return err
	}
	for i := 0; i < set.Len(); i++ {
		if err := nw.WriteStorePath(set.At(i)); err != nil {
			return err
		}
	}
	return nil
}

// WriteHash writes h in its prefixed textual form.
func (nw *NixWriter) WriteHash(h nixhash.Hash) error {
	return nw.WriteString(h.String())
}

// WriteContentAddress writes a possibly-absent content address: the
// zero value is written as an empty string.
func (nw *NixWriter) WriteContentAddress(ca storepath.ContentAddress) error {
	if ca.IsZero() {
		return nw.WriteString("")
	}
	return nw.WriteString(ca.String())
}
