// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package legacyexport

import (
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/internal/bytebuffer"
	"go.nixrs.dev/nixrs/storepath"
)

// ExportPath writes a single store object to exp: its NAR encoding
// (produced by writeNar, which must write a complete NAR to its
// argument) followed by a trailer built from info. It is a convenience
// for backends implementing `nix-store --export` compatibility on top
// of a [daemon.Store]-shaped path-info record.
func ExportPath(exp *Exporter, path storepath.StorePath, info *daemon.UnkeyedValidPathInfo, writeNar func(io.Writer) error) error {
	if err := writeNar(exp); err != nil {
		return fmt.Errorf("legacyexport: export %s: %w", path, err)
	}
	return exp.Trailer(&Trailer{
		StorePath:      path,
		References:     info.References,
		Deriver:        info.Deriver,
		ContentAddress: info.CA,
	})
}

// StoreReceiver adapts a [daemon.Store] to [Receiver], so that a
// `nix-store --import`-compatible stream can be fed directly into
// [daemon.Store.AddToStore]. [serve.ImportPathsToStore] uses it to
// import a legacy `--serve` ImportPaths stream into a store.
//
// Each object's NAR is buffered in memory before being handed to
// AddToStore, since the store path's name and content-addressing
// method aren't known until the trailer that follows it.
type StoreReceiver struct {
	Store  daemon.Store
	Sink   daemon.LogSink
	Repair bool

	buf bytebuffer.Buffer
	err error
}

// Write implements [Receiver].
func (sr *StoreReceiver) Write(p []byte) (int, error) {
	if sr.err != nil {
		return 0, sr.err
	}
	return sr.buf.Write(p)
}

// ReceiveNAR implements [Receiver]. Any error from the underlying
// AddToStore call is recorded and returned by the next Write call or
// by [StoreReceiver.Err].
func (sr *StoreReceiver) ReceiveNAR(trailer *Trailer) {
	if sr.err != nil {
		return
	}
	var ma storepath.ContentAddressMethodAlgorithm
	if !trailer.ContentAddress.IsZero() {
		ma = trailer.ContentAddress.MethodAlgorithm()
	}
	if _, err := sr.buf.Seek(0, io.SeekStart); err != nil {
		sr.err = fmt.Errorf("legacyexport: import %s: %w", trailer.StorePath, err)
		return
	}
	_, err := sr.Store.AddToStore(sr.Sink, trailer.StorePath.Name(), ma, trailer.References, sr.Repair, &sr.buf)
	if err != nil {
		sr.err = fmt.Errorf("legacyexport: import %s: %w", trailer.StorePath, err)
	}
	sr.buf.Reset(nil)
}

// Err returns the first error recorded by ReceiveNAR, if any.
func (sr *StoreReceiver) Err() error { return sr.err }
