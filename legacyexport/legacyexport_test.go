// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package legacyexport

import (
	"bytes"
	"io"
	"testing"

	"go.nixrs.dev/nixrs/nar"
	"go.nixrs.dev/nixrs/storepath"
)

func mustParse(t *testing.T, s string) storepath.StorePath {
	t.Helper()
	p, err := storepath.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func writeTestNAR(t *testing.T, w io.Writer, contents string) {
	t.Helper()
	nw := nar.NewWriter(w)
	if err := nw.WriteEvent(nar.Event{Kind: nar.File, Size: int64(len(contents))}); err != nil {
		t.Fatal(err)
	}
	if _, err := nw.Write([]byte(contents)); err != nil {
		t.Fatal(err)
	}
	if err := nw.Close(); err != nil {
		t.Fatal(err)
	}
}

type recordingReceiver struct {
	buf     bytes.Buffer
	objects [][]byte
	trailer []*Trailer
}

func (r *recordingReceiver) Write(p []byte) (int, error) {
	return r.buf.Write(p)
}

func (r *recordingReceiver) ReceiveNAR(t *Trailer) {
	r.objects = append(r.objects, bytes.Clone(r.buf.Bytes()))
	r.trailer = append(r.trailer, t)
	r.buf.Reset()
}

func TestExportImportRoundTrip(t *testing.T) {
	path := mustParse(t, "00000000000000000000000000000001-a")
	ref := mustParse(t, "00000000000000000000000000000002-b")
	var refs storepath.StorePathSet
	refs.Add(ref)

	var buf bytes.Buffer
	exp := NewExporter(&buf)
	writeTestNAR(t, exp, "hello")
	if err := exp.Trailer(&Trailer{
		StorePath:  path,
		References: refs,
	}); err != nil {
		t.Fatal(err)
	}
	if err := exp.Close(); err != nil {
		t.Fatal(err)
	}

	var recv recordingReceiver
	if err := Import(&recv, &buf); err != nil {
		t.Fatal(err)
	}
	if len(recv.trailer) != 1 {
		t.Fatalf("got %d trailers, want 1", len(recv.trailer))
	}
	got := recv.trailer[0]
	if got.StorePath != path {
		t.Errorf("StorePath = %v; want %v", got.StorePath, path)
	}
	if got.References.Len() != 1 || !got.References.Has(ref) {
		t.Errorf("References = %v; want {%v}", got.References, ref)
	}
	if got.Deriver != "" {
		t.Errorf("Deriver = %q; want empty", got.Deriver)
	}
	if !got.ContentAddress.IsZero() {
		t.Errorf("ContentAddress = %v; want zero", got.ContentAddress)
	}
}

func TestExportWithoutTrailerCloseFails(t *testing.T) {
	var buf bytes.Buffer
	exp := NewExporter(&buf)
	writeTestNAR(t, exp, "hello")
	if err := exp.Close(); err == nil {
		t.Error("Close() with pending NAR = nil; want error")
	}
}

func TestImportRejectsBadObjectMarker(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("garbage!")
	var recv recordingReceiver
	if err := Import(&recv, &buf); err == nil {
		t.Error("Import with bad marker = nil; want error")
	}
}
