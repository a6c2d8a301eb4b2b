// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package nar

import (
	"bytes"
	"io"
	"io/fs"
	"testing"
)

// TestEmptyFileNAR reproduces the single-file NAR encoding scenario: a
// root-level regular file named "" containing "Hello world!".
func TestEmptyFileNAR(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteEvent(Event{Kind: File, Size: 12}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("Hello world!")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	p := NewParser(&buf)
	ev, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != File || ev.Size != 12 || ev.Executable {
		t.Fatalf("event = %+v; want root File of size 12", ev)
	}
	content, err := io.ReadAll(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(content), "Hello world!"; got != want {
		t.Errorf("content = %q; want %q", got, want)
	}
	if _, err := p.Next(); err != io.EOF {
		t.Errorf("Next() after root = %v; want io.EOF", err)
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	events := []struct {
		ev      Event
		content string
	}{
		{ev: Event{Kind: StartDirectory}},
		{ev: Event{Kind: File, Name: "bin", Size: 0}},
		{ev: Event{Kind: StartDirectory, Name: "share"}},
		{ev: Event{Kind: File, Name: "doc.txt", Size: 5}, content: "hello"},
		{ev: Event{Kind: EndDirectory}},
		{ev: Event{Kind: Symlink, Name: "share.lnk", Target: "share"}},
		{ev: Event{Kind: EndDirectory}},
	}
	for _, e := range events {
		if err := w.WriteEvent(e.ev); err != nil {
			t.Fatalf("WriteEvent(%+v): %v", e.ev, err)
		}
		if e.content != "" {
			if _, err := w.Write([]byte(e.content)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	p := NewParser(&buf)
	var got []Event
	for {
		ev, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind == File && ev.Size > 0 {
			content, err := io.ReadAll(p)
			if err != nil {
				t.Fatal(err)
			}
			_ = content
		}
		got = append(got, ev)
	}
	if len(got) != len(events) {
		t.Fatalf("got %d events; want %d", len(got), len(events))
	}
	for i, e := range events {
		if got[i] != e.ev {
			t.Errorf("event %d = %+v; want %+v", i, got[i], e.ev)
		}
	}
}

func TestDirectoryOutOfOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteEvent(Event{Kind: StartDirectory})
	w.WriteEvent(Event{Kind: File, Name: "b", Size: 0})
	if err := w.WriteEvent(Event{Kind: File, Name: "a", Size: 0}); err == nil {
		t.Error("expected BadOrder error for out-of-order sibling")
	}
}

func TestParserRejectsBadMagic(t *testing.T) {
	p := NewParser(bytes.NewReader([]byte("not a nar file at all!!")))
	if _, err := p.Next(); err == nil {
		t.Error("expected error for bad magic")
	}
}

func TestHeaderReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHeaderWriter(&buf)
	headers := []*Header{
		{Name: "", Mode: fs.ModeDir | 0o555},
		{Name: "bin", Mode: fs.ModeDir | 0o555},
		{Name: "bin/foo", Mode: 0o555, Size: 4},
		{Name: "share.lnk", Mode: fs.ModeSymlink | 0o777, LinkTarget: "share"},
	}
	for _, hdr := range headers {
		if err := hw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%+v): %v", hdr, err)
		}
		if hdr.Size > 0 {
			if _, err := hw.Write([]byte("exec")); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := hw.Close(); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	var gotNames []string
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		gotNames = append(gotNames, hdr.Name)
		if hdr.Mode.IsRegular() {
			content, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if string(content) != "exec" {
				t.Errorf("content = %q; want %q", content, "exec")
			}
		}
	}
	want := []string{"", "bin", "bin/foo", "share.lnk"}
	if len(gotNames) != len(want) {
		t.Fatalf("names = %v; want %v", gotNames, want)
	}
	for i := range want {
		if gotNames[i] != want[i] {
			t.Errorf("name %d = %q; want %q", i, gotNames[i], want[i])
		}
	}
}

// TestCaseHackScenario reproduces the case-hack directory scenario with
// the entries in the ascending byte order a NAR directory requires:
// entries named "FOO", "Foo", "foo" (in that order) become
// "FOO", "Foo~nix~case~hack~1", "foo~nix~case~hack~2" after Apply, and
// revert to their original names after Undo.
func TestCaseHackScenario(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteEvent(Event{Kind: StartDirectory})
	for _, name := range []string{"FOO", "Foo", "foo"} {
		w.WriteEvent(Event{Kind: File, Name: name, Size: 0})
	}
	if err := w.WriteEvent(Event{Kind: EndDirectory}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	p := NewParser(&buf)
	ch := NewCaseHackReader(p)

	var gotNames []string
	for {
		ev, err := ch.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind == File {
			gotNames = append(gotNames, ev.Name)
		}
	}
	want := []string{"FOO", "Foo" + CaseHackSuffix + "1", "foo" + CaseHackSuffix + "2"}
	if len(gotNames) != len(want) {
		t.Fatalf("got %v; want %v", gotNames, want)
	}
	for i := range want {
		if gotNames[i] != want[i] {
			t.Errorf("name %d = %q; want %q", i, gotNames[i], want[i])
		}
	}

	for i, got := range gotNames {
		if undone := UncaseHackName(got); undone != []string{"FOO", "Foo", "foo"}[i] {
			t.Errorf("UncaseHackName(%q) = %q; want %q", got, undone, []string{"FOO", "Foo", "foo"}[i])
		}
	}
}

func TestUncaseHackNoSuffix(t *testing.T) {
	if got := UncaseHackName("plainname"); got != "plainname" {
		t.Errorf("UncaseHackName(%q) = %q; want unchanged", "plainname", got)
	}
}
