// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

var errUnimplementedTest = &LogError{Level: Error, Name: "Unimplemented", Msg: "not implemented in test store", ExitStatus: -1}

// stubStore implements [Store] with every method failing except those
// a given test overrides by embedding stubStore and redefining a
// method.
type stubStore struct {
	validPaths map[storepath.StorePath]bool
}

func (s *stubStore) TrustLevel() TrustLevel { return Trusted }

func (s *stubStore) IsValidPath(sink LogSink, path storepath.StorePath) (bool, error) {
	return s.validPaths[path], nil
}

func (s *stubStore) SetOptions(LogSink, ClientOptions) error { return errUnimplementedTest }
func (s *stubStore) QueryReferrers(LogSink, storepath.StorePath) (storepath.StorePathSet, error) {
	return storepath.StorePathSet{}, errUnimplementedTest
}
func (s *stubStore) QueryValidPaths(LogSink, storepath.StorePathSet, bool) (storepath.StorePathSet, error) {
	return storepath.StorePathSet{}, errUnimplementedTest
}
func (s *stubStore) QueryPathInfo(LogSink, storepath.StorePath) (*UnkeyedValidPathInfo, error) {
	return nil, errUnimplementedTest
}
func (s *stubStore) QueryPathFromHashPart(LogSink, string) (storepath.StorePath, bool, error) {
	return "", false, errUnimplementedTest
}
func (s *stubStore) AddTempRoot(LogSink, storepath.StorePath) error { return errUnimplementedTest }
func (s *stubStore) AddIndirectRoot(LogSink, string) error          { return errUnimplementedTest }
func (s *stubStore) AddSignatures(LogSink, storepath.StorePath, []string) error {
	return errUnimplementedTest
}
func (s *stubStore) NarFromPath(LogSink, storepath.StorePath, io.Writer) error {
	return errUnimplementedTest
}
func (s *stubStore) BuildPaths(LogSink, []DerivedPath, BuildMode) error { return errUnimplementedTest }
func (s *stubStore) BuildDerivation(LogSink, storepath.StorePath, BasicDerivation, BuildMode) (BuildResult, error) {
	return BuildResult{}, errUnimplementedTest
}
func (s *stubStore) BuildPathsWithResults(LogSink, []DerivedPath, BuildMode) ([]KeyedBuildResult, error) {
	return nil, errUnimplementedTest
}
func (s *stubStore) QueryMissing(LogSink, []DerivedPath) (QueryMissingResult, error) {
	return QueryMissingResult{}, errUnimplementedTest
}
func (s *stubStore) AddToStore(LogSink, storepath.Name, storepath.ContentAddressMethodAlgorithm, storepath.StorePathSet, bool, io.Reader) (*ValidPathInfo, error) {
	return nil, errUnimplementedTest
}
func (s *stubStore) AddMultipleToStore(LogSink, bool, bool, []UnkeyedValidPathInfoWithPath, []io.Reader) error {
	return errUnimplementedTest
}

var _ Store = (*stubStore)(nil)

func pipeAndHandshake(t *testing.T, store Store) (*Client, func()) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	go func() {
		ServeConn(serverConn, store)
	}()
	c, _, err := NewClient(clientConn, storepath.DefaultStoreDir)
	if err != nil {
		t.Fatal(err)
	}
	return c, func() { clientConn.Close(); serverConn.Close() }
}

// TestIsValidPathRoundTrip reproduces the IsValidPath scenario: a
// client queries the all-zero placeholder path and gets true back.
func TestIsValidPathRoundTrip(t *testing.T) {
	path, err := storepath.Parse("00000000000000000000000000000000-_")
	if err != nil {
		t.Fatal(err)
	}
	store := &stubStore{validPaths: map[storepath.StorePath]bool{path: true}}
	c, cleanup := pipeAndHandshake(t, store)
	defer cleanup()

	valid, err := c.IsValidPath(DiscardLogSink, path)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("IsValidPath = false; want true")
	}
}

func TestIsValidPathFalse(t *testing.T) {
	path, err := storepath.Parse("00000000000000000000000000000000-_")
	if err != nil {
		t.Fatal(err)
	}
	store := &stubStore{validPaths: map[storepath.StorePath]bool{}}
	c, cleanup := pipeAndHandshake(t, store)
	defer cleanup()

	valid, err := c.IsValidPath(DiscardLogSink, path)
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Error("IsValidPath = true; want false")
	}
}

func TestUnimplementedOperationError(t *testing.T) {
	path, err := storepath.Parse("00000000000000000000000000000000-_")
	if err != nil {
		t.Fatal(err)
	}
	store := &stubStore{}
	c, cleanup := pipeAndHandshake(t, store)
	defer cleanup()

	_, err = c.QueryReferrers(DiscardLogSink, path)
	if err == nil {
		t.Fatal("expected error")
	}
	le, ok := err.(*LogError)
	if !ok {
		t.Fatalf("error = %T; want *LogError", err)
	}
	if le.Name != "Unimplemented" {
		t.Errorf("error name = %q; want %q", le.Name, "Unimplemented")
	}
}

// addMultipleStore records AddMultipleToStore calls for
// TestAddMultipleToStoreFramed.
type addMultipleStore struct {
	stubStore
	gotInfos []UnkeyedValidPathInfoWithPath
	gotNars  [][]byte
}

func (s *addMultipleStore) AddMultipleToStore(sink LogSink, repair, dontCheckSigs bool, infos []UnkeyedValidPathInfoWithPath, nars []io.Reader) error {
	s.gotInfos = infos
	for _, nr := range nars {
		b, err := io.ReadAll(nr)
		if err != nil {
			return err
		}
		s.gotNars = append(s.gotNars, b)
	}
	return nil
}

// TestAddMultipleToStoreFramed reproduces the framed AddMultipleToStore
// scenario: two (info, NAR bytes) pairs sent over a nested framed
// sub-stream.
func TestAddMultipleToStoreFramed(t *testing.T) {
	store := &addMultipleStore{}
	c, cleanup := pipeAndHandshake(t, store)
	defer cleanup()

	hash1, err := nixhash.Parse(nixhash.SHA256, strings.Repeat("0", 64))
	if err != nil {
		t.Fatal(err)
	}
	p1, err := storepath.Parse("00000000000000000000000000000001-a")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := storepath.Parse("00000000000000000000000000000002-b")
	if err != nil {
		t.Fatal(err)
	}
	infos := []UnkeyedValidPathInfoWithPath{
		{Path: p1, Info: UnkeyedValidPathInfo{NarHash: hash1, NarSize: 5, RegistrationTime: time.Unix(1000, 0).UTC()}},
		{Path: p2, Info: UnkeyedValidPathInfo{NarHash: hash1, NarSize: 3, RegistrationTime: time.Unix(1000, 0).UTC()}},
	}
	nars := []io.Reader{bytes.NewReader([]byte("hello")), bytes.NewReader([]byte("hi!"))}

	if err := c.AddMultipleToStore(DiscardLogSink, false, false, infos, nars); err != nil {
		t.Fatal(err)
	}
	if len(store.gotInfos) != 2 {
		t.Fatalf("got %d infos; want 2", len(store.gotInfos))
	}
	if store.gotInfos[0].Path != p1 || store.gotInfos[1].Path != p2 {
		t.Errorf("paths = %v; want %v, %v", store.gotInfos, p1, p2)
	}
	if string(store.gotNars[0]) != "hello" || string(store.gotNars[1]) != "hi!" {
		t.Errorf("nars = %q; want %q, %q", store.gotNars, "hello", "hi!")
	}
}
