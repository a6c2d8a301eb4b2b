// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package serve

import (
	"io"
	"net"
	"testing"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/storepath"
)

func TestHandshakeNegotiatesCurrentVersion(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverResult := make(chan Handshake, 1)
	serverErr := make(chan error, 1)
	go func() {
		hs, err := ServerHandshake(serverConn)
		serverResult <- hs
		serverErr <- err
	}()

	hs, err := ClientHandshake(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-serverErr; err != nil {
		t.Fatal(err)
	}
	if hs.Version != CurrentVersion {
		t.Errorf("client version = %v; want %v", hs.Version, CurrentVersion)
	}
	if got := <-serverResult; got.Version != CurrentVersion {
		t.Errorf("server version = %v; want %v", got.Version, CurrentVersion)
	}
}

type fakeStore struct {
	valid storepath.StorePathSet
}

func (s *fakeStore) QueryValidPaths(paths storepath.StorePathSet, lock, substitute bool) (storepath.StorePathSet, error) {
	var out storepath.StorePathSet
	for i := 0; i < paths.Len(); i++ {
		if s.valid.Has(paths.At(i)) {
			out.Add(paths.At(i))
		}
	}
	return out, nil
}

func (s *fakeStore) QueryPathInfos(paths storepath.StorePathSet) ([]daemon.UnkeyedValidPathInfoWithPath, error) {
	return nil, nil
}

func (s *fakeStore) DumpPath(path storepath.StorePath, w io.Writer) error {
	return nil
}

func (s *fakeStore) ImportPaths(r io.Reader) error { return nil }

func TestQueryValidPathsRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	p1, err := storepath.Parse("00000000000000000000000000000001-a")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := storepath.Parse("00000000000000000000000000000002-b")
	if err != nil {
		t.Fatal(err)
	}
	var valid storepath.StorePathSet
	valid.Add(p1)
	store := &fakeStore{valid: valid}

	go func() {
		ServeConn(serverConn, store)
	}()

	c, err := NewClient(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	var query storepath.StorePathSet
	query.Add(p1, p2)
	got, err := c.QueryValidPaths(query, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != 1 || !got.Has(p1) {
		t.Errorf("QueryValidPaths = %v; want {%v}", got, p1)
	}
}
