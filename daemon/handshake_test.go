// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"net"
	"testing"
)

// TestHandshakeAtV135 reproduces the handshake scenario at the
// package's negotiated version 1.35: magic exchange, version
// negotiation, CPU affinity, reserve-space, daemon version string, and
// trust level.
func TestHandshakeAtV135(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverDone := make(chan ServerHandshake, 1)
	serverErr := make(chan error, 1)
	go func() {
		hs, err := DoServerHandshake(serverConn, Trusted)
		serverDone <- hs
		serverErr <- err
	}()

	hs, err := DoClientHandshake(clientConn, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-serverErr; err != nil {
		t.Fatal(err)
	}
	serverHS := <-serverDone

	if hs.Version != ProtocolVersionWorker {
		t.Errorf("client negotiated version = %v; want %v", hs.Version, ProtocolVersionWorker)
	}
	if serverHS.Version != ProtocolVersionWorker {
		t.Errorf("server negotiated version = %v; want %v", serverHS.Version, ProtocolVersionWorker)
	}
	if hs.DaemonVersion != DaemonVersion {
		t.Errorf("daemon version = %q; want %q", hs.DaemonVersion, DaemonVersion)
	}
	if hs.Trust != Trusted {
		t.Errorf("trust = %v; want %v", hs.Trust, Trusted)
	}
}

// TestHandshakeMajorMismatch verifies that a major-version mismatch is
// rejected by both sides.
func TestHandshakeMajorMismatch(t *testing.T) {
	if _, err := negotiateVersion(NewProtocolVersion(1, 35), NewProtocolVersion(2, 0)); err == nil {
		t.Error("expected error for mismatched major versions")
	}
}

func TestProtocolVersionUint16RoundTrip(t *testing.T) {
	v := NewProtocolVersion(1, 35)
	if got := ProtocolVersionFromUint16(v.Uint16()); got != v {
		t.Errorf("round trip = %v; want %v", got, v)
	}
	if v.Uint16() != 0x0123 {
		t.Errorf("Uint16() = %#x; want 0x0123", v.Uint16())
	}
}
