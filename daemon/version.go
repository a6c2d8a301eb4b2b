// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package daemon implements the Nix daemon worker protocol: the
// client/server handshake, per-operation request and reply framing, the
// interleaved STDERR_* logger channel, and the typed protocol values
// (derivations, derived paths, realisations, path info, build results)
// that operations carry.
package daemon

import "fmt"

// ProtocolVersion is a (major, minor) worker-protocol version, encoded
// on the wire as one number (see wire.WriteNumber) whose value is
// major<<8 | minor.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

// NewProtocolVersion returns the [ProtocolVersion] for the given major
// and minor components.
func NewProtocolVersion(major, minor uint8) ProtocolVersion {
	return ProtocolVersion{Major: major, Minor: minor}
}

// ProtocolVersionFromUint16 decodes the wire form of a [ProtocolVersion].
func ProtocolVersionFromUint16(v uint16) ProtocolVersion {
	return ProtocolVersion{Major: uint8(v >> 8), Minor: uint8(v)}
}

// Uint16 encodes v in its wire form.
func (v ProtocolVersion) Uint16() uint16 {
	return uint16(v.Major)<<8 | uint16(v.Minor)
}

// String returns v in "<major>.<minor>" form.
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less reports whether v is an earlier protocol version than other.
func (v ProtocolVersion) Less(other ProtocolVersion) bool {
	return v.Uint16() < other.Uint16()
}

// AtLeast reports whether v is the same as or later than major.minor.
func (v ProtocolVersion) AtLeast(major, minor uint8) bool {
	return !v.Less(NewProtocolVersion(major, minor))
}

// ProtocolVersionWorker is the negotiated protocol version this package
// implements for the worker protocol (handshake magic
// [WorkerMagic1]/[WorkerMagic2]).
var ProtocolVersionWorker = NewProtocolVersion(1, 35)

// Wire constants for the worker protocol handshake.
const (
	// WorkerMagic1 is written by the client to open a connection.
	WorkerMagic1 uint64 = 0x6e697863
	// WorkerMagic2 is written by the server in response.
	WorkerMagic2 uint64 = 0x6478696f
)
