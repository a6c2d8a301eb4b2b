// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package serve implements the legacy "nix-store --serve" protocol: a
// smaller, closed-enum sibling of the worker protocol used by old Nix
// clients and SSH-based substituters.
package serve

import (
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/wire"
)

// Wire constants for the legacy serve protocol handshake.
const (
	ServeMagic1 uint64 = 0x390c9deb // client -> server
	ServeMagic2 uint64 = 0x5452eecb // server -> client
)

// ProtocolVersion is the single (major, minor) version pair this
// package implements.
type ProtocolVersion struct {
	Major uint8
	Minor uint8
}

func (v ProtocolVersion) Uint16() uint16 { return uint16(v.Major)<<8 | uint16(v.Minor) }

func (v ProtocolVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

func (v ProtocolVersion) Less(other ProtocolVersion) bool { return v.Uint16() < other.Uint16() }

func (v ProtocolVersion) AtLeast(major, minor uint8) bool {
	return !v.Less(ProtocolVersion{Major: major, Minor: minor})
}

func versionFromUint16(v uint16) ProtocolVersion {
	return ProtocolVersion{Major: uint8(v >> 8), Minor: uint8(v)}
}

// CurrentVersion is the protocol version this package negotiates:
// 2.6, matching upstream Nix's last "--serve" revision.
var CurrentVersion = ProtocolVersion{Major: 2, Minor: 6}

// Operation is a serve-protocol command code. Unlike the worker
// protocol's Operation, this is a closed enum: the protocol was
// retired at a single stable minor range, so an unrecognized code is a
// protocol error rather than a tunnel candidate.
type Operation uint64

// Defined serve operations.
const (
	CmdQueryValidPaths Operation = 1
	CmdQueryPathInfos   Operation = 2
	CmdDumpPath         Operation = 3
	CmdImportPaths      Operation = 4
	CmdExportPaths      Operation = 5
	CmdQueryClosure     Operation = 7
)

func (op Operation) String() string {
	switch op {
	case CmdQueryValidPaths:
		return "QueryValidPaths"
	case CmdQueryPathInfos:
		return "QueryPathInfos"
	case CmdDumpPath:
		return "DumpPath"
	case CmdImportPaths:
		return "ImportPaths"
	case CmdExportPaths:
		return "ExportPaths"
	case CmdQueryClosure:
		return "QueryClosure"
	default:
		return fmt.Sprintf("Operation(%d)", uint64(op))
	}
}

// ErrUnknownOperation is returned by the dispatcher for any code it
// does not dispatch, including ExportPaths and QueryClosure.
var ErrUnknownOperation = fmt.Errorf("serve: unknown operation")

// Handshake is the result of a serve-protocol handshake.
type Handshake struct {
	Version ProtocolVersion
}

// ClientHandshake performs the client side of the handshake: write
// magic1 + our version, read magic2 + the server's version, and
// negotiate min(ours, theirs), rejecting a major-version mismatch.
func ClientHandshake(rw io.ReadWriter) (Handshake, error) {
	if err := wire.WriteNumber(rw, ServeMagic1); err != nil {
		return Handshake{}, err
	}
	if err := wire.WriteNumber(rw, uint64(CurrentVersion.Uint16())); err != nil {
		return Handshake{}, err
	}
	magic2, err := wire.ReadNumber(rw)
	if err != nil {
		return Handshake{}, fmt.Errorf("serve handshake: read server magic: %w", err)
	}
	if magic2 != ServeMagic2 {
		return Handshake{}, fmt.Errorf("serve handshake: bad server magic %#x", magic2)
	}
	serverVersionWire, err := wire.ReadNumber(rw)
	if err != nil {
		return Handshake{}, fmt.Errorf("serve handshake: read server version: %w", err)
	}
	negotiated, err := negotiate(CurrentVersion, versionFromUint16(uint16(serverVersionWire)))
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{Version: negotiated}, nil
}

// ServerHandshake performs the server side of the handshake.
func ServerHandshake(rw io.ReadWriter) (Handshake, error) {
	magic1, err := wire.ReadNumber(rw)
	if err != nil {
		return Handshake{}, fmt.Errorf("serve handshake: read client magic: %w", err)
	}
	if magic1 != ServeMagic1 {
		return Handshake{}, fmt.Errorf("serve handshake: bad client magic %#x", magic1)
	}
	clientVersionWire, err := wire.ReadNumber(rw)
	if err != nil {
		return Handshake{}, fmt.Errorf("serve handshake: read client version: %w", err)
	}
	if err := wire.WriteNumber(rw, ServeMagic2); err != nil {
		return Handshake{}, err
	}
	if err := wire.WriteNumber(rw, uint64(CurrentVersion.Uint16())); err != nil {
		return Handshake{}, err
	}
	negotiated, err := negotiate(CurrentVersion, versionFromUint16(uint16(clientVersionWire)))
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{Version: negotiated}, nil
}

func negotiate(a, b ProtocolVersion) (ProtocolVersion, error) {
	if a.Major != b.Major {
		return ProtocolVersion{}, fmt.Errorf("serve handshake: incompatible major versions %d and %d", a.Major, b.Major)
	}
	if a.Less(b) {
		return a, nil
	}
	return b, nil
}
