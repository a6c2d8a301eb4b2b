// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/wire"
)

// DaemonVersion is the version string a server reports to clients at
// protocol version >= 1.33.
const DaemonVersion = "nixrs-1.0"

// ClientHandshake is the result of the client side of the worker
// protocol handshake: the negotiated version and whatever the server
// chose to report about itself.
type ClientHandshake struct {
	Version      ProtocolVersion
	DaemonVersion string // set if Version >= 1.33
	Trust        TrustLevel // set if Version >= 1.35, else UnknownTrust
}

// DoClientHandshake performs the client side of the handshake described
// in this package's documentation: magic exchange, version negotiation,
// and (depending on the negotiated version) the affinity/reserve-space
// fields and the daemon's self-reported version and trust level.
//
// reserveSpace is sent when the negotiated version is >= 1.11; it has
// no effect on this implementation and exists only for wire
// compatibility.
func DoClientHandshake(rw io.ReadWriter, reserveSpace bool) (ClientHandshake, error) {
	if err := wire.WriteNumber(rw, WorkerMagic1); err != nil {
		return ClientHandshake{}, fmt.Errorf("daemon handshake: %w", err)
	}
	magic2, err := wire.ReadNumber(rw)
	if err != nil {
		return ClientHandshake{}, fmt.Errorf("daemon handshake: read server magic: %w", err)
	}
	if magic2 != WorkerMagic2 {
		return ClientHandshake{}, fmt.Errorf("daemon handshake: bad server magic %#x", magic2)
	}
	serverVersionWire, err := wire.ReadNumber(rw)
	if err != nil {
		return ClientHandshake{}, fmt.Errorf("daemon handshake: read server version: %w", err)
	}
	serverVersion := ProtocolVersionFromUint16(uint16(serverVersionWire))

	if err := wire.WriteNumber(rw, uint64(ProtocolVersionWorker.Uint16())); err != nil {
		return ClientHandshake{}, fmt.Errorf("daemon handshake: write client version: %w", err)
	}
	negotiated, err := negotiateVersion(ProtocolVersionWorker, serverVersion)
	if err != nil {
		return ClientHandshake{}, err
	}

	if negotiated.AtLeast(1, 14) {
		// CPU affinity: ignored by both sides.
		if err := wire.WriteNumber(rw, 0); err != nil {
			return ClientHandshake{}, fmt.Errorf("daemon handshake: write cpu affinity: %w", err)
		}
	}
	if negotiated.AtLeast(1, 11) {
		if err := wire.WriteBool(rw, reserveSpace); err != nil {
			return ClientHandshake{}, fmt.Errorf("daemon handshake: write reserve space: %w", err)
		}
	}

	hs := ClientHandshake{Version: negotiated}
	if negotiated.AtLeast(1, 33) {
		hs.DaemonVersion, err = wire.ReadString(rw, MaxStringLen)
		if err != nil {
			return ClientHandshake{}, fmt.Errorf("daemon handshake: read daemon version: %w", err)
		}
	}
	if negotiated.AtLeast(1, 35) {
		trust, err := wire.ReadNumber(rw)
		if err != nil {
			return ClientHandshake{}, fmt.Errorf("daemon handshake: read trust level: %w", err)
		}
		hs.Trust = TrustLevel(trust)
	}
	return hs, nil
}

// ServerHandshake is the result of the server side of the worker
// protocol handshake.
type ServerHandshake struct {
	Version ProtocolVersion
}

// DoServerHandshake performs the server side of the handshake. trust is
// reported to the client when the negotiated version supports it.
func DoServerHandshake(rw io.ReadWriter, trust TrustLevel) (ServerHandshake, error) {
	magic1, err := wire.ReadNumber(rw)
	if err != nil {
		return ServerHandshake{}, fmt.Errorf("daemon handshake: read client magic: %w", err)
	}
	if magic1 != WorkerMagic1 {
		return ServerHandshake{}, fmt.Errorf("daemon handshake: bad client magic %#x", magic1)
	}
	if err := wire.WriteNumber(rw, WorkerMagic2); err != nil {
		return ServerHandshake{}, fmt.Errorf("daemon handshake: write server magic: %w", err)
	}
	if err := wire.WriteNumber(rw, uint64(ProtocolVersionWorker.Uint16())); err != nil {
		return ServerHandshake{}, fmt.Errorf("daemon handshake: write server version: %w", err)
	}
	clientVersionWire, err := wire.ReadNumber(rw)
	if err != nil {
		return ServerHandshake{}, fmt.Errorf("daemon handshake: read client version: %w", err)
	}
	clientVersion := ProtocolVersionFromUint16(uint16(clientVersionWire))
	negotiated, err := negotiateVersion(ProtocolVersionWorker, clientVersion)
	if err != nil {
		return ServerHandshake{}, err
	}

	if negotiated.AtLeast(1, 14) {
		if _, err := wire.ReadNumber(rw); err != nil { // CPU affinity, ignored
			return ServerHandshake{}, fmt.Errorf("daemon handshake: read cpu affinity: %w", err)
		}
	}
	if negotiated.AtLeast(1, 11) {
		if _, err := wire.ReadBool(rw); err != nil { // reserve space, ignored
			return ServerHandshake{}, fmt.Errorf("daemon handshake: read reserve space: %w", err)
		}
	}
	if negotiated.AtLeast(1, 33) {
		if err := wire.WriteString(rw, DaemonVersion); err != nil {
			return ServerHandshake{}, fmt.Errorf("daemon handshake: write daemon version: %w", err)
		}
	}
	if negotiated.AtLeast(1, 35) {
		if err := wire.WriteNumber(rw, uint64(trust)); err != nil {
			return ServerHandshake{}, fmt.Errorf("daemon handshake: write trust level: %w", err)
		}
	}
	return ServerHandshake{Version: negotiated}, nil
}

// negotiateVersion computes min(a, b), rejecting a mismatch of major
// versions.
func negotiateVersion(a, b ProtocolVersion) (ProtocolVersion, error) {
	if a.Major != b.Major {
		return ProtocolVersion{}, fmt.Errorf("daemon handshake: incompatible major versions %d and %d", a.Major, b.Major)
	}
	if a.Less(b) {
		return a, nil
	}
	return b, nil
}
