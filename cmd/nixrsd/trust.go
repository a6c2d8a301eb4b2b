// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package main

import (
	"net"
	"os"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/internal/sets"
	"golang.org/x/sys/unix"
)

// trustedUIDs holds the set of Unix user IDs whose connections should
// be reported to the worker protocol as [daemon.Trusted], overriding
// whatever TrustLevel the underlying store would otherwise report.
// The daemon's own effective UID is always treated as trusted.
type trustedUIDs sets.Set[uint32]

func newTrustedUIDs(extra []int) trustedUIDs {
	t := sets.New(uint32(os.Geteuid()))
	for _, uid := range extra {
		t.Add(uint32(uid))
	}
	return trustedUIDs(t)
}

// peerTrust determines the trust level to report for a connection by
// inspecting its SO_PEERCRED credentials, when conn is a Unix domain
// socket. Non-Unix connections (TCP) are reported as
// [daemon.NotTrusted], matching a remote daemon's default posture.
func (t trustedUIDs) peerTrust(conn net.Conn) daemon.TrustLevel {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return daemon.NotTrusted
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return daemon.NotTrusted
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil || cred == nil {
		return daemon.NotTrusted
	}
	if sets.Set[uint32](t).Has(cred.Uid) {
		return daemon.Trusted
	}
	return daemon.NotTrusted
}

// trustOverrideStore wraps a [daemon.Store], reporting a fixed
// TrustLevel instead of delegating to the underlying store. It lets
// nixrsd apply a connection's SO_PEERCRED-derived trust level without
// every daemon.Store implementation needing to know about Unix
// credentials.
type trustOverrideStore struct {
	daemon.Store
	trust daemon.TrustLevel
}

func (s trustOverrideStore) TrustLevel() daemon.TrustLevel {
	return s.trust
}

var _ daemon.Store = trustOverrideStore{}
