// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package nar implements the Nix Archive (NAR) format: a sequence of
// length-prefixed tokens forming a small recursive grammar describing a
// filesystem tree of regular files, symbolic links, and directories.
//
// The package exposes two layers. [Parser] and [Writer] are the
// low-level event-driven codec described by the format itself: they
// produce and consume a stream of [Event] values (file, symlink, start
// directory, end directory) and are what [CaseHackReader] and
// [UncaseHackReader] operate over. [Reader] and [HeaderWriter] are a
// higher-level, preorder-traversal adapter in the style of
// [archive/tar]'s Reader/Writer, built on top of the event layer, for
// callers that would rather walk a tree of [Header] values than handle
// raw events.
package nar

import "fmt"

// Magic is the fixed 13-byte string that begins every NAR stream.
const Magic = "nix-archive-1"

// MaxTokenLen bounds the length of any single structural token (grammar
// keywords, entry names, symlink targets) read from a NAR stream. It is
// generous compared to any legitimate Nix store path component.
const MaxTokenLen = 64 * 1024

// CaseHackSuffix is the literal marker the case-hack filter appends to a
// colliding entry name.
const CaseHackSuffix = "~nix~case~hack~"

// EventKind identifies the kind of filesystem node an [Event] describes.
type EventKind int

// Defined event kinds.
const (
	// File announces a regular file node. The parser's caller must read
	// exactly Size bytes from the [Parser] (or [Writer] must be given
	// exactly Size bytes) before the next event.
	File EventKind = iota
	// Symlink announces a symbolic link node.
	Symlink
	// StartDirectory announces the start of a directory node; a matching
	// EndDirectory event follows once all its entries are consumed.
	StartDirectory
	// EndDirectory announces the end of the most recently started
	// directory.
	EndDirectory
)

func (k EventKind) String() string {
	switch k {
	case File:
		return "File"
	case Symlink:
		return "Symlink"
	case StartDirectory:
		return "StartDirectory"
	case EndDirectory:
		return "EndDirectory"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one node in a NAR event stream, as produced by [Parser.Next]
// and consumed by [Writer.WriteEvent].
type Event struct {
	Kind EventKind

	// Name is the node's name within its parent directory. It is empty
	// for the root node and for every EndDirectory event.
	Name string

	// Executable is set on File events for regular files with the
	// executable bit.
	Executable bool
	// Size is the exact number of content bytes that follow a File
	// event.
	Size int64

	// Target is the link target of a Symlink event.
	Target string
}

// Errors returned by [Parser].
var (
	ErrBadMagic = fmt.Errorf("nar: bad archive magic")
	ErrBadField = fmt.Errorf("nar: unexpected field")
	ErrBadOrder = fmt.Errorf("nar: directory entries out of order")
)
