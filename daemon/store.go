// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"io"

	"go.nixrs.dev/nixrs/storepath"
)

// BuildMode selects how eagerly a build request rebuilds its inputs.
type BuildMode int32

// Defined build modes.
const (
	BuildNormal BuildMode = iota
	BuildRepair
	BuildCheck
)

// QueryMissingResult is the reply to a QueryMissing operation.
type QueryMissingResult struct {
	WillBuild     storepath.StorePathSet
	WillSubstitute storepath.StorePathSet
	Unknown       storepath.StorePathSet
	DownloadSize  uint64
	NarSize       uint64
}

// KeyedBuildResult pairs a [BuildResult] with the derived path it
// answers, as returned in bulk by BuildPathsWithResults.
type KeyedBuildResult struct {
	Path   DerivedPath
	Result BuildResult
}

// LogSink receives log messages emitted by a [Store] method while an
// operation is in flight. A server-side dispatcher implements LogSink by
// writing each message to the connection's interleaved logger channel;
// [daemontest.MockStore] replays its scripted log messages into the
// LogSink it is given.
type LogSink interface {
	Log(msg LogMessage)
}

// LogSinkFunc adapts a function to a [LogSink].
type LogSinkFunc func(LogMessage)

func (f LogSinkFunc) Log(msg LogMessage) { f(msg) }

// DiscardLogSink discards every message logged to it.
var DiscardLogSink LogSink = LogSinkFunc(func(LogMessage) {})

// Store is the backend a worker-protocol server dispatches operations
// to. Every method takes a [LogSink] it may write progress messages to
// before returning its result; the dispatcher is responsible for
// terminating the logger channel with STDERR_LAST (or STDERR_ERROR, if
// the method returns a non-nil *[LogError] wrapped as an error) before
// writing the method's result fields.
//
// Not every operation in the worker protocol has a corresponding Store
// method: this interface covers the representative subset this package
// dispatches (see [ServeConn]). A Store that does not support a given
// method should still implement it, returning [UnimplementedOperation].
type Store interface {
	TrustLevel() TrustLevel

	SetOptions(sink LogSink, options ClientOptions) error
	IsValidPath(sink LogSink, path storepath.StorePath) (bool, error)
	QueryReferrers(sink LogSink, path storepath.StorePath) (storepath.StorePathSet, error)
	QueryValidPaths(sink LogSink, paths storepath.StorePathSet, substitute bool) (storepath.StorePathSet, error)
	QueryPathInfo(sink LogSink, path storepath.StorePath) (*UnkeyedValidPathInfo, error)
	QueryPathFromHashPart(sink LogSink, hashPart string) (storepath.StorePath, bool, error)
	AddTempRoot(sink LogSink, path storepath.StorePath) error
	AddIndirectRoot(sink LogSink, path string) error
	AddToStore(sink LogSink, name storepath.Name, ma storepath.ContentAddressMethodAlgorithm, refs storepath.StorePathSet, repair bool, nar io.Reader) (*ValidPathInfo, error)
	NarFromPath(sink LogSink, path storepath.StorePath, w io.Writer) error
	AddSignatures(sink LogSink, path storepath.StorePath, sigs []string) error
	BuildPaths(sink LogSink, paths []DerivedPath, mode BuildMode) error
	BuildDerivation(sink LogSink, drvPath storepath.StorePath, drv BasicDerivation, mode BuildMode) (BuildResult, error)
	BuildPathsWithResults(sink LogSink, paths []DerivedPath, mode BuildMode) ([]KeyedBuildResult, error)
	QueryMissing(sink LogSink, paths []DerivedPath) (QueryMissingResult, error)
	AddMultipleToStore(sink LogSink, repair, dontCheckSigs bool, infos []UnkeyedValidPathInfoWithPath, nars []io.Reader) error
}

// UnkeyedValidPathInfoWithPath pairs a store path with the rest of its
// metadata, as transmitted by AddMultipleToStore.
type UnkeyedValidPathInfoWithPath struct {
	Path storepath.StorePath
	Info UnkeyedValidPathInfo
}
