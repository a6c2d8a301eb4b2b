// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"
	"strings"
	"time"

	"go.nixrs.dev/nixrs/internal/sortedset"
	"go.nixrs.dev/nixrs/nixhash"
	"go.nixrs.dev/nixrs/storepath"
)

// TrustLevel describes how much a daemon trusts the client of a
// connection.
type TrustLevel int8

// Defined trust levels.
const (
	UnknownTrust TrustLevel = iota
	Trusted
	NotTrusted
)

func (t TrustLevel) String() string {
	switch t {
	case Trusted:
		return "trusted"
	case NotTrusted:
		return "not-trusted"
	default:
		return "unknown"
	}
}

// Verbosity is a client-requested logging verbosity level. Its wire
// encoding is a 16-bit value even though it is carried as a [Number] on
// the wire like everything else.
type Verbosity uint16

// Defined verbosity levels, in increasing order of chattiness.
const (
	Error Verbosity = iota
	Warn
	Notice
	Info
	Talkative
	Chatty
	Debug
	Vomit
)

// Operation is a worker-protocol command code. It is an open enum:
// unrecognized codes keep their numeric value (String prints them as
// "Unknown(n)") so that framing code never needs to reject a
// connection outright for a code it doesn't dispatch.
type Operation uint64

// Defined operation codes (a representative, non-exhaustive subset; see
// the op-code table this package's documentation is generated from).
const (
	OpIsValidPath            Operation = 1
	OpQueryReferrers         Operation = 6
	OpAddToStore             Operation = 7
	OpBuildPaths             Operation = 9
	OpAddTempRoot            Operation = 11
	OpAddIndirectRoot        Operation = 12
	OpSetOptions             Operation = 19
	OpQueryPathInfo          Operation = 26
	OpQueryPathFromHashPart  Operation = 29
	OpQueryValidPaths        Operation = 31
	OpBuildDerivation        Operation = 36
	OpAddSignatures          Operation = 37
	OpNarFromPath            Operation = 38
	OpQueryMissing           Operation = 40
	OpAddMultipleToStore     Operation = 44
	OpBuildPathsWithResults  Operation = 46
)

// MinVersion returns the minimum [ProtocolVersion] at which op is
// defined, and reports whether op is a known operation.
func (op Operation) MinVersion() (ProtocolVersion, bool) {
	switch op {
	case OpIsValidPath, OpQueryReferrers, OpBuildPaths, OpAddTempRoot, OpAddIndirectRoot, OpSetOptions, OpQueryPathFromHashPart, OpBuildDerivation, OpAddSignatures, OpNarFromPath:
		return NewProtocolVersion(1, 0), true
	case OpAddToStore:
		return NewProtocolVersion(1, 25), true
	case OpQueryValidPaths:
		return NewProtocolVersion(1, 12), true
	case OpQueryPathInfo:
		return NewProtocolVersion(1, 17), true
	case OpQueryMissing:
		return NewProtocolVersion(1, 19), true
	case OpAddMultipleToStore:
		return NewProtocolVersion(1, 32), true
	case OpBuildPathsWithResults:
		return NewProtocolVersion(1, 27), true
	default:
		return ProtocolVersion{}, false
	}
}

func (op Operation) String() string {
	switch op {
	case OpIsValidPath:
		return "IsValidPath"
	case OpQueryReferrers:
		return "QueryReferrers"
	case OpAddToStore:
		return "AddToStore"
	case OpBuildPaths:
		return "BuildPaths"
	case OpAddTempRoot:
		return "AddTempRoot"
	case OpAddIndirectRoot:
		return "AddIndirectRoot"
	case OpSetOptions:
		return "SetOptions"
	case OpQueryPathInfo:
		return "QueryPathInfo"
	case OpQueryPathFromHashPart:
		return "QueryPathFromHashPart"
	case OpQueryValidPaths:
		return "QueryValidPaths"
	case OpBuildDerivation:
		return "BuildDerivation"
	case OpAddSignatures:
		return "AddSignatures"
	case OpNarFromPath:
		return "NarFromPath"
	case OpQueryMissing:
		return "QueryMissing"
	case OpAddMultipleToStore:
		return "AddMultipleToStore"
	case OpBuildPathsWithResults:
		return "BuildPathsWithResults"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(op))
	}
}

// ClientOptions carries the settings a client pushes to the daemon via
// the SetOptions operation.
type ClientOptions struct {
	KeepFailed     bool
	KeepGoing      bool
	TryFallback    bool
	Verbosity      Verbosity
	MaxBuildJobs   int64
	MaxSilentTime  time.Duration
	VerboseBuild   bool
	BuildCores     int64
	UseSubstitutes bool
	// OtherSettings holds free-form settings added at protocol version
	// 1.12, keyed and valued as opaque byte strings.
	OtherSettings map[string]string
}

// OutputName is a validated derivation output name: the same character
// set as a [storepath.Name].
type OutputName string

// DefaultOutputName is the output name used when a derivation does not
// specify one explicitly.
const DefaultOutputName OutputName = "out"

// DerivationOutputKind distinguishes the ways a derivation output's
// store path can be determined.
type DerivationOutputKind int8

// Defined kinds.
const (
	// InputAddressed means the output path is computed from the
	// derivation's inputs (the classical case).
	InputAddressed DerivationOutputKind = iota + 1
	// CAFixed means the output path is a fixed, known-in-advance content
	// address.
	CAFixed
	// Deferred means the output path is not yet known (used while
	// constructing a derivation before it is instantiated).
	Deferred
	// CAFloating means the output is content-addressed but the path is
	// only known after the build completes. Added at a version-gated
	// point in the protocol's evolution.
	CAFloating
	// Impure means the output is never cached and always rebuilt.
	// Version-gated like CAFloating.
	Impure
)

// DerivationOutput is one output slot of a [BasicDerivation].
type DerivationOutput struct {
	Kind DerivationOutputKind

	// Path is set when Kind is InputAddressed or CAFixed.
	Path storepath.StorePath
	// CA is set when Kind is CAFixed.
	CA storepath.ContentAddress
	// MethodAlgorithm is set when Kind is CAFloating or Impure.
	MethodAlgorithm storepath.ContentAddressMethodAlgorithm
}

// BasicDerivation is the portion of a derivation the worker protocol
// transmits for a build request.
type BasicDerivation struct {
	DrvPath   storepath.StorePath
	Outputs   map[OutputName]DerivationOutput
	InputSrcs storepath.StorePathSet
	Platform  string
	Builder   string
	Args      []string
	Env       map[string]string
}

// OutputSpec selects a subset of a derivation's outputs: either all of
// them, or a named set.
type OutputSpec struct {
	All   bool
	Names sortedset.Set[OutputName]
}

// String renders spec in its wire textual form: "*" for All, or a
// comma-separated, sorted list of names.
func (spec OutputSpec) String() string {
	if spec.All {
		return "*"
	}
	names := make([]string, spec.Names.Len())
	for i := range names {
		names[i] = string(spec.Names.At(i))
	}
	return strings.Join(names, ",")
}

// ParseOutputSpec parses the wire textual form produced by
// [OutputSpec.String].
func ParseOutputSpec(s string) (OutputSpec, error) {
	if s == "*" {
		return OutputSpec{All: true}, nil
	}
	var spec OutputSpec
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			return OutputSpec{}, fmt.Errorf("parse output spec %q: empty output name", s)
		}
		spec.Names.Add(OutputName(part))
	}
	return spec, nil
}

// SingleDerivedPath is either a concrete [storepath.StorePath] (Opaque)
// or the output of a derivation that must itself be resolved first
// (Built), recursively.
type SingleDerivedPath struct {
	// Opaque is set when DrvPath is nil.
	Opaque storepath.StorePath
	// DrvPath and Output are set together for the Built case.
	DrvPath *SingleDerivedPath
	Output  OutputName
}

// IsBuilt reports whether p is the Built variant.
func (p SingleDerivedPath) IsBuilt() bool {
	return p.DrvPath != nil
}

// DerivedPath is either a concrete store path (Opaque) or a request for
// one or more outputs of a derivation (Built).
type DerivedPath struct {
	Opaque  storepath.StorePath
	DrvPath *SingleDerivedPath
	Outputs OutputSpec
}

// IsBuilt reports whether p is the Built variant.
func (p DerivedPath) IsBuilt() bool {
	return p.DrvPath != nil
}

// DrvOutput identifies one output of one derivation by the derivation's
// hash-modulo hash and the output name.
type DrvOutput struct {
	DrvHash    nixhash.Hash
	OutputName OutputName
}

// String renders id as "<drvHash>!<outputName>".
func (id DrvOutput) String() string {
	return id.DrvHash.String() + "!" + string(id.OutputName)
}

// Realisation records the concrete result of building one derivation
// output under content-addressed derivations.
type Realisation struct {
	ID                     DrvOutput
	OutPath                storepath.StorePath
	Signatures             sortedset.Set[string]
	DependentRealisations  map[DrvOutput]storepath.StorePath
}

// ValidPathInfo describes a store object's metadata as known to a
// store: its size and hash as a NAR, its references, its signatures,
// and (if content-addressed) its content address.
type ValidPathInfo struct {
	Path             storepath.StorePath
	Deriver          storepath.StorePath // zero value means none
	NarSize          int64
	NarHash          nixhash.Hash // always SHA-256
	References       storepath.StorePathSet
	Sigs             sortedset.Set[string]
	RegistrationTime time.Time
	Ultimate         bool
	CA               storepath.ContentAddress // zero value means none
}

// UnkeyedValidPathInfo is [ValidPathInfo] without the Path field, used
// where the path is already known from the request (e.g.
// QueryPathInfo's reply).
type UnkeyedValidPathInfo struct {
	Deriver          storepath.StorePath
	NarSize          int64
	NarHash          nixhash.Hash
	References       storepath.StorePathSet
	Sigs             sortedset.Set[string]
	RegistrationTime time.Time
	Ultimate         bool
	CA               storepath.ContentAddress
}

// BuildStatus is the outcome of a build request.
type BuildStatus int32

// Defined build statuses.
const (
	Built BuildStatus = iota
	Substituted
	AlreadyValid
	PermanentFailure
	InputRejected
	OutputRejected
	TransientFailure
	CachedFailure
	TimedOut
	MiscFailure
	DependencyFailed
	LogLimitExceeded
	NotDeterministic
)

// BuildResult is the reply to a BuildDerivation or
// BuildPathsWithResults operation.
type BuildResult struct {
	Status             BuildStatus
	ErrorMsg           string
	TimesBuilt         int32
	IsNonDeterministic bool
	// StartTime and StopTime are version-gated: only present at
	// protocol version >= 1.29 (see the fingerprint/version notes in
	// this package's serializer).
	StartTime time.Time
	StopTime  time.Time
	// BuiltOutputs is version-gated: only present at protocol version
	// >= 1.28.
	BuiltOutputs map[OutputName]Realisation
}
