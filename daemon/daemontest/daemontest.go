// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package daemontest provides test doubles for the [daemon] package's
// [daemon.Store] interface: a scripted [MockStore] that asserts each
// call matches an expected request and replays canned log messages and
// a response, and a [FailingStore] that reports every operation as
// unimplemented.
package daemontest

import (
	"fmt"
	"io"
	"testing"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/storepath"
)

// step is one scripted call: the operation it expects next, the log
// messages to replay, and a respond function that produces the result.
type step struct {
	op      daemon.Operation
	logs    []daemon.LogMessage
	respond func(sink daemon.LogSink) error
}

// MockStore is a [daemon.Store] driven by a pre-scripted sequence of
// expected operations. Each Expect* method appends one step; calling
// the corresponding Store method pops the next step, asserts it
// matches the operation actually invoked, replays its log messages, and
// returns its canned result. A mismatch or an empty script calls
// t.Fatal.
type MockStore struct {
	t     *testing.T
	trust daemon.TrustLevel
	steps []step

	pendingIsValidPath   []isValidPathExpectation
	pendingQueryPathInfo []queryPathInfoExpectation
}

// NewMockStore returns an empty [MockStore]. Use the Expect* methods to
// script expected calls before handing it to [daemon.ServeConn] or a
// [daemon.Client] test.
func NewMockStore(t *testing.T, trust daemon.TrustLevel) *MockStore {
	return &MockStore{t: t, trust: trust}
}

// Done asserts every scripted step was consumed.
func (m *MockStore) Done() {
	m.t.Helper()
	if len(m.steps) != 0 {
		m.t.Fatalf("mock store: %d scripted call(s) never made, next is %v", len(m.steps), m.steps[0].op)
	}
}

func (m *MockStore) pop(op daemon.Operation) step {
	m.t.Helper()
	if len(m.steps) == 0 {
		m.t.Fatalf("mock store: unexpected call to %v, script exhausted", op)
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	if s.op != op {
		m.t.Fatalf("mock store: call to %v, script expected %v", op, s.op)
	}
	return s
}

func (m *MockStore) replay(sink daemon.LogSink, s step) {
	for _, msg := range s.logs {
		sink.Log(msg)
	}
}

// TrustLevel implements [daemon.Store].
func (m *MockStore) TrustLevel() daemon.TrustLevel { return m.trust }

// ExpectIsValidPath scripts an IsValidPath call.
func (m *MockStore) ExpectIsValidPath(wantPath storepath.StorePath, logs []daemon.LogMessage, result bool, err error) {
	m.steps = append(m.steps, step{
		op:      daemon.OpIsValidPath,
		respond: func(daemon.LogSink) error { return err },
		logs:    logs,
	})
	m.pendingIsValidPath = append(m.pendingIsValidPath, isValidPathExpectation{wantPath, result})
}

type isValidPathExpectation struct {
	path   storepath.StorePath
	result bool
}

// IsValidPath implements [daemon.Store].
func (m *MockStore) IsValidPath(sink daemon.LogSink, path storepath.StorePath) (bool, error) {
	s := m.pop(daemon.OpIsValidPath)
	exp := m.pendingIsValidPath[0]
	m.pendingIsValidPath = m.pendingIsValidPath[1:]
	if exp.path != path {
		m.t.Fatalf("IsValidPath(%q); want %q", path, exp.path)
	}
	m.replay(sink, s)
	return exp.result, s.respond(sink)
}

// ExpectQueryPathInfo scripts a QueryPathInfo call.
func (m *MockStore) ExpectQueryPathInfo(wantPath storepath.StorePath, logs []daemon.LogMessage, result *daemon.UnkeyedValidPathInfo, err error) {
	m.steps = append(m.steps, step{
		op:      daemon.OpQueryPathInfo,
		respond: func(daemon.LogSink) error { return err },
		logs:    logs,
	})
	m.pendingQueryPathInfo = append(m.pendingQueryPathInfo, queryPathInfoExpectation{wantPath, result})
}

type queryPathInfoExpectation struct {
	path   storepath.StorePath
	result *daemon.UnkeyedValidPathInfo
}

// QueryPathInfo implements [daemon.Store].
func (m *MockStore) QueryPathInfo(sink daemon.LogSink, path storepath.StorePath) (*daemon.UnkeyedValidPathInfo, error) {
	s := m.pop(daemon.OpQueryPathInfo)
	exp := m.pendingQueryPathInfo[0]
	m.pendingQueryPathInfo = m.pendingQueryPathInfo[1:]
	if exp.path != path {
		m.t.Fatalf("QueryPathInfo(%q); want %q", path, exp.path)
	}
	m.replay(sink, s)
	return exp.result, s.respond(sink)
}

// The remaining Store methods are not exercised by the scenarios this
// harness was built for; they fail loudly rather than silently
// succeed, so a test that starts depending on them gets a clear
// "add an Expect method" signal instead of a wrong answer.

func (m *MockStore) unimplemented(op daemon.Operation) error {
	m.t.Helper()
	m.t.Fatalf("mock store: %v has no Expect method registered", op)
	return fmt.Errorf("mock store: %v not scripted", op)
}

func (m *MockStore) SetOptions(sink daemon.LogSink, opts daemon.ClientOptions) error {
	return m.unimplemented(daemon.OpSetOptions)
}

func (m *MockStore) QueryReferrers(sink daemon.LogSink, path storepath.StorePath) (storepath.StorePathSet, error) {
	return storepath.StorePathSet{}, m.unimplemented(daemon.OpQueryReferrers)
}

func (m *MockStore) QueryValidPaths(sink daemon.LogSink, paths storepath.StorePathSet, substitute bool) (storepath.StorePathSet, error) {
	return storepath.StorePathSet{}, m.unimplemented(daemon.OpQueryValidPaths)
}

func (m *MockStore) QueryPathFromHashPart(sink daemon.LogSink, hashPart string) (storepath.StorePath, bool, error) {
	return "", false, m.unimplemented(daemon.OpQueryPathFromHashPart)
}

func (m *MockStore) AddTempRoot(sink daemon.LogSink, path storepath.StorePath) error {
	return m.unimplemented(daemon.OpAddTempRoot)
}

func (m *MockStore) AddIndirectRoot(sink daemon.LogSink, path string) error {
	return m.unimplemented(daemon.OpAddIndirectRoot)
}

func (m *MockStore) AddToStore(sink daemon.LogSink, name storepath.Name, ma storepath.ContentAddressMethodAlgorithm, refs storepath.StorePathSet, repair bool, nar io.Reader) (*daemon.ValidPathInfo, error) {
	return nil, m.unimplemented(daemon.OpAddToStore)
}

func (m *MockStore) NarFromPath(sink daemon.LogSink, path storepath.StorePath, w io.Writer) error {
	return m.unimplemented(daemon.OpNarFromPath)
}

func (m *MockStore) AddSignatures(sink daemon.LogSink, path storepath.StorePath, sigs []string) error {
	return m.unimplemented(daemon.OpAddSignatures)
}

func (m *MockStore) BuildPaths(sink daemon.LogSink, paths []daemon.DerivedPath, mode daemon.BuildMode) error {
	return m.unimplemented(daemon.OpBuildPaths)
}

func (m *MockStore) BuildDerivation(sink daemon.LogSink, drvPath storepath.StorePath, drv daemon.BasicDerivation, mode daemon.BuildMode) (daemon.BuildResult, error) {
	return daemon.BuildResult{}, m.unimplemented(daemon.OpBuildDerivation)
}

func (m *MockStore) BuildPathsWithResults(sink daemon.LogSink, paths []daemon.DerivedPath, mode daemon.BuildMode) ([]daemon.KeyedBuildResult, error) {
	return nil, m.unimplemented(daemon.OpBuildPathsWithResults)
}

func (m *MockStore) QueryMissing(sink daemon.LogSink, paths []daemon.DerivedPath) (daemon.QueryMissingResult, error) {
	return daemon.QueryMissingResult{}, m.unimplemented(daemon.OpQueryMissing)
}

func (m *MockStore) AddMultipleToStore(sink daemon.LogSink, repair, dontCheckSigs bool, infos []daemon.UnkeyedValidPathInfoWithPath, nars []io.Reader) error {
	return m.unimplemented(daemon.OpAddMultipleToStore)
}

// FailingStore is a [daemon.Store] every one of whose methods reports
// [daemon.UnimplementedOperation], mirroring a store backend that
// implements no operations at all. It is useful for exercising a
// dispatcher's version-gating and error-reporting paths without a real
// backend.
type FailingStore struct{}

func (FailingStore) TrustLevel() daemon.TrustLevel { return daemon.UnknownTrust }

func (FailingStore) SetOptions(daemon.LogSink, daemon.ClientOptions) error {
	return daemon.UnimplementedOperation(daemon.OpSetOptions)
}

func (FailingStore) IsValidPath(daemon.LogSink, storepath.StorePath) (bool, error) {
	return false, daemon.UnimplementedOperation(daemon.OpIsValidPath)
}

func (FailingStore) QueryReferrers(daemon.LogSink, storepath.StorePath) (storepath.StorePathSet, error) {
	return storepath.StorePathSet{}, daemon.UnimplementedOperation(daemon.OpQueryReferrers)
}

func (FailingStore) QueryValidPaths(daemon.LogSink, storepath.StorePathSet, bool) (storepath.StorePathSet, error) {
	return storepath.StorePathSet{}, daemon.UnimplementedOperation(daemon.OpQueryValidPaths)
}

func (FailingStore) QueryPathInfo(daemon.LogSink, storepath.StorePath) (*daemon.UnkeyedValidPathInfo, error) {
	return nil, daemon.UnimplementedOperation(daemon.OpQueryPathInfo)
}

func (FailingStore) QueryPathFromHashPart(daemon.LogSink, string) (storepath.StorePath, bool, error) {
	return "", false, daemon.UnimplementedOperation(daemon.OpQueryPathFromHashPart)
}

func (FailingStore) AddTempRoot(daemon.LogSink, storepath.StorePath) error {
	return daemon.UnimplementedOperation(daemon.OpAddTempRoot)
}

func (FailingStore) AddIndirectRoot(daemon.LogSink, string) error {
	return daemon.UnimplementedOperation(daemon.OpAddIndirectRoot)
}

func (FailingStore) AddToStore(daemon.LogSink, storepath.Name, storepath.ContentAddressMethodAlgorithm, storepath.StorePathSet, bool, io.Reader) (*daemon.ValidPathInfo, error) {
	return nil, daemon.UnimplementedOperation(daemon.OpAddToStore)
}

func (FailingStore) NarFromPath(daemon.LogSink, storepath.StorePath, io.Writer) error {
	return daemon.UnimplementedOperation(daemon.OpNarFromPath)
}

func (FailingStore) AddSignatures(daemon.LogSink, storepath.StorePath, []string) error {
	return daemon.UnimplementedOperation(daemon.OpAddSignatures)
}

func (FailingStore) BuildPaths(daemon.LogSink, []daemon.DerivedPath, daemon.BuildMode) error {
	return daemon.UnimplementedOperation(daemon.OpBuildPaths)
}

func (FailingStore) BuildDerivation(daemon.LogSink, storepath.StorePath, daemon.BasicDerivation, daemon.BuildMode) (daemon.BuildResult, error) {
	return daemon.BuildResult{}, daemon.UnimplementedOperation(daemon.OpBuildDerivation)
}

func (FailingStore) BuildPathsWithResults(daemon.LogSink, []daemon.DerivedPath, daemon.BuildMode) ([]daemon.KeyedBuildResult, error) {
	return nil, daemon.UnimplementedOperation(daemon.OpBuildPathsWithResults)
}

func (FailingStore) QueryMissing(daemon.LogSink, []daemon.DerivedPath) (daemon.QueryMissingResult, error) {
	return daemon.QueryMissingResult{}, daemon.UnimplementedOperation(daemon.OpQueryMissing)
}

func (FailingStore) AddMultipleToStore(daemon.LogSink, bool, bool, []daemon.UnkeyedValidPathInfoWithPath, []io.Reader) error {
	return daemon.UnimplementedOperation(daemon.OpAddMultipleToStore)
}

var _ daemon.Store = FailingStore{}
var _ daemon.Store = (*MockStore)(nil)
