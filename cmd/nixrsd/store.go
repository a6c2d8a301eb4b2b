// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"io"
	"os"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/nar"
	"go.nixrs.dev/nixrs/storepath"
)

// notImplementedStore answers validity and NAR-dump queries directly
// from the filesystem under a store directory, and reports every
// build-related operation as unimplemented. It exists so that
// "nixrsd serve" has something to dispatch to in the absence of a
// collaborator-supplied build backend (evaluating or building
// derivations is out of scope for this module).
type notImplementedStore struct {
	dir storepath.StoreDir
}

func newNotImplementedStore(dir storepath.StoreDir) daemon.Store {
	return &notImplementedStore{dir: dir}
}

func (s *notImplementedStore) TrustLevel() daemon.TrustLevel {
	return daemon.UnknownTrust
}

func (s *notImplementedStore) IsValidPath(sink daemon.LogSink, path storepath.StorePath) (bool, error) {
	_, err := os.Lstat(s.dir.Join(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *notImplementedStore) QueryPathInfo(sink daemon.LogSink, path storepath.StorePath) (*daemon.UnkeyedValidPathInfo, error) {
	valid, err := s.IsValidPath(sink, path)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, nil
	}
	size, err := nar.DirSize(s.dir.Join(path))
	if err != nil {
		return nil, err
	}
	return &daemon.UnkeyedValidPathInfo{NarSize: size}, nil
}

func (s *notImplementedStore) NarFromPath(sink daemon.LogSink, path storepath.StorePath, w io.Writer) error {
	valid, err := s.IsValidPath(sink, path)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("nixrsd: %s is not a valid path", path)
	}
	return nar.DumpPath(w, s.dir.Join(path))
}

func (s *notImplementedStore) QueryReferrers(sink daemon.LogSink, path storepath.StorePath) (storepath.StorePathSet, error) {
	return storepath.StorePathSet{}, daemon.UnimplementedOperation(daemon.OpQueryReferrers)
}

func (s *notImplementedStore) QueryValidPaths(sink daemon.LogSink, paths storepath.StorePathSet, substitute bool) (storepath.StorePathSet, error) {
	var out storepath.StorePathSet
	for i := 0; i < paths.Len(); i++ {
		valid, err := s.IsValidPath(sink, paths.At(i))
		if err != nil {
			return storepath.StorePathSet{}, err
		}
		if valid {
			out.Add(paths.At(i))
		}
	}
	return out, nil
}

func (s *notImplementedStore) QueryPathFromHashPart(sink daemon.LogSink, hashPart string) (storepath.StorePath, bool, error) {
	return "", false, daemon.UnimplementedOperation(daemon.OpQueryPathFromHashPart)
}

func (s *notImplementedStore) AddTempRoot(sink daemon.LogSink, path storepath.StorePath) error {
	return daemon.UnimplementedOperation(daemon.OpAddTempRoot)
}

func (s *notImplementedStore) AddIndirectRoot(sink daemon.LogSink, path string) error {
	return daemon.UnimplementedOperation(daemon.OpAddIndirectRoot)
}

func (s *notImplementedStore) SetOptions(sink daemon.LogSink, options daemon.ClientOptions) error {
	return nil
}

func (s *notImplementedStore) AddToStore(sink daemon.LogSink, name storepath.Name, ma storepath.ContentAddressMethodAlgorithm, refs storepath.StorePathSet, repair bool, narReader io.Reader) (*daemon.ValidPathInfo, error) {
	return nil, daemon.UnimplementedOperation(daemon.OpAddToStore)
}

func (s *notImplementedStore) AddSignatures(sink daemon.LogSink, path storepath.StorePath, sigs []string) error {
	return daemon.UnimplementedOperation(daemon.OpAddSignatures)
}

func (s *notImplementedStore) BuildPaths(sink daemon.LogSink, paths []daemon.DerivedPath, mode daemon.BuildMode) error {
	return daemon.UnimplementedOperation(daemon.OpBuildPaths)
}

func (s *notImplementedStore) BuildDerivation(sink daemon.LogSink, drvPath storepath.StorePath, drv daemon.BasicDerivation, mode daemon.BuildMode) (daemon.BuildResult, error) {
	return daemon.BuildResult{}, daemon.UnimplementedOperation(daemon.OpBuildDerivation)
}

func (s *notImplementedStore) BuildPathsWithResults(sink daemon.LogSink, paths []daemon.DerivedPath, mode daemon.BuildMode) ([]daemon.KeyedBuildResult, error) {
	return nil, daemon.UnimplementedOperation(daemon.OpBuildPathsWithResults)
}

func (s *notImplementedStore) QueryMissing(sink daemon.LogSink, paths []daemon.DerivedPath) (daemon.QueryMissingResult, error) {
	return daemon.QueryMissingResult{}, daemon.UnimplementedOperation(daemon.OpQueryMissing)
}

func (s *notImplementedStore) AddMultipleToStore(sink daemon.LogSink, repair, dontCheckSigs bool, infos []daemon.UnkeyedValidPathInfoWithPath, nars []io.Reader) error {
	return daemon.UnimplementedOperation(daemon.OpAddMultipleToStore)
}
