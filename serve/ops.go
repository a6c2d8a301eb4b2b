// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package serve

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/legacyexport"
	"go.nixrs.dev/nixrs/storepath"
	"go.nixrs.dev/nixrs/wire"
)

// Store is the backend a serve-protocol server dispatches operations
// to. It is deliberately narrower than [daemon.Store]: the legacy
// protocol never grew build support.
type Store interface {
	QueryValidPaths(paths storepath.StorePathSet, lock, substitute bool) (storepath.StorePathSet, error)
	QueryPathInfos(paths storepath.StorePathSet) ([]daemon.UnkeyedValidPathInfoWithPath, error)
	DumpPath(path storepath.StorePath, w io.Writer) error
	ImportPaths(r io.Reader) error
}

// maxStringLen bounds any single string read from a serve connection.
const maxStringLen = 16 << 20

// ServeConn runs the server side of one serve-protocol connection:
// handshake, then a loop dispatching closed-enum operations to store.
func ServeConn(rw io.ReadWriter, store Store) error {
	hs, err := ServerHandshake(rw)
	if err != nil {
		return err
	}
	for {
		opCode, err := wire.ReadNumber(rw)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("serve: read operation: %w", err)
		}
		if err := dispatch(rw, hs.Version, Operation(opCode), store); err != nil {
			return err
		}
	}
}

func dispatch(rw io.ReadWriter, version ProtocolVersion, op Operation, store Store) error {
	switch op {
	case CmdQueryValidPaths:
		paths, err := readStorePathSet(rw)
		if err != nil {
			return err
		}
		lock, err := wire.ReadBool(rw)
		if err != nil {
			return err
		}
		substitute, err := wire.ReadBool(rw)
		if err != nil {
			return err
		}
		valid, err := store.QueryValidPaths(paths, lock, substitute)
		if err != nil {
			return fmt.Errorf("serve: QueryValidPaths: %w", err)
		}
		return writeStorePathSet(rw, valid)

	case CmdQueryPathInfos:
		paths, err := readStorePathSet(rw)
		if err != nil {
			return err
		}
		infos, err := store.QueryPathInfos(paths)
		if err != nil {
			return fmt.Errorf("serve: QueryPathInfos: %w", err)
		}
		for _, info := range infos {
			if err := wire.WriteString(rw, string(info.Path)); err != nil {
				return err
			}
			if err := wire.WriteString(rw, string(info.Info.Deriver)); err != nil {
				return err
			}
			if err := writeStorePathSet(rw, info.Info.References); err != nil {
				return err
			}
			if err := wire.WriteNumber(rw, uint64(info.Info.NarSize)); err != nil {
				return err
			}
			if version.AtLeast(2, 4) {
				sigs := make([]string, info.Info.Sigs.Len())
				for i := range sigs {
					sigs[i] = info.Info.Sigs.At(i)
				}
				if err := wire.WriteStringSlice(rw, sigs); err != nil {
					return err
				}
				if err := wire.WriteString(rw, info.Info.CA.String()); err != nil {
					return err
				}
			}
		}
		return wire.WriteString(rw, "") // terminator: empty path

	case CmdDumpPath:
		path, err := readStorePath(rw)
		if err != nil {
			return err
		}
		return store.DumpPath(path, rw)

	case CmdImportPaths:
		return store.ImportPaths(rw)

	default:
		return fmt.Errorf("serve: %w: code %d", ErrUnknownOperation, uint64(op))
	}
}

func readStorePath(r io.Reader) (storepath.StorePath, error) {
	s, err := wire.ReadString(r, maxStringLen)
	if err != nil {
		return "", err
	}
	return storepath.Parse(s)
}

func readStorePathSet(r io.Reader) (storepath.StorePathSet, error) {
	ss, err := wire.ReadStringSlice(r, maxStringLen)
	if err != nil {
		return storepath.StorePathSet{}, err
	}
	var set storepath.StorePathSet
	for _, s := range ss {
		p, err := storepath.Parse(s)
		if err != nil {
			return storepath.StorePathSet{}, err
		}
		set.Add(p)
	}
	return set, nil
}

func writeStorePathSet(w io.Writer, set storepath.StorePathSet) error {
	ss := make([]string, set.Len())
	for i := range ss {
		ss[i] = string(set.At(i))
	}
	return wire.WriteStringSlice(w, ss)
}

// DumpPathZstd writes path's NAR encoding to w, compressed with zstd,
// for collaborators that advertise zstd support over "--serve"
// (an extension upstream Nix never implements, but distributions such
// as Mic92/nix-serve-ng do).
func DumpPathZstd(w io.Writer, writeNar func(io.Writer) error) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("serve: dump path: create zstd writer: %w", err)
	}
	if err := writeNar(zw); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ImportPathsZstd reads a zstd-compressed NAR stream from r into the
// given [nar.HeaderWriter]-style consumer, mirroring [DumpPathZstd].
func ImportPathsZstd(r io.Reader, readNar func(io.Reader) error) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("serve: import paths: create zstd reader: %w", err)
	}
	defer zr.Close()
	return readNar(zr)
}

// ImportPathsToStore implements [Store.ImportPaths] in terms of a
// [daemon.Store]: it decodes r as a `nix-store --import`-format stream
// (via [legacyexport.Import]) and adds each object it contains.
func ImportPathsToStore(r io.Reader, store daemon.Store, sink daemon.LogSink, repair bool) error {
	recv := &legacyexport.StoreReceiver{Store: store, Sink: sink, Repair: repair}
	if err := legacyexport.Import(recv, r); err != nil {
		return fmt.Errorf("serve: import paths: %w", err)
	}
	return recv.Err()
}
