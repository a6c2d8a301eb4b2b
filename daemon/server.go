// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"bytes"
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/storepath"
	"go.nixrs.dev/nixrs/wire"
)

// ServeConn runs the server side of one worker-protocol connection:
// handshake, then a loop dispatching operations to store until the
// connection is closed or a protocol error poisons the stream.
//
// ServeConn returns nil when the client closes the connection cleanly
// (io.EOF reading the next operation code) and a non-nil error for any
// other I/O or protocol-framing failure.
func ServeConn(rw io.ReadWriter, store Store) error {
	hs, err := DoServerHandshake(rw, store.TrustLevel())
	if err != nil {
		return err
	}
	storeDir := storepath.DefaultStoreDir
	for {
		op, err := wire.ReadNumber(rw)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("daemon: read operation: %w", err)
		}
		if err := dispatchOperation(rw, hs.Version, storeDir, Operation(op), store); err != nil {
			return err
		}
	}
}

// logWriter adapts the connection's logger channel to [LogSink],
// writing each message as a tagged STDERR_NEXT/STDERR_START_ACTIVITY/
// STDERR_STOP_ACTIVITY/STDERR_RESULT frame as it is produced.
type logWriter struct {
	nw      *NixWriter
	version ProtocolVersion
	err     error
}

func (lw *logWriter) Log(msg LogMessage) {
	if lw.err != nil {
		return
	}
	lw.err = writeLogMessage(lw.nw, lw.version, msg)
}

func writeLogMessage(nw *NixWriter, version ProtocolVersion, msg LogMessage) error {
	switch msg.Kind {
	case LogMessageText:
		if err := nw.WriteUint64(StderrNext); err != nil {
			return err
		}
		return nw.WriteString(msg.Text)
	case LogMessageStartActivity:
		if !version.AtLeast(1, 20) {
			if err := nw.WriteUint64(StderrNext); err != nil {
				return err
			}
			return nw.WriteString(msg.StartActivity.Text)
		}
		if err := nw.WriteUint64(StderrStartActivity); err != nil {
			return err
		}
		return writeActivity(nw, msg.StartActivity)
	case LogMessageStopActivity:
		if !version.AtLeast(1, 20) {
			return nil
		}
		if err := nw.WriteUint64(StderrStopActivity); err != nil {
			return err
		}
		return nw.WriteUint64(msg.StopActivityID)
	case LogMessageResult:
		if !version.AtLeast(1, 20) {
			return nil
		}
		if err := nw.WriteUint64(StderrResult); err != nil {
			return err
		}
		return writeActivityResult(nw, msg.Result)
	default:
		return fmt.Errorf("write log message: unknown kind %d", msg.Kind)
	}
}

func writeActivity(nw *NixWriter, a Activity) error {
	if err := nw.WriteUint64(a.ID); err != nil {
		return err
	}
	if err := nw.WriteUint64(uint64(a.Level)); err != nil {
		return err
	}
	if err := nw.WriteUint64(uint64(a.Type)); err != nil {
		return err
	}
	if err := writeFields(nw, a.Fields); err != nil {
		return err
	}
	return nw.WriteString(a.Text)
}

func writeActivityResult(nw *NixWriter, r ActivityResult) error {
	if err := nw.WriteUint64(r.ID); err != nil {
		return err
	}
	if err := nw.WriteUint64(uint64(r.Type)); err != nil {
		return err
	}
	return writeFields(nw, r.Fields)
}

func writeFields(nw *NixWriter, fields []Field) error {
	if err := nw.WriteUint64(uint64(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if f.IsString {
			if err := nw.WriteUint64(1); err != nil {
				return err
			}
			if err := nw.WriteString(f.String); err != nil {
				return err
			}
		} else {
			if err := nw.WriteUint64(0); err != nil {
				return err
			}
			if err := nw.WriteInt64(f.Int); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatchOperation decodes one operation's request, invokes the
// matching store method, and writes STDERR_LAST followed by the reply
// (or STDERR_ERROR followed by nothing, on failure).
func dispatchOperation(rw io.ReadWriter, version ProtocolVersion, storeDir storepath.StoreDir, op Operation, store Store) error {
	nr := NewNixReader(rw, version, storeDir)
	nw := NewNixWriter(rw, version, storeDir)
	sink := &logWriter{nw: nw, version: version}

	if minVer, known := op.MinVersion(); !known || version.Less(minVer) {
		return finishWithError(nw, UnimplementedOperation(op))
	}

	switch op {
	case OpIsValidPath:
		path, err := nr.ReadStorePath()
		if err != nil {
			return err
		}
		valid, err := store.IsValidPath(sink, path)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		return nw.WriteBool(valid)

	case OpQueryReferrers:
		path, err := nr.ReadStorePath()
		if err != nil {
			return err
		}
		refs, err := store.QueryReferrers(sink, path)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		return nw.WriteStorePathSet(refs)

	case OpQueryValidPaths:
		paths, err := nr.ReadStorePathSet()
		if err != nil {
			return err
		}
		substitute := false
		if version.AtLeast(1, 27) {
			if substitute, err = nr.ReadBool(); err != nil {
				return err
			}
		}
		valid, err := store.QueryValidPaths(sink, paths, substitute)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		return nw.WriteStorePathSet(valid)

	case OpQueryPathInfo:
		path, err := nr.ReadStorePath()
		if err != nil {
			return err
		}
		info, err := store.QueryPathInfo(sink, path)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		if info == nil {
			return nw.WriteBool(false)
		}
		if err := nw.WriteBool(true); err != nil {
			return err
		}
		return nw.WriteUnkeyedValidPathInfo(*info)

	case OpQueryPathFromHashPart:
		hashPart, err := nr.ReadString()
		if err != nil {
			return err
		}
		path, ok, err := store.QueryPathFromHashPart(sink, hashPart)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		if !ok {
			return nw.WriteString("")
		}
		return nw.WriteStorePath(path)

	case OpAddTempRoot:
		path, err := nr.ReadStorePath()
		if err != nil {
			return err
		}
		err = store.AddTempRoot(sink, path)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		return nw.WriteUint64(1)

	case OpAddIndirectRoot:
		path, err := nr.ReadString()
		if err != nil {
			return err
		}
		err = store.AddIndirectRoot(sink, path)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		return nw.WriteUint64(1)

	case OpSetOptions:
		opts, err := nr.ReadClientOptions()
		if err != nil {
			return err
		}
		err = store.SetOptions(sink, opts)
		return finish(nw, sink, err)

	case OpAddSignatures:
		path, err := nr.ReadStorePath()
		if err != nil {
			return err
		}
		sigs, err := nr.ReadStringSlice()
		if err != nil {
			return err
		}
		err = store.AddSignatures(sink, path, sigs)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		return nw.WriteUint64(1)

	case OpNarFromPath:
		path, err := nr.ReadStorePath()
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		err = store.NarFromPath(sink, path, &buf)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		if version.AtLeast(1, 21) {
			fw := wire.NewFramedWriter(nw.Writer())
			if _, err := fw.Write(buf.Bytes()); err != nil {
				return err
			}
			return fw.Close()
		}
		_, err = nw.Writer().Write(buf.Bytes())
		return err

	case OpBuildPaths:
		paths, err := nr.ReadDerivedPathSlice()
		if err != nil {
			return err
		}
		mode, err := nr.ReadUint64()
		if err != nil {
			return err
		}
		err = store.BuildPaths(sink, paths, BuildMode(mode))
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		return nw.WriteUint64(1)

	case OpBuildDerivation:
		drvPath, err := nr.ReadStorePath()
		if err != nil {
			return err
		}
		drv, err := nr.ReadBasicDerivation(drvPath)
		if err != nil {
			return err
		}
		mode, err := nr.ReadUint64()
		if err != nil {
			return err
		}
		result, err := store.BuildDerivation(sink, drvPath, drv, BuildMode(mode))
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		return nw.WriteBuildResult(result)

	case OpBuildPathsWithResults:
		paths, err := nr.ReadDerivedPathSlice()
		if err != nil {
			return err
		}
		mode, err := nr.ReadUint64()
		if err != nil {
			return err
		}
		results, err := store.BuildPathsWithResults(sink, paths, BuildMode(mode))
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		if err := nw.WriteUint64(uint64(len(results))); err != nil {
			return err
		}
		for _, r := range results {
			if err := nw.WriteDerivedPath(r.Path); err != nil {
				return err
			}
			if err := nw.WriteBuildResult(r.Result); err != nil {
				return err
			}
		}
		return nil

	case OpQueryMissing:
		paths, err := nr.ReadDerivedPathSlice()
		if err != nil {
			return err
		}
		result, err := store.QueryMissing(sink, paths)
		if err := finish(nw, sink, err); err != nil {
			return err
		}
		if err != nil {
			return nil
		}
		if err := nw.WriteStorePathSet(result.WillBuild); err != nil {
			return err
		}
		if err := nw.WriteStorePathSet(result.WillSubstitute); err != nil {
			return err
		}
		if err := nw.WriteStorePathSet(result.Unknown); err != nil {
			return err
		}
		if err := nw.WriteUint64(result.DownloadSize); err != nil {
			return err
		}
		return nw.WriteUint64(result.NarSize)

	case OpAddMultipleToStore:
		repair, err := nr.ReadBool()
		if err != nil {
			return err
		}
		dontCheckSigs, err := nr.ReadBool()
		if err != nil {
			return err
		}
		fr := wire.NewFramedReader(nr.Reader())
		fnr := NewNixReader(fr, version, storeDir)
		n, err := fnr.ReadUint64()
		if err != nil {
			return err
		}
		infos := make([]UnkeyedValidPathInfoWithPath, n)
		nars := make([]io.Reader, n)
		for i := range infos {
			path, err := fnr.ReadStorePath()
			if err != nil {
				return err
			}
			info, err := fnr.ReadUnkeyedValidPathInfo()
			if err != nil {
				return err
			}
			infos[i] = UnkeyedValidPathInfoWithPath{Path: path, Info: info}
			var buf bytes.Buffer
			if _, err := io.CopyN(&buf, fr, info.NarSize); err != nil {
				return fmt.Errorf("daemon: read AddMultipleToStore nar %d: %w", i, err)
			}
			nars[i] = &buf
		}
		err = store.AddMultipleToStore(sink, repair, dontCheckSigs, infos, nars)
		return finish(nw, sink, err)

	default:
		return finishWithError(nw, UnimplementedOperation(op))
	}
}

// finish terminates the logger channel after a store method returns,
// writing STDERR_LAST on success or STDERR_ERROR on failure. The
// returned error is non-nil for an I/O failure while writing the
// terminator, or when an earlier log message failed to write (then no
// terminator is written); it is never opErr.
func finish(nw *NixWriter, sink *logWriter, opErr error) error {
	if sink.err != nil {
		return sink.err
	}
	if opErr != nil {
		le, ok := opErr.(*LogError)
		if !ok {
			le = &LogError{Level: Error, Name: "Error", Msg: opErr.Error(), ExitStatus: -1}
		}
		return finishWithError(nw, le)
	}
	return nw.WriteUint64(StderrLast)
}

func finishWithError(nw *NixWriter, le *LogError) error {
	if err := nw.WriteUint64(StderrError); err != nil {
		return err
	}
	return WriteLogError(nw, le)
}
