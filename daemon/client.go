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

// Client is a connected worker-protocol client: one connection after a
// successful handshake, issuing operations one at a time (the protocol
// does not pipeline).
type Client struct {
	rw       io.ReadWriter
	version  ProtocolVersion
	storeDir storepath.StoreDir
}

// NewClient performs the client handshake over rw and returns a
// [Client] ready to issue operations.
func NewClient(rw io.ReadWriter, storeDir storepath.StoreDir) (*Client, ClientHandshake, error) {
	hs, err := DoClientHandshake(rw, false)
	if err != nil {
		return nil, ClientHandshake{}, err
	}
	return &Client{rw: rw, version: hs.Version, storeDir: storeDir}, hs, nil
}

// Version returns the connection's negotiated protocol version.
func (c *Client) Version() ProtocolVersion { return c.version }

// drainLog reads frames from the logger channel until STDERR_LAST or
// STDERR_ERROR, invoking sink for every message seen. It returns the
// server's [LogError] if the channel terminated with STDERR_ERROR.
func drainLog(nr *NixReader, sink LogSink) (*LogError, error) {
	for {
		tag, err := nr.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("daemon client: read log tag: %w", err)
		}
		switch tag {
		case StderrLast:
			return nil, nil
		case StderrError:
			le, err := ReadLogError(nr)
			if err != nil {
				return nil, err
			}
			return le, nil
		case StderrNext:
			text, err := nr.ReadString()
			if err != nil {
				return nil, fmt.Errorf("daemon client: read log text: %w", err)
			}
			if sink != nil {
				sink.Log(LogMessage{Kind: LogMessageText, Text: text})
			}
		case StderrRead:
			return nil, fmt.Errorf("daemon client: unexpected STDERR_READ outside a source-pull operation")
		case StderrStartActivity:
			a, err := readActivity(nr)
			if err != nil {
				return nil, err
			}
			if sink != nil {
				sink.Log(LogMessage{Kind: LogMessageStartActivity, StartActivity: a})
			}
		case StderrStopActivity:
			id, err := nr.ReadUint64()
			if err != nil {
				return nil, fmt.Errorf("daemon client: read stop activity id: %w", err)
			}
			if sink != nil {
				sink.Log(LogMessage{Kind: LogMessageStopActivity, StopActivityID: id})
			}
		case StderrResult:
			r, err := readActivityResult(nr)
			if err != nil {
				return nil, err
			}
			if sink != nil {
				sink.Log(LogMessage{Kind: LogMessageResult, Result: r})
			}
		default:
			return nil, fmt.Errorf("daemon client: unknown stderr tag %#x", tag)
		}
	}
}

func readActivity(nr *NixReader) (Activity, error) {
	var a Activity
	var err error
	if a.ID, err = nr.ReadUint64(); err != nil {
		return Activity{}, err
	}
	level, err := nr.ReadUint64()
	if err != nil {
		return Activity{}, err
	}
	a.Level = Verbosity(level)
	typ, err := nr.ReadUint64()
	if err != nil {
		return Activity{}, err
	}
	a.Type = ActivityType(typ)
	if a.Fields, err = readFields(nr); err != nil {
		return Activity{}, err
	}
	if a.Text, err = nr.ReadString(); err != nil {
		return Activity{}, err
	}
	return a, nil
}

func readActivityResult(nr *NixReader) (ActivityResult, error) {
	var r ActivityResult
	var err error
	if r.ID, err = nr.ReadUint64(); err != nil {
		return ActivityResult{}, err
	}
	typ, err := nr.ReadUint64()
	if err != nil {
		return ActivityResult{}, err
	}
	r.Type = ResultType(typ)
	if r.Fields, err = readFields(nr); err != nil {
		return ActivityResult{}, err
	}
	return r, nil
}

func readFields(nr *NixReader) ([]Field, error) {
	n, err := nr.ReadUint64()
	if err != nil {
		return nil, err
	}
	fields := make([]Field, n)
	for i := range fields {
		kind, err := nr.ReadUint64()
		if err != nil {
			return nil, err
		}
		if kind == 1 {
			s, err := nr.ReadString()
			if err != nil {
				return nil, err
			}
			fields[i] = Field{IsString: true, String: s}
		} else {
			v, err := nr.ReadInt64()
			if err != nil {
				return nil, err
			}
			fields[i] = Field{Int: v}
		}
	}
	return fields, nil
}

// call writes the operation code, runs writeReq to encode the request,
// then drains the logger channel into sink and returns the server's
// reported error (if any).
func (c *Client) call(op Operation, sink LogSink, writeReq func(*NixWriter) error) (*NixReader, error) {
	nw := NewNixWriter(c.rw, c.version, c.storeDir)
	if err := nw.WriteUint64(uint64(op)); err != nil {
		return nil, err
	}
	if writeReq != nil {
		if err := writeReq(nw); err != nil {
			return nil, err
		}
	}
	nr := NewNixReader(c.rw, c.version, c.storeDir)
	le, err := drainLog(nr, sink)
	if err != nil {
		return nil, err
	}
	if le != nil {
		return nil, le
	}
	return nr, nil
}

// IsValidPath issues the IsValidPath operation.
func (c *Client) IsValidPath(sink LogSink, path storepath.StorePath) (bool, error) {
	nr, err := c.call(OpIsValidPath, sink, func(nw *NixWriter) error {
		return nw.WriteStorePath(path)
	})
	if err != nil {
		return false, err
	}
	return nr.ReadBool()
}

// QueryReferrers issues the QueryReferrers operation.
func (c *Client) QueryReferrers(sink LogSink, path storepath.StorePath) (storepath.StorePathSet, error) {
	nr, err := c.call(OpQueryReferrers, sink, func(nw *NixWriter) error {
		return nw.WriteStorePath(path)
	})
	if err != nil {
		return storepath.StorePathSet{}, err
	}
	return nr.ReadStorePathSet()
}

// QueryValidPaths issues the QueryValidPaths operation.
func (c *Client) QueryValidPaths(sink LogSink, paths storepath.StorePathSet, substitute bool) (storepath.StorePathSet, error) {
	nr, err := c.call(OpQueryValidPaths, sink, func(nw *NixWriter) error {
		if err := nw.WriteStorePathSet(paths); err != nil {
			return err
		}
		if nw.Version().AtLeast(1, 27) {
			return nw.WriteBool(substitute)
		}
		return nil
	})
	if err != nil {
		return storepath.StorePathSet{}, err
	}
	return nr.ReadStorePathSet()
}

// QueryPathInfo issues the QueryPathInfo operation. A nil result with a
// nil error means the path is not known to the store.
func (c *Client) QueryPathInfo(sink LogSink, path storepath.StorePath) (*UnkeyedValidPathInfo, error) {
	nr, err := c.call(OpQueryPathInfo, sink, func(nw *NixWriter) error {
		return nw.WriteStorePath(path)
	})
	if err != nil {
		return nil, err
	}
	ok, err := nr.ReadBool()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	info, err := nr.ReadUnkeyedValidPathInfo()
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// QueryPathFromHashPart issues the QueryPathFromHashPart operation.
func (c *Client) QueryPathFromHashPart(sink LogSink, hashPart string) (storepath.StorePath, bool, error) {
	nr, err := c.call(OpQueryPathFromHashPart, sink, func(nw *NixWriter) error {
		return nw.WriteString(hashPart)
	})
	if err != nil {
		return "", false, err
	}
	s, err := nr.ReadString()
	if err != nil {
		return "", false, err
	}
	if s == "" {
		return "", false, nil
	}
	p, err := storepath.Parse(s)
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

// AddTempRoot issues the AddTempRoot operation.
func (c *Client) AddTempRoot(sink LogSink, path storepath.StorePath) error {
	nr, err := c.call(OpAddTempRoot, sink, func(nw *NixWriter) error {
		return nw.WriteStorePath(path)
	})
	if err != nil {
		return err
	}
	_, err = nr.ReadUint64()
	return err
}

// AddIndirectRoot issues the AddIndirectRoot operation.
func (c *Client) AddIndirectRoot(sink LogSink, path string) error {
	nr, err := c.call(OpAddIndirectRoot, sink, func(nw *NixWriter) error {
		return nw.WriteString(path)
	})
	if err != nil {
		return err
	}
	_, err = nr.ReadUint64()
	return err
}

// SetOptions issues the SetOptions operation.
func (c *Client) SetOptions(sink LogSink, opts ClientOptions) error {
	_, err := c.call(OpSetOptions, sink, func(nw *NixWriter) error {
		return nw.WriteClientOptions(opts)
	})
	return err
}

// AddSignatures issues the AddSignatures operation.
func (c *Client) AddSignatures(sink LogSink, path storepath.StorePath, sigs []string) error {
	nr, err := c.call(OpAddSignatures, sink, func(nw *NixWriter) error {
		if err := nw.WriteStorePath(path); err != nil {
			return err
		}
		return nw.WriteStringSlice(sigs)
	})
	if err != nil {
		return err
	}
	_, err = nr.ReadUint64()
	return err
}

// NarFromPath issues the NarFromPath operation, copying the reply's NAR
// bytes into dst.
func (c *Client) NarFromPath(sink LogSink, path storepath.StorePath, dst io.Writer) error {
	nr, err := c.call(OpNarFromPath, sink, func(nw *NixWriter) error {
		return nw.WriteStorePath(path)
	})
	if err != nil {
		return err
	}
	if c.version.AtLeast(1, 21) {
		fr := wire.NewFramedReader(nr.Reader())
		_, err := io.Copy(dst, fr)
		return err
	}
	_, err = io.Copy(dst, nr.Reader())
	return err
}

// BuildPaths issues the BuildPaths operation.
func (c *Client) BuildPaths(sink LogSink, paths []DerivedPath, mode BuildMode) error {
	nr, err := c.call(OpBuildPaths, sink, func(nw *NixWriter) error {
		if err := nw.WriteDerivedPathSlice(paths); err != nil {
			return err
		}
		return nw.WriteUint64(uint64(mode))
	})
	if err != nil {
		return err
	}
	_, err = nr.ReadUint64()
	return err
}

// BuildDerivation issues the BuildDerivation operation.
func (c *Client) BuildDerivation(sink LogSink, drvPath storepath.StorePath, drv BasicDerivation, mode BuildMode) (BuildResult, error) {
	nr, err := c.call(OpBuildDerivation, sink, func(nw *NixWriter) error {
		if err := nw.WriteStorePath(drvPath); err != nil {
			return err
		}
		if err := nw.WriteBasicDerivation(drv); err != nil {
			return err
		}
		return nw.WriteUint64(uint64(mode))
	})
	if err != nil {
		return BuildResult{}, err
	}
	return nr.ReadBuildResult()
}

// BuildPathsWithResults issues the BuildPathsWithResults operation.
func (c *Client) BuildPathsWithResults(sink LogSink, paths []DerivedPath, mode BuildMode) ([]KeyedBuildResult, error) {
	nr, err := c.call(OpBuildPathsWithResults, sink, func(nw *NixWriter) error {
		if err := nw.WriteDerivedPathSlice(paths); err != nil {
			return err
		}
		return nw.WriteUint64(uint64(mode))
	})
	if err != nil {
		return nil, err
	}
	n, err := nr.ReadUint64()
	if err != nil {
		return nil, err
	}
	results := make([]KeyedBuildResult, n)
	for i := range results {
		if results[i].Path, err = nr.ReadDerivedPath(); err != nil {
			return nil, err
		}
		if results[i].Result, err = nr.ReadBuildResult(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// QueryMissing issues the QueryMissing operation.
func (c *Client) QueryMissing(sink LogSink, paths []DerivedPath) (QueryMissingResult, error) {
	nr, err := c.call(OpQueryMissing, sink, func(nw *NixWriter) error {
		return nw.WriteDerivedPathSlice(paths)
	})
	if err != nil {
		return QueryMissingResult{}, err
	}
	var result QueryMissingResult
	if result.WillBuild, err = nr.ReadStorePathSet(); err != nil {
		return QueryMissingResult{}, err
	}
	if result.WillSubstitute, err = nr.ReadStorePathSet(); err != nil {
		return QueryMissingResult{}, err
	}
	if result.Unknown, err = nr.ReadStorePathSet(); err != nil {
		return QueryMissingResult{}, err
	}
	if result.DownloadSize, err = nr.ReadUint64(); err != nil {
		return QueryMissingResult{}, err
	}
	if result.NarSize, err = nr.ReadUint64(); err != nil {
		return QueryMissingResult{}, err
	}
	return result, nil
}

// AddMultipleToStore issues the AddMultipleToStore operation, sending
// each path's info followed by its NAR bytes over a nested framed
// sub-stream.
func (c *Client) AddMultipleToStore(sink LogSink, repair, dontCheckSigs bool, infos []UnkeyedValidPathInfoWithPath, nars []io.Reader) error {
	_, err := c.call(OpAddMultipleToStore, sink, func(nw *NixWriter) error {
		if err := nw.WriteBool(repair); err != nil {
			return err
		}
		if err := nw.WriteBool(dontCheckSigs); err != nil {
			return err
		}
		fw := wire.NewFramedWriter(nw.Writer())
		fnw := NewNixWriter(fw, nw.Version(), nw.StoreDir())
		if err := fnw.WriteUint64(uint64(len(infos))); err != nil {
			return err
		}
		for i, info := range infos {
			if err := fnw.WriteStorePath(info.Path); err != nil {
				return err
			}
			if err := fnw.WriteUnkeyedValidPathInfo(info.Info); err != nil {
				return err
			}
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, nars[i]); err != nil {
				return err
			}
			if _, err := fw.Write(buf.Bytes()); err != nil {
				return err
			}
		}
		return fw.Close()
	})
	return err
}
