// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package serve

import (
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/daemon"
	"go.nixrs.dev/nixrs/storepath"
	"go.nixrs.dev/nixrs/wire"
)

// Client is a connected serve-protocol client: one connection after a
// successful handshake.
type Client struct {
	rw      io.ReadWriter
	version ProtocolVersion
}

// NewClient performs the client handshake over rw.
func NewClient(rw io.ReadWriter) (*Client, error) {
	hs, err := ClientHandshake(rw)
	if err != nil {
		return nil, err
	}
	return &Client{rw: rw, version: hs.Version}, nil
}

// Version returns the connection's negotiated protocol version.
func (c *Client) Version() ProtocolVersion { return c.version }

// QueryValidPaths issues a QueryValidPaths request.
func (c *Client) QueryValidPaths(paths storepath.StorePathSet, lock, substitute bool) (storepath.StorePathSet, error) {
	if err := wire.WriteNumber(c.rw, uint64(CmdQueryValidPaths)); err != nil {
		return storepath.StorePathSet{}, err
	}
	if err := writeStorePathSet(c.rw, paths); err != nil {
		return storepath.StorePathSet{}, err
	}
	if err := wire.WriteBool(c.rw, lock); err != nil {
		return storepath.StorePathSet{}, err
	}
	if err := wire.WriteBool(c.rw, substitute); err != nil {
		return storepath.StorePathSet{}, err
	}
	return readStorePathSet(c.rw)
}

// DumpPath issues a DumpPath request, copying the raw NAR reply bytes
// into dst.
func (c *Client) DumpPath(path storepath.StorePath, dst io.Writer) error {
	if err := wire.WriteNumber(c.rw, uint64(CmdDumpPath)); err != nil {
		return err
	}
	if err := wire.WriteString(c.rw, string(path)); err != nil {
		return err
	}
	_, err := io.Copy(dst, c.rw)
	return err
}

// ImportPaths issues an ImportPaths request, streaming src (NAR bytes
// plus trailer metadata, in the [legacyexport] wire shape) to the
// server.
func (c *Client) ImportPaths(src io.Reader) error {
	if err := wire.WriteNumber(c.rw, uint64(CmdImportPaths)); err != nil {
		return err
	}
	_, err := io.Copy(c.rw, src)
	return err
}

// QueryPathInfos issues a QueryPathInfos request.
func (c *Client) QueryPathInfos(paths storepath.StorePathSet) ([]daemon.UnkeyedValidPathInfoWithPath, error) {
	if err := wire.WriteNumber(c.rw, uint64(CmdQueryPathInfos)); err != nil {
		return nil, err
	}
	if err := writeStorePathSet(c.rw, paths); err != nil {
		return nil, err
	}
	var infos []daemon.UnkeyedValidPathInfoWithPath
	for {
		pathStr, err := wire.ReadString(c.rw, maxStringLen)
		if err != nil {
			return nil, err
		}
		if pathStr == "" {
			return infos, nil
		}
		path, err := storepath.Parse(pathStr)
		if err != nil {
			return nil, fmt.Errorf("serve: QueryPathInfos: %w", err)
		}
		deriver, err := wire.ReadString(c.rw, maxStringLen)
		if err != nil {
			return nil, err
		}
		refs, err := readStorePathSet(c.rw)
		if err != nil {
			return nil, err
		}
		narSize, err := wire.ReadNumber(c.rw)
		if err != nil {
			return nil, err
		}
		info := daemon.UnkeyedValidPathInfo{References: refs, NarSize: int64(narSize)}
		if deriver != "" {
			info.Deriver, err = storepath.Parse(deriver)
			if err != nil {
				return nil, err
			}
		}
		if c.version.AtLeast(2, 4) {
			sigs, err := wire.ReadStringSlice(c.rw, maxStringLen)
			if err != nil {
				return nil, err
			}
			info.Sigs.Add(sigs...)
			caStr, err := wire.ReadString(c.rw, maxStringLen)
			if err != nil {
				return nil, err
			}
			if caStr != "" {
				ca, err := storepath.ParseContentAddress(caStr)
				if err != nil {
					return nil, err
				}
				info.CA = ca
			}
		}
		infos = append(infos, daemon.UnkeyedValidPathInfoWithPath{Path: path, Info: info})
	}
}
