// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package nar

import (
	"fmt"
	"io"
	"io/fs"
	"path"
)

// Header describes a single node of a NAR file tree in the manner of
// [archive/tar.Header]: a preorder walk of the tree yields one Header
// per node, with Name holding the full slash-separated path from the
// root (empty for the root node itself).
type Header struct {
	// Name is the node's path relative to the archive root ("" for the
	// root node itself, "bin/foo" for a nested file).
	Name string
	// Mode holds fs.ModeDir or fs.ModeSymlink for directories and
	// symlinks; for regular files, the permission bits additionally
	// indicate the executable flag (0o111 set).
	Mode fs.FileMode
	// LinkTarget is the target of a symlink node.
	LinkTarget string
	// Size is the content length of a regular file node.
	Size int64
}

// Reader reads a NAR stream as a preorder sequence of [Header] values,
// in the manner of [archive/tar.Reader]. It is built on top of
// [Parser].
type Reader struct {
	p    *Parser
	dirs []string // stack of open directory full paths
}

// NewReader returns a [Reader] that reads a NAR stream from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{p: NewParser(r)}
}

// Next advances to the next node and returns its header. It returns
// io.EOF when the tree is fully consumed.
func (nr *Reader) Next() (*Header, error) {
	for {
		ev, err := nr.p.Next()
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case EndDirectory:
			if len(nr.dirs) > 0 {
				nr.dirs = nr.dirs[:len(nr.dirs)-1]
			}
			continue
		case StartDirectory:
			name := nr.fullName(ev.Name)
			nr.dirs = append(nr.dirs, name)
			return &Header{Name: name, Mode: fs.ModeDir | 0o555}, nil
		case File:
			mode := fs.FileMode(0o444)
			if ev.Executable {
				mode = 0o555
			}
			return &Header{Name: nr.fullName(ev.Name), Mode: mode, Size: ev.Size}, nil
		case Symlink:
			return &Header{Name: nr.fullName(ev.Name), Mode: fs.ModeSymlink | 0o777, LinkTarget: ev.Target}, nil
		default:
			return nil, fmt.Errorf("nar: reader: unexpected event %v", ev.Kind)
		}
	}
}

func (nr *Reader) fullName(name string) string {
	if len(nr.dirs) == 0 || name == "" {
		return name
	}
	return path.Join(nr.dirs[len(nr.dirs)-1], name)
}

// Read implements [io.Reader], returning the content bytes of the most
// recently returned regular-file header.
func (nr *Reader) Read(p []byte) (int, error) {
	return nr.p.Read(p)
}

// HeaderWriter writes a NAR stream from a preorder sequence of [Header]
// values, in the manner of [archive/tar.Writer]. It is built on top of
// [Writer].
type HeaderWriter struct {
	w    *Writer
	dirs []string // stack of open directory full paths
}

// NewHeaderWriter returns a [HeaderWriter] that writes a NAR stream to w.
func NewHeaderWriter(w io.Writer) *HeaderWriter {
	return &HeaderWriter{w: NewWriter(w)}
}

// WriteHeader writes the header for the next node. The caller must then
// write exactly hdr.Size bytes (for a regular file) before the next
// WriteHeader call. Directory headers must be written in preorder:
// once a later header's parent no longer matches the most recently
// opened directory, that directory (and any of its ancestors no longer
// on the path) is closed automatically.
func (hw *HeaderWriter) WriteHeader(hdr *Header) error {
	name := hdr.Name
	parent := path.Dir(name)
	if parent == "." || name == "" {
		parent = ""
	}
	for len(hw.dirs) > 0 && hw.dirs[len(hw.dirs)-1] != parent {
		hw.dirs = hw.dirs[:len(hw.dirs)-1]
		if err := hw.w.WriteEvent(Event{Kind: EndDirectory}); err != nil {
			return err
		}
	}
	localName := path.Base(name)
	if name == "" {
		localName = ""
	}
	switch {
	case hdr.Mode.IsDir():
		if err := hw.w.WriteEvent(Event{Kind: StartDirectory, Name: localName}); err != nil {
			return err
		}
		hw.dirs = append(hw.dirs, name)
		return nil
	case hdr.Mode&fs.ModeSymlink != 0:
		return hw.w.WriteEvent(Event{Kind: Symlink, Name: localName, Target: hdr.LinkTarget})
	default:
		return hw.w.WriteEvent(Event{
			Kind:       File,
			Name:       localName,
			Executable: hdr.Mode&0o111 != 0,
			Size:       hdr.Size,
		})
	}
}

// Write writes content bytes for the most recently written regular-file
// header.
func (hw *HeaderWriter) Write(p []byte) (int, error) {
	return hw.w.Write(p)
}

// Close closes any directories still open and finishes the stream. It
// does not close the underlying writer.
func (hw *HeaderWriter) Close() error {
	return hw.w.Close()
}
