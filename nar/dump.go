// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package nar

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DumpPath serializes the filesystem object at path (a regular file,
// symlink, or directory tree) to w as a NAR stream, in the manner of
// "nix-store --dump".
func DumpPath(w io.Writer, path string) error {
	hw := NewHeaderWriter(w)
	if err := dumpPath(hw, path, ""); err != nil {
		return err
	}
	return hw.Close()
}

func dumpPath(hw *HeaderWriter, root, name string) error {
	full := root
	if name != "" {
		full = filepath.Join(root, name)
	}
	info, err := os.Lstat(full)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(full)
		if err != nil {
			return err
		}
		return hw.WriteHeader(&Header{Name: name, Mode: fs.ModeSymlink, LinkTarget: target})
	case info.IsDir():
		if err := hw.WriteHeader(&Header{Name: name, Mode: fs.ModeDir}); err != nil {
			return err
		}
		entries, err := os.ReadDir(full)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			childName := entry.Name()
			if name != "" {
				childName = name + "/" + childName
			}
			if err := dumpPath(hw, root, childName); err != nil {
				return err
			}
		}
		return nil
	default:
		mode := fs.FileMode(0o444)
		if info.Mode()&0o111 != 0 {
			mode = 0o555
		}
		if err := hw.WriteHeader(&Header{Name: name, Mode: mode, Size: info.Size()}); err != nil {
			return err
		}
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(hw, f)
		return err
	}
}

// DirSize returns the total byte size of all regular-file content
// under path. This is not the length of the path's NAR serialization,
// which also counts the NAR's tokens, entry names and padding.
func DirSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
