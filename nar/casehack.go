// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package nar

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// caseHackFrame tracks how many times each lower-cased entry name has
// been seen within one directory level.
type caseHackFrame struct {
	seen map[string]int
}

// CaseHackReader wraps a [Parser] (or anything that yields [Event]
// values) and rewrites colliding entry names for case-insensitive
// filesystems, appending [CaseHackSuffix] plus an occurrence count to
// every name after the first that collides case-insensitively within
// its directory.
type CaseHackReader struct {
	src   eventSource
	stack []caseHackFrame
}

// eventSource is satisfied by [Parser] and by anything else that
// produces a NAR event stream.
type eventSource interface {
	Next() (Event, error)
}

// NewCaseHackReader returns a [CaseHackReader] that applies the
// case-hack transform to the events read from src.
func NewCaseHackReader(src eventSource) *CaseHackReader {
	return &CaseHackReader{src: src}
}

// Next returns the next event, with its Name rewritten if it collides
// case-insensitively with an earlier sibling.
func (c *CaseHackReader) Next() (Event, error) {
	ev, err := c.src.Next()
	if err != nil {
		return Event{}, err
	}
	switch ev.Kind {
	case StartDirectory:
		ev.Name = c.applyName(ev.Name)
		c.stack = append(c.stack, caseHackFrame{seen: make(map[string]int)})
	case EndDirectory:
		if len(c.stack) > 0 {
			c.stack = c.stack[:len(c.stack)-1]
		}
	case File, Symlink:
		ev.Name = c.applyName(ev.Name)
	}
	return ev, nil
}

func (c *CaseHackReader) applyName(name string) string {
	if len(c.stack) == 0 || name == "" {
		return name
	}
	frame := &c.stack[len(c.stack)-1]
	lower := strings.ToLower(name)
	count, present := frame.seen[lower]
	if !present {
		frame.seen[lower] = 0
		return name
	}
	count++
	frame.seen[lower] = count
	return name + CaseHackSuffix + strconv.Itoa(count)
}

// CaseHackReader does not need a corresponding Writer-side type: callers
// apply it between a [Parser] and a [Writer], e.g.
// nar.NewWriter(dst) fed from nar.NewCaseHackReader(nar.NewParser(src)).

// UncaseHackName reverses the rewrite applied by [CaseHackReader] to a
// single entry name, by truncating at the last occurrence of
// [CaseHackSuffix].
func UncaseHackName(name string) string {
	i := strings.LastIndex(name, CaseHackSuffix)
	if i < 0 {
		return name
	}
	return name[:i]
}

// UncaseHackReader wraps an event source and undoes the rewrite applied
// by [CaseHackReader], truncating every entry name at the last
// occurrence of [CaseHackSuffix].
type UncaseHackReader struct {
	src eventSource
}

// NewUncaseHackReader returns an [UncaseHackReader] that undoes the
// case-hack transform on the events read from src.
func NewUncaseHackReader(src eventSource) *UncaseHackReader {
	return &UncaseHackReader{src: src}
}

// Next returns the next event, with its Name un-rewritten.
func (u *UncaseHackReader) Next() (Event, error) {
	ev, err := u.src.Next()
	if err != nil {
		return Event{}, err
	}
	switch ev.Kind {
	case StartDirectory, File, Symlink:
		ev.Name = UncaseHackName(ev.Name)
	}
	return ev, nil
}

// copyEvents drains all events from src into dst, copying file content
// through a fixed buffer. It is a convenience used by tests and by
// callers that want to materialize a filtered stream into a new NAR.
func copyEvents(dst *Writer, src interface {
	eventSource
	Read([]byte) (int, error)
}) error {
	buf := make([]byte, 32*1024)
	for {
		ev, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("nar: copy events: %w", err)
		}
		if err := dst.WriteEvent(ev); err != nil {
			return err
		}
		if ev.Kind == File {
			remaining := ev.Size
			for remaining > 0 {
				n := int64(len(buf))
				if n > remaining {
					n = remaining
				}
				read, err := src.Read(buf[:n])
				if read > 0 {
					if _, werr := dst.Write(buf[:read]); werr != nil {
						return werr
					}
					remaining -= int64(read)
				}
				if err != nil {
					return fmt.Errorf("nar: copy events: content: %w", err)
				}
			}
		}
	}
	return dst.Close()
}
