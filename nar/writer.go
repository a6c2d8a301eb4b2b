// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package nar

import (
	"fmt"
	"io"
	"path"

	"go.nixrs.dev/nixrs/wire"
)

type writerFrame struct {
	name            string
	lastName        string
	hasLast         bool
	hasEntryWrapper bool
}

// Writer is the dual of [Parser]: it consumes a stream of [Event]
// values (via [Writer.WriteEvent]) and produces NAR bytes. For a File
// event, the caller must write exactly Event.Size bytes to the Writer
// itself (which implements [io.Writer]) before the next WriteEvent call.
type Writer struct {
	w           io.Writer
	wroteMagic  bool
	rootWritten bool
	stack       []writerFrame

	hasPendingFile     bool
	curSize            int64
	curWritten         int64
	curHasEntryWrapper bool
	err                error
}

// NewWriter returns a [Writer] that writes a NAR stream to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEvent writes the next event of the stream.
func (nw *Writer) WriteEvent(ev Event) error {
	if nw.err != nil {
		return nw.err
	}
	if err := nw.writeEvent(ev); err != nil {
		nw.err = err
		return err
	}
	return nil
}

func (nw *Writer) writeEvent(ev Event) error {
	if err := nw.finishPendingFile(); err != nil {
		return err
	}
	if !nw.wroteMagic {
		if err := nw.writeToken(Magic); err != nil {
			return err
		}
		nw.wroteMagic = true
	}

	isRoot := !nw.rootWritten
	if isRoot {
		nw.rootWritten = true
		if ev.Name != "" {
			return fmt.Errorf("nar: first event must be the root (name %q)", ev.Name)
		}
	} else {
		if ev.Kind == EndDirectory {
			return nw.closeTop(ev)
		}
		if len(nw.stack) == 0 {
			return fmt.Errorf("nar: event after root closed")
		}
		top := &nw.stack[len(nw.stack)-1]
		if top.hasLast && ev.Name <= top.lastName {
			return fmt.Errorf("%w: %q", ErrBadOrder, ev.Name)
		}
		top.lastName = ev.Name
		top.hasLast = true
		if err := nw.writeToken("entry"); err != nil {
			return err
		}
		if err := nw.writeToken("("); err != nil {
			return err
		}
		if err := nw.writeToken("name"); err != nil {
			return err
		}
		if err := nw.writeToken(ev.Name); err != nil {
			return err
		}
		if err := nw.writeToken("node"); err != nil {
			return err
		}
	}

	if err := nw.writeToken("("); err != nil {
		return err
	}
	if err := nw.writeToken("type"); err != nil {
		return err
	}
	switch ev.Kind {
	case StartDirectory:
		if err := nw.writeToken("directory"); err != nil {
			return err
		}
		nw.stack = append(nw.stack, writerFrame{name: ev.Name, hasEntryWrapper: !isRoot})
		return nil
	case File:
		if err := nw.writeToken("regular"); err != nil {
			return err
		}
		if ev.Executable {
			if err := nw.writeToken("executable"); err != nil {
				return err
			}
			if err := nw.writeToken(""); err != nil {
				return err
			}
		}
		if err := nw.writeToken("contents"); err != nil {
			return err
		}
		if err := wire.WriteNumber(nw.w, uint64(ev.Size)); err != nil {
			return err
		}
		nw.hasPendingFile = true
		nw.curSize = ev.Size
		nw.curWritten = 0
		nw.curHasEntryWrapper = !isRoot
		return nil
	case Symlink:
		if err := nw.writeToken("symlink"); err != nil {
			return err
		}
		if err := nw.writeToken("target"); err != nil {
			return err
		}
		if err := nw.writeToken(ev.Target); err != nil {
			return err
		}
		if err := nw.writeToken(")"); err != nil {
			return err
		}
		if !isRoot {
			if err := nw.writeToken(")"); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("nar: cannot open a node for %v event", ev.Kind)
	}
}

func (nw *Writer) closeTop(ev Event) error {
	if len(nw.stack) == 0 {
		return fmt.Errorf("nar: EndDirectory with no open directory")
	}
	frame := nw.stack[len(nw.stack)-1]
	nw.stack = nw.stack[:len(nw.stack)-1]
	if err := nw.writeToken(")"); err != nil {
		return err
	}
	if frame.hasEntryWrapper {
		if err := nw.writeToken(")"); err != nil {
			return err
		}
	}
	return nil
}

// Write writes content bytes for the most recently written [File]
// event. It returns an error if more than Size bytes are written in
// total.
func (nw *Writer) Write(p []byte) (int, error) {
	if nw.err != nil {
		return 0, nw.err
	}
	if !nw.hasPendingFile {
		err := fmt.Errorf("nar: write without a pending file event")
		nw.err = err
		return 0, err
	}
	remaining := nw.curSize - nw.curWritten
	if int64(len(p)) > remaining {
		err := fmt.Errorf("nar: wrote more than the declared %d byte size", nw.curSize)
		nw.err = err
		return 0, err
	}
	n, err := nw.w.Write(p)
	nw.curWritten += int64(n)
	if err != nil {
		nw.err = err
	}
	return n, err
}

func (nw *Writer) finishPendingFile() error {
	if !nw.hasPendingFile {
		return nil
	}
	if nw.curWritten != nw.curSize {
		return fmt.Errorf("nar: only wrote %d of %d declared bytes", nw.curWritten, nw.curSize)
	}
	if padLen := wire.PadLen(int(nw.curSize)); padLen > 0 {
		if err := wire.WritePadding(nw.w, padLen); err != nil {
			return err
		}
	}
	if err := nw.writeToken(")"); err != nil {
		return err
	}
	if nw.curHasEntryWrapper {
		if err := nw.writeToken(")"); err != nil {
			return err
		}
	}
	nw.hasPendingFile = false
	return nil
}

// Close finishes the stream, closing any directories still open. It
// does not close the underlying writer.
func (nw *Writer) Close() error {
	if nw.err != nil {
		return nw.err
	}
	if err := nw.finishPendingFile(); err != nil {
		nw.err = err
		return err
	}
	for len(nw.stack) > 0 {
		if err := nw.closeTop(Event{Kind: EndDirectory}); err != nil {
			nw.err = err
			return err
		}
	}
	return nil
}

func (nw *Writer) writeToken(s string) error {
	return wire.WriteString(nw.w, s)
}

// joinName joins a parent path and a child name for diagnostic messages.
func joinName(parent, name string) string {
	if parent == "" {
		return name
	}
	return path.Join(parent, name)
}
