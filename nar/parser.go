// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package nar

import (
	"fmt"
	"io"

	"go.nixrs.dev/nixrs/wire"
)

type parserFrame struct {
	name            string
	lastName        string
	hasLast         bool
	hasEntryWrapper bool
}

// Parser is a lazy, pull-based NAR decoder. Call [Parser.Next]
// repeatedly to obtain the stream of [Event] values; when Next returns a
// [File] event, read exactly Event.Size bytes from the Parser itself
// (which implements [io.Reader] over the current file's content) before
// calling Next again.
type Parser struct {
	r       io.Reader
	started bool
	stack   []parserFrame
	err     error

	hasPendingFile    bool
	curSize           int64
	curRead           int64
	curHasEntryWrapper bool
}

// NewParser returns a [Parser] that reads a NAR stream from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: r}
}

// Next advances the parser and returns the next event. It returns
// io.EOF once the root node (and, if a directory, all its descendants)
// has been fully consumed.
func (p *Parser) Next() (Event, error) {
	if p.err != nil {
		return Event{}, p.err
	}
	ev, err := p.next()
	if err != nil {
		p.err = err
	}
	return ev, err
}

func (p *Parser) next() (Event, error) {
	if err := p.drainPendingFile(); err != nil {
		return Event{}, err
	}
	if !p.started {
		p.started = true
		if err := p.expectMagic(); err != nil {
			return Event{}, err
		}
		return p.parseNode("", true)
	}
	if len(p.stack) == 0 {
		return Event{}, io.EOF
	}
	tok, err := p.readToken()
	if err != nil {
		return Event{}, err
	}
	switch tok {
	case ")":
		frame := p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
		if frame.hasEntryWrapper {
			if err := p.expect(")"); err != nil {
				return Event{}, err
			}
		}
		return Event{Kind: EndDirectory}, nil
	case "entry":
		if err := p.expect("("); err != nil {
			return Event{}, err
		}
		if err := p.expect("name"); err != nil {
			return Event{}, err
		}
		name, err := p.readToken()
		if err != nil {
			return Event{}, err
		}
		if err := p.expect("node"); err != nil {
			return Event{}, err
		}
		top := &p.stack[len(p.stack)-1]
		if top.hasLast && name <= top.lastName {
			return Event{}, fmt.Errorf("%w: %q", ErrBadOrder, name)
		}
		top.lastName = name
		top.hasLast = true
		return p.parseNode(name, false)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrBadField, tok)
	}
}

func (p *Parser) parseNode(name string, isRoot bool) (Event, error) {
	if err := p.expect("("); err != nil {
		return Event{}, err
	}
	if err := p.expect("type"); err != nil {
		return Event{}, err
	}
	tag, err := p.readToken()
	if err != nil {
		return Event{}, err
	}
	switch tag {
	case "directory":
		p.stack = append(p.stack, parserFrame{name: name, hasEntryWrapper: !isRoot})
		return Event{Kind: StartDirectory, Name: name}, nil
	case "regular":
		tok, err := p.readToken()
		if err != nil {
			return Event{}, err
		}
		executable := false
		switch tok {
		case "executable":
			executable = true
			if _, err := p.readToken(); err != nil { // empty marker value
				return Event{}, err
			}
			if err := p.expect("contents"); err != nil {
				return Event{}, err
			}
		case "contents":
		default:
			return Event{}, fmt.Errorf("%w: %q", ErrBadField, tok)
		}
		size, err := wire.ReadNumber(p.r)
		if err != nil {
			return Event{}, fmt.Errorf("nar: read file size: %w", err)
		}
		p.hasPendingFile = true
		p.curSize = int64(size)
		p.curRead = 0
		p.curHasEntryWrapper = !isRoot
		return Event{Kind: File, Name: name, Executable: executable, Size: int64(size)}, nil
	case "symlink":
		if err := p.expect("target"); err != nil {
			return Event{}, err
		}
		target, err := p.readToken()
		if err != nil {
			return Event{}, err
		}
		if err := p.expect(")"); err != nil {
			return Event{}, err
		}
		if !isRoot {
			if err := p.expect(")"); err != nil {
				return Event{}, err
			}
		}
		return Event{Kind: Symlink, Name: name, Target: target}, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrBadField, tag)
	}
}

// Read implements [io.Reader], returning bytes of the content of the
// most recently yielded [File] event. It returns io.EOF once Size bytes
// have been returned.
func (p *Parser) Read(dst []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if !p.hasPendingFile {
		return 0, io.EOF
	}
	remaining := p.curSize - p.curRead
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(dst)) > remaining {
		dst = dst[:remaining]
	}
	n, err := p.r.Read(dst)
	p.curRead += int64(n)
	if err != nil && err != io.EOF {
		p.err = err
	}
	return n, err
}

func (p *Parser) drainPendingFile() error {
	if !p.hasPendingFile {
		return nil
	}
	remaining := p.curSize - p.curRead
	if remaining > 0 {
		if _, err := io.CopyN(io.Discard, p.r, remaining); err != nil {
			return fmt.Errorf("nar: drain file content: %w", io.ErrUnexpectedEOF)
		}
	}
	if padLen := wire.PadLen(int(p.curSize)); padLen > 0 {
		pad := make([]byte, padLen)
		if _, err := io.ReadFull(p.r, pad); err != nil {
			return fmt.Errorf("nar: read padding: %w", io.ErrUnexpectedEOF)
		}
		for _, b := range pad {
			if b != 0 {
				return fmt.Errorf("nar: non-zero padding after file content")
			}
		}
	}
	if err := p.expect(")"); err != nil {
		return err
	}
	if p.curHasEntryWrapper {
		if err := p.expect(")"); err != nil {
			return err
		}
	}
	p.hasPendingFile = false
	return nil
}

func (p *Parser) readToken() (string, error) {
	return wire.ReadString(p.r, MaxTokenLen)
}

func (p *Parser) expect(want string) error {
	got, err := p.readToken()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: expected %q, got %q", ErrBadField, want, got)
	}
	return nil
}

func (p *Parser) expectMagic() error {
	tok, err := wire.ReadString(p.r, len(Magic))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if tok != Magic {
		return fmt.Errorf("%w: got %q", ErrBadMagic, tok)
	}
	return nil
}
