// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import (
	"fmt"
)

// LogError is the structured error a server sends on the STDERR_ERROR
// channel in place of STDERR_LAST when an operation's handler fails.
type LogError struct {
	Level      Verbosity
	Name       string
	Msg        string
	Traces     []string
	ExitStatus int32 // negative means absent
}

func (e *LogError) Error() string {
	return e.Msg
}

// ReadLogError reads a [LogError] payload (the part after the
// STDERR_ERROR tag has already been consumed).
func ReadLogError(nr *NixReader) (*LogError, error) {
	// Nix historically tagged error payloads with a literal "Error"
	// type discriminant; only one representation is defined.
	if _, err := nr.ReadString(); err != nil { // type discriminant, ignored
		return nil, fmt.Errorf("read log error: %w", err)
	}
	name, err := nr.ReadString()
	if err != nil {
		return nil, fmt.Errorf("read log error: name: %w", err)
	}
	level, err := nr.ReadUint64()
	if err != nil {
		return nil, fmt.Errorf("read log error: level: %w", err)
	}
	msg, err := nr.ReadString()
	if err != nil {
		return nil, fmt.Errorf("read log error: msg: %w", err)
	}
	n, err := nr.ReadUint64()
	if err != nil {
		return nil, fmt.Errorf("read log error: traces count: %w", err)
	}
	traces := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		if _, err := nr.ReadUint64(); err != nil { // trace position hint, ignored
			return nil, fmt.Errorf("read log error: trace %d position: %w", i, err)
		}
		trace, err := nr.ReadString()
		if err != nil {
			return nil, fmt.Errorf("read log error: trace %d: %w", i, err)
		}
		traces = append(traces, trace)
	}
	le := &LogError{
		Level:      Verbosity(level),
		Name:       name,
		Msg:        msg,
		Traces:     traces,
		ExitStatus: -1,
	}
	return le, nil
}

// WriteLogError writes a [LogError] payload (the caller is responsible
// for writing the preceding STDERR_ERROR tag).
func WriteLogError(nw *NixWriter, e *LogError) error {
	if err := nw.WriteString("Error"); err != nil {
		return err
	}
	if err := nw.WriteString(e.Name); err != nil {
		return err
	}
	if err := nw.WriteUint64(uint64(e.Level)); err != nil {
		return err
	}
	if err := nw.WriteString(e.Msg); err != nil {
		return err
	}
	if err := nw.WriteUint64(uint64(len(e.Traces))); err != nil {
		return err
	}
	for _, trace := range e.Traces {
		if err := nw.WriteUint64(0); err != nil {
			return err
		}
		if err := nw.WriteString(trace); err != nil {
			return err
		}
	}
	return nil
}

// UnimplementedOperation returns the [LogError] a dispatcher sends when
// a client requests an operation below its minimum negotiated version,
// or one this server does not implement at all.
func UnimplementedOperation(op Operation) *LogError {
	return &LogError{
		Level:      Error,
		Name:       "UnimplementedOperation",
		Msg:        fmt.Sprintf("operation %v is not implemented by this daemon", op),
		ExitStatus: -1,
	}
}
