// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package daemon

import "fmt"

// STDERR_* codes multiplex the logger channel with the reply channel on
// a single connection. Every frame on the wire during an operation
// begins with one of these codes; the reply proper is only valid once
// [StderrLast] (or [StderrError]) has been observed.
const (
	StderrLast          uint64 = 0x616c7473 // "alts"
	StderrError         uint64 = 0x63787470 // "cxtp"
	StderrNext          uint64 = 0x6f6c6d67 // "olmg"
	StderrRead          uint64 = 0x64617461 // "data"
	StderrWrite         uint64 = 0x64617416
	StderrStartActivity uint64 = 0x53545254 // "STRT"
	StderrStopActivity  uint64 = 0x53544f50  // "STOP"
	StderrResult        uint64 = 0x52534c54  // "RSLT"
)

// ActivityType identifies the kind of long-running operation a
// StartActivity log message announces.
type ActivityType uint64

// Defined activity types (a representative subset).
const (
	ActivityUnknown     ActivityType = 0
	ActivityCopyPath    ActivityType = 100
	ActivityFileTransfer ActivityType = 101
	ActivityRealise     ActivityType = 102
	ActivityCopyPaths   ActivityType = 103
	ActivityBuilds      ActivityType = 104
	ActivityBuild       ActivityType = 105
	ActivityOptimiseStore ActivityType = 106
	ActivityVerifyPaths ActivityType = 107
	ActivitySubstitute  ActivityType = 108
	ActivityQueryPathInfo ActivityType = 109
	ActivityPostBuildHook ActivityType = 110
	ActivityBuildWaiting ActivityType = 111
)

// ResultType identifies the kind of data a Result log message carries.
type ResultType uint64

// Defined result types (a representative subset).
const (
	ResultFileLinked    ResultType = 100
	ResultBuildLogLine  ResultType = 101
	ResultUntrustedPath ResultType = 102
	ResultCorruptedPath ResultType = 103
	ResultSetPhase      ResultType = 104
	ResultProgress      ResultType = 105
	ResultSetExpected   ResultType = 106
	ResultPostBuildLogLine ResultType = 107
)

// Field is one value of an activity's free-form field list: either an
// integer or a string.
type Field struct {
	IsString bool
	Int      int64
	String   string
}

// Activity is the payload of a StartActivity log message.
type Activity struct {
	ID     uint64
	Level  Verbosity
	Type   ActivityType
	Text   string
	Fields []Field
	Parent uint64
}

// ActivityResult is the payload of a Result log message.
type ActivityResult struct {
	ID     uint64
	Type   ResultType
	Fields []Field
}

// LogMessageKind identifies which variant a [LogMessage] holds.
type LogMessageKind int8

// Defined log message kinds.
const (
	LogMessageText LogMessageKind = iota
	LogMessageStartActivity
	LogMessageStopActivity
	LogMessageResult
)

// LogMessage is one frame of the interleaved logger channel.
//
// At protocol versions below 1.20, StartActivity degrades to a plain
// text message carrying Activity.Text, and StopActivity/Result are
// dropped entirely. The server's log writer applies this itself when
// it writes a message to an older client.
type LogMessage struct {
	Kind LogMessageKind

	// Level and Text are set for LogMessageText.
	Level Verbosity
	Text  string

	// StartActivity is set for LogMessageStartActivity.
	StartActivity Activity
	// StopActivityID is set for LogMessageStopActivity.
	StopActivityID uint64
	// Result is set for LogMessageResult.
	Result ActivityResult
}

func (m LogMessage) String() string {
	switch m.Kind {
	case LogMessageText:
		return fmt.Sprintf("Message{%v, %q}", m.Level, m.Text)
	case LogMessageStartActivity:
		return fmt.Sprintf("StartActivity{%d, %q}", m.StartActivity.ID, m.StartActivity.Text)
	case LogMessageStopActivity:
		return fmt.Sprintf("StopActivity{%d}", m.StopActivityID)
	case LogMessageResult:
		return fmt.Sprintf("Result{%d}", m.Result.ID)
	default:
		return "LogMessage(invalid)"
	}
}
