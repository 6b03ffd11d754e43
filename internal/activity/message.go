package activity

import "fmt"

// Verbosity is the level of a log message.
type Verbosity uint64

const (
	VerbosityError Verbosity = iota
	VerbosityWarn
	VerbosityNotice
	VerbosityInfo
	VerbosityTalkative
	VerbosityChatty
	VerbosityDebug
	VerbosityVomit
)

func (v Verbosity) String() string {
	switch v {
	case VerbosityError:
		return "error"
	case VerbosityWarn:
		return "warn"
	case VerbosityNotice:
		return "notice"
	case VerbosityInfo:
		return "info"
	case VerbosityTalkative:
		return "talkative"
	case VerbosityChatty:
		return "chatty"
	case VerbosityDebug:
		return "debug"
	default:
		return "vomit"
	}
}

// ActivityType classifies a started activity.
type ActivityType uint64

const (
	ActUnknown       ActivityType = 0
	ActCopyPath      ActivityType = 100
	ActFileTransfer  ActivityType = 101
	ActRealise       ActivityType = 102
	ActCopyPaths     ActivityType = 103
	ActBuilds        ActivityType = 104
	ActBuild         ActivityType = 105
	ActOptimiseStore ActivityType = 106
	ActVerifyPaths   ActivityType = 107
	ActSubstitute    ActivityType = 108
	ActQueryPathInfo ActivityType = 109
	ActPostBuildHook ActivityType = 110
	ActBuildWaiting  ActivityType = 111
	ActFetchTree     ActivityType = 112
)

// ActivityTypes lists every known activity type.
var ActivityTypes = []ActivityType{
	ActUnknown, ActCopyPath, ActFileTransfer, ActRealise, ActCopyPaths,
	ActBuilds, ActBuild, ActOptimiseStore, ActVerifyPaths, ActSubstitute,
	ActQueryPathInfo, ActPostBuildHook, ActBuildWaiting, ActFetchTree,
}

// ResultType classifies a result attached to an activity.
type ResultType uint64

const (
	ResFileLinked       ResultType = 100
	ResBuildLogLine     ResultType = 101
	ResUntrustedPath    ResultType = 102
	ResCorruptedPath    ResultType = 103
	ResSetPhase         ResultType = 104
	ResProgress         ResultType = 105
	ResSetExpected      ResultType = 106
	ResPostBuildLogLine ResultType = 107
	ResFetchStatus      ResultType = 108
)

// ResultTypes lists every known result type.
var ResultTypes = []ResultType{
	ResFileLinked, ResBuildLogLine, ResUntrustedPath, ResCorruptedPath,
	ResSetPhase, ResProgress, ResSetExpected, ResPostBuildLogLine, ResFetchStatus,
}

type FieldKind uint64

const (
	FieldInt    FieldKind = 0
	FieldString FieldKind = 1
)

// Field is a typed argument of an activity or result.
type Field struct {
	Kind   FieldKind `cbor:"kind"`
	Int    uint64    `cbor:"int,omitempty"`
	String string    `cbor:"string,omitempty"`
}

func Int(v uint64) Field    { return Field{Kind: FieldInt, Int: v} }
func String(s string) Field { return Field{Kind: FieldString, String: s} }

func (f Field) Format() string {
	if f.Kind == FieldString {
		return f.String
	}
	return fmt.Sprint(f.Int)
}

// Message is one entry of the log stream: *Text, *Start, *Stop or
// *Result.
type Message interface {
	message()
}

// Text is an unstructured line.
type Text struct {
	Level Verbosity
	Text  string
}

// Start opens an activity. Parent is zero for a root activity.
type Start struct {
	ID     uint64
	Level  Verbosity
	Type   ActivityType
	Text   string
	Fields []Field
	Parent uint64
}

// Stop closes an activity.
type Stop struct {
	ID uint64
}

// Result reports progress or output of a running activity.
type Result struct {
	ID     uint64
	Type   ResultType
	Fields []Field
}

func (*Text) message()   {}
func (*Start) message()  {}
func (*Stop) message()   {}
func (*Result) message() {}
