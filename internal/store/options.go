package store

import (
	"fmt"

	"github.com/danmuck/nixwire/internal/activity"
)

// Setting is one overridden configuration value.
type Setting struct {
	Name  string
	Value string
}

// ClientOptions is the option block sent by SetOptions.
type ClientOptions struct {
	KeepFailed     bool
	KeepGoing      bool
	TryFallback    bool
	Verbosity      activity.Verbosity
	MaxBuildJobs   uint64
	MaxSilentTime  uint64
	BuildVerbosity activity.Verbosity
	BuildCores     uint64
	UseSubstitutes bool
	Overrides      []Setting
}

// DefaultClientOptions mirrors the defaults of a stock client.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Verbosity:      activity.VerbosityError,
		MaxBuildJobs:   1,
		BuildVerbosity: activity.VerbosityError,
		UseSubstitutes: true,
	}
}

// QueryMissingResult splits requested paths by what realising them
// would take.
type QueryMissingResult struct {
	WillBuild      []StorePath
	WillSubstitute []StorePath
	Unknown        []StorePath
	DownloadSize   uint64
	NarSize        uint64
}

type GCAction uint64

const (
	GCReturnLive     GCAction = 0
	GCReturnDead     GCAction = 1
	GCDeleteDead     GCAction = 2
	GCDeleteSpecific GCAction = 3
)

type GCOptions struct {
	Action         GCAction
	PathsToDelete  []StorePath
	IgnoreLiveness bool
	MaxFreed       uint64
}

type GCResult struct {
	Paths      []string
	BytesFreed uint64
}

// Root is a garbage collector root: a link and the path it keeps alive.
type Root struct {
	Link string
	Path StorePath
}

// TrustLevel is what the daemon tells a client about its privileges.
type TrustLevel uint64

const (
	TrustUnknown TrustLevel = 0
	Trusted      TrustLevel = 1
	NotTrusted   TrustLevel = 2
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUnknown:
		return "unknown"
	case Trusted:
		return "trusted"
	case NotTrusted:
		return "not-trusted"
	}
	return fmt.Sprintf("TrustLevel(%d)", uint64(t))
}
