package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type BuildMode uint64

const (
	BuildNormal BuildMode = 0
	BuildRepair BuildMode = 1
	BuildCheck  BuildMode = 2
)

func (m BuildMode) String() string {
	switch m {
	case BuildNormal:
		return "normal"
	case BuildRepair:
		return "repair"
	case BuildCheck:
		return "check"
	}
	return fmt.Sprintf("BuildMode(%d)", uint64(m))
}

type BuildStatus uint64

const (
	Built                  BuildStatus = 0
	Substituted            BuildStatus = 1
	AlreadyValid           BuildStatus = 2
	PermanentFailure       BuildStatus = 3
	InputRejected          BuildStatus = 4
	OutputRejected         BuildStatus = 5
	TransientFailure       BuildStatus = 6
	CachedFailure          BuildStatus = 7
	TimedOut               BuildStatus = 8
	MiscFailure            BuildStatus = 9
	DependencyFailed       BuildStatus = 10
	LogLimitExceeded       BuildStatus = 11
	NotDeterministic       BuildStatus = 12
	ResolvesToAlreadyValid BuildStatus = 13
	NoSubstituters         BuildStatus = 14
)

// BuildStatuses lists every status in wire order.
var BuildStatuses = []BuildStatus{
	Built, Substituted, AlreadyValid, PermanentFailure, InputRejected,
	OutputRejected, TransientFailure, CachedFailure, TimedOut, MiscFailure,
	DependencyFailed, LogLimitExceeded, NotDeterministic,
	ResolvesToAlreadyValid, NoSubstituters,
}

// Success reports whether the status means the outputs are valid.
func (s BuildStatus) Success() bool {
	switch s {
	case Built, Substituted, AlreadyValid, ResolvesToAlreadyValid:
		return true
	}
	return false
}

// DrvOutput identifies a derivation output by derivation hash.
type DrvOutput struct {
	DrvHash    string
	OutputName string
}

func ParseDrvOutput(s string) (DrvOutput, error) {
	i := strings.LastIndexByte(s, '!')
	if i <= 0 || i == len(s)-1 {
		return DrvOutput{}, fmt.Errorf("%w: drv output %q", ErrInvalidDerived, s)
	}
	return DrvOutput{DrvHash: s[:i], OutputName: s[i+1:]}, nil
}

func (d DrvOutput) String() string { return d.DrvHash + "!" + d.OutputName }

func (d DrvOutput) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DrvOutput) UnmarshalText(b []byte) error {
	parsed, err := ParseDrvOutput(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Realisation records which store path a derivation output resolved to.
type Realisation struct {
	ID                    DrvOutput         `json:"id"`
	OutPath               StorePath         `json:"outPath"`
	Signatures            []string          `json:"signatures"`
	DependentRealisations map[string]string `json:"dependentRealisations"`
}

// ParseRealisation decodes the JSON text carried on the wire.
func ParseRealisation(s string) (Realisation, error) {
	var r Realisation
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Realisation{}, fmt.Errorf("store: realisation: %w", err)
	}
	return r, nil
}

// JSON renders the wire text of r.
func (r Realisation) JSON() string {
	out := r
	if out.Signatures == nil {
		out.Signatures = []string{}
	}
	if out.DependentRealisations == nil {
		out.DependentRealisations = map[string]string{}
	}
	b, _ := json.Marshal(out)
	return string(b)
}

// BuildResult is the outcome of building one derived path.
type BuildResult struct {
	Status             BuildStatus
	ErrorMsg           string
	TimesBuilt         uint64
	IsNonDeterministic bool
	StartTime          int64
	StopTime           int64
	CPUUser            *time.Duration
	CPUSystem          *time.Duration
	BuiltOutputs       []Realisation
}

// KeyedBuildResult pairs a result with the request it answers.
type KeyedBuildResult struct {
	Path   DerivedPath
	Result BuildResult
}
