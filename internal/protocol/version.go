package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a worker protocol version, encoded on the wire as
// major<<8 | minor.
type Version uint16

// NewVersion builds a version from its parts.
func NewVersion(major, minor uint8) Version {
	return Version(uint16(major)<<8 | uint16(minor))
}

const (
	// MinVersion is the oldest protocol a peer may negotiate.
	MinVersion Version = 1<<8 | 21
	// MaxVersion is the newest protocol this implementation speaks.
	MaxVersion Version = 1<<8 | 38

	// FeaturesVersion is the first version exchanging feature sets.
	FeaturesVersion Version = 1<<8 | 38
)

// NixVersion is reported to clients from protocol 1.33 onwards.
const NixVersion = "nixwire 1.0"

func (v Version) Major() uint8 { return uint8(v >> 8) }
func (v Version) Minor() uint8 { return uint8(v) }

// AtLeast reports whether v is at or after 1.<minor>.
func (v Version) AtLeast(minor uint8) bool {
	return v.Major() > 1 || (v.Major() == 1 && v.Minor() >= minor)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// ParseVersion reads a "major.minor" string.
func ParseVersion(raw string) (Version, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	ma, err := strconv.ParseUint(major, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	mi, err := strconv.ParseUint(minor, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	return NewVersion(uint8(ma), uint8(mi)), nil
}

// Range is a half-open version interval [From, Until). A zero bound is
// unbounded on that side.
type Range struct {
	From  Version
	Until Version
}

// Since is the range of every version at or after 1.<minor>.
func Since(minor uint8) Range {
	return Range{From: NewVersion(1, minor)}
}

// Before is the range of every version older than 1.<minor>.
func Before(minor uint8) Range {
	return Range{Until: NewVersion(1, minor)}
}

// Contains reports whether v falls inside r.
func (r Range) Contains(v Version) bool {
	if r.From != 0 && v < r.From {
		return false
	}
	if r.Until != 0 && v >= r.Until {
		return false
	}
	return true
}
