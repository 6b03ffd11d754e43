package archive

import (
	"fmt"
	"strings"

	"github.com/danmuck/nixwire/internal/protocol/wire"
)

const (
	tokMagic      = "nix-archive-1"
	tokOpen       = "("
	tokClose      = ")"
	tokType       = "type"
	tokRegular    = "regular"
	tokSymlink    = "symlink"
	tokDirectory  = "directory"
	tokExecutable = "executable"
	tokContents   = "contents"
	tokTarget     = "target"
	tokEntry      = "entry"
	tokName       = "name"
	tokNode       = "node"
)

type Kind int

const (
	KindDirectory Kind = iota + 1
	KindEndDirectory
	KindFile
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindEndDirectory:
		return "end-directory"
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Entry is one event of an archive walk. Path is slash separated and
// relative to the root, which has an empty Path and Name.
type Entry struct {
	Kind       Kind
	Path       string
	Name       string
	Executable bool
	Size       uint64
	Target     string
}

// ValidateName rejects names that cannot appear in a directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// tokenLimits bounds token strings; symlink targets are the longest.
func tokenLimits() wire.Limits {
	l := wire.DefaultLimits()
	l.MaxStringBytes = 4096
	return l
}
