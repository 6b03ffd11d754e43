package store

import (
	"cmp"
	"fmt"
	"strings"

	"zombiezen.com/go/nix/nixbase32"
)

const (
	HashSize      = 20
	HashTextLen   = 32
	MaxNameLen    = 211
	DefaultDir    = "/nix/store"
	derivationExt = ".drv"
)

// StorePath identifies one store object by digest and name. The zero
// value is not a valid path.
type StorePath struct {
	hash [HashSize]byte
	name string
}

// NewStorePath validates name and builds a path from a raw digest.
func NewStorePath(hash [HashSize]byte, name string) (StorePath, error) {
	if err := ValidateName(name); err != nil {
		return StorePath{}, err
	}
	return StorePath{hash: hash, name: name}, nil
}

// ParseBaseName parses "<hash>-<name>".
func ParseBaseName(s string) (StorePath, error) {
	if len(s) < HashTextLen+2 || s[HashTextLen] != '-' {
		return StorePath{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	raw, err := nixbase32.DecodeString(s[:HashTextLen])
	if err != nil || len(raw) != HashSize {
		return StorePath{}, fmt.Errorf("%w: bad digest in %q", ErrInvalidPath, s)
	}
	var hash [HashSize]byte
	copy(hash[:], raw)
	return NewStorePath(hash, s[HashTextLen+1:])
}

// ParseStorePath parses a full path under storeDir.
func ParseStorePath(storeDir, s string) (StorePath, error) {
	prefix := strings.TrimSuffix(storeDir, "/") + "/"
	base, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return StorePath{}, fmt.Errorf("%w: %q is not in %s", ErrInvalidPath, s, storeDir)
	}
	if strings.Contains(base, "/") {
		return StorePath{}, fmt.Errorf("%w: %q is not a top-level store path", ErrInvalidPath, s)
	}
	return ParseBaseName(base)
}

// MustParse is ParseBaseName for constants and tests.
func MustParse(s string) StorePath {
	p, err := ParseBaseName(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ValidateName checks the name part of a store path.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), MaxNameLen)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	for i := 0; i < len(name); i++ {
		if !nameChar(name[i]) {
			return fmt.Errorf("%w: %q has invalid character %q", ErrInvalidName, name, name[i])
		}
	}
	return nil
}

func nameChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("+-._?=", c) >= 0
}

func (p StorePath) Hash() [HashSize]byte { return p.hash }
func (p StorePath) Name() string         { return p.name }
func (p StorePath) IsZero() bool         { return p.name == "" }

// HashPart is the nixbase32 digest text.
func (p StorePath) HashPart() string {
	return nixbase32.EncodeToString(p.hash[:])
}

// IsDerivation reports whether the path names a derivation file.
func (p StorePath) IsDerivation() bool {
	return strings.HasSuffix(p.name, derivationExt)
}

// String is the base name "<hash>-<name>".
func (p StorePath) String() string {
	return p.HashPart() + "-" + p.name
}

// Full is the absolute path under storeDir.
func (p StorePath) Full(storeDir string) string {
	return strings.TrimSuffix(storeDir, "/") + "/" + p.String()
}

// Compare orders paths by their base names.
func (p StorePath) Compare(o StorePath) int {
	return cmp.Compare(p.String(), o.String())
}

func ComparePaths(a, b StorePath) int { return a.Compare(b) }

func (p StorePath) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *StorePath) UnmarshalText(b []byte) error {
	parsed, err := ParseBaseName(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
