package store

import (
	"fmt"
	"slices"
	"strings"
)

// OutputSpec selects derivation outputs: every output, or a non-empty
// set of names.
type OutputSpec struct {
	All   bool
	Names []string
}

func AllOutputs() OutputSpec { return OutputSpec{All: true} }

func Outputs(names ...string) OutputSpec { return OutputSpec{Names: names} }

func (o OutputSpec) String() string {
	if o.All {
		return "*"
	}
	return strings.Join(o.Names, ",")
}

func parseOutputSpec(s string) (OutputSpec, error) {
	if s == "*" {
		return AllOutputs(), nil
	}
	names := strings.Split(s, ",")
	for _, n := range names {
		if err := validateOutputName(n); err != nil {
			return OutputSpec{}, err
		}
	}
	return OutputSpec{Names: names}, nil
}

func validateOutputName(n string) error {
	if n == "" {
		return fmt.Errorf("%w: empty output name", ErrInvalidDerived)
	}
	for i := 0; i < len(n); i++ {
		if !nameChar(n[i]) {
			return fmt.Errorf("%w: output name %q", ErrInvalidDerived, n)
		}
	}
	return nil
}

// SingleDerivedPath names exactly one store object: a plain path, or one
// output of a (possibly itself derived) derivation.
type SingleDerivedPath struct {
	Path   StorePath
	Drv    *SingleDerivedPath
	Output string
}

func OpaqueSingle(p StorePath) SingleDerivedPath {
	return SingleDerivedPath{Path: p}
}

func BuiltSingle(drv SingleDerivedPath, output string) SingleDerivedPath {
	return SingleDerivedPath{Drv: &drv, Output: output}
}

func (s SingleDerivedPath) IsOpaque() bool { return s.Drv == nil }

// Format renders the "!"-separated legacy text form.
func (s SingleDerivedPath) Format(storeDir string) string {
	if s.Drv == nil {
		return s.Path.Full(storeDir)
	}
	return s.Drv.Format(storeDir) + "!" + s.Output
}

// DerivedPath is a build request: a plain path to realise, or a set of
// outputs of a derivation.
type DerivedPath struct {
	Path    StorePath
	Drv     *SingleDerivedPath
	Outputs OutputSpec
}

func Opaque(p StorePath) DerivedPath {
	return DerivedPath{Path: p}
}

func BuiltPath(drv SingleDerivedPath, outputs OutputSpec) DerivedPath {
	return DerivedPath{Drv: &drv, Outputs: outputs}
}

// BuiltOutputs is BuiltPath on a plain derivation path.
func BuiltOutputs(drv StorePath, outputs OutputSpec) DerivedPath {
	return BuiltPath(OpaqueSingle(drv), outputs)
}

func (d DerivedPath) IsOpaque() bool { return d.Drv == nil }

// Format renders the wire text: "<path>", "<drv>!out1,out2", "<drv>!*",
// with one extra "!<output>" per level of dynamic derivation.
func (d DerivedPath) Format(storeDir string) string {
	if d.Drv == nil {
		return d.Path.Full(storeDir)
	}
	return d.Drv.Format(storeDir) + "!" + d.Outputs.String()
}

// ParseDerivedPath is the inverse of Format.
func ParseDerivedPath(storeDir, s string) (DerivedPath, error) {
	parts := strings.Split(s, "!")
	root, err := ParseStorePath(storeDir, parts[0])
	if err != nil {
		return DerivedPath{}, err
	}
	if len(parts) == 1 {
		return Opaque(root), nil
	}
	drv := OpaqueSingle(root)
	for _, out := range parts[1 : len(parts)-1] {
		if err := validateOutputName(out); err != nil {
			return DerivedPath{}, err
		}
		drv = BuiltSingle(drv, out)
	}
	spec, err := parseOutputSpec(parts[len(parts)-1])
	if err != nil {
		return DerivedPath{}, err
	}
	return BuiltPath(drv, spec), nil
}

// Equal compares two derived paths structurally.
func (d DerivedPath) Equal(o DerivedPath) bool {
	if (d.Drv == nil) != (o.Drv == nil) {
		return false
	}
	if d.Drv == nil {
		return d.Path == o.Path
	}
	return d.Drv.Equal(*o.Drv) && d.Outputs.All == o.Outputs.All && slices.Equal(d.Outputs.Names, o.Outputs.Names)
}

func (s SingleDerivedPath) Equal(o SingleDerivedPath) bool {
	if (s.Drv == nil) != (o.Drv == nil) {
		return false
	}
	if s.Drv == nil {
		return s.Path == o.Path
	}
	return s.Output == o.Output && s.Drv.Equal(*o.Drv)
}

// Root returns the plain store path at the bottom of the derivation
// chain.
func (d DerivedPath) Root() StorePath {
	if d.Drv == nil {
		return d.Path
	}
	s := *d.Drv
	for s.Drv != nil {
		s = *s.Drv
	}
	return s.Path
}
