package store

// DerivationOutput is one output of a derivation. Input-addressed
// outputs carry only a path, fixed outputs a path plus hash, and
// deferred outputs nothing.
type DerivationOutput struct {
	Name     string
	Path     *StorePath
	HashAlgo string
	Hash     string
}

// IsFixed reports whether the output is content-addressed with a known
// hash.
func (o DerivationOutput) IsFixed() bool {
	return o.HashAlgo != "" && o.Hash != ""
}

type EnvVar struct {
	Name  string
	Value string
}

// BasicDerivation is a derivation with its input derivations already
// resolved, as sent to BuildDerivation. The contents are opaque to the
// protocol.
type BasicDerivation struct {
	Outputs   []DerivationOutput
	InputSrcs []StorePath
	Platform  string
	Builder   string
	Args      []string
	Env       []EnvVar
}

// IsFixedOutput reports whether every output is fixed.
func (d BasicDerivation) IsFixedOutput() bool {
	if len(d.Outputs) == 0 {
		return false
	}
	for _, o := range d.Outputs {
		if !o.IsFixed() {
			return false
		}
	}
	return true
}
