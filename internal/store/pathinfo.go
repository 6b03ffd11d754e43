package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// NarHash is the SHA-256 digest of a store object's archive
// serialization.
type NarHash [sha256.Size]byte

// ParseNarHash accepts bare base16 and "sha256:"-prefixed base16.
func ParseNarHash(s string) (NarHash, error) {
	s = strings.TrimPrefix(s, "sha256:")
	var h NarHash
	if len(s) != hex.EncodedLen(len(h)) {
		return h, fmt.Errorf("%w: narHash of %d chars", ErrInvalidHash, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return h, nil
}

// Hex is the bare base16 form used on the wire.
func (h NarHash) Hex() string { return hex.EncodeToString(h[:]) }

func (h NarHash) String() string { return "sha256:" + h.Hex() }

// PathInfo is the metadata of a valid store object.
type PathInfo struct {
	Deriver          *StorePath
	NarHash          NarHash
	References       []StorePath
	RegistrationTime int64
	NarSize          uint64
	Ultimate         bool
	Signatures       []string
	CA               string
}

// ValidPathInfo is PathInfo keyed by its path.
type ValidPathInfo struct {
	Path StorePath
	Info PathInfo
}
