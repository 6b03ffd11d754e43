package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"zombiezen.com/go/nix/nixbase32"
)

// IngestionMethod is how content is hashed when it is added by content.
type IngestionMethod int

const (
	// IngestText hashes a flat file that may reference other paths.
	IngestText IngestionMethod = iota
	// IngestFlat hashes a flat file with no references.
	IngestFlat
	// IngestRecursive hashes the archive serialization of a tree.
	IngestRecursive
)

// ParseIngestion decodes the method string sent by AddToStore:
// "text:sha256", "fixed:sha256" or "fixed:r:sha256".
func ParseIngestion(s string) (IngestionMethod, error) {
	var m IngestionMethod
	rest, ok := strings.CutPrefix(s, "text:")
	if ok {
		m = IngestText
	} else if rest, ok = strings.CutPrefix(s, "fixed:r:"); ok {
		m = IngestRecursive
	} else if rest, ok = strings.CutPrefix(s, "fixed:"); ok {
		m = IngestFlat
	} else {
		return 0, fmt.Errorf("%w: content address method %q", ErrInvalidHash, s)
	}
	if rest != "sha256" {
		return 0, fmt.Errorf("%w: hash algorithm %q", ErrNotSupported, rest)
	}
	return m, nil
}

func (m IngestionMethod) String() string {
	switch m {
	case IngestText:
		return "text:sha256"
	case IngestFlat:
		return "fixed:sha256"
	case IngestRecursive:
		return "fixed:r:sha256"
	}
	return fmt.Sprintf("IngestionMethod(%d)", int(m))
}

// ContentAddress renders the ca field of a path added with m.
func (m IngestionMethod) ContentAddress(hash [sha256.Size]byte) string {
	return m.String() + ":" + nixbase32.EncodeToString(hash[:])
}

// MakeStorePath derives a path from a typed fingerprint. typ is
// "source", "text" or "output:<name>", followed by any references.
func MakeStorePath(storeDir, typ string, hash [sha256.Size]byte, name string) (StorePath, error) {
	fp := typ + ":sha256:" + hex.EncodeToString(hash[:]) + ":" + strings.TrimSuffix(storeDir, "/") + ":" + name
	sum := sha256.Sum256([]byte(fp))
	return NewStorePath(compressHash(sum[:]), name)
}

// MakeContentAddressed computes the path of content added with m. hash
// is the archive hash for IngestRecursive and the file hash otherwise.
func MakeContentAddressed(storeDir string, m IngestionMethod, hash [sha256.Size]byte, name string, refs []StorePath) (StorePath, error) {
	switch m {
	case IngestText:
		return MakeStorePath(storeDir, "text"+refList(storeDir, refs), hash, name)
	case IngestRecursive:
		return MakeStorePath(storeDir, "source"+refList(storeDir, refs), hash, name)
	case IngestFlat:
		if len(refs) > 0 {
			return StorePath{}, fmt.Errorf("%w: flat content cannot have references", ErrInvalidPath)
		}
		inner := sha256.Sum256([]byte("fixed:out:sha256:" + hex.EncodeToString(hash[:]) + ":"))
		return MakeStorePath(storeDir, "output:out", inner, name)
	}
	return StorePath{}, fmt.Errorf("%w: ingestion method %d", ErrNotSupported, int(m))
}

func refList(storeDir string, refs []StorePath) string {
	var b strings.Builder
	for _, r := range slices.SortedFunc(slices.Values(refs), ComparePaths) {
		b.WriteByte(':')
		b.WriteString(r.Full(storeDir))
	}
	return b.String()
}

// compressHash folds a digest down to HashSize bytes by XOR.
func compressHash(h []byte) [HashSize]byte {
	var out [HashSize]byte
	for i, b := range h {
		out[i%HashSize] ^= b
	}
	return out
}
