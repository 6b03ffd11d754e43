package archive

import (
	"crypto/sha256"
	"io"
)

// Hash consumes exactly one archive from r and returns the SHA-256 of its
// serialization together with its length. Nothing past the archive is
// read.
func Hash(r io.Reader) (sum [sha256.Size]byte, size int64, err error) {
	h := sha256.New()
	size, err = Copy(h, r)
	if err != nil {
		return sum, size, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, size, nil
}
