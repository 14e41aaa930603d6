// Package hashx computes the content digests recorded for every artifact.
package hashx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Algorithm is the only hash_algo value written to manifests and pointers.
const Algorithm = "sha256"

// Digest is the hex digest and byte length of one content stream.
type Digest struct {
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// File hashes the file at path. A missing file is reported with an error that
// satisfies os.IsNotExist.
func File(path string) (Digest, error) {
	// #nosec G304 -- callers hash declared artifact paths.
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer func() {
		_ = file.Close()
	}()
	digest, err := Reader(file)
	if err != nil {
		return Digest{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return digest, nil
}

// Reader hashes everything remaining in reader.
func Reader(reader io.Reader) (Digest, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, reader)
	if err != nil {
		return Digest{}, err
	}
	return Digest{SHA256: hex.EncodeToString(hasher.Sum(nil)), Bytes: n}, nil
}

// Bytes hashes an in-memory payload.
func Bytes(payload []byte) Digest {
	sum := sha256.Sum256(payload)
	return Digest{SHA256: hex.EncodeToString(sum[:]), Bytes: int64(len(payload))}
}

// Counter is an io.Writer that accumulates a Digest; pair it with io.TeeReader
// or fsx.CopyFileAtomic to hash bytes while they are written elsewhere.
type Counter struct {
	hasher hash.Hash
	n      int64
}

func NewCounter() *Counter {
	return &Counter{hasher: sha256.New()}
}

func (c *Counter) Write(p []byte) (int, error) {
	n, err := c.hasher.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *Counter) Digest() Digest {
	return Digest{SHA256: hex.EncodeToString(c.hasher.Sum(nil)), Bytes: c.n}
}

// Equal compares hex digests case-insensitively.
func Equal(first, second string) bool {
	return strings.EqualFold(strings.TrimSpace(first), strings.TrimSpace(second))
}
