// Package hasher computes content hashes of data files.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// bufSize is the streaming read size.
const bufSize = 1 << 20 // 1 MiB

// SumFile returns the lowercase hex SHA-256 of the file at path, streaming
// the contents in 1 MiB chunks.
func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error opening %q for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()

	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("error hashing %q: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
