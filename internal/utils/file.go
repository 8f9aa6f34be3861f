package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
)

// NewBlobHasher returns a SHA-1 hash primed with the git blob header for content of the given size.
// The caller must write exactly size bytes for the digest to match `git hash-object`.
func NewBlobHasher(size int64) hash.Hash {
	h := sha1.New()
	h.Write([]byte("blob " + strconv.FormatInt(size, 10) + "\x00"))
	return h
}

// BlobHash returns the git blob object name of content.
func BlobHash(content []byte) string {
	h := NewBlobHasher(int64(len(content)))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// FileBlobHash calculates the git blob hash of a file along with its size.
func FileBlobHash(filePath string) (string, int64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", 0, err
	}

	h := NewBlobHasher(info.Size())
	n, err := io.Copy(h, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", filePath, err)
	}
	if n != info.Size() {
		return "", 0, fmt.Errorf("hash %q: size changed while reading (%d != %d)", filePath, n, info.Size())
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}
