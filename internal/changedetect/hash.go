package changedetect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/stenohq/steno/internal/errkind"
)

// hashChunkSize bounds each read so hashing a large log never holds more
// than 8 KiB in memory at a time.
const hashChunkSize = 8 * 1024

// ComputeHash returns the hex SHA-256 of everything readable from r.
func ComputeHash(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeFileHash returns the hex SHA-256 of the file's full content.
// This is the content hash used for file-level dedup.
func ComputeFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ComputeHash(f)
}

// PartialHash returns the hex SHA-256 of bytes [0, offset) of the file.
// offset must lie in [0, size]; anything else is a caller bug and fails
// with InvalidArgument.
func PartialHash(path string, offset int64) (string, error) {
	if offset < 0 {
		return "", errkind.Newf(errkind.InvalidArgument, "partial hash offset %d is negative", offset)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if offset > info.Size() {
		return "", errkind.Newf(errkind.InvalidArgument,
			"partial hash offset %d exceeds file size %d", offset, info.Size())
	}

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, io.LimitReader(f, offset), buf); err != nil {
		return "", fmt.Errorf("hashing %s[0:%d]: %w", path, offset, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
