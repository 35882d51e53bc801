// Package changedetect classifies how a log file changed since the last
// recorded observation, using file sizes and partial content hashes.
package changedetect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Class is the detector's verdict for one file.
type Class string

const (
	Unchanged Class = "unchanged"
	Append    Class = "append"
	Truncate  Class = "truncate"
	Rewrite   Class = "rewrite"
)

// State is the persisted observation the detector compares against,
// normally copied from the file's raw-log row.
type State struct {
	Offset      int64  // last processed byte offset
	Size        int64  // file size at last observation
	PartialHash string // hex SHA-256 over [0, Offset) at last observation
}

// Result carries the verdict plus the current size for job metrics.
// Size is 0 when the file is missing.
type Result struct {
	Class Class
	Size  int64
}

// Classify inspects path against prior and returns exactly one Class.
// A missing file counts as Truncate. Classify reads the file but never
// mutates anything.
func Classify(path string, prior State) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{Class: Truncate}, nil
		}
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()

	if size < prior.Size {
		return Result{Class: Truncate, Size: size}, nil
	}

	// Clamp so corrupt stored state (offset beyond the file) still yields
	// a verdict instead of an error.
	hash, err := PartialHash(path, min(prior.Offset, size))
	if err != nil {
		return Result{}, err
	}
	if hash != prior.PartialHash {
		return Result{Class: Rewrite, Size: size}, nil
	}
	if size == prior.Size {
		return Result{Class: Unchanged, Size: size}, nil
	}
	return Result{Class: Append, Size: size}, nil
}
