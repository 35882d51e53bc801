package parser

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const (
	initialScanBufSize = 64 * 1024        // 64KB
	maxScanTokenSize   = 20 * 1024 * 1024 // 20MB
)

// lineReader reads JSONL line by line, skipping lines that exceed maxLen
// rather than aborting, while counting exactly how many bytes and physical
// lines it has consumed. The byte count includes newline delimiters and
// skipped lines, so it can seed resumable offsets.
type lineReader struct {
	r      *bufio.Reader
	maxLen int
	buf    []byte

	bytesRead int64
	lines     int
	err       error
}

func newLineReader(r io.Reader, maxLen int) *lineReader {
	return &lineReader{
		r:      bufio.NewReaderSize(r, initialScanBufSize),
		maxLen: maxLen,
		buf:    make([]byte, 0, initialScanBufSize),
	}
}

// next returns the next non-empty line (without trailing newline) and true,
// or ("", false) at EOF or read failure. Check Err afterwards to tell the
// two apart.
func (lr *lineReader) next() (string, bool) {
	for {
		line, err := lr.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				lr.err = err
			}
			return "", false
		}
		if line != "" {
			return line, true
		}
		// Blank or skipped oversized line.
	}
}

// Err returns the first non-EOF read error, or nil.
func (lr *lineReader) Err() error { return lr.err }

// BytesRead returns the exact number of bytes consumed so far.
func (lr *lineReader) BytesRead() int64 { return lr.bytesRead }

// Lines returns the number of physical lines consumed so far.
func (lr *lineReader) Lines() int { return lr.lines }

// readLine reads one full line, returning "" for blank or oversized lines
// and a non-nil error only at EOF or read failure. ReadSlice keeps the
// delimiter in the returned slice, so byte accounting stays exact even for
// a final line with no trailing newline.
func (lr *lineReader) readLine() (string, error) {
	lr.buf = lr.buf[:0]
	oversized := false

	for {
		chunk, err := lr.r.ReadSlice('\n')
		lr.bytesRead += int64(len(chunk))

		data := chunk
		terminated := false
		if n := len(data); n > 0 && data[n-1] == '\n' {
			terminated = true
			data = data[:n-1]
		}

		if !oversized {
			lr.buf = append(lr.buf, data...)
			if len(lr.buf) > lr.maxLen {
				oversized = true
				lr.buf = lr.buf[:0]
			}
		}

		if terminated {
			lr.lines++
			if oversized {
				return "", nil
			}
			return string(bytes.TrimSuffix(lr.buf, []byte{'\r'})), nil
		}

		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(lr.buf) == 0 && len(chunk) == 0 && !oversized {
				return "", io.EOF
			}
			// Final line without a trailing newline.
			lr.lines++
			if oversized {
				// The next call sees a clean EOF.
				return "", nil
			}
			return string(lr.buf), nil
		default:
			return "", err
		}
	}
}
