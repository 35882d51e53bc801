package changedetect

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stenohq/steno/internal/errkind"
)

const (
	helloWorldHash = "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447"
	emptyInputHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	// SHA-256 of "hello", the first five bytes of "hello world\n".
	helloPrefixHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
)

type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}

func createTempFile(t *testing.T, content []byte) string {
	t.Helper()
	cleanName := strings.ReplaceAll(t.Name(), "/", "_")
	path := filepath.Join(t.TempDir(), cleanName+".jsonl")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	return path
}

func TestComputeHash(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "hello world",
			input: "hello world\n",
			want:  helloWorldHash,
		},
		{
			name:  "empty input",
			input: "",
			want:  emptyInputHash,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeHash(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("ComputeHash: %v", err)
			}
			if got != tt.want {
				t.Errorf("ComputeHash() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComputeHash_ReaderError(t *testing.T) {
	errInjected := errors.New("injected error")
	_, err := ComputeHash(&failingReader{err: errInjected})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, errInjected) {
		t.Errorf("expected error wrapping 'injected error', got %v", err)
	}
}

func TestComputeFileHash(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) string
		want    string
		wantErr bool
	}{
		{
			name: "hello world",
			setup: func(t *testing.T) string {
				return createTempFile(t, []byte("hello world\n"))
			},
			want: helloWorldHash,
		},
		{
			name: "empty file",
			setup: func(t *testing.T) string {
				return createTempFile(t, []byte(""))
			},
			want: emptyInputHash,
		},
		{
			name: "missing file",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nonexistent.jsonl")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setup(t)

			got, err := ComputeFileHash(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ComputeFileHash() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("ComputeFileHash() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPartialHash(t *testing.T) {
	path := createTempFile(t, []byte("hello world\n"))

	tests := []struct {
		name   string
		offset int64
		want   string
	}{
		{"zero offset", 0, emptyInputHash},
		{"prefix", 5, helloPrefixHash},
		{"full file", 12, helloWorldHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PartialHash(path, tt.offset)
			if err != nil {
				t.Fatalf("PartialHash: %v", err)
			}
			if got != tt.want {
				t.Errorf("PartialHash(%d) = %q, want %q", tt.offset, got, tt.want)
			}
		})
	}
}

func TestPartialHash_InvalidOffset(t *testing.T) {
	path := createTempFile(t, []byte("hello world\n"))

	tests := []struct {
		name   string
		offset int64
	}{
		{"negative", -1},
		{"beyond size", 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PartialHash(path, tt.offset)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errkind.Is(err, errkind.InvalidArgument) {
				t.Errorf("kind = %q, want invalid_argument", errkind.KindOf(err))
			}
		})
	}
}

func TestPartialHash_LargeFileChunked(t *testing.T) {
	// Spans several 8 KiB chunks to exercise the bounded-read path.
	content := strings.Repeat("x", 3*hashChunkSize+17)
	path := createTempFile(t, []byte(content))

	want, err := ComputeHash(strings.NewReader(content[:2*hashChunkSize+5]))
	if err != nil {
		t.Fatal(err)
	}
	got, err := PartialHash(path, int64(2*hashChunkSize+5))
	if err != nil {
		t.Fatalf("PartialHash: %v", err)
	}
	if got != want {
		t.Errorf("PartialHash() = %q, want %q", got, want)
	}
}
