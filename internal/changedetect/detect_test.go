package changedetect

import (
	"os"
	"path/filepath"
	"testing"
)

// observe records the state the pipeline would persist after fully
// processing the file at path.
func observe(t *testing.T, path string) State {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	hash, err := PartialHash(path, info.Size())
	if err != nil {
		t.Fatalf("partial hash: %v", err)
	}
	return State{Offset: info.Size(), Size: info.Size(), PartialHash: hash}
}

func TestClassify(t *testing.T) {
	original := []byte("{\"type\":\"user\"}\n{\"type\":\"assistant\"}\n")

	tests := []struct {
		name   string
		mutate func(t *testing.T, path string)
		want   Class
	}{
		{
			name:   "unchanged",
			mutate: func(t *testing.T, path string) {},
			want:   Unchanged,
		},
		{
			name: "append",
			mutate: func(t *testing.T, path string) {
				f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					t.Fatal(err)
				}
				defer f.Close()
				if _, err := f.WriteString("{\"type\":\"user\"}\n"); err != nil {
					t.Fatal(err)
				}
			},
			want: Append,
		},
		{
			name: "rewrite same size",
			mutate: func(t *testing.T, path string) {
				// Flip byte 5 without changing the length.
				data := append([]byte(nil), original...)
				data[5] = 'X'
				if err := os.WriteFile(path, data, 0o644); err != nil {
					t.Fatal(err)
				}
			},
			want: Rewrite,
		},
		{
			name: "rewrite larger",
			mutate: func(t *testing.T, path string) {
				data := append([]byte(nil), original...)
				data[0] = 'X'
				data = append(data, []byte("{\"type\":\"user\"}\n")...)
				if err := os.WriteFile(path, data, 0o644); err != nil {
					t.Fatal(err)
				}
			},
			want: Rewrite,
		},
		{
			name: "truncate",
			mutate: func(t *testing.T, path string) {
				if err := os.WriteFile(path, original[:10], 0o644); err != nil {
					t.Fatal(err)
				}
			},
			want: Truncate,
		},
		{
			name: "missing file",
			mutate: func(t *testing.T, path string) {
				if err := os.Remove(path); err != nil {
					t.Fatal(err)
				}
			},
			want: Truncate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempFile(t, original)
			prior := observe(t, path)
			tt.mutate(t, path)

			got, err := Classify(path, prior)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got.Class != tt.want {
				t.Errorf("Classify() = %q, want %q", got.Class, tt.want)
			}
		})
	}
}

// Classify must return exactly one of the four classes for any prior state,
// including states that never came from a real observation.
func TestClassify_Totality(t *testing.T) {
	path := createTempFile(t, []byte("hello world\n"))
	valid := map[Class]bool{Unchanged: true, Append: true, Truncate: true, Rewrite: true}

	priors := []State{
		{},
		{Offset: 0, Size: 12, PartialHash: emptyInputHash},
		{Offset: 5, Size: 12, PartialHash: helloPrefixHash},
		{Offset: 5, Size: 12, PartialHash: "bogus"},
		{Offset: 12, Size: 12, PartialHash: helloWorldHash},
		{Offset: 99, Size: 12, PartialHash: helloWorldHash}, // offset beyond file, clamped
		{Offset: 12, Size: 999, PartialHash: helloWorldHash},
		{Offset: 0, Size: 1, PartialHash: ""},
	}
	for _, prior := range priors {
		got, err := Classify(path, prior)
		if err != nil {
			t.Fatalf("Classify(%+v): %v", prior, err)
		}
		if !valid[got.Class] {
			t.Errorf("Classify(%+v) = %q, not a valid class", prior, got.Class)
		}
	}
}

func TestClassify_AppendUsesStoredOffset(t *testing.T) {
	// The detector must hash [0, prior.Offset), not [0, prior.Size): a file
	// observed mid-parse has offset < size.
	path := createTempFile(t, []byte("hello world\n"))
	prior := State{Offset: 5, Size: 12, PartialHash: helloPrefixHash}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("more\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := Classify(path, prior)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Class != Append {
		t.Errorf("Classify() = %q, want append", got.Class)
	}
	if got.Size != 17 {
		t.Errorf("Size = %d, want 17", got.Size)
	}
}

func TestClassify_MissingFileSizeZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.jsonl")
	got, err := Classify(path, State{Offset: 3, Size: 3, PartialHash: "x"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Class != Truncate || got.Size != 0 {
		t.Errorf("Classify() = %+v, want truncate with size 0", got)
	}
}
