package parser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Timestamp constants for test data.
const (
	tsZero   = "2024-01-01T00:00:00Z"
	tsZeroS1 = "2024-01-01T00:00:01Z"
	tsZeroS2 = "2024-01-01T00:00:02Z"
	tsZeroS3 = "2024-01-01T00:00:03Z"
	tsZeroS4 = "2024-01-01T00:00:04Z"
)

// createTestFile writes content to a file in a temp dir and returns the
// full path.
func createTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func appendToFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

// parseClaude runs the full Claude parse on content written to the named
// file.
func parseClaude(t *testing.T, fileName, content string) *ParsedConversation {
	t.Helper()
	if fileName == "" {
		fileName = "test.jsonl"
	}
	path := createTestFile(t, fileName, content)
	conv, err := NewClaudeParser().Parse(context.Background(), path)
	require.NoError(t, err)
	return conv
}

// parseCodex runs the full Codex parse on content written to the named
// file.
func parseCodex(t *testing.T, fileName, content string) *ParsedConversation {
	t.Helper()
	if fileName == "" {
		fileName = "test.jsonl"
	}
	path := createTestFile(t, fileName, content)
	conv, err := NewCodexParser().Parse(context.Background(), path)
	require.NoError(t, err)
	return conv
}

func assertMessage(t *testing.T, m Message, wantRole Role, wantContentSnippet string) {
	t.Helper()
	if m.Role != wantRole {
		t.Errorf("role = %q, want %q", m.Role, wantRole)
	}
	if wantContentSnippet != "" && !strings.Contains(m.Content, wantContentSnippet) {
		t.Errorf("content missing snippet %q, got %q", wantContentSnippet, m.Content)
	}
}

func assertTimestamp(t *testing.T, got, want time.Time) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("timestamp = %v, want %v", got, want)
	}
}
