package parser

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stenohq/steno/internal/errkind"
	"github.com/stenohq/steno/internal/testjsonl"
)

// stubParser is a fixed-verdict parser for dispatch tests.
type stubParser struct {
	md  Metadata
	can bool
}

func (s *stubParser) Metadata() Metadata { return s.md }

func (s *stubParser) Probe(string) (ProbeResult, error) {
	return ProbeResult{CanParse: s.can, Confidence: 1}, nil
}

func (s *stubParser) Parse(context.Context, string) (*ParsedConversation, error) {
	return &ParsedConversation{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRegistry_BuiltinsRegistered(t *testing.T) {
	r := NewRegistry(testLogger())
	names := make([]string, 0, 2)
	for _, p := range r.Parsers() {
		names = append(names, p.Metadata().Name)
	}
	assert.Contains(t, names, "claude-code")
	assert.Contains(t, names, "codex")
}

func TestRegistry_ParserForDispatchesByDialect(t *testing.T) {
	r := NewRegistry(testLogger())

	claudePath := createTestFile(t, "a.jsonl", testjsonl.JoinJSONL(
		testjsonl.ClaudeUserWithSessionIDJSON("hello", tsZero, "abc"),
	))
	p, probe, err := r.ParserFor(claudePath)
	require.NoError(t, err)
	assert.Equal(t, "claude-code", p.Metadata().Name)
	assert.True(t, probe.CanParse)

	codexPath := createTestFile(t, "b.jsonl", testjsonl.JoinJSONL(
		testjsonl.CodexSessionMetaJSON("sess-1", "/work", "codex_cli_rs", tsZero),
		testjsonl.CodexMsgJSON("user", "hi", tsZeroS1),
	))
	p, _, err = r.ParserFor(codexPath)
	require.NoError(t, err)
	assert.Equal(t, "codex", p.Metadata().Name)
}

func TestRegistry_ParserForUnknownFormat(t *testing.T) {
	r := NewRegistry(testLogger())
	path := createTestFile(t, "notes.jsonl", "just some prose\nmore prose\n")

	_, _, err := r.ParserFor(path)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.UnknownFormat))
}

func TestRegistry_FormatMismatchPenalty(t *testing.T) {
	// A high-priority parser declaring the wrong extension must be probed
	// after a default-priority parser declaring the right one.
	r := &Registry{logger: testLogger()}
	r.Register(&stubParser{md: Metadata{
		Name: "wrong-ext", Priority: 120, SupportedFormats: []string{".log"},
	}, can: true})
	r.Register(&stubParser{md: Metadata{
		Name: "right-ext", Priority: DefaultPriority, SupportedFormats: []string{".jsonl"},
	}, can: true})

	path := createTestFile(t, "x.jsonl", "{}\n")
	p, _, err := r.ParserFor(path)
	require.NoError(t, err)
	assert.Equal(t, "right-ext", p.Metadata().Name)
}

func TestRegistry_HighPriorityCanOverrideExtension(t *testing.T) {
	r := &Registry{logger: testLogger()}
	r.Register(&stubParser{md: Metadata{
		Name: "specialist", Priority: 200, SupportedFormats: []string{".log"},
	}, can: true})
	r.Register(&stubParser{md: Metadata{
		Name: "generalist", Priority: DefaultPriority, SupportedFormats: []string{".jsonl"},
	}, can: true})

	// 200 - 100 beats 50, so the specialist is probed first even though
	// the extension does not match.
	path := createTestFile(t, "x.jsonl", "{}\n")
	p, _, err := r.ParserFor(path)
	require.NoError(t, err)
	assert.Equal(t, "specialist", p.Metadata().Name)
}

func TestRegistry_FirstCanParseWins(t *testing.T) {
	r := &Registry{logger: testLogger()}
	r.Register(&stubParser{md: Metadata{
		Name: "declines", Priority: 90, SupportedFormats: []string{".jsonl"},
	}, can: false})
	r.Register(&stubParser{md: Metadata{
		Name: "accepts", Priority: 40, SupportedFormats: []string{".jsonl"},
	}, can: true})

	path := createTestFile(t, "x.jsonl", "{}\n")
	p, _, err := r.ParserFor(path)
	require.NoError(t, err)
	assert.Equal(t, "accepts", p.Metadata().Name)
}

func TestRegistry_TieBreaksByRegistrationOrder(t *testing.T) {
	r := &Registry{logger: testLogger()}
	r.Register(&stubParser{md: Metadata{
		Name: "first", Priority: 50, SupportedFormats: []string{".jsonl"},
	}, can: true})
	r.Register(&stubParser{md: Metadata{
		Name: "second", Priority: 50, SupportedFormats: []string{".jsonl"},
	}, can: true})

	path := createTestFile(t, "x.jsonl", "{}\n")
	p, _, err := r.ParserFor(path)
	require.NoError(t, err)
	assert.Equal(t, "first", p.Metadata().Name)
}

func TestRegistry_FindByName(t *testing.T) {
	r := NewRegistry(testLogger())

	p, ok := r.Find("codex")
	require.True(t, ok)
	assert.Equal(t, "codex", p.Metadata().Name)

	_, ok = r.Find("does-not-exist")
	assert.False(t, ok)
}

func TestRegistry_FindPrefersLatestRegistration(t *testing.T) {
	r := &Registry{logger: testLogger()}
	r.Register(&stubParser{md: Metadata{Name: "dup", Priority: 10}})
	override := &stubParser{md: Metadata{Name: "dup", Priority: 99}}
	r.Register(override)

	p, ok := r.Find("dup")
	require.True(t, ok)
	assert.Equal(t, 99, p.Metadata().Priority)
}

func TestRegistry_LoadPluginsToleratesFailures(t *testing.T) {
	r := NewRegistry(testLogger())
	before := len(r.Parsers())

	r.LoadPlugins([]string{"/nonexistent/plugin.so"})

	assert.Equal(t, before, len(r.Parsers()))
}
