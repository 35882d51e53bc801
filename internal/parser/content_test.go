package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestExtractContent_String(t *testing.T) {
	bc := extractContent(gjson.Parse(`"plain text"`))
	assert.Equal(t, "plain text", bc.Text)
	assert.Empty(t, bc.ToolCalls)
}

func TestExtractContent_Blocks(t *testing.T) {
	content := gjson.Parse(`[
		{"type":"thinking","thinking":"hmm"},
		{"type":"text","text":"first"},
		{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"a.go"}},
		{"type":"text","text":"second"},
		{"type":"tool_result","tool_use_id":"t1","content":"file body","is_error":false}
	]`)
	bc := extractContent(content)

	assert.Equal(t, "hmm", bc.Thinking)
	assert.Equal(t, "first\n[Read: a.go]\nsecond", bc.Text)

	require.Len(t, bc.ToolCalls, 1)
	assert.Equal(t, "t1", bc.ToolCalls[0].ToolUseID)
	assert.Equal(t, "Read", bc.ToolCalls[0].Name)

	require.Len(t, bc.ToolResults, 1)
	assert.Equal(t, "file body", bc.ToolResults[0].Content)
	assert.False(t, bc.ToolResults[0].IsError)
}

func TestExtractContent_IgnoresUnknownBlocks(t *testing.T) {
	content := gjson.Parse(`[
		{"type":"image","source":"..."},
		{"type":"text","text":"keep"}
	]`)
	bc := extractContent(content)
	assert.Equal(t, "keep", bc.Text)
}

func TestExtractContent_NonArrayNonString(t *testing.T) {
	bc := extractContent(gjson.Parse(`{"unexpected":"object"}`))
	assert.Empty(t, bc.Text)
}

func TestToolResultText_BlockArray(t *testing.T) {
	content := gjson.Parse(`[
		{"type":"text","text":"line one"},
		{"type":"text","text":"line two"}
	]`)
	assert.Equal(t, "line one\nline two", toolResultText(content))
}

func TestFormatToolUse(t *testing.T) {
	tests := []struct {
		name  string
		block string
		want  string
	}{
		{"read", `{"name":"Read","input":{"file_path":"src/a.go"}}`, "[Read: src/a.go]"},
		{"glob default path", `{"name":"Glob","input":{"pattern":"*.go"}}`, "[Glob: *.go in .]"},
		{"bash with description", `{"name":"Bash","input":{"command":"ls","description":"list"}}`, "[Bash: list]\n$ ls"},
		{"bash bare", `{"name":"Bash","input":{"command":"ls"}}`, "[Bash]\n$ ls"},
		{"exit plan mode", `{"name":"ExitPlanMode","input":{}}`, "[Exiting Plan Mode]"},
		{"unknown tool", `{"name":"WebSearch","input":{}}`, "[Tool: WebSearch]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatToolUse(gjson.Parse(tt.block))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectCodeChange_RequiresPath(t *testing.T) {
	_, ok := detectCodeChange("Edit", gjson.Parse(`{"old_string":"a","new_string":"b"}`))
	assert.False(t, ok)

	_, ok = detectCodeChange("Bash", gjson.Parse(`{"command":"rm -rf"}`))
	assert.False(t, ok)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactlyten", truncate("exactlyten", 10))
	assert.Equal(t, "toolongfor...", truncate("toolongforthis", 10))
	assert.Equal(t, "trimmed", truncate("  trimmed  ", 10))
}
