package parser

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// blockContent is the structured content extracted from one message record.
type blockContent struct {
	Text        string
	Thinking    string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	CodeChanges []CodeChange
}

// extractContent extracts readable text plus structured blocks from message
// content, which is either a string or a JSON array of typed blocks.
func extractContent(content gjson.Result) blockContent {
	if content.Type == gjson.String {
		return blockContent{Text: content.Str}
	}
	if !content.IsArray() {
		return blockContent{}
	}

	var (
		parts    []string
		thinking []string
		out      blockContent
	)
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").Str {
		case "text":
			if text := block.Get("text").Str; text != "" {
				parts = append(parts, text)
			}
		case "thinking":
			if t := block.Get("thinking").Str; t != "" {
				thinking = append(thinking, t)
			}
		case "tool_use":
			name := block.Get("name").Str
			if name == "" {
				break
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ToolUseID: block.Get("id").Str,
				Name:      name,
				InputJSON: block.Get("input").Raw,
			})
			if cc, ok := detectCodeChange(name, block.Get("input")); ok {
				out.CodeChanges = append(out.CodeChanges, cc)
			}
			parts = append(parts, formatToolUse(block))
		case "tool_result":
			tuid := block.Get("tool_use_id").Str
			if tuid == "" {
				break
			}
			out.ToolResults = append(out.ToolResults, ToolResult{
				ToolUseID: tuid,
				Content:   toolResultText(block.Get("content")),
				IsError:   block.Get("is_error").Bool(),
			})
		}
		return true
	})

	out.Text = strings.Join(parts, "\n")
	out.Thinking = strings.Join(thinking, "\n")
	return out
}

func toolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.Str
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if t := block.Get("text").Str; t != "" {
				parts = append(parts, t)
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

// detectCodeChange maps well-known mutating tool names to a CodeChange.
// Edit-style tools yield "edit", write-style tools yield "create".
func detectCodeChange(name string, input gjson.Result) (CodeChange, bool) {
	switch name {
	case "Edit", "edit_file":
		path := firstField(input, "file_path", "path")
		if path == "" {
			return CodeChange{}, false
		}
		oldStr := input.Get("old_string").Str
		newStr := input.Get("new_string").Str
		return CodeChange{
			FilePath:     path,
			ChangeType:   "edit",
			OldContent:   oldStr,
			NewContent:   newStr,
			LinesAdded:   countLines(newStr),
			LinesRemoved: countLines(oldStr),
		}, true
	case "Write", "create_file":
		path := firstField(input, "file_path", "path")
		if path == "" {
			return CodeChange{}, false
		}
		body := input.Get("content").Str
		return CodeChange{
			FilePath:   path,
			ChangeType: "create",
			NewContent: body,
			LinesAdded: countLines(body),
		}, true
	}
	return CodeChange{}, false
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func firstField(input gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := input.Get(k).Str; v != "" {
			return v
		}
	}
	return ""
}

// formatToolUse renders a compact inline summary of a tool invocation for
// the message text.
func formatToolUse(block gjson.Result) string {
	name := block.Get("name").Str
	input := block.Get("input")

	switch name {
	case "EnterPlanMode":
		return "[Entering Plan Mode]"
	case "ExitPlanMode":
		return "[Exiting Plan Mode]"
	case "Read":
		return fmt.Sprintf("[Read: %s]", firstField(input, "file_path", "path"))
	case "Glob":
		return fmt.Sprintf("[Glob: %s in %s]",
			input.Get("pattern").Str,
			orDefault(input.Get("path").Str, "."))
	case "Grep":
		return fmt.Sprintf("[Grep: %s]", input.Get("pattern").Str)
	case "Edit", "edit_file":
		return fmt.Sprintf("[Edit: %s]", firstField(input, "file_path", "path"))
	case "Write", "create_file":
		return fmt.Sprintf("[Write: %s]", firstField(input, "file_path", "path"))
	case "Bash":
		cmd := firstField(input, "command", "cmd")
		if desc := input.Get("description").Str; desc != "" {
			return fmt.Sprintf("[Bash: %s]\n$ %s", desc, cmd)
		}
		return fmt.Sprintf("[Bash]\n$ %s", cmd)
	case "Task":
		return fmt.Sprintf("[Task: %s (%s)]",
			input.Get("description").Str,
			input.Get("subagent_type").Str)
	default:
		return fmt.Sprintf("[Tool: %s]", name)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
