package canon

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stenohq/steno/internal/db"
)

// childNarrative is one already-canonicalized agent conversation, inlined
// next to the message closest to its start time.
type childNarrative struct {
	conversationID string
	agentType      string
	startedAt      time.Time
	narrative      string
}

// renderPlay lays out the theatrical transcript: header, epoch transitions,
// timestamped speaker lines with tool/code/thinking annotations, inlined
// children, and a sampling trailer.
func renderPlay(conv *db.Conversation, epochs []db.Epoch, all, sampled []db.Message, children []childNarrative, truncateLen int) string {
	var b strings.Builder

	writeHeader(&b, conv)

	epochSeq := make(map[string]int, len(epochs))
	for _, e := range epochs {
		epochSeq[e.ID] = e.Sequence
	}

	inlined := make([]bool, len(children))
	currentEpoch := -1
	for i := range sampled {
		m := &sampled[i]
		if seq, ok := epochSeq[m.EpochID]; ok && seq != currentEpoch {
			currentEpoch = seq
			fmt.Fprintf(&b, "\n--- EPOCH %d ---\n", seq)
		}
		writeMessage(&b, m, truncateLen)
		inlineChildren(&b, m, children, inlined)
	}

	// Children that never matched a message window still appear, trailing.
	for i, child := range children {
		if !inlined[i] {
			writeChild(&b, child)
		}
	}

	writeTrailer(&b, conv, len(sampled), len(all))
	return b.String()
}

func writeHeader(b *strings.Builder, conv *db.Conversation) {
	fmt.Fprintf(b, "=== CONVERSATION %s ===\n", conv.ID)
	agent := conv.AgentType
	if conv.AgentVersion != nil {
		agent += " " + *conv.AgentVersion
	}
	fmt.Fprintf(b, "Agent: %s (%s)\n", agent, conv.Type)
	if conv.WorkingDirectory != nil {
		fmt.Fprintf(b, "Directory: %s\n", *conv.WorkingDirectory)
	}
	if conv.GitBranch != nil {
		fmt.Fprintf(b, "Branch: %s\n", *conv.GitBranch)
	}
	if conv.StartedAt != nil {
		fmt.Fprintf(b, "Started: %s\n", *conv.StartedAt)
	}
	if conv.EndedAt != nil {
		fmt.Fprintf(b, "Ended: %s", *conv.EndedAt)
		if start, ok := parseStored(conv.StartedAt); ok {
			if end, ok := parseStored(conv.EndedAt); ok {
				fmt.Fprintf(b, " (duration %s)", end.Sub(start).Round(time.Second))
			}
		}
		b.WriteByte('\n')
	}
	status := conv.Status
	if conv.Success != nil {
		if *conv.Success {
			status += ", success"
		} else {
			status += ", failed"
		}
	}
	fmt.Fprintf(b, "Status: %s\n", status)
	fmt.Fprintf(b, "Messages: %d, Epochs: %d, Files touched: %d\n",
		conv.MessageCount, conv.EpochCount, conv.FilesCount)
}

func writeMessage(b *strings.Builder, m *db.Message, truncateLen int) {
	stamp := "--:--:--"
	if ts, ok := parseStored(m.Timestamp); ok {
		stamp = ts.UTC().Format("15:04:05")
	}
	fmt.Fprintf(b, "[%s] %s: %s\n",
		stamp, strings.ToUpper(m.Role), truncate(m.Content, truncateLen))

	if m.ToolCallsJSON != "" {
		calls := gjson.Parse(m.ToolCallsJSON).Array()
		if len(calls) > 0 {
			fmt.Fprintf(b, "[TOOLS: %d call(s)]\n", len(calls))
			for _, call := range calls {
				mark := "✓"
				if s := call.Get("success"); s.Exists() && !s.Bool() {
					mark = "✗"
				}
				params := truncate(call.Get("input").Raw, 120)
				fmt.Fprintf(b, "  %s %s: %s\n", mark, call.Get("name").Str, params)
			}
		}
	}
	if m.CodeChangesJSON != "" {
		for _, ch := range gjson.Parse(m.CodeChangesJSON).Array() {
			fmt.Fprintf(b, "[CODE: %s - %s (+%d/-%d)]\n",
				ch.Get("file_path").Str, ch.Get("change_type").Str,
				ch.Get("lines_added").Int(), ch.Get("lines_removed").Int())
		}
	}
	if m.Thinking != nil && *m.Thinking != "" {
		fmt.Fprintf(b, "[THINKING: %s]\n", truncate(*m.Thinking, truncateLen))
	}
}

// inlineChildren emits any child whose start time falls within the inline
// window of this message's timestamp.
func inlineChildren(b *strings.Builder, m *db.Message, children []childNarrative, inlined []bool) {
	ts, ok := parseStored(m.Timestamp)
	if !ok {
		return
	}
	for i, child := range children {
		if inlined[i] || child.startedAt.IsZero() {
			continue
		}
		delta := child.startedAt.Sub(ts)
		if delta < 0 {
			delta = -delta
		}
		if delta <= childInlineWindow {
			inlined[i] = true
			writeChild(b, child)
		}
	}
}

func writeChild(b *strings.Builder, child childNarrative) {
	fmt.Fprintf(b, "  >>> AGENT %s (%s)\n", child.agentType, child.conversationID)
	for _, line := range strings.Split(strings.TrimRight(child.narrative, "\n"), "\n") {
		b.WriteString("  | ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("  <<<\n")
}

func writeTrailer(b *strings.Builder, conv *db.Conversation, sampled, total int) {
	b.WriteString("\n=== END ===\n")
	outcome := "unknown"
	if conv.Success != nil {
		if *conv.Success {
			outcome = "success"
		} else {
			outcome = "failed"
		}
	} else if conv.Status == "completed" {
		outcome = "completed"
	}
	fmt.Fprintf(b, "Outcome: %s\n", outcome)
	if conv.Tags != "" {
		fmt.Fprintf(b, "Tags: %s\n", conv.Tags)
	}
	fmt.Fprintf(b, "Sampling: %d/%d messages included\n", sampled, total)
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[:limit]) + "…"
}

func parseStored(s *string) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	return db.ParseTime(*s)
}
