package canon

import (
	"sort"
	"strings"

	"github.com/stenohq/steno/internal/db"
)

// boundaryN messages at each end of the conversation get near-top priority.
const boundaryN = 3

// minSampled messages are always included, budget or not.
const minSampled = 2

var errorKeywords = []string{
	"error:", "exception", "traceback", "panic:", "failed", "fatal",
}

// Message priorities for the semantic sampler. Higher wins; ties break by
// sequence ascending.
const (
	prioAbsoluteBoundary = 1000
	prioNearBoundary     = 900
	prioErrorKeyword     = 900
	prioToolCalls        = 800
	prioThinking         = 700
	prioEpochBoundary    = 600
	prioCodeChange       = 500
	prioDefault          = 100
)

// semanticSample picks the highest-priority messages that fit the token
// budget, then restores chronological order.
func semanticSample(msgs []db.Message, budget int) []db.Message {
	if len(msgs) <= minSampled {
		return msgs
	}

	priorities := prioritize(msgs)
	order := make([]int, len(msgs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if priorities[order[a]] != priorities[order[b]] {
			return priorities[order[a]] > priorities[order[b]]
		}
		return msgs[order[a]].Sequence < msgs[order[b]].Sequence
	})

	spent := 0
	chosen := make([]bool, len(msgs))
	picked := 0
	for _, idx := range order {
		cost := messageTokens(&msgs[idx])
		if picked >= minSampled && spent+cost > budget {
			continue
		}
		chosen[idx] = true
		spent += cost
		picked++
	}

	out := make([]db.Message, 0, picked)
	for i, m := range msgs {
		if chosen[i] {
			out = append(out, m)
		}
	}
	return out
}

func prioritize(msgs []db.Message) []int {
	priorities := make([]int, len(msgs))

	epochFirst := make(map[string]int)
	epochLast := make(map[string]int)
	for i, m := range msgs {
		if _, seen := epochFirst[m.EpochID]; !seen {
			epochFirst[m.EpochID] = i
		}
		epochLast[m.EpochID] = i
	}

	for i := range msgs {
		m := &msgs[i]
		p := prioDefault
		switch {
		case i == 0 || i == len(msgs)-1:
			p = prioAbsoluteBoundary
		case i < boundaryN || i >= len(msgs)-boundaryN:
			p = prioNearBoundary
		case hasErrorKeyword(m):
			p = prioErrorKeyword
		case m.ToolCallsJSON != "":
			p = prioToolCalls
		case m.Thinking != nil && *m.Thinking != "":
			p = prioThinking
		case epochFirst[m.EpochID] == i || epochLast[m.EpochID] == i:
			p = prioEpochBoundary
		case m.CodeChangesJSON != "":
			p = prioCodeChange
		}
		// Keyword hits outrank positional nearness when both apply.
		if p < prioErrorKeyword && hasErrorKeyword(m) {
			p = prioErrorKeyword
		}
		priorities[i] = p
	}
	return priorities
}

func hasErrorKeyword(m *db.Message) bool {
	content := strings.ToLower(m.Content)
	for _, kw := range errorKeywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

// keyMessage is the epoch sampler's predicate for middle epochs.
func keyMessage(m *db.Message) bool {
	return m.ToolCallsJSON != "" ||
		m.CodeChangesJSON != "" ||
		(m.Thinking != nil && *m.Thinking != "") ||
		hasErrorKeyword(m)
}

// epochSample includes the first and last epoch in full and only key
// messages from the middle epochs, while budget remains.
func epochSample(msgs []db.Message, budget int) []db.Message {
	if len(msgs) <= minSampled {
		return msgs
	}

	epochOrder := make([]string, 0)
	seen := make(map[string]bool)
	for _, m := range msgs {
		if !seen[m.EpochID] {
			seen[m.EpochID] = true
			epochOrder = append(epochOrder, m.EpochID)
		}
	}
	firstEpoch := epochOrder[0]
	lastEpoch := epochOrder[len(epochOrder)-1]

	spent := 0
	out := make([]db.Message, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		full := m.EpochID == firstEpoch || m.EpochID == lastEpoch
		if !full && !keyMessage(m) {
			continue
		}
		cost := messageTokens(m)
		if len(out) >= minSampled && spent+cost > budget {
			continue
		}
		out = append(out, *m)
		spent += cost
	}
	if len(out) < minSampled {
		return msgs[:min(len(msgs), minSampled)]
	}
	return out
}
