package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// PlanStatus is the lifecycle state of one plan file.
type PlanStatus string

const (
	PlanActive     PlanStatus = "active"
	PlanApproved   PlanStatus = "approved"
	PlanReferenced PlanStatus = "referenced"
)

// PlanOperation is one append-only entry in a plan's history.
type PlanOperation struct {
	Kind         string    `json:"kind"` // create, edit, read
	Timestamp    time.Time `json:"timestamp,omitzero"`
	MessageIndex int       `json:"message_index"`
}

// Plan tracks the evolution of one plan file across a conversation.
type Plan struct {
	FilePath          string          `json:"file_path"`
	InitialContent    string          `json:"initial_content,omitempty"`
	FinalContent      string          `json:"final_content,omitempty"`
	IterationCount    int             `json:"iteration_count"`
	Status            PlanStatus      `json:"status"`
	Operations        []PlanOperation `json:"operations"`
	EntryMessageIndex int             `json:"entry_message_index"`
	ExitMessageIndex  int             `json:"exit_message_index"`
}

// planFileRe matches the inline marker that names a plan file inside a user
// message: <plan-file>/path/to/plan.md</plan-file>.
var planFileRe = regexp.MustCompile(`<plan-file>([^<]+)</plan-file>`)

// isPlanPath reports whether a path looks like a plan file even without an
// inline marker, so reads of older plans are still tracked.
func isPlanPath(path string) bool {
	return strings.Contains(path, "/plans/") && strings.HasSuffix(path, ".md")
}

type planBuilder struct {
	order []string
	plans map[string]*Plan
}

func (b *planBuilder) get(path string, msgIdx int) *Plan {
	if p, ok := b.plans[path]; ok {
		return p
	}
	p := &Plan{
		FilePath:          path,
		Status:            PlanActive,
		EntryMessageIndex: msgIdx,
		ExitMessageIndex:  -1,
	}
	b.plans[path] = p
	b.order = append(b.order, path)
	return p
}

// ExtractPlans walks messages in order and reconstructs plan-mode activity:
// markers in user content open tracking for a path, write and edit tool
// calls record iterations, reads without writes mark a plan as referenced,
// and an exit-plan-mode invocation approves every plan written so far.
func ExtractPlans(messages []Message) []Plan {
	b := &planBuilder{plans: make(map[string]*Plan)}

	for idx, msg := range messages {
		if msg.Role == RoleUser {
			for _, m := range planFileRe.FindAllStringSubmatch(msg.Content, -1) {
				b.get(strings.TrimSpace(m[1]), idx)
			}
		}

		for _, tc := range msg.ToolCalls {
			input := gjson.Parse(tc.InputJSON)
			switch tc.Name {
			case "Write", "create_file":
				path := firstField(input, "file_path", "path")
				if !b.tracked(path) {
					continue
				}
				p := b.get(path, idx)
				content := input.Get("content").Str
				if p.IterationCount == 0 {
					p.InitialContent = content
					p.IterationCount = 1
					p.addOp("create", msg.Timestamp, idx)
				} else {
					p.IterationCount++
					p.addOp("edit", msg.Timestamp, idx)
				}
				p.FinalContent = content
			case "Edit", "edit_file":
				path := firstField(input, "file_path", "path")
				if !b.tracked(path) {
					continue
				}
				p := b.get(path, idx)
				oldStr := input.Get("old_string").Str
				newStr := input.Get("new_string").Str
				if p.IterationCount == 0 {
					// Edit before any observed write: treat the edit
					// result as the first known content.
					p.InitialContent = newStr
					p.IterationCount = 1
					p.addOp("create", msg.Timestamp, idx)
					p.FinalContent = newStr
				} else {
					p.IterationCount++
					p.addOp("edit", msg.Timestamp, idx)
					if oldStr != "" && strings.Contains(p.FinalContent, oldStr) {
						p.FinalContent = strings.Replace(p.FinalContent, oldStr, newStr, 1)
					} else {
						p.FinalContent = newStr
					}
				}
			case "Read":
				path := firstField(input, "file_path", "path")
				if !b.tracked(path) {
					continue
				}
				b.get(path, idx).addOp("read", msg.Timestamp, idx)
			case "ExitPlanMode":
				for _, path := range b.order {
					p := b.plans[path]
					if p.IterationCount > 0 && p.Status == PlanActive {
						p.Status = PlanApproved
						p.ExitMessageIndex = idx
					}
				}
			}
		}
	}

	plans := make([]Plan, 0, len(b.order))
	for _, path := range b.order {
		p := b.plans[path]
		if p.IterationCount == 0 {
			if len(p.Operations) == 0 {
				// Marker named the path but nothing touched it.
				continue
			}
			p.Status = PlanReferenced
		}
		plans = append(plans, *p)
	}
	return plans
}

// tracked reports whether operations on path belong to a plan: either the
// path was named by a marker or it matches the plan-path convention.
func (b *planBuilder) tracked(path string) bool {
	if path == "" {
		return false
	}
	if _, ok := b.plans[path]; ok {
		return true
	}
	return isPlanPath(path)
}

func (p *Plan) addOp(kind string, ts time.Time, msgIdx int) {
	p.Operations = append(p.Operations, PlanOperation{
		Kind:         kind,
		Timestamp:    ts,
		MessageIndex: msgIdx,
	})
}
