package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
)

func newPruneCmd(c *cli) *cobra.Command {
	var (
		olderThan time.Duration
		before    string
		dryRun    bool
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete conversations older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cutoff, err := pruneCutoff(olderThan, before)
			if err != nil {
				return err
			}
			database, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			pruner := &pruner{
				db:  database,
				out: cmd.OutOrStdout(),
				in:  cmd.InOrStdin(),
			}
			return pruner.prune(cmd.Context(), cutoff, dryRun, yes)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0,
		"delete conversations whose last activity is older than this, e.g. 2160h")
	cmd.Flags().StringVar(&before, "before", "",
		"delete conversations whose last activity is before this date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"show what would be deleted without deleting")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

// pruneCutoff resolves the two cutoff flags into one stored-format timestamp.
// Requiring a flag keeps `steno prune` from deleting everything.
func pruneCutoff(olderThan time.Duration, before string) (string, error) {
	switch {
	case olderThan > 0 && before != "":
		return "", errkind.New(errkind.InvalidArgument,
			"--older-than and --before are mutually exclusive")
	case olderThan > 0:
		return db.FormatTime(time.Now().Add(-olderThan)), nil
	case before != "":
		t, err := time.Parse("2006-01-02", before)
		if err != nil {
			return "", errkind.Wrap(errkind.InvalidArgument,
				"parsing --before date", err)
		}
		return db.FormatTime(t), nil
	default:
		return "", errkind.Hinted(errkind.InvalidArgument,
			"a cutoff is required", "use --older-than or --before")
	}
}

type pruner struct {
	db  *db.DB
	out io.Writer
	in  io.Reader
}

func (p *pruner) prune(ctx context.Context, cutoff string, dryRun, yes bool) error {
	candidates, err := p.db.FindPruneCandidates(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Fprintln(p.out, "No conversations are older than the cutoff.")
		return nil
	}

	p.writeSummary(candidates)

	if dryRun {
		fmt.Fprintln(p.out, "\nDry run: no changes made.")
		return nil
	}
	if !yes {
		msg := fmt.Sprintf("\nDelete %d conversations?", len(candidates))
		if !confirm(p.in, p.out, msg) {
			fmt.Fprintln(p.out, "Aborted.")
			return nil
		}
	}

	ids := make([]string, len(candidates))
	for i, conv := range candidates {
		ids[i] = conv.ID
	}
	deleted, err := p.db.DeleteConversations(ids)
	if err != nil {
		return err
	}
	fmt.Fprintf(p.out, "\nDeleted %d conversations.\n", deleted)
	return nil
}

func (p *pruner) writeSummary(candidates []db.Conversation) {
	byAgent := map[string]int{}
	var agents []string
	messages := 0
	for _, conv := range candidates {
		if byAgent[conv.AgentType] == 0 {
			agents = append(agents, conv.AgentType)
		}
		byAgent[conv.AgentType]++
		messages += conv.MessageCount
	}
	sort.Strings(agents)

	fmt.Fprintf(p.out, "Found %d conversations (%d messages)\n",
		len(candidates), messages)
	fmt.Fprintln(p.out, "\nBy agent:")
	for _, agent := range agents {
		fmt.Fprintf(p.out, "  %-20s %d\n", agent, byAgent[agent])
	}
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}
