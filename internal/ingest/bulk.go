package ingest

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// bulkParallelism bounds concurrent ingests in a bulk run. Database writes
// serialize on the single writer anyway; parallelism only helps hashing and
// parsing.
const bulkParallelism = 4

// FileOutcome pairs one file with its ingest result.
type FileOutcome struct {
	Path    string  `json:"path"`
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
}

// IngestPaths ingests every log file under the given files and directories,
// then runs a best-effort orphan linkage sweep. Individual file failures are
// reported per file, never aborting the batch; only context cancellation
// stops the run early.
func (p *Pipeline) IngestPaths(ctx context.Context, workspaceID string, paths []string, opts Options, maxLinkingAttempts int) ([]FileOutcome, error) {
	files, err := expandPaths(paths)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		outcomes []FileOutcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkParallelism)
	for _, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := p.IngestLogFile(gctx, workspaceID, file, opts)
			mu.Lock()
			outcomes = append(outcomes, FileOutcome{Path: file, Outcome: out, Err: err})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}

	p.LogSweep(ctx, p.logger, workspaceID, maxLinkingAttempts)
	return outcomes, nil
}

// expandPaths flattens files and directories into the list of candidate log
// files, recursing into directories and keeping only supported extensions.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(path string) {
		clean := filepath.Clean(path)
		if !seen[clean] {
			seen[clean] = true
			files = append(files, clean)
		}
	}

	for _, path := range paths {
		err := filepath.WalkDir(path, func(entry string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if entry == path || supportedLogExt(entry) {
				add(entry)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

func supportedLogExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".json", ".ndjson":
		return true
	}
	return false
}
