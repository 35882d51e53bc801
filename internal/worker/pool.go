// Package worker drains the background job queue: conversation tagging,
// slash-command detection, and MCP detection. Jobs are claimed one at a time
// from SQLite with skip-locked-equivalent semantics and handed to an LLM
// provider; transient failures go back to the queue with backoff, permanent
// failures dead-letter after the row's attempt budget.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stenohq/steno/internal/canon"
	"github.com/stenohq/steno/internal/config"
	"github.com/stenohq/steno/internal/db"
	"github.com/stenohq/steno/internal/errkind"
	"github.com/stenohq/steno/internal/llm"
)

// pollInterval is how long an idle worker sleeps before re-checking the queue.
const pollInterval = 2 * time.Second

// retryBase seeds the transient-failure backoff: base · 3^(attempts−1).
const retryBase = 30 * time.Second

var jobKinds = []string{db.JobKindTagging, db.JobKindSlashCommand, db.JobKindMCP}

// Pool runs the background workers.
type Pool struct {
	db       *db.DB
	canon    *canon.Service
	provider llm.Provider
	cfg      *config.Config
	logger   *slog.Logger
}

// NewPool wires a worker pool. The provider may be nil when no LLM is
// configured; jobs then fail permanently with a hint.
func NewPool(database *db.DB, canonSvc *canon.Service, provider llm.Provider, cfg *config.Config, logger *slog.Logger) *Pool {
	return &Pool{db: database, canon: canonSvc, provider: provider, cfg: cfg, logger: logger}
}

// Run blocks draining the queue with up to cfg.WorkerCount concurrent
// workers until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.WorkerCount
	if n <= 0 {
		n = 1
	}
	p.logger.Info("worker pool starting", "workers", n)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		job, err := p.db.ClaimWorkerJob(workerID, jobKinds)
		if err != nil {
			p.logger.Warn("claiming job failed", "worker", workerID, "error", err.Error())
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		p.process(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// DrainOnce claims and processes at most one job; used by tests and the
// one-shot CLI path. Returns false when the queue was empty.
func (p *Pool) DrainOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.db.ClaimWorkerJob(workerID, jobKinds)
	if err != nil || job == nil {
		return false, err
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, job *db.WorkerJob) {
	p.logger.Debug("processing job",
		"job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)

	var (
		result string
		err    error
	)
	switch job.JobType {
	case db.JobKindTagging:
		result, err = p.runTagging(ctx, job)
	case db.JobKindSlashCommand:
		result, err = p.runDetection(ctx, job, slashCommandSpec)
	case db.JobKindMCP:
		result, err = p.runDetection(ctx, job, mcpSpec)
	default:
		err = errkind.Newf(errkind.InvalidArgument, "unknown job type %q", job.JobType)
	}

	switch {
	case err == nil:
		if cerr := p.db.CompleteWorkerJob(job.ID, result); cerr != nil {
			p.logger.Warn("completing job failed", "job_id", job.ID, "error", cerr.Error())
		}
	case ctx.Err() != nil:
		// Shutdown mid-job: release the claim without burning the attempt
		// budget on our own cancellation.
		p.requeue(job, "cancelled", db.Now())
	case errkind.Retryable(err):
		backoff := retryBase
		for i := 1; i < job.Attempts; i++ {
			backoff *= 3
		}
		p.logger.Warn("job failed, retrying",
			"job_id", job.ID, "attempt", job.Attempts,
			"backoff", backoff.String(), "error", err.Error())
		p.requeue(job, err.Error(), db.FormatTime(time.Now().Add(backoff)))
	default:
		p.logger.Warn("job failed permanently",
			"job_id", job.ID, "job_type", job.JobType, "error", err.Error())
		if ferr := p.db.FailWorkerJob(job.ID, err.Error()); ferr != nil {
			p.logger.Warn("failing job failed", "job_id", job.ID, "error", ferr.Error())
		}
	}
}

func (p *Pool) requeue(job *db.WorkerJob, reason, runAfter string) {
	if err := p.db.RetryWorkerJob(job.ID, reason, runAfter); err != nil {
		p.logger.Warn("requeueing job failed", "job_id", job.ID, "error", err.Error())
	}
}

// narrative canonicalizes the job's conversation for LLM consumption.
func (p *Pool) narrative(ctx context.Context, job *db.WorkerJob) (string, error) {
	if job.ConversationID == nil {
		return "", errkind.New(errkind.InvalidArgument, "job has no conversation")
	}
	res, err := p.canon.Generate(ctx, job.WorkspaceID, *job.ConversationID, canon.Options{
		Type:            canon.TypeInsights,
		IncludeChildren: true,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalizing conversation: %w", err)
	}
	return res.Narrative, nil
}
