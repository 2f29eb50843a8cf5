// Package scheduler runs TravelDiary housekeeping on cron schedules.
//
// Jobs drop expired rate-limit windows, discard conversations idle for too long,
// prune old dedup and commit journal rows and expire premium subscriptions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = time.Minute

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, timeout: DefaultJobTimeout}
}

// AddJob schedules task under expr. Each run gets a context bounded by the job timeout.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			slog.Error("Scheduler job failed", "job", name, "error", err)
			return
		}
		slog.Debug("Scheduler job succeeded", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	return nil
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// WindowSweeper drops empty rate-limit windows.
type WindowSweeper interface {
	Sweep() int
}

// ConversationSweeper discards conversations idle for longer than idleFor.
type ConversationSweeper interface {
	Sweep(ctx context.Context, idleFor time.Duration) (int, error)
}

// PremiumExpirer clears ended premium subscriptions.
type PremiumExpirer interface {
	Expire(ctx context.Context) ([]int64, error)
}

// RetentionPruner deletes inbound dedup records and commit journal entries older than a cutoff.
type RetentionPruner interface {
	PruneInbound(ctx context.Context, before time.Time) (int, error)
	PruneCommits(ctx context.Context, before time.Time) (int, error)
}

// Housekeeping groups the periodic maintenance jobs. Nil collaborators are skipped.
type Housekeeping struct {
	Limiter       WindowSweeper
	Conversations ConversationSweeper
	IdleFor       time.Duration
	Premium       PremiumExpirer
	Retention     RetentionPruner
	RetainFor     time.Duration

	SweepSchedule  string
	ExpireSchedule string
}

// Sweep drops expired limiter windows, idle conversations and bookkeeping rows past retention.
func (h Housekeeping) Sweep(ctx context.Context) error {
	if h.Limiter != nil {
		if n := h.Limiter.Sweep(); n > 0 {
			slog.Debug("Housekeeping swept limiter windows", "count", n)
		}
	}
	if h.Conversations != nil && h.IdleFor > 0 {
		n, err := h.Conversations.Sweep(ctx, h.IdleFor)
		if err != nil {
			return fmt.Errorf("sweep conversations: %w", err)
		}
		if n > 0 {
			slog.Info("Housekeeping discarded idle conversations", "count", n, "idleFor", h.IdleFor)
		}
	}
	if h.Retention != nil && h.RetainFor > 0 {
		return h.prune(ctx, time.Now().Add(-h.RetainFor))
	}
	return nil
}

func (h Housekeeping) prune(ctx context.Context, cutoff time.Time) error {
	inbound, err := h.Retention.PruneInbound(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune inbound dedup: %w", err)
	}
	commits, err := h.Retention.PruneCommits(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune commit journal: %w", err)
	}
	if inbound+commits > 0 {
		slog.Info("Housekeeping pruned bookkeeping rows", "inbound", inbound, "commits", commits, "retainFor", h.RetainFor)
	}
	return nil
}

// Expire clears ended premium subscriptions.
func (h Housekeeping) Expire(ctx context.Context) error {
	if h.Premium == nil {
		return nil
	}
	ids, err := h.Premium.Expire(ctx)
	if err != nil {
		return fmt.Errorf("expire premium: %w", err)
	}
	if len(ids) > 0 {
		slog.Info("Housekeeping expired premium subscriptions", "count", len(ids))
	}
	return nil
}

// Register schedules the housekeeping jobs on s.
func (h Housekeeping) Register(s *Scheduler) error {
	if h.SweepSchedule == "" || h.ExpireSchedule == "" {
		return errors.New("housekeeping schedules must not be empty")
	}
	if err := s.AddJob("sweep", h.SweepSchedule, h.Sweep); err != nil {
		return err
	}
	return s.AddJob("expire-premium", h.ExpireSchedule, h.Expire)
}
