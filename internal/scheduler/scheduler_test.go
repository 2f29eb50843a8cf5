package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("noop", "* * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("bad", "every minute", func(context.Context) error { return nil }); err == nil {
		t.Errorf("Expected an error for an invalid expression")
	}
	if n := s.Jobs(); n != 1 {
		t.Errorf("Jobs() = %d, want 1", n)
	}
}

type fakeLimiter struct{ calls int }

func (f *fakeLimiter) Sweep() int { f.calls++; return 2 }

type fakeConversations struct {
	idleFor time.Duration
	err     error
}

func (f *fakeConversations) Sweep(_ context.Context, idleFor time.Duration) (int, error) {
	f.idleFor = idleFor
	return 1, f.err
}

type fakePremium struct {
	calls int
	err   error
}

func (f *fakePremium) Expire(context.Context) ([]int64, error) {
	f.calls++
	return []int64{7}, f.err
}

func TestHousekeepingSweep(t *testing.T) {
	lim := &fakeLimiter{}
	conv := &fakeConversations{}
	h := Housekeeping{Limiter: lim, Conversations: conv, IdleFor: 2 * time.Hour}

	if err := h.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if lim.calls != 1 || conv.idleFor != 2*time.Hour {
		t.Fatalf("collaborators not called: %d %s", lim.calls, conv.idleFor)
	}

	conv.err = errors.New("db down")
	if err := h.Sweep(context.Background()); err == nil {
		t.Fatalf("expected the conversation sweep error")
	}

	if err := (Housekeeping{}).Sweep(context.Background()); err != nil {
		t.Fatalf("empty housekeeping should be a no-op: %v", err)
	}
}

type fakePruner struct {
	inbound, commits time.Time
	err              error
}

func (f *fakePruner) PruneInbound(_ context.Context, before time.Time) (int, error) {
	f.inbound = before
	return 3, f.err
}

func (f *fakePruner) PruneCommits(_ context.Context, before time.Time) (int, error) {
	f.commits = before
	return 1, nil
}

func TestHousekeepingPrunesPastRetention(t *testing.T) {
	p := &fakePruner{}
	h := Housekeeping{Retention: p, RetainFor: 48 * time.Hour}

	before := time.Now()
	if err := h.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	lo, hi := before.Add(-48*time.Hour), time.Now().Add(-48*time.Hour)
	if p.inbound.Before(lo) || p.inbound.After(hi) {
		t.Fatalf("inbound cutoff %s not within [%s, %s]", p.inbound, lo, hi)
	}
	if !p.commits.Equal(p.inbound) {
		t.Fatalf("commit cutoff %s differs from inbound cutoff %s", p.commits, p.inbound)
	}

	p.err = errors.New("db down")
	if err := h.Sweep(context.Background()); err == nil {
		t.Fatalf("expected the prune error")
	}

	idle := &fakePruner{}
	if err := (Housekeeping{Retention: idle}).Sweep(context.Background()); err != nil || !idle.inbound.IsZero() {
		t.Fatalf("pruning without a retention period should be skipped: %v", err)
	}
}

func TestHousekeepingExpire(t *testing.T) {
	p := &fakePremium{}
	h := Housekeeping{Premium: p}
	if err := h.Expire(context.Background()); err != nil || p.calls != 1 {
		t.Fatalf("Expire: %v, calls %d", err, p.calls)
	}
	p.err = errors.New("db down")
	if err := h.Expire(context.Background()); err == nil {
		t.Fatalf("expected the expiry error")
	}
}

func TestHousekeepingRegister(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := (Housekeeping{}).Register(s); err == nil {
		t.Fatalf("expected an error for empty schedules")
	}
	h := Housekeeping{SweepSchedule: "*/10 * * * *", ExpireSchedule: "0 * * * *"}
	if err := h.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if n := s.Jobs(); n != 2 {
		t.Fatalf("Jobs() = %d, want 2", n)
	}
}
