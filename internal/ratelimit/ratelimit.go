// Package ratelimit provides per-user, per-category sliding-window admission control.
//
// State lives in memory only and is reset when the process restarts. Long-running callers
// should call Sweep periodically to drop windows that no longer hold any timestamps.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Category names an independent admission budget.
type Category string

// Built-in categories.
const (
	CategoryDefault     Category = "default"
	CategoryHeatmap     Category = "heatmap"
	CategoryMediaUpload Category = "media_upload"
	CategoryStats       Category = "stats"
	CategoryExport      Category = "export"
	CategoryGeocoding   Category = "geocoding_api"
)

// ProcessWide is the pseudo user id for budgets shared by the whole process,
// such as outbound geocoding lookups.
const ProcessWide int64 = 0

// Policy bounds the number of admitted calls within a trailing window.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultPolicies returns the built-in category policies.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		CategoryDefault:     {MaxRequests: 10, Window: 60 * time.Second},
		CategoryHeatmap:     {MaxRequests: 3, Window: 300 * time.Second},
		CategoryMediaUpload: {MaxRequests: 10, Window: 120 * time.Second},
		CategoryStats:       {MaxRequests: 5, Window: 60 * time.Second},
		CategoryExport:      {MaxRequests: 1, Window: 300 * time.Second},
		CategoryGeocoding:   {MaxRequests: 50, Window: 60 * time.Second},
	}
}

// Opts holds configuration for a Limiter.
type Opts struct {
	Clock         func() time.Time
	Policies      map[Category]Policy
	DefaultPolicy Policy
}

// Option configures a Limiter.
type Option func(*Opts)

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// WithPolicy sets or overrides the policy of one category.
func WithPolicy(category Category, p Policy) Option {
	return func(o *Opts) {
		o.Policies[category] = p
	}
}

// WithDefaultPolicy sets the policy used for categories without their own entry.
func WithDefaultPolicy(p Policy) Option {
	return func(o *Opts) {
		o.DefaultPolicy = p
	}
}

type windowKey struct {
	userID   int64
	category Category
}

// Limiter tracks admitted timestamps per (user, category).
type Limiter struct {
	mu       sync.Mutex
	now      func() time.Time
	policies map[Category]Policy
	fallback Policy
	windows  map[windowKey][]time.Time
}

// New creates a Limiter with the built-in policies and applies opts on top.
func New(opts ...Option) *Limiter {
	defaults := DefaultPolicies()
	o := Opts{
		Clock:         time.Now,
		Policies:      defaults,
		DefaultPolicy: defaults[CategoryDefault],
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Limiter{
		now:      o.Clock,
		policies: o.Policies,
		fallback: o.DefaultPolicy,
		windows:  make(map[windowKey][]time.Time),
	}
}

// Policy returns the effective policy for a category.
func (l *Limiter) Policy(category Category) Policy {
	if p, ok := l.policies[category]; ok {
		return p
	}
	return l.fallback
}

// Allow reports whether a call by userID in category is admitted, recording it if so.
// A denied call does not consume a slot.
func (l *Limiter) Allow(userID int64, category Category) bool {
	policy := l.Policy(category)
	now := l.now()
	key := windowKey{userID: userID, category: category}

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.windows[key], now, policy.Window)
	if len(recent) >= policy.MaxRequests {
		l.windows[key] = recent
		slog.Debug("Limiter Allow denied", "userID", userID, "category", category, "count", len(recent))
		return false
	}
	l.windows[key] = append(recent, now)
	return true
}

// Sweep prunes every window and drops the ones left empty. It returns the number of windows dropped.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for key, stamps := range l.windows {
		recent := prune(stamps, now, l.Policy(key.category).Window)
		if len(recent) == 0 {
			delete(l.windows, key)
			dropped++
			continue
		}
		l.windows[key] = recent
	}
	if dropped > 0 {
		slog.Debug("Limiter Sweep dropped idle windows", "count", dropped, "remaining", len(l.windows))
	}
	return dropped
}

// prune keeps timestamps strictly younger than window. stamps is in admission order,
// so the first young entry marks the cut.
func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(stamps) && now.Sub(stamps[cut]) >= window {
		cut++
	}
	if cut == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[cut:]...)
}
