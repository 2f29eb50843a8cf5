package models

import "time"

// AggregateStats are the per-user counters achievement rules are evaluated against.
// They are recomputed from stored records on every evaluation.
type AggregateStats struct {
	FinishedTrips   int  `json:"finished_trips"`
	Places          int  `json:"places"`
	Photos          int  `json:"photos"`
	LongestTripDays int  `json:"longest_trip_days"`
	PerfectRatings  int  `json:"perfect_ratings"`
	Countries       int  `json:"countries"`
	Premium         bool `json:"premium"`
}

// AchievementRule is one entry of the static achievement catalog.
type AchievementRule struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Metric      string `json:"metric,omitempty"`
	Threshold   int    `json:"threshold,omitempty"`

	// Predicate decides whether the rule applies to the given stats.
	Predicate func(AggregateStats) bool `json:"-"`
}

// UnlockedAchievement records that a user earned a rule. Unique per (UserID, Code).
type UnlockedAchievement struct {
	UserID      int64     `json:"user_id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	UnlockedAt  time.Time `json:"unlocked_at"`
}
