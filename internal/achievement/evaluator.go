package achievement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// Store is what the evaluator needs from persistence.
type Store interface {
	StatsSource
	UnlockAchievement(ctx context.Context, a models.UnlockedAchievement) (bool, error)
	ListUnlocked(ctx context.Context, userID int64) ([]models.UnlockedAchievement, error)
}

// Status pairs a catalog rule with the user's unlock state.
type Status struct {
	Rule       models.AchievementRule `json:"rule"`
	Unlocked   bool                   `json:"unlocked"`
	UnlockedAt *time.Time             `json:"unlocked_at,omitempty"`
}

// Evaluator grants achievements. It is safe for concurrent use; the store's
// (user_id, code) uniqueness guarantees a single unlock per rule.
type Evaluator struct {
	store   Store
	catalog *Catalog
	now     func() time.Time
}

// NewEvaluator creates an Evaluator over catalog.
func NewEvaluator(store Store, catalog *Catalog) *Evaluator {
	return &Evaluator{store: store, catalog: catalog, now: time.Now}
}

// Catalog returns the rule catalog.
func (e *Evaluator) Catalog() *Catalog { return e.catalog }

// Evaluate recomputes the user's stats and unlocks every rule that newly applies.
// The result is in catalog order and is empty when nothing changed since the last call.
func (e *Evaluator) Evaluate(ctx context.Context, userID int64) ([]models.AchievementRule, error) {
	stats, err := ComputeStats(ctx, e.store, userID)
	if err != nil {
		slog.Error("Evaluator Evaluate failed to compute stats", "error", err, "userID", userID)
		return nil, fmt.Errorf("compute stats: %w", err)
	}

	have, err := e.unlockedCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	var unlocked []models.AchievementRule
	for _, rule := range e.catalog.rules {
		if _, ok := have[rule.Code]; ok {
			continue
		}
		applies, err := applies(rule, stats)
		if err != nil {
			slog.Error("Evaluator rule predicate failed", "error", err, "userID", userID, "code", rule.Code)
			continue
		}
		if !applies {
			continue
		}
		created, err := e.store.UnlockAchievement(ctx, models.UnlockedAchievement{
			UserID:      userID,
			Code:        rule.Code,
			Name:        rule.Name,
			Description: rule.Description,
			UnlockedAt:  e.now().UTC(),
		})
		if err != nil {
			slog.Error("Evaluator unlock failed", "error", err, "userID", userID, "code", rule.Code)
			continue
		}
		if created {
			unlocked = append(unlocked, rule)
		}
	}
	if len(unlocked) > 0 {
		slog.Info("Evaluator Evaluate unlocked achievements", "userID", userID, "count", len(unlocked))
	}
	return unlocked, nil
}

// Progress lists every catalog rule with the user's unlock state.
func (e *Evaluator) Progress(ctx context.Context, userID int64) ([]Status, error) {
	list, err := e.store.ListUnlocked(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list unlocked achievements: %w", err)
	}
	at := make(map[string]time.Time, len(list))
	for _, a := range list {
		at[a.Code] = a.UnlockedAt
	}
	out := make([]Status, 0, len(e.catalog.rules))
	for _, rule := range e.catalog.rules {
		st := Status{Rule: rule}
		if t, ok := at[rule.Code]; ok {
			t := t
			st.Unlocked = true
			st.UnlockedAt = &t
		}
		out = append(out, st)
	}
	return out, nil
}

func (e *Evaluator) unlockedCodes(ctx context.Context, userID int64) (map[string]struct{}, error) {
	list, err := e.store.ListUnlocked(ctx, userID)
	if err != nil {
		slog.Error("Evaluator failed to list unlocked achievements", "error", err, "userID", userID)
		return nil, fmt.Errorf("list unlocked achievements: %w", err)
	}
	have := make(map[string]struct{}, len(list))
	for _, a := range list {
		have[a.Code] = struct{}{}
	}
	return have, nil
}

// applies runs a rule predicate, converting a panic into an error.
func applies(rule models.AchievementRule, stats models.AggregateStats) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	return rule.Predicate(stats), nil
}
