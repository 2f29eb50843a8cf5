package premium

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// ErrInvalidDays is returned when an activation period is not positive.
var ErrInvalidDays = errors.New("premium days must be positive")

// Store is the persistence needed by the Service.
type Store interface {
	EnsureUser(ctx context.Context, userID int64, name string) (*models.User, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	SetPremium(ctx context.Context, userID int64, until time.Time) error
	ExpirePremium(ctx context.Context, now time.Time) ([]int64, error)
}

// Evaluator grants achievements after premium changes.
type Evaluator interface {
	Evaluate(ctx context.Context, userID int64) ([]models.AchievementRule, error)
}

// Service activates and expires premium subscriptions.
type Service struct {
	store     Store
	evaluator Evaluator
	now       func() time.Time
}

// NewService creates a Service. evaluator may be nil.
func NewService(store Store, evaluator Evaluator) *Service {
	return &Service{store: store, evaluator: evaluator, now: time.Now}
}

// Activation is the result of Activate.
type Activation struct {
	User     models.User              `json:"user"`
	Unlocked []models.AchievementRule `json:"unlocked,omitempty"`
}

// Activate grants premium for days, extending a still-running subscription, and evaluates achievements.
func (s *Service) Activate(ctx context.Context, userID int64, days int) (Activation, error) {
	if userID <= 0 {
		return Activation{}, models.ErrInvalidUserID
	}
	if days <= 0 {
		return Activation{}, ErrInvalidDays
	}
	u, err := s.store.EnsureUser(ctx, userID, "")
	if err != nil {
		return Activation{}, fmt.Errorf("ensure user: %w", err)
	}

	now := s.now().UTC()
	from := now
	if u.Premium && u.PremiumUntil != nil && u.PremiumUntil.After(now) {
		from = *u.PremiumUntil
	}
	until := from.AddDate(0, 0, days)
	if err := s.store.SetPremium(ctx, userID, until); err != nil {
		slog.Error("Premium Activate failed", "error", err, "userID", userID)
		return Activation{}, fmt.Errorf("set premium: %w", err)
	}
	slog.Info("Premium Activate succeeded", "userID", userID, "days", days, "until", until)

	u.Premium = true
	u.PremiumUntil = &until
	out := Activation{User: *u}
	if s.evaluator != nil {
		rules, err := s.evaluator.Evaluate(ctx, userID)
		if err != nil {
			slog.Error("Premium Activate achievement evaluation failed", "error", err, "userID", userID)
		}
		out.Unlocked = rules
	}
	return out, nil
}

// Expire clears premium for subscriptions that ended before now. Unlocked achievements are kept.
func (s *Service) Expire(ctx context.Context) ([]int64, error) {
	ids, err := s.store.ExpirePremium(ctx, s.now().UTC())
	if err != nil {
		slog.Error("Premium Expire failed", "error", err)
		return nil, fmt.Errorf("expire premium: %w", err)
	}
	if len(ids) > 0 {
		slog.Info("Premium Expire succeeded", "count", len(ids))
	}
	return ids, nil
}
