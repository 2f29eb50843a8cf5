// Package store provides storage backends for TravelDiary.
//
// It includes an in-memory store and SQL-backed stores for SQLite and PostgreSQL.
// Lookups of a single missing record return (nil, nil).
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// Store is the persistence collaborator for every TravelDiary component.
type Store interface {
	// Users.
	EnsureUser(ctx context.Context, userID int64, name string) (*models.User, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	SetPremium(ctx context.Context, userID int64, until time.Time) error
	ExpirePremium(ctx context.Context, now time.Time) ([]int64, error)

	// Trips and places. Create methods fill in the generated IDs.
	CreateTripWithPlace(ctx context.Context, trip *models.Trip, place *models.Place) error
	CreatePlace(ctx context.Context, place *models.Place) error
	GetTrip(ctx context.Context, tripID int64) (*models.Trip, error)
	FinishTrip(ctx context.Context, tripID int64, rating int, comment string) error
	SetPlaceRating(ctx context.Context, placeID int64, rating int) error
	ListTrips(ctx context.Context, userID int64) ([]models.Trip, error)
	ListPlaces(ctx context.Context, tripID int64) ([]models.Place, error)
	ListUserPlaces(ctx context.Context, userID int64) ([]models.Place, error)

	// Media.
	AddMedia(ctx context.Context, media *models.Media) error
	CountPlaceMedia(ctx context.Context, placeID int64) (int, error)
	CountMedia(ctx context.Context, userID int64, mediaType models.MediaType) (int, error)

	// Achievements. UnlockAchievement reports whether a new row was created.
	UnlockAchievement(ctx context.Context, a models.UnlockedAchievement) (bool, error)
	ListUnlocked(ctx context.Context, userID int64) ([]models.UnlockedAchievement, error)

	// Premium payment requests.
	CreatePaymentRequest(ctx context.Context, req *models.PaymentRequest) error
	ListPaymentRequests(ctx context.Context, status models.PaymentStatus) ([]models.PaymentRequest, error)

	// Conversation state, one row per user.
	SaveFlowState(ctx context.Context, state models.FlowState) error
	GetFlowState(ctx context.Context, userID int64) (*models.FlowState, error)
	DeleteFlowState(ctx context.Context, userID int64) error
	ListFlowStates(ctx context.Context) ([]models.FlowState, error)

	DedupRepo
	CommitJournal

	Close() error
}

// Opts holds configuration for SQL stores.
type Opts struct {
	DSN string
}

// Option configures a SQL store.
type Option func(*Opts)

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets a SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType guesses the backend from a DSN.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open connects to the backend named by DSN. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == DSNTypePostgres {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
