package store

import (
	"context"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	UserID      int64      `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Providers retry webhooks, so the same message id can arrive more than once.
type DedupRepo interface {
	// RecordInbound records an inbound message. It returns false only when the
	// message was already processed; a recorded but unprocessed message is
	// handed out again so a failed attempt can be retried.
	RecordInbound(ctx context.Context, messageID string, userID int64) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// PruneInbound deletes records received before the cutoff and returns how many were removed.
	PruneInbound(ctx context.Context, before time.Time) (int, error)
}

// CommitJournal stores the results of workflow commits by idempotency key.
type CommitJournal interface {
	// GetCommit returns the journaled commit for key, or nil when there is none.
	GetCommit(ctx context.Context, key string) (*models.CommitRecord, error)
	// SaveCommit stores rec. Saving an existing key keeps the first record.
	SaveCommit(ctx context.Context, rec models.CommitRecord) error
	// PruneCommits deletes entries created before the cutoff and returns how many were removed.
	PruneCommits(ctx context.Context, before time.Time) (int, error)
}
