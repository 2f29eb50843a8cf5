package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// FlowStateStore is the part of the store that holds conversation rows.
type FlowStateStore interface {
	SaveFlowState(ctx context.Context, state models.FlowState) error
	GetFlowState(ctx context.Context, userID int64) (*models.FlowState, error)
	DeleteFlowState(ctx context.Context, userID int64) error
	ListFlowStates(ctx context.Context) ([]models.FlowState, error)
}

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store FlowStateStore
	now   func() time.Time
}

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st FlowStateStore) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st, now: time.Now}
}

// Load retrieves the conversation for a user.
func (sm *StoreBasedStateManager) Load(ctx context.Context, userID int64) (*Conversation, error) {
	st, err := sm.store.GetFlowState(ctx, userID)
	if err != nil {
		slog.Error("StateManager Load error", "error", err, "userID", userID)
		return nil, err
	}
	if st == nil {
		slog.Debug("StateManager Load not found", "userID", userID)
		return nil, nil
	}
	c, err := decodeConversation(*st)
	if err != nil {
		slog.Error("StateManager Load decode error", "error", err, "userID", userID)
		return nil, err
	}
	return c, nil
}

// Save persists the conversation and stamps UpdatedAt.
func (sm *StoreBasedStateManager) Save(ctx context.Context, c *Conversation) error {
	now := sm.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	st, err := encodeConversation(c)
	if err != nil {
		slog.Error("StateManager Save encode error", "error", err, "userID", c.UserID)
		return err
	}
	if err := sm.store.SaveFlowState(ctx, st); err != nil {
		slog.Error("StateManager Save error", "error", err, "userID", c.UserID, "flow", c.Kind, "state", c.State)
		return err
	}
	slog.Debug("StateManager Save succeeded", "userID", c.UserID, "flow", c.Kind, "state", c.State)
	return nil
}

// Delete removes all state for a user.
func (sm *StoreBasedStateManager) Delete(ctx context.Context, userID int64) error {
	if err := sm.store.DeleteFlowState(ctx, userID); err != nil {
		slog.Error("StateManager Delete error", "error", err, "userID", userID)
		return err
	}
	slog.Debug("StateManager Delete succeeded", "userID", userID)
	return nil
}

// List decodes every stored conversation. Rows that fail to decode are skipped.
func (sm *StoreBasedStateManager) List(ctx context.Context) ([]*Conversation, error) {
	rows, err := sm.store.ListFlowStates(ctx)
	if err != nil {
		slog.Error("StateManager List error", "error", err)
		return nil, err
	}
	out := make([]*Conversation, 0, len(rows))
	for _, st := range rows {
		c, err := decodeConversation(st)
		if err != nil {
			slog.Warn("StateManager List skipping undecodable conversation", "error", err, "userID", st.UserID)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
