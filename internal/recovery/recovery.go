// Package recovery restores TravelDiary runtime state after a restart.
//
// Conversations survive restarts in the store. On startup the manager drops the ones
// that went stale while the process was down and can remind the remaining users of
// the question they were answering.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/flow"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context) error
}

// Manager orchestrates recovery of all registered components
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component that can be recovered.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every component. A failing component does not stop the others;
// the joined errors are returned.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Recovery starting", "components", len(m.recoverables))

	var errs []error
	for _, r := range m.recoverables {
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("Recovery component failed", "error", err, "component", fmt.Sprintf("%T", r))
			errs = append(errs, err)
		}
	}

	slog.Info("Recovery completed", "recovered", len(m.recoverables)-len(errs), "errors", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %w",
			len(errs), len(m.recoverables), errors.Join(errs...))
	}
	return nil
}

// ConversationEngine is the part of the flow engine recovery needs.
type ConversationEngine interface {
	Sweep(ctx context.Context, idleFor time.Duration) (int, error)
	Conversations(ctx context.Context) ([]*flow.Conversation, error)
	Prompt(ctx context.Context, userID int64) (flow.Outcome, error)
}

// Notifier delivers a chat message to a canonical recipient.
type Notifier interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ResumeNotice prefixes the reminder sent to users with an open conversation.
const ResumeNotice = "We were briefly offline. Let's continue where you left off:\n"

// ConversationRecovery drops conversations idle for longer than IdleFor and, when a
// Notifier is set, re-sends the pending question to every remaining user.
type ConversationRecovery struct {
	Engine   ConversationEngine
	IdleFor  time.Duration
	Notifier Notifier
}

// RecoverState implements Recoverable.
func (r *ConversationRecovery) RecoverState(ctx context.Context) error {
	if r.IdleFor > 0 {
		if _, err := r.Engine.Sweep(ctx, r.IdleFor); err != nil {
			return fmt.Errorf("sweep stale conversations: %w", err)
		}
	}
	convs, err := r.Engine.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	slog.Info("ConversationRecovery found resumable conversations", "count", len(convs))
	if r.Notifier == nil {
		return nil
	}

	notified := 0
	for _, c := range convs {
		out, err := r.Engine.Prompt(ctx, c.UserID)
		if err != nil {
			slog.Warn("ConversationRecovery could not render prompt", "error", err, "userID", c.UserID, "flow", c.Kind)
			continue
		}
		// User ids are the sender's canonical phone digits.
		to := strconv.FormatInt(c.UserID, 10)
		if err := r.Notifier.SendMessage(ctx, to, ResumeNotice+out.Prompt); err != nil {
			slog.Warn("ConversationRecovery failed to notify user", "error", err, "userID", c.UserID)
			continue
		}
		notified++
	}
	slog.Info("ConversationRecovery notified users", "count", notified)
	return nil
}
