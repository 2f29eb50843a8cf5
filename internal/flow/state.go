// Package flow drives users through guided data-entry workflows.
//
// The Engine is a finite state machine over registered Workflows. It validates each input,
// applies the step's effect (store a field, resolve a location or commit a record), runs the
// achievement evaluator after every commit and moves to the next state. The engine does not
// lock: callers must serialize submissions per user.
package flow

import (
	"context"
)

// StateManager persists conversations, one per user.
type StateManager interface {
	// Load returns the user's conversation, or nil if none is active.
	Load(ctx context.Context, userID int64) (*Conversation, error)

	// Save creates or replaces the user's conversation.
	Save(ctx context.Context, c *Conversation) error

	// Delete removes the user's conversation.
	Delete(ctx context.Context, userID int64) error

	// List returns every stored conversation.
	List(ctx context.Context) ([]*Conversation, error)
}
