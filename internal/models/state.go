// Package models defines state management structures for TravelDiary workflows.
package models

import "time"

// FlowState is the persisted form of a user's active conversation.
type FlowState struct {
	UserID    int64     `json:"user_id"`
	Kind      FlowType  `json:"kind"`
	State     StateType `json:"state"`
	SessionID string    `json:"session_id"`
	Payload   []byte    `json:"payload,omitempty"` // serialized draft and history
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommitRecord journals the result of one workflow commit. Key is unique per
// conversation session and commit ordinal, so a retried step can reuse the
// records it already wrote instead of writing them again.
type CommitRecord struct {
	Key       string    `json:"key"`
	UserID    int64     `json:"user_id"`
	RecordID  int64     `json:"record_id"`
	Payload   []byte    `json:"payload,omitempty"` // draft after the commit and the achievements it unlocked
	CreatedAt time.Time `json:"created_at"`
}
