package flow

import "github.com/BTreeMap/TravelDiary/internal/models"

// OutcomeKind classifies the result of Start or Submit.
type OutcomeKind string

const (
	// OutcomePrompt: the input was accepted and the next question is in Prompt.
	OutcomePrompt OutcomeKind = "prompt"
	// OutcomeRejected: validation failed; Reason holds the message and the state did not change.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeCompleted: the workflow finished and its context was destroyed.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeRateLimited: the action was throttled; the state did not change.
	OutcomeRateLimited OutcomeKind = "rate_limited"
	// OutcomeTransient: an infrastructure failure; the pre-commit state is kept and the user may retry.
	OutcomeTransient OutcomeKind = "transient"
)

// Outcome is what the front end renders after a Start or Submit.
type Outcome struct {
	Kind   OutcomeKind      `json:"kind"`
	Flow   models.FlowType  `json:"flow,omitempty"`
	State  models.StateType `json:"state,omitempty"`
	Prompt string           `json:"prompt,omitempty"`
	Reason string           `json:"reason,omitempty"`

	// RecordID is the last record committed while handling the input,
	// or the workflow's primary record on completion.
	RecordID int64 `json:"record_id,omitempty"`

	// Unlocked lists achievements newly granted by commits during this input.
	Unlocked []models.AchievementRule `json:"unlocked,omitempty"`
}
