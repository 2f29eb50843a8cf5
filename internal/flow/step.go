package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// Sentinel errors returned by the Engine.
var (
	ErrNoActiveWorkflow = errors.New("no active workflow")
	ErrWorkflowActive   = errors.New("a workflow is already active")
	ErrTripNotFound     = errors.New("trip not found")
	ErrUnknownFlow      = errors.New("unknown workflow")

	// ErrRateLimited is returned by commits denied by the rate limiter.
	ErrRateLimited = errors.New("rate limited")
)

// MediaInput is an attached media payload.
type MediaInput struct {
	Type models.MediaType
	Ref  string
}

// Input is one user event: free text, an out-of-band location or a media payload.
type Input struct {
	Text     string
	Location *models.Coordinates
	Media    *MediaInput
}

// Turn is the context handed to step functions while processing one input.
type Turn struct {
	Conv  *Conversation
	Input Input
	Now   time.Time

	// Hit reports whether the step's location resolution found coordinates.
	Hit bool
}

// Rejection is returned by a commit that refuses the input for a user-facing reason.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

// Reject builds a Rejection.
func Reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Step defines one state of a workflow. The engine runs, in order: Validate, Store,
// location resolution (when Locate is set), Commit, then Next.
type Step struct {
	State models.StateType

	// Prompt renders the question shown when entering the state.
	Prompt func(c *Conversation) string

	// Auto steps run as soon as they are entered, without waiting for input.
	Auto bool

	// Validate returns a rejection reason or "". It must not modify the conversation.
	Validate func(t *Turn) string

	// Store copies validated input into the draft.
	Store func(t *Turn)

	// Locate returns the (country, city, title) to geocode; Located receives the result (nil on a miss).
	Locate  func(t *Turn) (country, city, title string)
	Located func(t *Turn, coords *models.Coordinates)

	// Commit persists a record and returns its id. A zero id means nothing was written.
	Commit func(ctx context.Context, d *Deps, t *Turn) (int64, error)

	// Next picks the following state; models.StateDone completes the workflow.
	Next func(t *Turn) models.StateType

	// Targets lists every state Next may return, checked when the registry is built.
	Targets []models.StateType
}

// Workflow is a named state machine.
type Workflow struct {
	Kind    models.FlowType
	Initial models.StateType
	Steps   map[models.StateType]*Step
}

// Registry holds the process-wide workflows.
type Registry struct {
	workflows map[models.FlowType]*Workflow
}

// NewRegistry validates and indexes workflows. Any dangling state reference is a *models.ConfigurationError.
func NewRegistry(workflows ...*Workflow) (*Registry, error) {
	r := &Registry{workflows: make(map[models.FlowType]*Workflow, len(workflows))}
	for _, wf := range workflows {
		if _, dup := r.workflows[wf.Kind]; dup {
			return nil, configErr("workflow %s registered twice", wf.Kind)
		}
		if _, ok := wf.Steps[wf.Initial]; !ok {
			return nil, configErr("workflow %s: initial state %q is not defined", wf.Kind, wf.Initial)
		}
		for id, step := range wf.Steps {
			if step.State != id {
				return nil, configErr("workflow %s: step registered as %q declares %q", wf.Kind, id, step.State)
			}
			if step.Next == nil || step.Prompt == nil {
				return nil, configErr("workflow %s: step %q needs Next and Prompt", wf.Kind, id)
			}
			if (step.Locate == nil) != (step.Located == nil) {
				return nil, configErr("workflow %s: step %q must set both Locate and Located", wf.Kind, id)
			}
			for _, target := range step.Targets {
				if target == models.StateDone {
					continue
				}
				if _, ok := wf.Steps[target]; !ok {
					return nil, configErr("workflow %s: step %q points to unknown state %q", wf.Kind, id, target)
				}
			}
		}
		r.workflows[wf.Kind] = wf
	}
	return r, nil
}

// Workflow returns the workflow of the given kind.
func (r *Registry) Workflow(kind models.FlowType) (*Workflow, bool) {
	wf, ok := r.workflows[kind]
	return wf, ok
}

func configErr(format string, args ...any) error {
	return &models.ConfigurationError{Component: "flow registry", Reason: fmt.Sprintf(format, args...)}
}

// goTo returns a Next function with a fixed target.
func goTo(state models.StateType) func(*Turn) models.StateType {
	return func(*Turn) models.StateType { return state }
}

// say returns a Prompt function with fixed text.
func say(text string) func(*Conversation) string {
	return func(*Conversation) string { return text }
}
