package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/BTreeMap/TravelDiary/internal/ratelimit"
)

const (
	transientReason   = "Something went wrong while saving. Please send that again."
	rateLimitedReason = "You are doing that too often. Please wait a bit and try again."
)

// RecordStore is the part of the store that workflows write through.
type RecordStore interface {
	EnsureUser(ctx context.Context, userID int64, name string) (*models.User, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	GetTrip(ctx context.Context, tripID int64) (*models.Trip, error)
	CreateTripWithPlace(ctx context.Context, trip *models.Trip, place *models.Place) error
	CreatePlace(ctx context.Context, place *models.Place) error
	FinishTrip(ctx context.Context, tripID int64, rating int, comment string) error
	SetPlaceRating(ctx context.Context, placeID int64, rating int) error
	AddMedia(ctx context.Context, media *models.Media) error
	CountPlaceMedia(ctx context.Context, placeID int64) (int, error)
	CreatePaymentRequest(ctx context.Context, req *models.PaymentRequest) error
	GetCommit(ctx context.Context, key string) (*models.CommitRecord, error)
	SaveCommit(ctx context.Context, rec models.CommitRecord) error
}

// Throttle admits or denies a user action.
type Throttle interface {
	Allow(userID int64, category ratelimit.Category) bool
}

// LocationResolver geocodes a place description. A false result is a miss.
type LocationResolver interface {
	Resolve(ctx context.Context, country, city, title string) (models.Coordinates, bool)
}

// AchievementEvaluator grants achievements after a commit.
type AchievementEvaluator interface {
	Evaluate(ctx context.Context, userID int64) ([]models.AchievementRule, error)
}

// Serializer runs fn while no other work for the user is in flight.
type Serializer interface {
	Do(userID int64, fn func() error) error
}

type unserialized struct{}

func (unserialized) Do(userID int64, fn func() error) error { return fn() }

// Deps are the collaborators available to step commits.
type Deps struct {
	Store   RecordStore
	Limiter Throttle
}

// Opts holds optional engine collaborators.
type Opts struct {
	Resolver   LocationResolver
	Evaluator  AchievementEvaluator
	Limiter    Throttle
	Serializer Serializer
	Clock      func() time.Time
}

// Option configures an Engine.
type Option func(*Opts)

// WithResolver sets the geocoder used by location steps. Without one every resolution misses.
func WithResolver(r LocationResolver) Option {
	return func(o *Opts) {
		o.Resolver = r
	}
}

// WithEvaluator sets the achievement evaluator run after commits.
func WithEvaluator(e AchievementEvaluator) Option {
	return func(o *Opts) {
		o.Evaluator = e
	}
}

// WithLimiter sets the throttle used by rate-limited commits.
func WithLimiter(l Throttle) Option {
	return func(o *Opts) {
		o.Limiter = l
	}
}

// WithSerializer makes Sweep remove each conversation under the user's lock,
// so a sweep never races a message being handled for the same user.
func WithSerializer(s Serializer) Option {
	return func(o *Opts) {
		o.Serializer = s
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = clock
	}
}

// StartOptions carries workflow-specific start parameters.
type StartOptions struct {
	// TripID is the enclosing trip for place_creation.
	TripID int64
	// Name is recorded when the user is first seen.
	Name string
}

// Engine drives users through workflows.
type Engine struct {
	registry *Registry
	states   StateManager
	deps     *Deps
	opts     Opts
}

// NewEngine creates an Engine.
func NewEngine(registry *Registry, states StateManager, store RecordStore, opts ...Option) *Engine {
	o := Opts{Clock: time.Now, Serializer: unserialized{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{
		registry: registry,
		states:   states,
		deps:     &Deps{Store: store, Limiter: o.Limiter},
		opts:     o,
	}
}

// Start opens a workflow for the user and returns its first prompt.
func (e *Engine) Start(ctx context.Context, userID int64, kind models.FlowType, so StartOptions) (Outcome, error) {
	if userID <= 0 {
		return Outcome{}, models.ErrInvalidUserID
	}
	wf, ok := e.registry.Workflow(kind)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownFlow, kind)
	}
	existing, err := e.states.Load(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load conversation: %w", err)
	}
	if existing != nil {
		slog.Debug("Engine Start rejected, workflow active", "userID", userID, "flow", kind, "active", existing.Kind)
		return Outcome{}, fmt.Errorf("%w: %s", ErrWorkflowActive, existing.Kind)
	}
	if _, err := e.deps.Store.EnsureUser(ctx, userID, so.Name); err != nil {
		return Outcome{}, fmt.Errorf("ensure user: %w", err)
	}

	draft, err := newDraft(kind)
	if err != nil {
		return Outcome{}, err
	}
	if kind == models.FlowPlace {
		trip, err := e.deps.Store.GetTrip(ctx, so.TripID)
		if err != nil {
			return Outcome{}, fmt.Errorf("get trip: %w", err)
		}
		if trip == nil || trip.UserID != userID {
			return Outcome{}, ErrTripNotFound
		}
		td := draft.(*TripDraft)
		td.TripID = trip.ID
		td.Country = trip.Country
		td.StartDate = trip.StartDate
		if trip.EndDate != nil {
			end := *trip.EndDate
			td.EndDate = &end
		}
	}

	c := &Conversation{
		UserID:    userID,
		SessionID: uuid.NewString(),
		Kind:      kind,
		State:     wf.Initial,
		Draft:     draft,
	}
	if err := e.states.Save(ctx, c); err != nil {
		return Outcome{}, fmt.Errorf("save conversation: %w", err)
	}
	slog.Info("Engine Start succeeded", "userID", userID, "flow", kind, "session", c.SessionID)
	return Outcome{
		Kind:   OutcomePrompt,
		Flow:   kind,
		State:  c.State,
		Prompt: wf.Steps[c.State].Prompt(c),
	}, nil
}

// Submit feeds one input to the user's active workflow.
func (e *Engine) Submit(ctx context.Context, userID int64, in Input) (Outcome, error) {
	c, err := e.states.Load(ctx, userID)
	if err != nil {
		slog.Error("Engine Submit failed to load conversation", "error", err, "userID", userID)
		return Outcome{Kind: OutcomeTransient, Reason: transientReason}, nil
	}
	if c == nil {
		return Outcome{}, ErrNoActiveWorkflow
	}
	wf, ok := e.registry.Workflow(c.Kind)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownFlow, c.Kind)
	}
	return e.advance(ctx, wf, c, in)
}

// advance runs steps starting at c.State until one needs input or the workflow completes.
// Each step works on a clone; the persisted conversation only moves after the step succeeds.
func (e *Engine) advance(ctx context.Context, wf *Workflow, c *Conversation, in Input) (Outcome, error) {
	out := Outcome{Flow: c.Kind}
	for {
		step, ok := wf.Steps[c.State]
		if !ok {
			return Outcome{}, configErr("workflow %s: conversation of user %d is in unknown state %q", c.Kind, c.UserID, c.State)
		}

		next := c.Clone()
		t := &Turn{Conv: next, Input: in, Now: e.opts.Clock()}
		if step.Validate != nil {
			if reason := step.Validate(t); reason != "" {
				slog.Debug("Engine Submit rejected", "userID", c.UserID, "flow", c.Kind, "state", c.State, "reason", reason)
				out.Kind, out.State, out.Reason = OutcomeRejected, c.State, reason
				return out, nil
			}
		}
		if step.Store != nil {
			step.Store(t)
		}
		if step.Locate != nil {
			e.locate(ctx, step, t)
		}
		if step.Commit != nil {
			id, unlocked, err := e.commit(ctx, step, t)
			if err != nil {
				return e.commitFailed(out, c, err), nil
			}
			if id != 0 {
				out.RecordID = id
				out.Unlocked = append(out.Unlocked, unlocked...)
			}
		}

		state := step.Next(t)
		if state != next.State {
			next.History = append(next.History, next.State)
			next.State = state
		}

		if state == models.StateDone {
			if err := e.states.Delete(ctx, c.UserID); err != nil {
				slog.Error("Engine failed to delete completed conversation", "error", err, "userID", c.UserID)
			}
			out.Kind, out.State = OutcomeCompleted, models.StateDone
			out.RecordID = next.PrimaryRecord()
			slog.Info("Engine workflow completed", "userID", c.UserID, "flow", c.Kind, "recordID", out.RecordID)
			return out, nil
		}

		nextStep, ok := wf.Steps[state]
		if !ok {
			return Outcome{}, configErr("workflow %s: step %q moved to unknown state %q", c.Kind, step.State, state)
		}
		if err := e.states.Save(ctx, next); err != nil {
			slog.Error("Engine failed to save conversation", "error", err, "userID", c.UserID, "state", state)
			out.Kind, out.State, out.Reason = OutcomeTransient, c.State, transientReason
			return out, nil
		}
		c = next
		if nextStep.Auto {
			in = Input{}
			continue
		}
		out.Kind, out.State, out.Prompt = OutcomePrompt, state, nextStep.Prompt(c)
		return out, nil
	}
}

// journalEntry is the payload of a CommitRecord.
type journalEntry struct {
	State    models.StateType         `json:"state"`
	Draft    json.RawMessage          `json:"draft"`
	Unlocked []models.AchievementRule `json:"unlocked,omitempty"`
}

func commitKey(c *Conversation) string {
	return fmt.Sprintf("%s:%d", c.SessionID, c.Commits)
}

// commit runs the step's commit at most once per conversation position.
// A successful commit is journaled under the session and commit ordinal; when the
// conversation could not be saved afterwards, the retried step replays the journal
// instead of writing the records again.
func (e *Engine) commit(ctx context.Context, step *Step, t *Turn) (int64, []models.AchievementRule, error) {
	conv := t.Conv
	key := commitKey(conv)
	if id, unlocked, ok := e.replay(ctx, key, step, conv); ok {
		conv.Commits++
		return id, unlocked, nil
	}

	id, err := step.Commit(ctx, e.deps, t)
	if err != nil || id == 0 {
		return id, nil, err
	}
	unlocked := e.evaluate(ctx, conv.UserID)
	conv.Commits++

	draft, err := json.Marshal(conv.Draft)
	if err == nil {
		var payload []byte
		payload, err = json.Marshal(journalEntry{State: step.State, Draft: draft, Unlocked: unlocked})
		if err == nil {
			err = e.deps.Store.SaveCommit(ctx, models.CommitRecord{
				Key:       key,
				UserID:    conv.UserID,
				RecordID:  id,
				Payload:   payload,
				CreatedAt: t.Now,
			})
		}
	}
	if err != nil {
		slog.Error("Engine failed to journal commit", "error", err, "userID", conv.UserID, "key", key)
	}
	return id, unlocked, nil
}

// replay restores the draft written by a journaled commit of this step.
func (e *Engine) replay(ctx context.Context, key string, step *Step, conv *Conversation) (int64, []models.AchievementRule, bool) {
	rec, err := e.deps.Store.GetCommit(ctx, key)
	if err != nil {
		slog.Error("Engine failed to read commit journal", "error", err, "userID", conv.UserID, "key", key)
		return 0, nil, false
	}
	if rec == nil || rec.UserID != conv.UserID {
		return 0, nil, false
	}
	var entry journalEntry
	if err := json.Unmarshal(rec.Payload, &entry); err != nil || entry.State != step.State {
		slog.Warn("Engine ignoring commit journal entry", "error", err, "userID", conv.UserID, "key", key, "state", entry.State)
		return 0, nil, false
	}
	draft, err := newDraft(conv.Kind)
	if err != nil {
		return 0, nil, false
	}
	if err := json.Unmarshal(entry.Draft, draft); err != nil {
		slog.Warn("Engine ignoring commit journal draft", "error", err, "userID", conv.UserID, "key", key)
		return 0, nil, false
	}
	conv.Draft = draft
	slog.Info("Engine replayed journaled commit", "userID", conv.UserID, "flow", conv.Kind, "state", step.State, "recordID", rec.RecordID)
	return rec.RecordID, entry.Unlocked, true
}

func (e *Engine) commitFailed(out Outcome, c *Conversation, err error) Outcome {
	out.State = c.State
	var rej *Rejection
	switch {
	case errors.As(err, &rej):
		out.Kind, out.Reason = OutcomeRejected, rej.Reason
	case errors.Is(err, ErrRateLimited):
		slog.Info("Engine commit rate limited", "userID", c.UserID, "flow", c.Kind, "state", c.State)
		out.Kind, out.Reason = OutcomeRateLimited, rateLimitedReason
	default:
		slog.Error("Engine commit failed", "error", err, "userID", c.UserID, "flow", c.Kind, "state", c.State)
		out.Kind, out.Reason = OutcomeTransient, transientReason
	}
	return out
}

func (e *Engine) locate(ctx context.Context, step *Step, t *Turn) {
	country, city, title := step.Locate(t)
	if e.opts.Resolver != nil {
		if coords, ok := e.opts.Resolver.Resolve(ctx, country, city, title); ok {
			t.Hit = true
			step.Located(t, &coords)
			return
		}
	}
	step.Located(t, nil)
}

// evaluate runs the evaluator; its failure never undoes the commit that triggered it.
func (e *Engine) evaluate(ctx context.Context, userID int64) []models.AchievementRule {
	if e.opts.Evaluator == nil {
		return nil
	}
	rules, err := e.opts.Evaluator.Evaluate(ctx, userID)
	if err != nil {
		slog.Error("Engine achievement evaluation failed", "error", err, "userID", userID)
		return nil
	}
	return rules
}

// Cancel destroys the user's active workflow.
func (e *Engine) Cancel(ctx context.Context, userID int64) error {
	c, err := e.states.Load(ctx, userID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if c == nil {
		return ErrNoActiveWorkflow
	}
	if err := e.states.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	slog.Info("Engine Cancel succeeded", "userID", userID, "flow", c.Kind, "state", c.State)
	return nil
}

// Active returns the user's conversation, or nil when none is active.
func (e *Engine) Active(ctx context.Context, userID int64) (*Conversation, error) {
	return e.states.Load(ctx, userID)
}

// Conversations returns every persisted conversation.
func (e *Engine) Conversations(ctx context.Context) ([]*Conversation, error) {
	return e.states.List(ctx)
}

// Prompt re-renders the question of the user's current state.
func (e *Engine) Prompt(ctx context.Context, userID int64) (Outcome, error) {
	c, err := e.states.Load(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load conversation: %w", err)
	}
	if c == nil {
		return Outcome{}, ErrNoActiveWorkflow
	}
	wf, ok := e.registry.Workflow(c.Kind)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownFlow, c.Kind)
	}
	step, ok := wf.Steps[c.State]
	if !ok {
		return Outcome{}, configErr("workflow %s: unknown state %q", c.Kind, c.State)
	}
	return Outcome{Kind: OutcomePrompt, Flow: c.Kind, State: c.State, Prompt: step.Prompt(c)}, nil
}

// Sweep destroys conversations idle for longer than idleFor and returns how many were removed.
// Each candidate is re-read under the user's lock and kept if it moved on since the listing.
func (e *Engine) Sweep(ctx context.Context, idleFor time.Duration) (int, error) {
	all, err := e.states.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}
	cutoff := e.opts.Clock().Add(-idleFor)
	removed := 0
	for _, c := range all {
		if !c.UpdatedAt.Before(cutoff) {
			continue
		}
		err := e.opts.Serializer.Do(c.UserID, func() error {
			cur, err := e.states.Load(ctx, c.UserID)
			if err != nil {
				return fmt.Errorf("reload conversation: %w", err)
			}
			if cur == nil || cur.SessionID != c.SessionID || !cur.UpdatedAt.Before(cutoff) {
				slog.Debug("Engine Sweep skipped active conversation", "userID", c.UserID)
				return nil
			}
			if err := e.states.Delete(ctx, c.UserID); err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			removed++
			return nil
		})
		if err != nil {
			slog.Error("Engine Sweep failed", "error", err, "userID", c.UserID)
		}
	}
	if removed > 0 {
		slog.Info("Engine Sweep removed idle conversations", "count", removed, "idleFor", idleFor)
	}
	return removed, nil
}
