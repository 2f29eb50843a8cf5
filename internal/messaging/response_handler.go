package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/TravelDiary/internal/achievement"
	"github.com/BTreeMap/TravelDiary/internal/flow"
	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/BTreeMap/TravelDiary/internal/store"
)

// Engine is the workflow engine as seen by the chat front end.
type Engine interface {
	Start(ctx context.Context, userID int64, kind models.FlowType, so flow.StartOptions) (flow.Outcome, error)
	Submit(ctx context.Context, userID int64, in flow.Input) (flow.Outcome, error)
	Cancel(ctx context.Context, userID int64) error
}

// ProgressSource lists a user's achievements.
type ProgressSource interface {
	Progress(ctx context.Context, userID int64) ([]achievement.Status, error)
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithDedup drops inbound messages whose provider id was already seen.
func WithDedup(repo store.DedupRepo) HandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = repo }
}

// WithProgress enables the /achievements command.
func WithProgress(p ProgressSource) HandlerOption {
	return func(rh *ResponseHandler) { rh.progress = p }
}

// WithDispatcher shares a per-user dispatcher with other front ends.
func WithDispatcher(d *Dispatcher) HandlerOption {
	return func(rh *ResponseHandler) { rh.dispatcher = d }
}

// ResponseHandler routes inbound chat messages to commands or the active workflow
// and sends the reply.
type ResponseHandler struct {
	msgService Service
	engine     Engine
	progress   ProgressSource
	dedup      store.DedupRepo
	dispatcher *Dispatcher
}

// NewResponseHandler creates a ResponseHandler replying through msgService.
func NewResponseHandler(msgService Service, engine Engine, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{msgService: msgService, engine: engine}
	for _, opt := range opts {
		opt(rh)
	}
	if rh.dispatcher == nil {
		rh.dispatcher = NewDispatcher()
	}
	return rh
}

// Dispatcher returns the per-user dispatcher used by the handler.
func (rh *ResponseHandler) Dispatcher() *Dispatcher { return rh.dispatcher }

// UserIDFromPhone maps a canonical phone number to the numeric user id.
func UserIDFromPhone(canonical string) (int64, error) {
	id, err := strconv.ParseInt(canonical, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidUserID, canonical)
	}
	return id, nil
}

// ProcessResponse handles one inbound message and sends the reply.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	userID, err := UserIDFromPhone(canonicalFrom)
	if err != nil {
		return err
	}

	return rh.dispatcher.Do(userID, func() error {
		return rh.process(ctx, userID, canonicalFrom, response)
	})
}

// process runs under the user's lock, so a redelivered message is checked only after
// the first delivery finished. A message is marked processed once it was handled;
// a failed attempt stays unprocessed and the provider's retry is handled again.
func (rh *ResponseHandler) process(ctx context.Context, userID int64, canonicalFrom string, response models.Response) error {
	dedup := rh.dedup != nil && response.MessageID != ""
	if dedup {
		fresh, err := rh.dedup.RecordInbound(ctx, response.MessageID, userID)
		if err != nil {
			slog.Error("ResponseHandler dedup check failed", "error", err, "messageID", response.MessageID)
			return fmt.Errorf("record inbound: %w", err)
		}
		if !fresh {
			slog.Info("ResponseHandler dropping duplicate message", "messageID", response.MessageID, "userID", userID)
			return nil
		}
	}

	reply, err := rh.handle(ctx, userID, response)
	if err != nil {
		slog.Error("ResponseHandler handling failed", "error", err, "userID", userID)
		errorMsg := "⚠️ We encountered an issue processing your message. Please try again."
		if sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, errorMsg); sendErr != nil {
			slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
		}
		return fmt.Errorf("handle message: %w", err)
	}

	if dedup {
		if err := rh.dedup.MarkProcessed(ctx, response.MessageID); err != nil {
			slog.Warn("ResponseHandler failed to mark message processed", "error", err, "messageID", response.MessageID)
		}
	}

	if err := rh.msgService.SendMessage(ctx, canonicalFrom, reply); err != nil {
		slog.Error("ResponseHandler failed to send reply", "error", err, "from", canonicalFrom)
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (rh *ResponseHandler) handle(ctx context.Context, userID int64, response models.Response) (string, error) {
	text := strings.TrimSpace(response.Body)
	if strings.HasPrefix(text, "/") {
		return rh.command(ctx, userID, text)
	}

	in := flow.Input{Text: text, Location: response.Location}
	if response.MediaRef != "" {
		in.Media = &flow.MediaInput{Type: response.MediaType, Ref: response.MediaRef}
	}
	out, err := rh.engine.Submit(ctx, userID, in)
	if errors.Is(err, flow.ErrNoActiveWorkflow) {
		return HelpMessage, nil
	}
	if err != nil {
		return "", err
	}
	return RenderOutcome(out), nil
}

func (rh *ResponseHandler) command(ctx context.Context, userID int64, text string) (string, error) {
	fields := strings.Fields(text)
	switch strings.ToLower(fields[0]) {
	case "/start", "/help":
		return HelpMessage, nil
	case "/trip":
		return rh.start(ctx, userID, models.FlowTrip, flow.StartOptions{})
	case "/quick":
		return rh.start(ctx, userID, models.FlowQuickAdd, flow.StartOptions{})
	case "/premium":
		return rh.start(ctx, userID, models.FlowPremium, flow.StartOptions{})
	case "/place":
		if len(fields) < 2 {
			return "Usage: /place <trip id>", nil
		}
		tripID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || tripID <= 0 {
			return "Usage: /place <trip id>", nil
		}
		return rh.start(ctx, userID, models.FlowPlace, flow.StartOptions{TripID: tripID})
	case "/cancel":
		err := rh.engine.Cancel(ctx, userID)
		if errors.Is(err, flow.ErrNoActiveWorkflow) {
			return "Nothing to cancel.", nil
		}
		if err != nil {
			return "", err
		}
		return "Cancelled. Anything saved before now is kept.", nil
	case "/achievements":
		if rh.progress == nil {
			return "Achievements are not available right now.", nil
		}
		statuses, err := rh.progress.Progress(ctx, userID)
		if err != nil {
			return "", err
		}
		return RenderProgress(statuses), nil
	}
	return "Unknown command.\n" + HelpMessage, nil
}

func (rh *ResponseHandler) start(ctx context.Context, userID int64, kind models.FlowType, so flow.StartOptions) (string, error) {
	out, err := rh.engine.Start(ctx, userID, kind, so)
	switch {
	case errors.Is(err, flow.ErrWorkflowActive):
		return "You have an unfinished entry. Answer the last question or send /cancel.", nil
	case errors.Is(err, flow.ErrTripNotFound):
		return "Trip not found.", nil
	case err != nil:
		return "", err
	}
	return RenderOutcome(out), nil
}

// Start begins processing responses from the messaging service. Messages of one
// sender are handled in arrival order; different senders are handled concurrently.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		in := &inbox{pending: make(map[string][]models.Response)}
		defer func() {
			in.wg.Wait()
			slog.Info("ResponseHandler stopped response processing")
		}()

		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				rh.enqueue(ctx, in, response)

			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}

// inbox holds the queued messages of every sender with a worker running.
type inbox struct {
	mu      sync.Mutex
	pending map[string][]models.Response
	wg      sync.WaitGroup
}

// enqueue appends response to its sender's queue and starts a worker when none is running.
func (rh *ResponseHandler) enqueue(ctx context.Context, in *inbox, response models.Response) {
	key := response.From
	if canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From); err == nil {
		key = canonical
	}

	in.mu.Lock()
	queue, running := in.pending[key]
	in.pending[key] = append(queue, response)
	in.mu.Unlock()
	if running {
		return
	}

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for {
			in.mu.Lock()
			queue := in.pending[key]
			if len(queue) == 0 {
				delete(in.pending, key)
				in.mu.Unlock()
				return
			}
			next := queue[0]
			in.pending[key] = queue[1:]
			in.mu.Unlock()

			if err := rh.ProcessResponse(ctx, next); err != nil {
				slog.Error("ResponseHandler failed to process response", "error", err, "from", next.From)
			}
		}
	}()
}
