package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/achievement"
	"github.com/BTreeMap/TravelDiary/internal/flow"
	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/BTreeMap/TravelDiary/internal/store"
	"github.com/BTreeMap/TravelDiary/internal/twiliowhatsapp"
)

const testPhone = "+1 (555) 123-4567"

type fixture struct {
	mock    *twiliowhatsapp.MockClient
	store   *store.InMemoryStore
	handler *ResponseHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	reg, err := flow.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	cat, err := achievement.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	eval := achievement.NewEvaluator(st, cat)
	engine := flow.NewEngine(reg, flow.NewStoreBasedStateManager(st), st, flow.WithEvaluator(eval))

	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	return &fixture{
		mock:    mock,
		store:   st,
		handler: NewResponseHandler(svc, engine, WithDedup(st), WithProgress(eval)),
	}
}

func (f *fixture) send(t *testing.T, body string) string {
	t.Helper()
	if err := f.handler.ProcessResponse(context.Background(), models.Response{From: testPhone, Body: body, Time: time.Now().Unix()}); err != nil {
		t.Fatalf("ProcessResponse(%q): %v", body, err)
	}
	msgs := f.mock.Messages()
	return msgs[len(msgs)-1].Body
}

func TestResponseHandlerRunsTripConversation(t *testing.T) {
	f := newFixture(t)

	if reply := f.send(t, "hello"); reply != HelpMessage {
		t.Fatalf("expected help without an active workflow, got %q", reply)
	}
	if reply := f.send(t, "/trip"); !strings.Contains(reply, "country") {
		t.Fatalf("unexpected first prompt: %q", reply)
	}
	if reply := f.send(t, "/quick"); !strings.Contains(reply, "unfinished") {
		t.Fatalf("second workflow should be refused, got %q", reply)
	}
	if reply := f.send(t, "Japan1"); !strings.Contains(reply, "letters") {
		t.Fatalf("expected validation reason, got %q", reply)
	}

	for _, s := range []string{"Japan", "01.03.2024", "10.03.2024", "Tokyo", "03.03.2024", "Shibuya Crossing"} {
		f.send(t, s)
	}
	reply := f.send(t, "-")
	if !strings.Contains(reply, "could not find") {
		t.Fatalf("without a resolver the manual branch is expected, got %q", reply)
	}
	reply = f.send(t, "35.6595, 139.7005")
	if !strings.Contains(reply, "Achievement unlocked: First step") {
		t.Fatalf("expected the first trip achievement in %q", reply)
	}

	msgs := f.mock.Messages()
	if msgs[0].To != "15551234567" {
		t.Errorf("reply sent to %q", msgs[0].To)
	}

	if reply := f.send(t, "/cancel"); !strings.HasPrefix(reply, "Cancelled") {
		t.Fatalf("unexpected cancel reply %q", reply)
	}
	if reply := f.send(t, "/cancel"); reply != "Nothing to cancel." {
		t.Fatalf("unexpected second cancel reply %q", reply)
	}

	reply = f.send(t, "/achievements")
	if !strings.HasPrefix(reply, "Achievements 3/18") {
		t.Fatalf("unexpected progress: %q", reply)
	}
}

func TestResponseHandlerCommands(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		body string
		want string
	}{
		{"/help", HelpMessage},
		{"/place", "Usage: /place <trip id>"},
		{"/place abc", "Usage: /place <trip id>"},
		{"/place 99", "Trip not found."},
		{"/unknown", "Unknown command."},
	}
	for _, tt := range tests {
		if reply := f.send(t, tt.body); !strings.HasPrefix(reply, tt.want) {
			t.Errorf("%s: got %q, want prefix %q", tt.body, reply, tt.want)
		}
	}
	if reply := f.send(t, "/premium"); !strings.Contains(reply, "1_month") {
		t.Errorf("premium prompt should list tariffs: %q", reply)
	}
}

func TestResponseHandlerDropsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := models.Response{From: testPhone, Body: "/trip", MessageID: "SM123"}

	if err := f.handler.ProcessResponse(ctx, msg); err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	if err := f.handler.ProcessResponse(ctx, msg); err != nil {
		t.Fatalf("ProcessResponse duplicate: %v", err)
	}
	if n := len(f.mock.Messages()); n != 1 {
		t.Fatalf("expected one reply, got %d", n)
	}
	fresh, err := f.store.RecordInbound(ctx, "SM123", 15551234567)
	if err != nil || fresh {
		t.Fatalf("message should be recorded as processed: fresh=%v err=%v", fresh, err)
	}
}

// flakyEngine fails the first fails submissions.
type flakyEngine struct {
	fails int
	calls int
}

func (e *flakyEngine) Start(ctx context.Context, userID int64, kind models.FlowType, so flow.StartOptions) (flow.Outcome, error) {
	return flow.Outcome{}, flow.ErrNoActiveWorkflow
}

func (e *flakyEngine) Submit(ctx context.Context, userID int64, in flow.Input) (flow.Outcome, error) {
	e.calls++
	if e.fails > 0 {
		e.fails--
		return flow.Outcome{}, errors.New("database is locked")
	}
	return flow.Outcome{Kind: flow.OutcomePrompt, Prompt: "Got " + in.Text}, nil
}

func (e *flakyEngine) Cancel(ctx context.Context, userID int64) error { return flow.ErrNoActiveWorkflow }

func TestResponseHandlerRetriesFailedMessage(t *testing.T) {
	st := store.NewInMemoryStore()
	mock := twiliowhatsapp.NewMockClient()
	engine := &flakyEngine{fails: 1}
	handler := NewResponseHandler(NewTwilioService(mock), engine, WithDedup(st))
	ctx := context.Background()
	msg := models.Response{From: testPhone, Body: "Rome", MessageID: "SM777"}

	if err := handler.ProcessResponse(ctx, msg); err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	if err := handler.ProcessResponse(ctx, msg); err != nil {
		t.Fatalf("redelivery should be handled: %v", err)
	}
	if err := handler.ProcessResponse(ctx, msg); err != nil {
		t.Fatalf("third delivery: %v", err)
	}
	if engine.calls != 2 {
		t.Fatalf("engine calls = %d, want 2 (failed attempt and retry)", engine.calls)
	}
	msgs := mock.Messages()
	if len(msgs) != 2 || !strings.Contains(msgs[0].Body, "Please try again") || msgs[1].Body != "Got Rome" {
		t.Fatalf("unexpected replies %+v", msgs)
	}
}

func TestResponseHandlerMediaInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "/premium")
	f.send(t, "1_month")
	err := f.handler.ProcessResponse(ctx, models.Response{
		From:      testPhone,
		MediaRef:  "https://api.twilio.com/media/ME1",
		MediaType: models.MediaPhoto,
	})
	if err != nil {
		t.Fatalf("ProcessResponse: %v", err)
	}
	msgs := f.mock.Messages()
	if reply := msgs[len(msgs)-1].Body; !strings.Contains(reply, "Payment request") {
		t.Fatalf("unexpected reply %q", reply)
	}
	reqs, _ := f.store.ListPaymentRequests(ctx, models.PaymentStatusPending)
	if len(reqs) != 1 || reqs[0].ScreenshotRef != "https://api.twilio.com/media/ME1" {
		t.Fatalf("unexpected payment requests %+v", reqs)
	}
}

func TestResponseHandlerRejectsBadSender(t *testing.T) {
	f := newFixture(t)
	if err := f.handler.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "hi"}); err == nil {
		t.Fatalf("expected error for a sender without digits")
	}
}

func TestDispatcherSerializesPerUser(t *testing.T) {
	d := NewDispatcher()
	var (
		mu      sync.Mutex
		running = map[int64]int{}
		overlap bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		userID := int64(i % 4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Do(userID, func() error {
				mu.Lock()
				running[userID]++
				if running[userID] > 1 {
					overlap = true
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running[userID]--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if overlap {
		t.Fatalf("two submissions for the same user overlapped")
	}
	if n := d.Active(); n != 0 {
		t.Fatalf("expected no lingering locks, got %d", n)
	}
}

// chanService is a Service fed directly by the test.
type chanService struct {
	mu        sync.Mutex
	sent      []string
	responses chan models.Response
}

func (c *chanService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

func (c *chanService) SendMessage(ctx context.Context, to string, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to+": "+body)
	return nil
}

func (c *chanService) Start(context.Context) error { return nil }

func (c *chanService) Stop() error { return nil }

func (c *chanService) Responses() <-chan models.Response { return c.responses }

func (c *chanService) replies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// gateEngine blocks on the input "slow" until release is closed.
type gateEngine struct {
	release chan struct{}
}

func (e *gateEngine) Start(ctx context.Context, userID int64, kind models.FlowType, so flow.StartOptions) (flow.Outcome, error) {
	return flow.Outcome{}, flow.ErrNoActiveWorkflow
}

func (e *gateEngine) Submit(ctx context.Context, userID int64, in flow.Input) (flow.Outcome, error) {
	if in.Text == "slow" {
		<-e.release
	}
	return flow.Outcome{Kind: flow.OutcomePrompt, Prompt: "Got " + in.Text}, nil
}

func (e *gateEngine) Cancel(ctx context.Context, userID int64) error { return flow.ErrNoActiveWorkflow }

func TestResponseHandlerSlowSenderDoesNotBlockOthers(t *testing.T) {
	svc := &chanService{responses: make(chan models.Response, 8)}
	engine := &gateEngine{release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NewResponseHandler(svc, engine).Start(ctx)

	svc.responses <- models.Response{From: "+15550000001", Body: "slow"}
	svc.responses <- models.Response{From: "+15550000001", Body: "second"}
	svc.responses <- models.Response{From: "+15550000002", Body: "fast"}

	waitFor := func(n int) []string {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if got := svc.replies(); len(got) >= n {
				return got
			}
			time.Sleep(5 * time.Millisecond)
		}
		return svc.replies()
	}

	got := waitFor(1)
	if len(got) != 1 || got[0] != "15550000002: Got fast" {
		t.Fatalf("the other sender should be answered while the first is blocked, got %q", got)
	}

	close(engine.release)
	got = waitFor(3)
	want := []string{"15550000002: Got fast", "15550000001: Got slow", "15550000001: Got second"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("replies = %q, want %q", got, want)
	}
}

func TestRenderOutcome(t *testing.T) {
	rule := models.AchievementRule{Code: "PLACE_1", Name: "Explorer", Description: "Add your first place"}
	tests := []struct {
		out  flow.Outcome
		want string
	}{
		{flow.Outcome{Kind: flow.OutcomePrompt, Prompt: "Which city?"}, "Which city?"},
		{flow.Outcome{Kind: flow.OutcomeRejected, Reason: "City cannot be empty."}, "City cannot be empty."},
		{flow.Outcome{Kind: flow.OutcomeCompleted, Flow: models.FlowTrip, RecordID: 4}, "✅ Trip #4 saved."},
		{flow.Outcome{Kind: flow.OutcomePrompt, Prompt: "Send photos", Unlocked: []models.AchievementRule{rule}}, "🏆 Achievement unlocked: Explorer"},
	}
	for _, tt := range tests {
		if got := RenderOutcome(tt.out); !strings.Contains(got, tt.want) {
			t.Errorf("RenderOutcome(%+v) = %q, want it to contain %q", tt.out, got, tt.want)
		}
	}
}
