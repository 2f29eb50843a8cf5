package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/achievement"
	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/BTreeMap/TravelDiary/internal/ratelimit"
	"github.com/BTreeMap/TravelDiary/internal/store"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeResolver struct {
	hit   bool
	calls []string
}

func (f *fakeResolver) Resolve(ctx context.Context, country, city, title string) (models.Coordinates, bool) {
	f.calls = append(f.calls, country+"|"+city+"|"+title)
	if !f.hit {
		return models.Coordinates{}, false
	}
	return models.Coordinates{Latitude: 35.6595, Longitude: 139.7005}, true
}

// flakyStore fails trip creation while failing is set, and fails one conversation
// save into failSaveAt.
type flakyStore struct {
	*store.InMemoryStore
	failing    bool
	failSaveAt models.StateType
}

func (f *flakyStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	if f.failSaveAt != "" && state.State == f.failSaveAt {
		f.failSaveAt = ""
		return errors.New("disk I/O error")
	}
	return f.InMemoryStore.SaveFlowState(ctx, state)
}

func (f *flakyStore) CreateTripWithPlace(ctx context.Context, trip *models.Trip, place *models.Place) error {
	if f.failing {
		return errors.New("database is locked")
	}
	return f.InMemoryStore.CreateTripWithPlace(ctx, trip, place)
}

type harness struct {
	store    *flakyStore
	states   *StoreBasedStateManager
	resolver *fakeResolver
	eval     *achievement.Evaluator
	engine   *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	cat, err := achievement.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	h := &harness{
		store:    &flakyStore{InMemoryStore: store.NewInMemoryStore()},
		resolver: &fakeResolver{hit: true},
	}
	h.states = NewStoreBasedStateManager(h.store)
	h.states.now = func() time.Time { return testNow }
	h.eval = achievement.NewEvaluator(h.store, cat)
	all := append([]Option{
		WithResolver(h.resolver),
		WithEvaluator(h.eval),
		WithLimiter(ratelimit.New()),
		WithClock(func() time.Time { return testNow }),
	}, opts...)
	h.engine = NewEngine(reg, h.states, h.store, all...)
	return h
}

func (h *harness) start(t *testing.T, userID int64, kind models.FlowType, so StartOptions) Outcome {
	t.Helper()
	out, err := h.engine.Start(context.Background(), userID, kind, so)
	if err != nil {
		t.Fatalf("Start(%s): %v", kind, err)
	}
	return out
}

func (h *harness) send(t *testing.T, userID int64, in Input) Outcome {
	t.Helper()
	out, err := h.engine.Submit(context.Background(), userID, in)
	if err != nil {
		t.Fatalf("Submit(%+v): %v", in, err)
	}
	return out
}

// say submits each text and expects every one to be accepted.
func (h *harness) say(t *testing.T, userID int64, texts ...string) Outcome {
	t.Helper()
	var out Outcome
	for _, s := range texts {
		out = h.send(t, userID, Input{Text: s})
		if out.Kind == OutcomeRejected || out.Kind == OutcomeTransient || out.Kind == OutcomeRateLimited {
			t.Fatalf("input %q: got %s (%s) in state %s", s, out.Kind, out.Reason, out.State)
		}
	}
	return out
}

func photo(ref string) Input {
	return Input{Media: &MediaInput{Type: models.MediaPhoto, Ref: ref}}
}

func ruleCodes(rules []models.AchievementRule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Code)
	}
	return out
}

func TestTripWorkflowEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := h.start(t, 1, models.FlowTrip, StartOptions{Name: "Aiko"})
	if out.State != models.StateTripCountry || out.Prompt == "" {
		t.Fatalf("unexpected start outcome: %+v", out)
	}

	out = h.say(t, 1, "Japan", "01.03.2024", "10.03.2024", "Tokyo", "03.03.2024", "Shibuya Crossing", "-")
	if out.Kind != OutcomePrompt || out.State != models.StatePlaceMedia {
		t.Fatalf("expected prompt for %s after auto save, got %+v", models.StatePlaceMedia, out)
	}
	if out.RecordID == 0 {
		t.Fatalf("expected the saved place id")
	}
	want := []string{"FIRST_TRAVEL", "PLACE_1", "LONG_TRIP_7"}
	if got := ruleCodes(out.Unlocked); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unlocked = %v, want %v", got, want)
	}
	if len(h.resolver.calls) != 1 || h.resolver.calls[0] != "Japan|Tokyo|Shibuya Crossing" {
		t.Fatalf("unexpected resolver calls: %v", h.resolver.calls)
	}

	again, err := h.eval.Evaluate(ctx, 1)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second evaluation unlocked %v", ruleCodes(again))
	}

	out = h.say(t, 1, "done", "10")
	if out.State != models.StatePlaceAnother {
		t.Fatalf("expected %s, got %s", models.StatePlaceAnother, out.State)
	}
	if got := ruleCodes(out.Unlocked); len(got) != 1 || got[0] != "RATING_10" {
		t.Fatalf("expected RATING_10 after rating the place, got %v", got)
	}

	out = h.say(t, 1, "finish", "9", "Unforgettable")
	if out.Kind != OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", out)
	}
	trips, _ := h.store.ListTrips(ctx, 1)
	if len(trips) != 1 {
		t.Fatalf("expected 1 trip, got %d", len(trips))
	}
	trip := trips[0]
	if out.RecordID != trip.ID {
		t.Errorf("completion record = %d, want trip %d", out.RecordID, trip.ID)
	}
	if trip.Status != models.TripStatusFinished || trip.Rating != 9 || trip.Comment != "Unforgettable" {
		t.Errorf("trip not finished correctly: %+v", trip)
	}
	places, _ := h.store.ListPlaces(ctx, trip.ID)
	if len(places) != 1 || places[0].Coordinates == nil || places[0].Rating != 10 {
		t.Fatalf("unexpected places: %+v", places)
	}
	if c, _ := h.engine.Active(ctx, 1); c != nil {
		t.Fatalf("conversation should be destroyed, got state %s", c.State)
	}
}

func TestInvalidInputLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 1, models.FlowTrip, StartOptions{})
	h.say(t, 1, "Japan", "10.01.2024", "20.01.2024", "Osaka")

	before, _ := h.engine.Active(ctx, 1)
	for i := 0; i < 3; i++ {
		out := h.send(t, 1, Input{Text: "05.01.2024"})
		if out.Kind != OutcomeRejected || out.State != models.StatePlaceDate {
			t.Fatalf("attempt %d: expected rejection in %s, got %+v", i, models.StatePlaceDate, out)
		}
		if !strings.Contains(out.Reason, "10.01.2024") {
			t.Errorf("reason should name the trip range: %q", out.Reason)
		}
	}
	after, _ := h.engine.Active(ctx, 1)
	if after.State != before.State || len(after.History) != len(before.History) || !after.Place().VisitDate.IsZero() {
		t.Fatalf("rejected input mutated the conversation: %+v", after)
	}

	for _, bad := range []string{"21.01.2024", "2024-01-15", "31.02.2024"} {
		if out := h.send(t, 1, Input{Text: bad}); out.Kind != OutcomeRejected {
			t.Errorf("%q: expected rejection, got %s", bad, out.Kind)
		}
	}
	if out := h.say(t, 1, "20.01.2024"); out.State != models.StatePlaceTitle {
		t.Fatalf("end date is inclusive, got %+v", out)
	}
}

func TestEndDateMustFollowStart(t *testing.T) {
	h := newHarness(t)
	h.start(t, 1, models.FlowTrip, StartOptions{})
	h.say(t, 1, "Italy", "10.05.2024")
	if out := h.send(t, 1, Input{Text: "09.05.2024"}); out.Kind != OutcomeRejected {
		t.Fatalf("expected rejection, got %+v", out)
	}
	if out := h.send(t, 1, Input{Text: "10.07.2024"}); out.Kind != OutcomeRejected {
		t.Fatalf("future date should be rejected, got %+v", out)
	}
}

func TestManualLocationPathsConverge(t *testing.T) {
	valid := models.Coordinates{Latitude: 41.9, Longitude: 12.5}
	tests := []struct {
		name  string
		in    Input
		check func(*models.Coordinates) bool
	}{
		{"typed coordinates", Input{Text: "41.9, 12.5"}, func(c *models.Coordinates) bool { return c != nil && *c == valid }},
		{"typed without comma", Input{Text: "41.9 12.5"}, func(c *models.Coordinates) bool { return c != nil && *c == valid }},
		{"location payload", Input{Location: &valid}, func(c *models.Coordinates) bool { return c != nil && *c == valid }},
		{"skip", Input{Text: "Skip"}, func(c *models.Coordinates) bool { return c == nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.resolver.hit = false
			ctx := context.Background()
			h.start(t, 7, models.FlowTrip, StartOptions{})
			out := h.say(t, 7, "Italy", "01.05.2024", "05.05.2024", "Rome", "02.05.2024", "Trevi Fountain", "-")
			if out.State != models.StatePlaceLocationManual {
				t.Fatalf("expected manual location branch, got %+v", out)
			}
			if bad := h.send(t, 7, Input{Text: "95, 200"}); bad.Kind != OutcomeRejected {
				t.Fatalf("out of range coordinates accepted: %+v", bad)
			}
			out = h.send(t, 7, tt.in)
			if out.Kind != OutcomePrompt || out.State != models.StatePlaceMedia {
				t.Fatalf("expected %s, got %+v", models.StatePlaceMedia, out)
			}
			c, _ := h.engine.Active(ctx, 7)
			places, _ := h.store.ListPlaces(ctx, c.Trip().TripID)
			if len(places) != 1 || !tt.check(places[0].Coordinates) {
				t.Fatalf("unexpected stored coordinates: %+v", places)
			}
		})
	}
}

func TestCommitFailureKeepsPreCommitState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 3, models.FlowTrip, StartOptions{})
	h.say(t, 3, "Spain", "01.04.2024", "08.04.2024", "Madrid", "02.04.2024", "Prado")

	h.store.failing = true
	out := h.send(t, 3, Input{Text: "-"})
	if out.Kind != OutcomeTransient || out.State != models.StatePlaceSave {
		t.Fatalf("expected transient failure at %s, got %+v", models.StatePlaceSave, out)
	}
	if trips, _ := h.store.ListTrips(ctx, 3); len(trips) != 0 {
		t.Fatalf("failed commit left %d trips", len(trips))
	}
	c, _ := h.engine.Active(ctx, 3)
	if c.State != models.StatePlaceSave || c.Trip().TripID != 0 || c.Place().Title != "Prado" {
		t.Fatalf("unexpected conversation after failure: %+v", c)
	}

	h.store.failing = false
	out = h.send(t, 3, Input{Text: "retry"})
	if out.Kind != OutcomePrompt || out.State != models.StatePlaceMedia || out.RecordID == 0 {
		t.Fatalf("retry should commit, got %+v", out)
	}
	if trips, _ := h.store.ListTrips(ctx, 3); len(trips) != 1 {
		t.Fatalf("expected 1 trip after retry, got %d", len(trips))
	}
}

func TestSaveFailureAfterCommitDoesNotDuplicateRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 5, models.FlowTrip, StartOptions{})
	h.say(t, 5, "Japan", "01.03.2024", "10.03.2024", "Kyoto", "03.03.2024", "Fushimi Inari")

	h.store.failSaveAt = models.StatePlaceMedia
	out := h.send(t, 5, Input{Text: "-"})
	if out.Kind != OutcomeTransient || out.State != models.StatePlaceSave {
		t.Fatalf("expected transient failure at %s, got %+v", models.StatePlaceSave, out)
	}
	trips, _ := h.store.ListTrips(ctx, 5)
	if len(trips) != 1 {
		t.Fatalf("commit should have run once, got %d trips", len(trips))
	}
	c, _ := h.engine.Active(ctx, 5)
	if c.State != models.StatePlaceSave || c.Trip().TripID != 0 || c.Commits != 0 {
		t.Fatalf("persisted conversation should still be before the commit: %+v", c)
	}

	out = h.send(t, 5, Input{Text: "-"})
	if out.Kind != OutcomePrompt || out.State != models.StatePlaceMedia {
		t.Fatalf("retry should reach %s, got %+v", models.StatePlaceMedia, out)
	}
	want := []string{"FIRST_TRAVEL", "PLACE_1", "LONG_TRIP_7"}
	if got := ruleCodes(out.Unlocked); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("retry should report the unlocks of the first attempt, got %v", got)
	}
	trips, _ = h.store.ListTrips(ctx, 5)
	if len(trips) != 1 {
		t.Fatalf("retry duplicated the trip: %d trips", len(trips))
	}
	places, _ := h.store.ListPlaces(ctx, trips[0].ID)
	if len(places) != 1 || out.RecordID != places[0].ID {
		t.Fatalf("retry duplicated the place or lost its id: record=%d places=%+v", out.RecordID, places)
	}
	c, _ = h.engine.Active(ctx, 5)
	if c.Trip().TripID != trips[0].ID || c.Place().PlaceID != places[0].ID || c.Commits != 1 {
		t.Fatalf("draft not restored from the journal: commits=%d draft=%+v", c.Commits, c.Trip())
	}

	out = h.say(t, 5, "done", "9", "finish", "8", "-")
	if out.Kind != OutcomeCompleted || out.RecordID != trips[0].ID {
		t.Fatalf("expected completion of trip %d, got %+v", trips[0].ID, out)
	}
	if places, _ := h.store.ListPlaces(ctx, trips[0].ID); len(places) != 1 || places[0].Rating != 9 {
		t.Fatalf("unexpected places after completion: %+v", places)
	}
}

type failingEvaluator struct{ calls int }

func (f *failingEvaluator) Evaluate(ctx context.Context, userID int64) ([]models.AchievementRule, error) {
	f.calls++
	return nil, errors.New("achievements table is locked")
}

func TestEvaluatorFailureKeepsCommit(t *testing.T) {
	ev := &failingEvaluator{}
	h := newHarness(t, WithEvaluator(ev))
	ctx := context.Background()
	h.start(t, 6, models.FlowTrip, StartOptions{})

	out := h.say(t, 6, "Japan", "01.03.2024", "10.03.2024", "Nara", "04.03.2024", "Todai-ji", "-")
	if out.Kind != OutcomePrompt || out.State != models.StatePlaceMedia || out.RecordID == 0 {
		t.Fatalf("commit should succeed despite the evaluator, got %+v", out)
	}
	if ev.calls != 1 {
		t.Errorf("evaluator calls = %d, want 1", ev.calls)
	}
	if len(out.Unlocked) != 0 {
		t.Errorf("failed evaluation reported unlocks: %v", ruleCodes(out.Unlocked))
	}
	trips, _ := h.store.ListTrips(ctx, 6)
	if len(trips) != 1 {
		t.Fatalf("expected the trip to be kept, got %d", len(trips))
	}
	if places, _ := h.store.ListPlaces(ctx, trips[0].ID); len(places) != 1 || places[0].ID != out.RecordID {
		t.Fatalf("expected the place to be kept, got %+v", places)
	}
	if unlocked, _ := h.store.ListUnlocked(ctx, 6); len(unlocked) != 0 {
		t.Errorf("no achievement should be stored, got %d", len(unlocked))
	}
}

func TestAnotherPlaceLoopKeepsTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 4, models.FlowTrip, StartOptions{})
	h.say(t, 4, "France", "01.07.2023", "14.07.2023", "Paris", "02.07.2023", "Louvre", "-", "done", "8")

	out := h.say(t, 4, "another")
	if out.State != models.StatePlaceCity {
		t.Fatalf("expected %s, got %s", models.StatePlaceCity, out.State)
	}
	c, _ := h.engine.Active(ctx, 4)
	if c.History[len(c.History)-1] != models.StatePlaceAnother {
		t.Errorf("history top = %s, want %s", c.History[len(c.History)-1], models.StatePlaceAnother)
	}
	td := c.Trip()
	if td.TripID == 0 || td.Country != "France" || td.PlacesSaved != 1 {
		t.Errorf("trip context lost: %+v", td)
	}
	if td.Place != (PlaceDraft{}) {
		t.Errorf("place fields not cleared: %+v", td.Place)
	}

	h.say(t, 4, "Nice", "10.07.2023", "Promenade des Anglais", "Windy", "done", "7", "finish", "8", "-")
	trips, _ := h.store.ListTrips(ctx, 4)
	if len(trips) != 1 {
		t.Fatalf("expected a single trip, got %d", len(trips))
	}
	places, _ := h.store.ListPlaces(ctx, trips[0].ID)
	if len(places) != 2 || places[1].City != "Nice" || places[1].Comment != "Windy" {
		t.Fatalf("unexpected places: %+v", places)
	}
	if trips[0].Comment != "" {
		t.Errorf("\"-\" should leave the comment empty, got %q", trips[0].Comment)
	}
}

func TestPlaceWorkflowUsesExistingTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 5, models.FlowTrip, StartOptions{})
	h.say(t, 5, "Peru", "01.02.2024", "20.02.2024", "Cusco", "03.02.2024", "Plaza de Armas", "-", "done", "6", "finish", "7", "-")
	trips, _ := h.store.ListTrips(ctx, 5)
	tripID := trips[0].ID

	if _, err := h.engine.Start(ctx, 5, models.FlowPlace, StartOptions{TripID: tripID + 100}); !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("expected ErrTripNotFound, got %v", err)
	}
	if _, err := h.engine.Start(ctx, 6, models.FlowPlace, StartOptions{TripID: tripID}); !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("another user's trip: expected ErrTripNotFound, got %v", err)
	}

	h.start(t, 5, models.FlowPlace, StartOptions{TripID: tripID})
	if out := h.send(t, 5, Input{Text: "Lima"}); out.State != models.StatePlaceDate {
		t.Fatalf("unexpected state %s", out.State)
	}
	if out := h.send(t, 5, Input{Text: "25.02.2024"}); out.Kind != OutcomeRejected {
		t.Fatalf("date outside the loaded trip accepted: %+v", out)
	}
	out := h.say(t, 5, "19.02.2024", "Miraflores", "-", "done", "5", "finish")
	if out.Kind != OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", out)
	}
	places, _ := h.store.ListPlaces(ctx, tripID)
	if len(places) != 2 || out.RecordID != places[1].ID {
		t.Fatalf("completion record %d does not match new place: %+v", out.RecordID, places)
	}
}

func TestMediaLimits(t *testing.T) {
	ctx := context.Background()
	toMedia := func(h *harness, userID int64) {
		h.start(t, userID, models.FlowTrip, StartOptions{})
		h.say(t, userID, "Norway", "01.01.2024", "05.01.2024", "Oslo", "02.01.2024", "Opera House", "-")
	}

	h := newHarness(t)
	toMedia(h, 1)
	for i := 0; i < MaxMediaPerPlace; i++ {
		if out := h.send(t, 1, photo("p")); out.Kind != OutcomePrompt || out.State != models.StatePlaceMedia {
			t.Fatalf("photo %d: %+v", i, out)
		}
	}
	out := h.send(t, 1, photo("p"))
	if out.Kind != OutcomeRejected || !strings.Contains(out.Reason, "3") {
		t.Fatalf("expected the free limit to reject, got %+v", out)
	}
	if n, _ := h.store.CountMedia(ctx, 1, models.MediaPhoto); n != MaxMediaPerPlace {
		t.Fatalf("stored %d photos, want %d", n, MaxMediaPerPlace)
	}
	if out := h.send(t, 1, Input{Text: "a sticker"}); out.Kind != OutcomeRejected {
		t.Fatalf("text other than done should be rejected, got %+v", out)
	}

	h = newHarness(t)
	toMedia(h, 2)
	if err := h.store.SetPremium(ctx, 2, testNow.AddDate(0, 1, 0)); err != nil {
		t.Fatalf("SetPremium: %v", err)
	}
	for i := 0; i < MaxMediaPerPlacePremium; i++ {
		if out := h.send(t, 2, photo("p")); out.Kind != OutcomePrompt {
			t.Fatalf("premium photo %d: %+v", i, out)
		}
	}
	if out := h.send(t, 2, photo("p")); out.Kind != OutcomeRejected {
		t.Fatalf("expected the premium limit to reject, got %+v", out)
	}
}

func TestMediaUploadThrottled(t *testing.T) {
	limiter := ratelimit.New(
		ratelimit.WithClock(func() time.Time { return testNow }),
		ratelimit.WithPolicy(ratelimit.CategoryMediaUpload, ratelimit.Policy{MaxRequests: 1, Window: time.Minute}),
	)
	h := newHarness(t, WithLimiter(limiter))
	h.start(t, 1, models.FlowTrip, StartOptions{})
	h.say(t, 1, "Chile", "01.01.2024", "05.01.2024", "Santiago", "02.01.2024", "Cerro San Cristobal", "-")

	if out := h.send(t, 1, photo("a")); out.Kind != OutcomePrompt {
		t.Fatalf("first upload: %+v", out)
	}
	out := h.send(t, 1, photo("b"))
	if out.Kind != OutcomeRateLimited || out.State != models.StatePlaceMedia {
		t.Fatalf("expected rate limiting, got %+v", out)
	}
	c, _ := h.engine.Active(context.Background(), 1)
	if c.Place().MediaCount != 1 {
		t.Errorf("media count = %d, want 1", c.Place().MediaCount)
	}
}

func TestQuickAddWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 8, models.FlowQuickAdd, StartOptions{})

	out := h.say(t, 8, "France", "Paris", "Eiffel Tower", "-")
	if out.State != models.StateQuickDate {
		t.Fatalf("expected %s after a geocode hit, got %s", models.StateQuickDate, out.State)
	}
	out = h.say(t, 8, "yesterday")
	if out.State != models.StateQuickExtras || out.RecordID == 0 {
		t.Fatalf("expected the place to be committed, got %+v", out)
	}
	placeID := out.RecordID

	trips, _ := h.store.ListTrips(ctx, 8)
	if len(trips) != 1 {
		t.Fatalf("expected 1 trip, got %d", len(trips))
	}
	trip := trips[0]
	wantStart := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	if !trip.StartDate.Equal(wantStart) || trip.EndDate == nil || !trip.EndDate.Equal(wantStart.AddDate(0, 0, 1)) {
		t.Errorf("unexpected trip range: %v - %v", trip.StartDate, trip.EndDate)
	}
	if trip.Comment != QuickAddComment {
		t.Errorf("trip comment = %q", trip.Comment)
	}

	if out := h.send(t, 8, photo("x")); out.State != models.StateQuickExtras {
		t.Fatalf("photo should stay in extras, got %+v", out)
	}
	out = h.say(t, 8, "rate", "10", "done")
	if out.Kind != OutcomeCompleted || out.RecordID != placeID {
		t.Fatalf("expected completion with place %d, got %+v", placeID, out)
	}
	places, _ := h.store.ListPlaces(ctx, trip.ID)
	if len(places) != 1 || places[0].Rating != 10 {
		t.Fatalf("unexpected places: %+v", places)
	}
}

func TestQuickAddManualLocation(t *testing.T) {
	h := newHarness(t)
	h.resolver.hit = false
	h.start(t, 9, models.FlowQuickAdd, StartOptions{})
	out := h.say(t, 9, "Georgia", "Tbilisi", "Narikala", "-")
	if out.State != models.StateQuickLocationManual {
		t.Fatalf("expected manual branch, got %s", out.State)
	}
	out = h.say(t, 9, "skip", "today")
	if out.State != models.StateQuickExtras {
		t.Fatalf("expected extras, got %s", out.State)
	}
}

func TestPremiumWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 10, models.FlowPremium, StartOptions{})

	if out := h.send(t, 10, Input{Text: "2_years"}); out.Kind != OutcomeRejected {
		t.Fatalf("unknown tariff accepted: %+v", out)
	}
	out := h.say(t, 10, "3_months")
	if out.State != models.StatePremiumScreenshot || !strings.Contains(out.Prompt, "799") {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out := h.send(t, 10, Input{Text: "paid"}); out.Kind != OutcomeRejected {
		t.Fatalf("text accepted as screenshot: %+v", out)
	}
	if out := h.send(t, 10, Input{Media: &MediaInput{Type: models.MediaVideo, Ref: "v"}}); out.Kind != OutcomeRejected {
		t.Fatalf("video accepted as screenshot: %+v", out)
	}
	out = h.send(t, 10, photo("screenshot-1"))
	if out.Kind != OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", out)
	}
	reqs, err := h.store.ListPaymentRequests(ctx, models.PaymentStatusPending)
	if err != nil {
		t.Fatalf("ListPaymentRequests: %v", err)
	}
	if len(reqs) != 1 || reqs[0].ID != out.RecordID || reqs[0].Days != 90 || reqs[0].Price != "799" || reqs[0].ScreenshotRef != "screenshot-1" {
		t.Fatalf("unexpected payment requests: %+v", reqs)
	}
}

func TestOneActiveWorkflowPerUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 1, models.FlowTrip, StartOptions{})

	if _, err := h.engine.Start(ctx, 1, models.FlowQuickAdd, StartOptions{}); !errors.Is(err, ErrWorkflowActive) {
		t.Fatalf("expected ErrWorkflowActive, got %v", err)
	}
	h.start(t, 2, models.FlowQuickAdd, StartOptions{})

	if err := h.engine.Cancel(ctx, 1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := h.engine.Cancel(ctx, 1); !errors.Is(err, ErrNoActiveWorkflow) {
		t.Fatalf("expected ErrNoActiveWorkflow, got %v", err)
	}
	if _, err := h.engine.Submit(ctx, 1, Input{Text: "Japan"}); !errors.Is(err, ErrNoActiveWorkflow) {
		t.Fatalf("expected ErrNoActiveWorkflow, got %v", err)
	}
	h.start(t, 1, models.FlowQuickAdd, StartOptions{})

	if _, err := h.engine.Start(ctx, 3, models.FlowType("bogus"), StartOptions{}); !errors.Is(err, ErrUnknownFlow) {
		t.Fatalf("expected ErrUnknownFlow, got %v", err)
	}
}

func TestPromptRerendersCurrentState(t *testing.T) {
	h := newHarness(t)
	h.start(t, 1, models.FlowTrip, StartOptions{})
	h.say(t, 1, "Japan")
	out, err := h.engine.Prompt(context.Background(), 1)
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if out.State != models.StateTripStartDate || out.Prompt == "" {
		t.Fatalf("unexpected prompt: %+v", out)
	}
}

func TestSweepRemovesIdleConversations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.states.now = func() time.Time { return testNow.Add(-2 * time.Hour) }
	h.start(t, 1, models.FlowTrip, StartOptions{})
	h.states.now = func() time.Time { return testNow.Add(-10 * time.Minute) }
	h.start(t, 2, models.FlowTrip, StartOptions{})

	n, err := h.engine.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if c, _ := h.engine.Active(ctx, 1); c != nil {
		t.Errorf("idle conversation survived")
	}
	if c, _ := h.engine.Active(ctx, 2); c == nil {
		t.Errorf("recent conversation was removed")
	}
	convs, err := h.engine.Conversations(ctx)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].UserID != 2 {
		t.Errorf("unexpected conversations after sweep: %d", len(convs))
	}
}

// interleavingSerializer runs before ahead of fn, as if another message for the
// user had held the lock first.
type interleavingSerializer struct {
	before func(userID int64)
	users  []int64
}

func (s *interleavingSerializer) Do(userID int64, fn func() error) error {
	s.users = append(s.users, userID)
	if s.before != nil {
		s.before(userID)
	}
	return fn()
}

func TestSweepKeepsConversationTouchedUnderLock(t *testing.T) {
	ser := &interleavingSerializer{}
	h := newHarness(t, WithSerializer(ser))
	ctx := context.Background()

	h.states.now = func() time.Time { return testNow.Add(-2 * time.Hour) }
	h.start(t, 1, models.FlowTrip, StartOptions{})
	h.states.now = func() time.Time { return testNow.Add(-3 * time.Hour) }
	h.start(t, 2, models.FlowTrip, StartOptions{})

	h.states.now = func() time.Time { return testNow }
	ser.before = func(userID int64) {
		if userID == 1 {
			h.say(t, 1, "Japan")
		}
	}

	n, err := h.engine.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if len(ser.users) != 2 || ser.users[0] != 1 || ser.users[1] != 2 {
		t.Errorf("deletes not serialized per user: %v", ser.users)
	}
	c, _ := h.engine.Active(ctx, 1)
	if c == nil || c.State != models.StateTripStartDate || c.Trip().Country != "Japan" {
		t.Fatalf("conversation answered during the sweep was removed: %+v", c)
	}
	if c, _ := h.engine.Active(ctx, 2); c != nil {
		t.Errorf("idle conversation survived")
	}
}

func TestConversationRoundTrip(t *testing.T) {
	sm := NewMockStateManager()
	ctx := context.Background()
	end := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	c := &Conversation{
		UserID:  11,
		Kind:    models.FlowTrip,
		State:   models.StatePlaceTitle,
		History: []models.StateType{models.StateTripCountry},
		Draft: &TripDraft{
			TripID:  4,
			Country: "Japan",
			EndDate: &end,
			Place:   PlaceDraft{City: "Kyoto", Coordinates: &models.Coordinates{Latitude: 35, Longitude: 135.7}},
		},
	}
	if err := sm.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := sm.Load(ctx, 11)
	if err != nil || got == nil {
		t.Fatalf("Load: %v %v", got, err)
	}
	td := got.Trip()
	if td == nil || td.Country != "Japan" || !td.EndDate.Equal(end) || td.Place.Coordinates.Longitude != 135.7 {
		t.Fatalf("draft not restored: %+v", got.Draft)
	}
	if got.State != models.StatePlaceTitle || len(got.History) != 1 {
		t.Fatalf("state not restored: %+v", got)
	}
}

func TestRegistryRejectsDanglingStates(t *testing.T) {
	if _, err := DefaultRegistry(); err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}

	step := func(state, next models.StateType) *Step {
		return &Step{State: state, Prompt: say("?"), Next: goTo(next), Targets: []models.StateType{next}}
	}
	tests := []struct {
		name string
		wf   *Workflow
	}{
		{"missing initial", &Workflow{Kind: models.FlowTrip, Initial: "nowhere", Steps: steps(step("a", models.StateDone))}},
		{"unknown target", &Workflow{Kind: models.FlowTrip, Initial: "a", Steps: steps(step("a", "b"))}},
		{"mismatched key", &Workflow{Kind: models.FlowTrip, Initial: "a", Steps: map[models.StateType]*Step{"a": step("b", models.StateDone)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.wf)
			var cfg *models.ConfigurationError
			if !errors.As(err, &cfg) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}

	ok := &Workflow{Kind: models.FlowTrip, Initial: "a", Steps: steps(step("a", models.StateDone))}
	if _, err := NewRegistry(ok, ok); err == nil {
		t.Fatalf("duplicate workflow should fail")
	}
}
