package store

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

func date(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

// runStoreSuite exercises the Store contract. Every backend must pass it.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("users", func(t *testing.T) {
		u, err := s.EnsureUser(ctx, 100, "Ana")
		if err != nil {
			t.Fatalf("EnsureUser failed: %v", err)
		}
		if u.ID != 100 || u.Premium {
			t.Errorf("unexpected user %+v", u)
		}
		if _, err := s.EnsureUser(ctx, 100, "other"); err != nil {
			t.Fatalf("second EnsureUser failed: %v", err)
		}
		missing, err := s.GetUser(ctx, 999)
		if err != nil || missing != nil {
			t.Errorf("expected nil user for unknown id, got %+v, %v", missing, err)
		}

		until := time.Now().Add(-time.Minute).UTC()
		if err := s.SetPremium(ctx, 100, until); err != nil {
			t.Fatalf("SetPremium failed: %v", err)
		}
		u, _ = s.GetUser(ctx, 100)
		if !u.Premium || u.PremiumUntil == nil {
			t.Fatalf("expected premium user, got %+v", u)
		}
		expired, err := s.ExpirePremium(ctx, time.Now())
		if err != nil {
			t.Fatalf("ExpirePremium failed: %v", err)
		}
		if len(expired) != 1 || expired[0] != 100 {
			t.Errorf("expected user 100 expired, got %v", expired)
		}
		u, _ = s.GetUser(ctx, 100)
		if u.Premium {
			t.Error("premium flag should be cleared")
		}
	})

	t.Run("trips places media", func(t *testing.T) {
		s.EnsureUser(ctx, 200, "")
		end := date("10.03.2024")
		trip := &models.Trip{UserID: 200, Country: "Japan", StartDate: date("01.03.2024"), EndDate: &end}
		place := &models.Place{
			City: "Tokyo", Title: "Shibuya Crossing", VisitDate: date("03.03.2024"),
			Coordinates: &models.Coordinates{Latitude: 35.6595, Longitude: 139.7005},
		}
		if err := s.CreateTripWithPlace(ctx, trip, place); err != nil {
			t.Fatalf("CreateTripWithPlace failed: %v", err)
		}
		if trip.ID == 0 || place.ID == 0 || place.TripID != trip.ID {
			t.Fatalf("ids not assigned: trip=%+v place=%+v", trip, place)
		}

		second := &models.Place{TripID: trip.ID, City: "Kyoto", Title: "Fushimi Inari", VisitDate: date("05.03.2024")}
		if err := s.CreatePlace(ctx, second); err != nil {
			t.Fatalf("CreatePlace failed: %v", err)
		}
		if err := s.SetPlaceRating(ctx, second.ID, 10); err != nil {
			t.Fatalf("SetPlaceRating failed: %v", err)
		}

		got, err := s.GetTrip(ctx, trip.ID)
		if err != nil || got == nil {
			t.Fatalf("GetTrip failed: %v", err)
		}
		if got.Country != "Japan" || got.EndDate == nil || !got.EndDate.Equal(end) || got.Status != models.TripStatusActive {
			t.Errorf("unexpected trip %+v", got)
		}
		if err := s.FinishTrip(ctx, trip.ID, 9, "great"); err != nil {
			t.Fatalf("FinishTrip failed: %v", err)
		}
		got, _ = s.GetTrip(ctx, trip.ID)
		if got.Status != models.TripStatusFinished || got.Rating != 9 || got.Comment != "great" {
			t.Errorf("trip not finished: %+v", got)
		}

		places, err := s.ListUserPlaces(ctx, 200)
		if err != nil || len(places) != 2 {
			t.Fatalf("expected 2 places, got %d (%v)", len(places), err)
		}
		if places[0].Coordinates == nil || places[1].Coordinates != nil || places[1].Rating != 10 {
			t.Errorf("unexpected places %+v", places)
		}
		if byTrip, _ := s.ListPlaces(ctx, trip.ID); len(byTrip) != 2 {
			t.Errorf("expected 2 places in trip, got %d", len(byTrip))
		}
		if trips, _ := s.ListTrips(ctx, 200); len(trips) != 1 {
			t.Errorf("expected 1 trip, got %d", len(trips))
		}

		for i, mt := range []models.MediaType{models.MediaPhoto, models.MediaPhoto, models.MediaVideo} {
			m := &models.Media{PlaceID: place.ID, Type: mt, Ref: "ref"}
			if err := s.AddMedia(ctx, m); err != nil || m.ID == 0 {
				t.Fatalf("AddMedia %d failed: %v", i, err)
			}
		}
		if n, _ := s.CountPlaceMedia(ctx, place.ID); n != 3 {
			t.Errorf("expected 3 media on place, got %d", n)
		}
		if n, _ := s.CountMedia(ctx, 200, models.MediaPhoto); n != 2 {
			t.Errorf("expected 2 photos, got %d", n)
		}
	})

	t.Run("achievements are unique", func(t *testing.T) {
		a := models.UnlockedAchievement{UserID: 300, Code: "FIRST_TRAVEL", Name: "First step"}
		created, err := s.UnlockAchievement(ctx, a)
		if err != nil || !created {
			t.Fatalf("first unlock: created=%v err=%v", created, err)
		}
		created, err = s.UnlockAchievement(ctx, a)
		if err != nil || created {
			t.Fatalf("second unlock: created=%v err=%v", created, err)
		}
		list, _ := s.ListUnlocked(ctx, 300)
		if len(list) != 1 || list[0].Code != "FIRST_TRAVEL" {
			t.Errorf("unexpected unlocks %+v", list)
		}
	})

	t.Run("payment requests", func(t *testing.T) {
		req := &models.PaymentRequest{UserID: 400, Tariff: "1_month", Days: 30, Price: "299", ScreenshotRef: "shot"}
		if err := s.CreatePaymentRequest(ctx, req); err != nil || req.ID == 0 {
			t.Fatalf("CreatePaymentRequest failed: %v", err)
		}
		pending, _ := s.ListPaymentRequests(ctx, models.PaymentStatusPending)
		if len(pending) != 1 || pending[0].Tariff != "1_month" {
			t.Errorf("unexpected requests %+v", pending)
		}
	})

	t.Run("flow state", func(t *testing.T) {
		st := models.FlowState{UserID: 500, Kind: models.FlowTrip, State: models.StateTripCountry, SessionID: "s1", Payload: []byte(`{"a":1}`)}
		if err := s.SaveFlowState(ctx, st); err != nil {
			t.Fatalf("SaveFlowState failed: %v", err)
		}
		st.State = models.StateTripStartDate
		st.UpdatedAt = time.Now().Add(time.Second)
		if err := s.SaveFlowState(ctx, st); err != nil {
			t.Fatalf("SaveFlowState update failed: %v", err)
		}
		got, err := s.GetFlowState(ctx, 500)
		if err != nil || got == nil {
			t.Fatalf("GetFlowState failed: %v", err)
		}
		if got.State != models.StateTripStartDate || string(got.Payload) != `{"a":1}` {
			t.Errorf("unexpected state %+v", got)
		}
		all, _ := s.ListFlowStates(ctx)
		if len(all) != 1 {
			t.Errorf("expected 1 flow state, got %d", len(all))
		}
		if err := s.DeleteFlowState(ctx, 500); err != nil {
			t.Fatalf("DeleteFlowState failed: %v", err)
		}
		if got, _ := s.GetFlowState(ctx, 500); got != nil {
			t.Error("expected flow state deleted")
		}
	})

	t.Run("dedup", func(t *testing.T) {
		fresh, err := s.RecordInbound(ctx, "SM1", 600)
		if err != nil || !fresh {
			t.Fatalf("first RecordInbound: fresh=%v err=%v", fresh, err)
		}
		fresh, _ = s.RecordInbound(ctx, "SM1", 600)
		if !fresh {
			t.Error("an unprocessed message should be handed out again for retry")
		}
		if err := s.MarkProcessed(ctx, "SM1"); err != nil {
			t.Errorf("MarkProcessed failed: %v", err)
		}
		fresh, _ = s.RecordInbound(ctx, "SM1", 600)
		if fresh {
			t.Error("expected duplicate after MarkProcessed")
		}

		if _, err := s.RecordInbound(ctx, "SM2", 600); err != nil {
			t.Fatalf("RecordInbound SM2: %v", err)
		}
		n, err := s.PruneInbound(ctx, time.Now().Add(time.Minute))
		if err != nil || n != 2 {
			t.Fatalf("PruneInbound = %d, %v; want 2", n, err)
		}
		if n, _ := s.PruneInbound(ctx, time.Now().Add(time.Minute)); n != 0 {
			t.Errorf("second PruneInbound removed %d", n)
		}
		if fresh, _ := s.RecordInbound(ctx, "SM1", 600); !fresh {
			t.Error("pruned message id should be accepted again")
		}
	})

	t.Run("commit journal", func(t *testing.T) {
		if rec, err := s.GetCommit(ctx, "sess:0"); err != nil || rec != nil {
			t.Fatalf("GetCommit on empty journal = %+v, %v", rec, err)
		}
		first := models.CommitRecord{Key: "sess:0", UserID: 700, RecordID: 42, Payload: []byte(`{"draft":{}}`)}
		if err := s.SaveCommit(ctx, first); err != nil {
			t.Fatalf("SaveCommit failed: %v", err)
		}
		if err := s.SaveCommit(ctx, models.CommitRecord{Key: "sess:0", UserID: 700, RecordID: 99}); err != nil {
			t.Fatalf("second SaveCommit failed: %v", err)
		}
		got, err := s.GetCommit(ctx, "sess:0")
		if err != nil || got == nil {
			t.Fatalf("GetCommit = %+v, %v", got, err)
		}
		if got.RecordID != 42 || got.UserID != 700 || string(got.Payload) != `{"draft":{}}` || got.CreatedAt.IsZero() {
			t.Errorf("journal should keep the first record, got %+v", got)
		}
		n, err := s.PruneCommits(ctx, time.Now().Add(time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("PruneCommits = %d, %v; want 1", n, err)
		}
		if got, _ := s.GetCommit(ctx, "sess:0"); got != nil {
			t.Error("expected commit pruned")
		}
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "diary.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	for _, table := range []string{"media", "places", "trips", "achievements", "payment_requests", "conversations", "inbound_dedup", "commit_journal", "users"} {
		pgStore.db.Exec("DELETE FROM " + table)
	}
	runStoreSuite(t, pgStore)
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":   DSNTypePostgres,
		"host=localhost dbname=diary":   DSNTypePostgres,
		"/var/lib/traveldiary/diary.db": DSNTypeSQLite,
		"file:diary.db?cache=shared":    DSNTypeSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestDollarRebind(t *testing.T) {
	got := dollarRebind(`SELECT a FROM t WHERE x = ? AND y = ?`)
	if got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Errorf("dollarRebind() = %q", got)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
