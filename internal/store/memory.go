package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

type unlockKey struct {
	userID int64
	code   string
}

// InMemoryStore keeps everything in process memory. It is used by tests and when no DSN is configured.
type InMemoryStore struct {
	mu sync.RWMutex

	nextID int64

	users    map[int64]models.User
	trips    map[int64]models.Trip
	places   map[int64]models.Place
	media    map[int64]models.Media
	unlocks  map[unlockKey]models.UnlockedAchievement
	payments map[int64]models.PaymentRequest
	flows    map[int64]models.FlowState
	inbound  map[string]DedupRecord
	commits  map[string]models.CommitRecord
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[int64]models.User),
		trips:    make(map[int64]models.Trip),
		places:   make(map[int64]models.Place),
		media:    make(map[int64]models.Media),
		unlocks:  make(map[unlockKey]models.UnlockedAchievement),
		payments: make(map[int64]models.PaymentRequest),
		flows:    make(map[int64]models.FlowState),
		inbound:  make(map[string]DedupRecord),
		commits:  make(map[string]models.CommitRecord),
	}
}

func (s *InMemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *InMemoryStore) EnsureUser(ctx context.Context, userID int64, name string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = models.User{ID: userID, Name: name, CreatedAt: time.Now().UTC()}
		s.users[userID] = u
	}
	return &u, nil
}

func (s *InMemoryStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) SetPremium(ctx context.Context, userID int64, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.Premium = true
	u.PremiumUntil = &until
	s.users[userID] = u
	return nil
}

func (s *InMemoryStore) ExpirePremium(ctx context.Context, now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []int64
	for id, u := range s.users {
		if u.Premium && u.PremiumUntil != nil && !u.PremiumUntil.After(now) {
			u.Premium = false
			s.users[id] = u
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired, nil
}

func (s *InMemoryStore) CreateTripWithPlace(ctx context.Context, trip *models.Trip, place *models.Place) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	trip.ID = s.id()
	trip.CreatedAt = now
	if trip.Status == "" {
		trip.Status = models.TripStatusActive
	}
	s.trips[trip.ID] = *trip
	if place != nil {
		place.TripID = trip.ID
		place.ID = s.id()
		place.CreatedAt = now
		s.places[place.ID] = *place
	}
	return nil
}

func (s *InMemoryStore) CreatePlace(ctx context.Context, place *models.Place) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	place.ID = s.id()
	place.CreatedAt = time.Now().UTC()
	s.places[place.ID] = *place
	return nil
}

func (s *InMemoryStore) GetTrip(ctx context.Context, tripID int64) (*models.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[tripID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) FinishTrip(ctx context.Context, tripID int64, rating int, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[tripID]
	if !ok {
		return nil
	}
	t.Status = models.TripStatusFinished
	t.Rating = rating
	t.Comment = comment
	s.trips[tripID] = t
	return nil
}

func (s *InMemoryStore) SetPlaceRating(ctx context.Context, placeID int64, rating int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.places[placeID]
	if !ok {
		return nil
	}
	p.Rating = rating
	s.places[placeID] = p
	return nil
}

func (s *InMemoryStore) ListTrips(ctx context.Context, userID int64) ([]models.Trip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trip
	for _, t := range s.trips {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListPlaces(ctx context.Context, tripID int64) ([]models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Place
	for _, p := range s.places {
		if p.TripID == tripID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListUserPlaces(ctx context.Context, userID int64) ([]models.Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Place
	for _, p := range s.places {
		if t, ok := s.trips[p.TripID]; ok && t.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) AddMedia(ctx context.Context, media *models.Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	media.ID = s.id()
	media.CreatedAt = time.Now().UTC()
	s.media[media.ID] = *media
	return nil
}

func (s *InMemoryStore) CountPlaceMedia(ctx context.Context, placeID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.media {
		if m.PlaceID == placeID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountMedia(ctx context.Context, userID int64, mediaType models.MediaType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.media {
		if m.Type != mediaType {
			continue
		}
		p, ok := s.places[m.PlaceID]
		if !ok {
			continue
		}
		if t, ok := s.trips[p.TripID]; ok && t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) UnlockAchievement(ctx context.Context, a models.UnlockedAchievement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := unlockKey{userID: a.UserID, code: a.Code}
	if _, exists := s.unlocks[key]; exists {
		return false, nil
	}
	if a.UnlockedAt.IsZero() {
		a.UnlockedAt = time.Now().UTC()
	}
	s.unlocks[key] = a
	return true, nil
}

func (s *InMemoryStore) ListUnlocked(ctx context.Context, userID int64) ([]models.UnlockedAchievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UnlockedAchievement
	for key, a := range s.unlocks {
		if key.userID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnlockedAt.Equal(out[j].UnlockedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].UnlockedAt.Before(out[j].UnlockedAt)
	})
	return out, nil
}

func (s *InMemoryStore) CreatePaymentRequest(ctx context.Context, req *models.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.ID = s.id()
	req.CreatedAt = time.Now().UTC()
	if req.Status == "" {
		req.Status = models.PaymentStatusPending
	}
	s.payments[req.ID] = *req
	return nil
}

func (s *InMemoryStore) ListPaymentRequests(ctx context.Context, status models.PaymentStatus) ([]models.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PaymentRequest
	for _, p := range s.payments {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.flows[state.UserID]; ok && state.CreatedAt.IsZero() {
		state.CreatedAt = prev.CreatedAt
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = now
	}
	state.Payload = append([]byte(nil), state.Payload...)
	s.flows[state.UserID] = state
	return nil
}

func (s *InMemoryStore) GetFlowState(ctx context.Context, userID int64) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.flows[userID]
	if !ok {
		return nil, nil
	}
	st.Payload = append([]byte(nil), st.Payload...)
	return &st, nil
}

func (s *InMemoryStore) DeleteFlowState(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, userID)
	return nil
}

func (s *InMemoryStore) ListFlowStates(ctx context.Context) ([]models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FlowState, 0, len(s.flows))
	for _, st := range s.flows {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID string, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		return rec.ProcessedAt == nil, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) PruneInbound(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetCommit(ctx context.Context, key string) (*models.CommitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.commits[key]
	if !ok {
		return nil, nil
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	return &rec, nil
}

func (s *InMemoryStore) SaveCommit(ctx context.Context, rec models.CommitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commits[rec.Key]; ok {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.commits[rec.Key] = rec
	return nil
}

func (s *InMemoryStore) PruneCommits(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.commits {
		if rec.CreatedAt.Before(before) {
			delete(s.commits, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
