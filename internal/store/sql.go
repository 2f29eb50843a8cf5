package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// sqlStore implements Store over database/sql. Queries are written with '?' placeholders
// and rewritten by rebind for dialects that number their parameters.
type sqlStore struct {
	db     *sql.DB
	name   string
	rebind func(string) string
}

func identity(q string) string { return q }

// dollarRebind rewrites '?' placeholders to $1, $2, ...
func dollarRebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) EnsureUser(ctx context.Context, userID int64, name string) (*models.User, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO users (id, name, premium, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		userID, name, false, time.Now().UTC())
	if err != nil {
		slog.Error(s.name+" EnsureUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to ensure user %d: %w", userID, err)
	}
	return s.GetUser(ctx, userID)
}

func (s *sqlStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	var until sql.NullTime
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, premium, premium_until, created_at FROM users WHERE id = ?`), userID).
		Scan(&u.ID, &u.Name, &u.Premium, &until, &u.CreatedAt)
	if err == sql.ErrNoRows {
		slog.Debug(s.name+" GetUser not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get user %d: %w", userID, err)
	}
	if until.Valid {
		u.PremiumUntil = &until.Time
	}
	return &u, nil
}

func (s *sqlStore) SetPremium(ctx context.Context, userID int64, until time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE users SET premium = ?, premium_until = ? WHERE id = ?`), true, until.UTC(), userID)
	if err != nil {
		slog.Error(s.name+" SetPremium failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to set premium for user %d: %w", userID, err)
	}
	slog.Debug(s.name+" SetPremium succeeded", "userID", userID, "until", until)
	return nil
}

func (s *sqlStore) ExpirePremium(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`UPDATE users SET premium = ? WHERE premium = ? AND premium_until IS NOT NULL AND premium_until <= ? RETURNING id`),
		false, true, now.UTC())
	if err != nil {
		slog.Error(s.name+" ExpirePremium failed", "error", err)
		return nil, fmt.Errorf("failed to expire premium: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired users: %w", err)
	}
	slog.Debug(s.name+" ExpirePremium succeeded", "count", len(ids))
	return ids, nil
}

func (s *sqlStore) insertTrip(ctx context.Context, q queryer, trip *models.Trip, now time.Time) error {
	if trip.Status == "" {
		trip.Status = models.TripStatusActive
	}
	var end sql.NullTime
	if trip.EndDate != nil {
		end = sql.NullTime{Time: trip.EndDate.UTC(), Valid: true}
	}
	err := q.QueryRowContext(ctx, s.rebind(
		`INSERT INTO trips (user_id, country, start_date, end_date, status, rating, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		trip.UserID, trip.Country, trip.StartDate.UTC(), end, string(trip.Status), trip.Rating, trip.Comment, now).
		Scan(&trip.ID)
	if err != nil {
		return fmt.Errorf("failed to insert trip: %w", err)
	}
	trip.CreatedAt = now
	return nil
}

func (s *sqlStore) insertPlace(ctx context.Context, q queryer, place *models.Place, now time.Time) error {
	var lat, lon sql.NullFloat64
	if place.Coordinates != nil {
		lat = sql.NullFloat64{Float64: place.Coordinates.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: place.Coordinates.Longitude, Valid: true}
	}
	err := q.QueryRowContext(ctx, s.rebind(
		`INSERT INTO places (trip_id, city, title, comment, visit_date, latitude, longitude, rating, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		place.TripID, place.City, place.Title, place.Comment, place.VisitDate.UTC(), lat, lon, place.Rating, now).
		Scan(&place.ID)
	if err != nil {
		return fmt.Errorf("failed to insert place: %w", err)
	}
	place.CreatedAt = now
	return nil
}

func (s *sqlStore) CreateTripWithPlace(ctx context.Context, trip *models.Trip, place *models.Place) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error(s.name+" CreateTripWithPlace begin failed", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := s.insertTrip(ctx, tx, trip, now); err != nil {
		slog.Error(s.name+" CreateTripWithPlace failed", "error", err, "userID", trip.UserID)
		return err
	}
	if place != nil {
		place.TripID = trip.ID
		if err := s.insertPlace(ctx, tx, place, now); err != nil {
			slog.Error(s.name+" CreateTripWithPlace failed", "error", err, "userID", trip.UserID)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error(s.name+" CreateTripWithPlace commit failed", "error", err)
		return fmt.Errorf("failed to commit trip: %w", err)
	}
	slog.Debug(s.name+" CreateTripWithPlace succeeded", "tripID", trip.ID, "userID", trip.UserID)
	return nil
}

func (s *sqlStore) CreatePlace(ctx context.Context, place *models.Place) error {
	if err := s.insertPlace(ctx, s.db, place, time.Now().UTC()); err != nil {
		slog.Error(s.name+" CreatePlace failed", "error", err, "tripID", place.TripID)
		return err
	}
	slog.Debug(s.name+" CreatePlace succeeded", "placeID", place.ID, "tripID", place.TripID)
	return nil
}

const tripColumns = `id, user_id, country, start_date, end_date, status, rating, comment, created_at`

func scanTrip(scan func(...any) error) (models.Trip, error) {
	var t models.Trip
	var end sql.NullTime
	var status string
	if err := scan(&t.ID, &t.UserID, &t.Country, &t.StartDate, &end, &status, &t.Rating, &t.Comment, &t.CreatedAt); err != nil {
		return t, err
	}
	t.Status = models.TripStatus(status)
	if end.Valid {
		t.EndDate = &end.Time
	}
	return t, nil
}

func (s *sqlStore) GetTrip(ctx context.Context, tripID int64) (*models.Trip, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tripColumns+` FROM trips WHERE id = ?`), tripID)
	t, err := scanTrip(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetTrip failed", "error", err, "tripID", tripID)
		return nil, fmt.Errorf("failed to get trip %d: %w", tripID, err)
	}
	return &t, nil
}

func (s *sqlStore) FinishTrip(ctx context.Context, tripID int64, rating int, comment string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE trips SET status = ?, rating = ?, comment = ? WHERE id = ?`),
		string(models.TripStatusFinished), rating, comment, tripID)
	if err != nil {
		slog.Error(s.name+" FinishTrip failed", "error", err, "tripID", tripID)
		return fmt.Errorf("failed to finish trip %d: %w", tripID, err)
	}
	slog.Debug(s.name+" FinishTrip succeeded", "tripID", tripID, "rating", rating)
	return nil
}

func (s *sqlStore) SetPlaceRating(ctx context.Context, placeID int64, rating int) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE places SET rating = ? WHERE id = ?`), rating, placeID)
	if err != nil {
		slog.Error(s.name+" SetPlaceRating failed", "error", err, "placeID", placeID)
		return fmt.Errorf("failed to rate place %d: %w", placeID, err)
	}
	return nil
}

func (s *sqlStore) ListTrips(ctx context.Context, userID int64) ([]models.Trip, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+tripColumns+` FROM trips WHERE user_id = ? ORDER BY id`), userID)
	if err != nil {
		slog.Error(s.name+" ListTrips query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query trips: %w", err)
	}
	defer rows.Close()
	var trips []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trip row: %w", err)
		}
		trips = append(trips, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trip rows: %w", err)
	}
	return trips, nil
}

const placeColumns = `p.id, p.trip_id, p.city, p.title, p.comment, p.visit_date, p.latitude, p.longitude, p.rating, p.created_at`

func (s *sqlStore) queryPlaces(ctx context.Context, query string, arg int64) ([]models.Place, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query places: %w", err)
	}
	defer rows.Close()
	var places []models.Place
	for rows.Next() {
		var p models.Place
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.TripID, &p.City, &p.Title, &p.Comment, &p.VisitDate, &lat, &lon, &p.Rating, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan place row: %w", err)
		}
		if lat.Valid && lon.Valid {
			p.Coordinates = &models.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
		}
		places = append(places, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate place rows: %w", err)
	}
	return places, nil
}

func (s *sqlStore) ListPlaces(ctx context.Context, tripID int64) ([]models.Place, error) {
	places, err := s.queryPlaces(ctx, `SELECT `+placeColumns+` FROM places p WHERE p.trip_id = ? ORDER BY p.id`, tripID)
	if err != nil {
		slog.Error(s.name+" ListPlaces failed", "error", err, "tripID", tripID)
	}
	return places, err
}

func (s *sqlStore) ListUserPlaces(ctx context.Context, userID int64) ([]models.Place, error) {
	places, err := s.queryPlaces(ctx,
		`SELECT `+placeColumns+` FROM places p JOIN trips t ON t.id = p.trip_id WHERE t.user_id = ? ORDER BY p.id`, userID)
	if err != nil {
		slog.Error(s.name+" ListUserPlaces failed", "error", err, "userID", userID)
	}
	return places, err
}

func (s *sqlStore) AddMedia(ctx context.Context, media *models.Media) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO media (place_id, media_type, ref, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		media.PlaceID, string(media.Type), media.Ref, now).Scan(&media.ID)
	if err != nil {
		slog.Error(s.name+" AddMedia failed", "error", err, "placeID", media.PlaceID)
		return fmt.Errorf("failed to insert media: %w", err)
	}
	media.CreatedAt = now
	slog.Debug(s.name+" AddMedia succeeded", "mediaID", media.ID, "placeID", media.PlaceID)
	return nil
}

func (s *sqlStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlStore) CountPlaceMedia(ctx context.Context, placeID int64) (int, error) {
	n, err := s.count(ctx, `SELECT COUNT(*) FROM media WHERE place_id = ?`, placeID)
	if err != nil {
		slog.Error(s.name+" CountPlaceMedia failed", "error", err, "placeID", placeID)
		return 0, fmt.Errorf("failed to count media for place %d: %w", placeID, err)
	}
	return n, nil
}

func (s *sqlStore) CountMedia(ctx context.Context, userID int64, mediaType models.MediaType) (int, error) {
	n, err := s.count(ctx, `SELECT COUNT(*) FROM media m
		JOIN places p ON p.id = m.place_id
		JOIN trips t ON t.id = p.trip_id
		WHERE t.user_id = ? AND m.media_type = ?`, userID, string(mediaType))
	if err != nil {
		slog.Error(s.name+" CountMedia failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to count media for user %d: %w", userID, err)
	}
	return n, nil
}

func (s *sqlStore) UnlockAchievement(ctx context.Context, a models.UnlockedAchievement) (bool, error) {
	if a.UnlockedAt.IsZero() {
		a.UnlockedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO achievements (user_id, code, name, description, unlocked_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, code) DO NOTHING`),
		a.UserID, a.Code, a.Name, a.Description, a.UnlockedAt.UTC())
	if err != nil {
		slog.Error(s.name+" UnlockAchievement failed", "error", err, "userID", a.UserID, "code", a.Code)
		return false, fmt.Errorf("failed to unlock %s for user %d: %w", a.Code, a.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read unlock result: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) ListUnlocked(ctx context.Context, userID int64) ([]models.UnlockedAchievement, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT user_id, code, name, description, unlocked_at FROM achievements WHERE user_id = ? ORDER BY unlocked_at, code`), userID)
	if err != nil {
		slog.Error(s.name+" ListUnlocked query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query achievements: %w", err)
	}
	defer rows.Close()
	var out []models.UnlockedAchievement
	for rows.Next() {
		var a models.UnlockedAchievement
		if err := rows.Scan(&a.UserID, &a.Code, &a.Name, &a.Description, &a.UnlockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan achievement row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate achievement rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) CreatePaymentRequest(ctx context.Context, req *models.PaymentRequest) error {
	if req.Status == "" {
		req.Status = models.PaymentStatusPending
	}
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO payment_requests (user_id, tariff, days, price, screenshot_ref, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		req.UserID, req.Tariff, req.Days, req.Price, req.ScreenshotRef, string(req.Status), now).Scan(&req.ID)
	if err != nil {
		slog.Error(s.name+" CreatePaymentRequest failed", "error", err, "userID", req.UserID)
		return fmt.Errorf("failed to insert payment request: %w", err)
	}
	req.CreatedAt = now
	slog.Debug(s.name+" CreatePaymentRequest succeeded", "requestID", req.ID, "userID", req.UserID, "tariff", req.Tariff)
	return nil
}

func (s *sqlStore) ListPaymentRequests(ctx context.Context, status models.PaymentStatus) ([]models.PaymentRequest, error) {
	query := `SELECT id, user_id, tariff, days, price, screenshot_ref, status, created_at FROM payment_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query+` ORDER BY id`), args...)
	if err != nil {
		slog.Error(s.name+" ListPaymentRequests query failed", "error", err)
		return nil, fmt.Errorf("failed to query payment requests: %w", err)
	}
	defer rows.Close()
	var out []models.PaymentRequest
	for rows.Next() {
		var p models.PaymentRequest
		var st string
		if err := rows.Scan(&p.ID, &p.UserID, &p.Tariff, &p.Days, &p.Price, &p.ScreenshotRef, &st, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment request row: %w", err)
		}
		p.Status = models.PaymentStatus(st)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment request rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) SaveFlowState(ctx context.Context, state models.FlowState) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversations (user_id, kind, state, session_id, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET kind = excluded.kind, state = excluded.state,
		 session_id = excluded.session_id, payload = excluded.payload, updated_at = excluded.updated_at`),
		state.UserID, string(state.Kind), string(state.State), state.SessionID, state.Payload,
		state.CreatedAt.UTC(), state.UpdatedAt.UTC())
	if err != nil {
		slog.Error(s.name+" SaveFlowState failed", "error", err, "userID", state.UserID, "flow", state.Kind)
		return fmt.Errorf("failed to save flow state for user %d: %w", state.UserID, err)
	}
	slog.Debug(s.name+" SaveFlowState succeeded", "userID", state.UserID, "flow", state.Kind, "state", state.State)
	return nil
}

const flowColumns = `user_id, kind, state, session_id, payload, created_at, updated_at`

func scanFlowState(scan func(...any) error) (models.FlowState, error) {
	var st models.FlowState
	var kind, state string
	if err := scan(&st.UserID, &kind, &state, &st.SessionID, &st.Payload, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return st, err
	}
	st.Kind = models.FlowType(kind)
	st.State = models.StateType(state)
	return st, nil
}

func (s *sqlStore) GetFlowState(ctx context.Context, userID int64) (*models.FlowState, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+flowColumns+` FROM conversations WHERE user_id = ?`), userID)
	st, err := scanFlowState(row.Scan)
	if err == sql.ErrNoRows {
		slog.Debug(s.name+" GetFlowState not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetFlowState failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to get flow state for user %d: %w", userID, err)
	}
	return &st, nil
}

func (s *sqlStore) DeleteFlowState(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM conversations WHERE user_id = ?`), userID); err != nil {
		slog.Error(s.name+" DeleteFlowState failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to delete flow state for user %d: %w", userID, err)
	}
	slog.Debug(s.name+" DeleteFlowState succeeded", "userID", userID)
	return nil
}

func (s *sqlStore) ListFlowStates(ctx context.Context) ([]models.FlowState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+flowColumns+` FROM conversations ORDER BY user_id`)
	if err != nil {
		slog.Error(s.name+" ListFlowStates query failed", "error", err)
		return nil, fmt.Errorf("failed to query flow states: %w", err)
	}
	defer rows.Close()
	var out []models.FlowState
	for rows.Next() {
		st, err := scanFlowState(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow state row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow state rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID string, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound result failed: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var processed sql.NullTime
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT processed_at FROM inbound_dedup WHERE message_id = ?`), messageID).
		Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return !processed.Valid, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) PruneInbound(ctx context.Context, before time.Time) (int, error) {
	return s.prune(ctx, "inbound_dedup", "received_at", before)
}

func (s *sqlStore) GetCommit(ctx context.Context, key string) (*models.CommitRecord, error) {
	var rec models.CommitRecord
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT commit_key, user_id, record_id, payload, created_at FROM commit_journal WHERE commit_key = ?`), key).
		Scan(&rec.Key, &rec.UserID, &rec.RecordID, &rec.Payload, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetCommit failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get commit %s: %w", key, err)
	}
	return &rec, nil
}

func (s *sqlStore) SaveCommit(ctx context.Context, rec models.CommitRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO commit_journal (commit_key, user_id, record_id, payload, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (commit_key) DO NOTHING`),
		rec.Key, rec.UserID, rec.RecordID, rec.Payload, rec.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+" SaveCommit failed", "error", err, "key", rec.Key, "userID", rec.UserID)
		return fmt.Errorf("failed to save commit %s: %w", rec.Key, err)
	}
	slog.Debug(s.name+" SaveCommit succeeded", "key", rec.Key, "recordID", rec.RecordID)
	return nil
}

func (s *sqlStore) PruneCommits(ctx context.Context, before time.Time) (int, error) {
	return s.prune(ctx, "commit_journal", "created_at", before)
}

func (s *sqlStore) prune(ctx context.Context, table, column string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE `+column+` < ?`), before.UTC())
	if err != nil {
		slog.Error(s.name+" prune failed", "error", err, "table", table)
		return 0, fmt.Errorf("failed to prune %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", table, err)
	}
	if n > 0 {
		slog.Debug(s.name+" prune succeeded", "table", table, "count", n)
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	slog.Debug(s.name + " Close invoked")
	return s.db.Close()
}
