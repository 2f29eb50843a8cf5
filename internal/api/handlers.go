package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/TravelDiary/internal/achievement"
	"github.com/BTreeMap/TravelDiary/internal/flow"
	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/BTreeMap/TravelDiary/internal/premium"
)

// StartConversationRequest is the body of POST /v1/users/{userID}/conversation.
type StartConversationRequest struct {
	Flow   models.FlowType `json:"flow"`
	TripID int64           `json:"trip_id,omitempty"`
	Name   string          `json:"name,omitempty"`
}

// InputRequest is the body of POST /v1/users/{userID}/conversation/input.
type InputRequest struct {
	Text      string           `json:"text"`
	Latitude  *float64         `json:"latitude,omitempty"`
	Longitude *float64         `json:"longitude,omitempty"`
	MediaRef  string           `json:"media_ref,omitempty"`
	MediaType models.MediaType `json:"media_type,omitempty"`
}

// toInput converts the request into engine input.
func (req InputRequest) toInput() (flow.Input, error) {
	in := flow.Input{Text: req.Text}
	switch {
	case req.Latitude != nil && req.Longitude != nil:
		in.Location = &models.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}
	case req.Latitude != nil || req.Longitude != nil:
		return flow.Input{}, errors.New("latitude and longitude must be sent together")
	}
	if req.MediaRef != "" {
		mt := req.MediaType
		if mt == "" {
			mt = models.MediaPhoto
		}
		if !models.IsValidMediaType(mt) {
			return flow.Input{}, models.ErrInvalidMediaType
		}
		in.Media = &flow.MediaInput{Type: mt, Ref: req.MediaRef}
	}
	return in, nil
}

// PremiumRequest is the body of POST /v1/users/{userID}/premium.
type PremiumRequest struct {
	Days int `json:"days"`
}

// ProgressResponse lists a user's achievements.
type ProgressResponse struct {
	Unlocked     int                  `json:"unlocked"`
	Total        int                  `json:"total"`
	Achievements []achievement.Status `json:"achievements"`
}

func userIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// healthHandler reports liveness and the number of users with requests in flight.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status":       "healthy",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"active_users": s.opts.Dispatcher.Active(),
	}))
}

// startConversationHandler opens a workflow (POST /v1/users/{userID}/conversation)
func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid user ID"))
		return
	}
	var req StartConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("startConversationHandler failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !models.IsValidFlowType(req.Flow) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidFlowType.Error()))
		return
	}
	if req.Flow == models.FlowPlace && req.TripID <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("trip_id is required for place_creation"))
		return
	}

	var out flow.Outcome
	err := s.opts.Dispatcher.Do(userID, func() error {
		var serr error
		out, serr = s.engine.Start(r.Context(), userID, req.Flow, flow.StartOptions{TripID: req.TripID, Name: req.Name})
		return serr
	})
	switch {
	case errors.Is(err, flow.ErrWorkflowActive):
		writeJSONResponse(w, http.StatusConflict, models.Error("Another workflow is active; finish or cancel it first"))
		return
	case errors.Is(err, flow.ErrTripNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Trip not found"))
		return
	case errors.Is(err, flow.ErrUnknownFlow):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case err != nil:
		slog.Error("startConversationHandler failed", "error", err, "userID", userID, "flow", req.Flow)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(out))
}

// submitInputHandler feeds one input to the active workflow (POST /v1/users/{userID}/conversation/input)
func (s *Server) submitInputHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid user ID"))
		return
	}
	var req InputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("submitInputHandler failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	var out flow.Outcome
	err = s.opts.Dispatcher.Do(userID, func() error {
		var serr error
		out, serr = s.engine.Submit(r.Context(), userID, in)
		return serr
	})
	if errors.Is(err, flow.ErrNoActiveWorkflow) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active conversation"))
		return
	}
	if err != nil {
		slog.Error("submitInputHandler failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process input"))
		return
	}
	// Rejections and throttling are normal conversation turns, not HTTP errors.
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

// cancelConversationHandler discards the active workflow (DELETE /v1/users/{userID}/conversation)
func (s *Server) cancelConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid user ID"))
		return
	}
	err := s.opts.Dispatcher.Do(userID, func() error {
		return s.engine.Cancel(r.Context(), userID)
	})
	if errors.Is(err, flow.ErrNoActiveWorkflow) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No active conversation"))
		return
	}
	if err != nil {
		slog.Error("cancelConversationHandler failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation cancelled", nil))
}

func (s *Server) achievementsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid user ID"))
		return
	}
	if s.opts.Progress == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Achievements are not available"))
		return
	}
	statuses, err := s.opts.Progress.Progress(r.Context(), userID)
	if err != nil {
		slog.Error("achievementsHandler failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load achievements"))
		return
	}
	resp := ProgressResponse{Total: len(statuses), Achievements: statuses}
	for _, st := range statuses {
		if st.Unlocked {
			resp.Unlocked++
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) activatePremiumHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(r)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid user ID"))
		return
	}
	if s.opts.Premium == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Premium activation is not available"))
		return
	}
	var req PremiumRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("activatePremiumHandler failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	var act premium.Activation
	err := s.opts.Dispatcher.Do(userID, func() error {
		var aerr error
		act, aerr = s.opts.Premium.Activate(r.Context(), userID, req.Days)
		return aerr
	})
	switch {
	case errors.Is(err, premium.ErrInvalidDays), errors.Is(err, models.ErrInvalidUserID):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	case err != nil:
		slog.Error("activatePremiumHandler failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to activate premium"))
		return
	}
	slog.Info("activatePremiumHandler succeeded", "userID", userID, "days", req.Days, "unlocked", len(act.Unlocked))
	writeJSONResponse(w, http.StatusOK, models.Success(act))
}

// requireToken rejects requests without the configured API token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIToken != "" {
			got := r.Header.Get(apiTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.APIToken)) != 1 {
				slog.Warn("Server rejected request without a valid API token", "path", r.URL.Path)
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid API token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
