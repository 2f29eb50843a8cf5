package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// Conversation is a user's active guided workflow.
type Conversation struct {
	UserID    int64
	SessionID string
	Kind      models.FlowType
	State     models.StateType
	History   []models.StateType
	Draft     Draft
	// Commits counts the commits made so far; it keys the commit journal.
	Commits   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Draft holds the fields collected so far. The concrete type follows Kind:
// *TripDraft for trip and place creation, *QuickAddDraft and *PaymentDraft otherwise.
type Draft interface {
	clone() Draft
}

// PlaceDraft collects one place of the place sub-chain.
type PlaceDraft struct {
	City        string              `json:"city,omitempty"`
	VisitDate   time.Time           `json:"visit_date,omitempty"`
	Title       string              `json:"title,omitempty"`
	Comment     string              `json:"comment,omitempty"`
	Coordinates *models.Coordinates `json:"coordinates,omitempty"`
	PlaceID     int64               `json:"place_id,omitempty"`
	MediaCount  int                 `json:"media_count,omitempty"`
}

func (p PlaceDraft) clone() PlaceDraft {
	if p.Coordinates != nil {
		c := *p.Coordinates
		p.Coordinates = &c
	}
	return p
}

// TripDraft is the draft of trip_creation and place_creation workflows.
// For place_creation the trip fields are loaded from the existing trip.
type TripDraft struct {
	TripID      int64      `json:"trip_id,omitempty"`
	Country     string     `json:"country,omitempty"`
	StartDate   time.Time  `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Rating      int        `json:"rating,omitempty"`
	Place       PlaceDraft `json:"place"`
	PlacesSaved int        `json:"places_saved,omitempty"`
	LastPlaceID int64      `json:"last_place_id,omitempty"`
}

func (d *TripDraft) clone() Draft {
	cp := *d
	if d.EndDate != nil {
		e := *d.EndDate
		cp.EndDate = &e
	}
	cp.Place = d.Place.clone()
	return &cp
}

// QuickAddDraft is the draft of the quick_add workflow.
type QuickAddDraft struct {
	Country string     `json:"country,omitempty"`
	TripID  int64      `json:"trip_id,omitempty"`
	Place   PlaceDraft `json:"place"`
}

func (d *QuickAddDraft) clone() Draft {
	cp := *d
	cp.Place = d.Place.clone()
	return &cp
}

// PaymentDraft is the draft of the premium_payment workflow.
type PaymentDraft struct {
	Tariff    string `json:"tariff,omitempty"`
	Days      int    `json:"days,omitempty"`
	Price     string `json:"price,omitempty"`
	RequestID int64  `json:"request_id,omitempty"`
}

func (d *PaymentDraft) clone() Draft {
	cp := *d
	return &cp
}

func newDraft(kind models.FlowType) (Draft, error) {
	switch kind {
	case models.FlowTrip, models.FlowPlace:
		return &TripDraft{}, nil
	case models.FlowQuickAdd:
		return &QuickAddDraft{}, nil
	case models.FlowPremium:
		return &PaymentDraft{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidFlowType, kind)
	}
}

// Clone returns a deep copy; commits run against the copy.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.History = append([]models.StateType(nil), c.History...)
	if c.Draft != nil {
		cp.Draft = c.Draft.clone()
	}
	return &cp
}

// Trip returns the trip draft, or nil for other kinds.
func (c *Conversation) Trip() *TripDraft {
	d, _ := c.Draft.(*TripDraft)
	return d
}

// Quick returns the quick-add draft, or nil for other kinds.
func (c *Conversation) Quick() *QuickAddDraft {
	d, _ := c.Draft.(*QuickAddDraft)
	return d
}

// Payment returns the payment draft, or nil for other kinds.
func (c *Conversation) Payment() *PaymentDraft {
	d, _ := c.Draft.(*PaymentDraft)
	return d
}

// Place returns the place being collected, if the workflow has one.
func (c *Conversation) Place() *PlaceDraft {
	switch d := c.Draft.(type) {
	case *TripDraft:
		return &d.Place
	case *QuickAddDraft:
		return &d.Place
	}
	return nil
}

// PrimaryRecord is the id reported when the workflow completes.
func (c *Conversation) PrimaryRecord() int64 {
	switch d := c.Draft.(type) {
	case *TripDraft:
		if c.Kind == models.FlowPlace {
			return d.LastPlaceID
		}
		return d.TripID
	case *QuickAddDraft:
		return d.Place.PlaceID
	case *PaymentDraft:
		return d.RequestID
	}
	return 0
}

type envelope struct {
	Kind    models.FlowType    `json:"kind"`
	State   models.StateType   `json:"state"`
	History []models.StateType `json:"history,omitempty"`
	Commits int                `json:"commits,omitempty"`
	Draft   json.RawMessage    `json:"draft"`
}

// encodeConversation serializes c into the persisted FlowState.
func encodeConversation(c *Conversation) (models.FlowState, error) {
	draft, err := json.Marshal(c.Draft)
	if err != nil {
		return models.FlowState{}, fmt.Errorf("encode draft: %w", err)
	}
	payload, err := json.Marshal(envelope{Kind: c.Kind, State: c.State, History: c.History, Commits: c.Commits, Draft: draft})
	if err != nil {
		return models.FlowState{}, fmt.Errorf("encode conversation: %w", err)
	}
	return models.FlowState{
		UserID:    c.UserID,
		Kind:      c.Kind,
		State:     c.State,
		SessionID: c.SessionID,
		Payload:   payload,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}, nil
}

// decodeConversation rebuilds a Conversation from its persisted form.
func decodeConversation(st models.FlowState) (*Conversation, error) {
	var env envelope
	if err := json.Unmarshal(st.Payload, &env); err != nil {
		return nil, fmt.Errorf("decode conversation for user %d: %w", st.UserID, err)
	}
	draft, err := newDraft(env.Kind)
	if err != nil {
		return nil, err
	}
	if len(env.Draft) > 0 && string(env.Draft) != "null" {
		if err := json.Unmarshal(env.Draft, draft); err != nil {
			return nil, fmt.Errorf("decode %s draft for user %d: %w", env.Kind, st.UserID, err)
		}
	}
	return &Conversation{
		UserID:    st.UserID,
		SessionID: st.SessionID,
		Kind:      env.Kind,
		State:     env.State,
		History:   env.History,
		Draft:     draft,
		Commits:   env.Commits,
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt,
	}, nil
}
