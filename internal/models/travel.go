package models

import "time"

// DateLayout is the day.month.year format users type dates in.
const DateLayout = "02.01.2006"

// TripStatus is the lifecycle status of a trip.
type TripStatus string

const (
	TripStatusActive   TripStatus = "active"
	TripStatusFinished TripStatus = "finished"
)

// MediaType classifies an attached media reference.
type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
)

// IsValidMediaType checks if the given media type is supported.
func IsValidMediaType(mt MediaType) bool {
	switch mt {
	case MediaPhoto, MediaVideo, MediaAudio:
		return true
	default:
		return false
	}
}

// User is a diary owner identified by a stable numeric id.
type User struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name,omitempty"`
	Premium      bool       `json:"premium"`
	PremiumUntil *time.Time `json:"premium_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Trip is a journey to one country over a date range.
type Trip struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Country   string     `json:"country"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Status    TripStatus `json:"status"`
	Rating    int        `json:"rating,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Place is a visited location recorded inside a trip.
type Place struct {
	ID          int64        `json:"id"`
	TripID      int64        `json:"trip_id"`
	City        string       `json:"city"`
	Title       string       `json:"title"`
	Comment     string       `json:"comment,omitempty"`
	VisitDate   time.Time    `json:"visit_date"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Rating      int          `json:"rating,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Media is an opaque reference to a photo, video or audio attached to a place.
type Media struct {
	ID        int64     `json:"id"`
	PlaceID   int64     `json:"place_id"`
	Type      MediaType `json:"type"`
	Ref       string    `json:"ref"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentStatus tracks manual premium payment review.
type PaymentStatus string

const PaymentStatusPending PaymentStatus = "pending"

// PaymentRequest records a user's claim to have paid for a premium tariff.
type PaymentRequest struct {
	ID            int64         `json:"id"`
	UserID        int64         `json:"user_id"`
	Tariff        string        `json:"tariff"`
	Days          int           `json:"days"`
	Price         string        `json:"price"`
	ScreenshotRef string        `json:"screenshot_ref"`
	Status        PaymentStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}
