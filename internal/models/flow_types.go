// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType represents a kind of guided workflow.
type FlowType string

// StateType represents a specific state within a workflow.
type StateType string

// Flow type constants.
const (
	FlowTrip     FlowType = "trip_creation"
	FlowPlace    FlowType = "place_creation"
	FlowQuickAdd FlowType = "quick_add"
	FlowPremium  FlowType = "premium_payment"
)

// IsValidFlowType checks if the given flow type is supported.
func IsValidFlowType(ft FlowType) bool {
	switch ft {
	case FlowTrip, FlowPlace, FlowQuickAdd, FlowPremium:
		return true
	default:
		return false
	}
}

// Trip chain states.
const (
	StateTripCountry   StateType = "trip.country"
	StateTripStartDate StateType = "trip.start_date"
	StateTripEndDate   StateType = "trip.end_date"
	StateTripRating    StateType = "trip.rating"
	StateTripComment   StateType = "trip.comment"
)

// Place sub-chain states, shared by trip and place creation.
const (
	StatePlaceCity           StateType = "place.city"
	StatePlaceDate           StateType = "place.date"
	StatePlaceTitle          StateType = "place.title"
	StatePlaceComment        StateType = "place.comment"
	StatePlaceLocationManual StateType = "place.location_manual"
	StatePlaceSave           StateType = "place.save"
	StatePlaceMedia          StateType = "place.media"
	StatePlaceRating         StateType = "place.rating"
	StatePlaceAnother        StateType = "place.another"
)

// Quick-add states.
const (
	StateQuickCountry        StateType = "quick.country"
	StateQuickCity           StateType = "quick.city"
	StateQuickTitle          StateType = "quick.title"
	StateQuickComment        StateType = "quick.comment"
	StateQuickLocationManual StateType = "quick.location_manual"
	StateQuickDate           StateType = "quick.date"
	StateQuickExtras         StateType = "quick.extras"
	StateQuickRating         StateType = "quick.rating"
)

// Premium payment states.
const (
	StatePremiumTariff     StateType = "premium.tariff"
	StatePremiumScreenshot StateType = "premium.screenshot"
)

// StateDone is the terminal pseudo-state; reaching it completes the workflow.
const StateDone StateType = ""
