// Package models defines the core data structures for TravelDiary.
//
// It includes the travel records, the inbound chat event shape and the API envelope,
// which are shared across modules.
package models

import (
	"errors"
	"math"
)

// Error variables for input validation shared by the front ends.
var (
	ErrEmptySender       = errors.New("sender cannot be empty")
	ErrInvalidUserID     = errors.New("user id must be a positive integer")
	ErrInvalidFlowType   = errors.New("invalid flow type")
	ErrInvalidMediaType  = errors.New("invalid media type")
	ErrCoordinatesBounds = errors.New("coordinates out of range")
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point lies within -90..90 latitude and -180..180 longitude.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Response represents an inbound chat event from a user.
type Response struct {
	From      string       `json:"from"`
	Body      string       `json:"body"`
	Time      int64        `json:"time"`
	MessageID string       `json:"message_id,omitempty"`
	Location  *Coordinates `json:"location,omitempty"`  // out-of-band location payload
	MediaRef  string       `json:"media_ref,omitempty"` // opaque provider URL or file id
	MediaType MediaType    `json:"media_type,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ConfigurationError reports a programmer or deployment mistake detected at startup,
// such as an unknown state id or a malformed achievement catalog.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return e.Component + ": configuration error: " + e.Reason
}
