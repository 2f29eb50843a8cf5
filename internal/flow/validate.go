package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// Input limits.
const (
	MaxNameLength    = 50
	MaxTitleLength   = 100
	MaxCommentLength = 500
	MinRating        = 1
	MaxRating        = 10
)

// NoComment is what users type to leave a comment empty.
const NoComment = "-"

var (
	nameRe    = regexp.MustCompile(`^[\p{L}\p{M}\s\-'.]+$`)
	titleRe   = regexp.MustCompile(`^[\p{L}\p{M}\p{Nd}\s\-'.,!()#&]+$`)
	commentRe = regexp.MustCompile(`[<>{}\[\]]`)
	coordsRe  = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*[,;\s]\s*(-?\d+(?:\.\d+)?)\s*$`)
)

// ValidateCountry checks a country name. It returns the rejection reason, or "" if valid.
func ValidateCountry(s string) string {
	return validateName("Country", s)
}

// ValidateCity checks a city name.
func ValidateCity(s string) string {
	return validateName("City", s)
}

func validateName(field, s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return field + " cannot be empty."
	}
	if utf8.RuneCountInString(s) > MaxNameLength {
		return fmt.Sprintf("%s must be at most %d characters.", field, MaxNameLength)
	}
	if !nameRe.MatchString(s) {
		return field + " may contain only letters, spaces, hyphens, apostrophes and dots."
	}
	return ""
}

// ValidateTitle checks a place title.
func ValidateTitle(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Place name cannot be empty."
	}
	if utf8.RuneCountInString(s) > MaxTitleLength {
		return fmt.Sprintf("Place name must be at most %d characters.", MaxTitleLength)
	}
	if !titleRe.MatchString(s) {
		return "Place name contains unsupported characters."
	}
	return ""
}

// ValidateComment checks a free-text comment. "-" means no comment.
func ValidateComment(s string) string {
	s = strings.TrimSpace(s)
	if s == NoComment {
		return ""
	}
	if utf8.RuneCountInString(s) > MaxCommentLength {
		return fmt.Sprintf("Comment must be at most %d characters.", MaxCommentLength)
	}
	if commentRe.MatchString(s) {
		return "Comment must not contain < > { } [ ] characters."
	}
	return ""
}

// NormalizeComment maps the "-" placeholder to an empty comment.
func NormalizeComment(s string) string {
	s = strings.TrimSpace(s)
	if s == NoComment {
		return ""
	}
	return s
}

// ParseDate parses DD.MM.YYYY and rejects dates after today.
func ParseDate(s string, now time.Time) (time.Time, string) {
	d, err := time.Parse(models.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, "Enter the date as DD.MM.YYYY, for example 03.03.2024."
	}
	if d.After(truncateDay(now)) {
		return time.Time{}, "The date cannot be in the future."
	}
	return d, ""
}

// ParseRating parses an integer rating between 1 and 10.
func ParseRating(s string) (int, string) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < MinRating || n > MaxRating {
		return 0, fmt.Sprintf("Enter a whole number from %d to %d.", MinRating, MaxRating)
	}
	return n, ""
}

// ParseCoordinates parses "lat, lon" or "lat lon" in decimal degrees.
func ParseCoordinates(s string) (models.Coordinates, string) {
	m := coordsRe.FindStringSubmatch(s)
	if m == nil {
		return models.Coordinates{}, `Send coordinates as "latitude, longitude", for example 55.7558, 37.6173.`
	}
	lat, _ := strconv.ParseFloat(m[1], 64)
	lon, _ := strconv.ParseFloat(m[2], 64)
	c := models.Coordinates{Latitude: lat, Longitude: lon}
	if !c.Valid() {
		return models.Coordinates{}, "Latitude must be between -90 and 90 and longitude between -180 and 180."
	}
	return c, ""
}

// CheckWithin enforces start <= d <= end. A nil end leaves the range open.
func CheckWithin(d, start time.Time, end *time.Time) string {
	if !start.IsZero() && d.Before(start) {
		return fmt.Sprintf("The date must be within the trip (%s - %s).", start.Format(models.DateLayout), formatEnd(end))
	}
	if end != nil && d.After(*end) {
		return fmt.Sprintf("The date must be within the trip (%s - %s).", start.Format(models.DateLayout), formatEnd(end))
	}
	return ""
}

func formatEnd(end *time.Time) string {
	if end == nil {
		return "..."
	}
	return end.Format(models.DateLayout)
}

// truncateDay returns midnight UTC of t's calendar day.
func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
