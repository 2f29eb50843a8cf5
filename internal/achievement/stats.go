package achievement

import (
	"context"
	"fmt"
	"strings"

	"github.com/BTreeMap/TravelDiary/internal/models"
	"golang.org/x/text/cases"
)

// StatsSource is the read side of the store used to compute AggregateStats.
type StatsSource interface {
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	ListTrips(ctx context.Context, userID int64) ([]models.Trip, error)
	ListUserPlaces(ctx context.Context, userID int64) ([]models.Place, error)
	CountMedia(ctx context.Context, userID int64, mediaType models.MediaType) (int, error)
}

// ComputeStats recomputes a user's aggregate counters from the store.
// A trip counts as finished once it has an end date.
func ComputeStats(ctx context.Context, src StatsSource, userID int64) (models.AggregateStats, error) {
	var stats models.AggregateStats

	user, err := src.GetUser(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("load user %d: %w", userID, err)
	}
	if user != nil {
		stats.Premium = user.Premium
	}

	trips, err := src.ListTrips(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("list trips for user %d: %w", userID, err)
	}
	fold := cases.Fold()
	countries := make(map[string]struct{})
	for _, t := range trips {
		if c := strings.TrimSpace(t.Country); c != "" {
			countries[fold.String(c)] = struct{}{}
		}
		if t.EndDate == nil {
			continue
		}
		stats.FinishedTrips++
		if days := wholeDays(t); days > stats.LongestTripDays {
			stats.LongestTripDays = days
		}
	}
	stats.Countries = len(countries)

	places, err := src.ListUserPlaces(ctx, userID)
	if err != nil {
		return stats, fmt.Errorf("list places for user %d: %w", userID, err)
	}
	stats.Places = len(places)
	for _, p := range places {
		if p.Rating == 10 {
			stats.PerfectRatings++
		}
	}

	stats.Photos, err = src.CountMedia(ctx, userID, models.MediaPhoto)
	if err != nil {
		return stats, fmt.Errorf("count photos for user %d: %w", userID, err)
	}
	return stats, nil
}

// wholeDays is the number of complete days between start and end.
func wholeDays(t models.Trip) int {
	d := t.EndDate.Sub(t.StartDate)
	if d <= 0 {
		return 0
	}
	return int(d.Hours() / 24)
}
