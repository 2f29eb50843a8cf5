// Package achievement evaluates gamification rules against per-user statistics.
package achievement

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/pelletier/go-toml/v2"
)

//go:embed catalog.toml
var defaultCatalogTOML []byte

// Metric names understood by catalog rules.
const (
	MetricFinishedTrips   = "finished_trips"
	MetricPlaces          = "places"
	MetricPhotos          = "photos"
	MetricLongestTripDays = "longest_trip_days"
	MetricPerfectRatings  = "perfect_ratings"
	MetricCountries       = "countries"
	MetricPremium         = "premium"
)

var metrics = map[string]func(models.AggregateStats) int{
	MetricFinishedTrips:   func(s models.AggregateStats) int { return s.FinishedTrips },
	MetricPlaces:          func(s models.AggregateStats) int { return s.Places },
	MetricPhotos:          func(s models.AggregateStats) int { return s.Photos },
	MetricLongestTripDays: func(s models.AggregateStats) int { return s.LongestTripDays },
	MetricPerfectRatings:  func(s models.AggregateStats) int { return s.PerfectRatings },
	MetricCountries:       func(s models.AggregateStats) int { return s.Countries },
	MetricPremium: func(s models.AggregateStats) int {
		if s.Premium {
			return 1
		}
		return 0
	},
}

type catalogFile struct {
	Rule []struct {
		Code        string `toml:"code"`
		Name        string `toml:"name"`
		Description string `toml:"description"`
		Metric      string `toml:"metric"`
		Threshold   int    `toml:"threshold"`
	} `toml:"rule"`
}

// Catalog is the immutable, ordered list of achievement rules.
type Catalog struct {
	rules  []models.AchievementRule
	byCode map[string]int
}

// DefaultCatalog parses the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogTOML)
}

// LoadCatalogFile parses a catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read achievement catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a Catalog from TOML. Any malformed entry, including an unknown key,
// yields a *models.ConfigurationError.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, &models.ConfigurationError{Component: "achievement catalog", Reason: err.Error()}
	}
	if len(file.Rule) == 0 {
		return nil, &models.ConfigurationError{Component: "achievement catalog", Reason: "no rules defined"}
	}

	c := &Catalog{byCode: make(map[string]int, len(file.Rule))}
	for i, r := range file.Rule {
		code := strings.TrimSpace(r.Code)
		if code == "" {
			return nil, &models.ConfigurationError{Component: "achievement catalog", Reason: fmt.Sprintf("rule %d has an empty code", i)}
		}
		if _, dup := c.byCode[code]; dup {
			return nil, &models.ConfigurationError{Component: "achievement catalog", Reason: fmt.Sprintf("duplicate code %q", code)}
		}
		metric, ok := metrics[r.Metric]
		if !ok {
			return nil, &models.ConfigurationError{Component: "achievement catalog", Reason: fmt.Sprintf("rule %s uses unknown metric %q", code, r.Metric)}
		}
		if r.Threshold < 1 {
			return nil, &models.ConfigurationError{Component: "achievement catalog", Reason: fmt.Sprintf("rule %s needs a positive threshold", code)}
		}
		threshold := r.Threshold
		c.byCode[code] = len(c.rules)
		c.rules = append(c.rules, models.AchievementRule{
			Code:        code,
			Name:        r.Name,
			Description: r.Description,
			Metric:      r.Metric,
			Threshold:   threshold,
			Predicate:   func(s models.AggregateStats) bool { return metric(s) >= threshold },
		})
	}
	return c, nil
}

// NewCatalog wraps hand-built rules. Rules must have unique codes and non-nil predicates.
func NewCatalog(rules ...models.AchievementRule) (*Catalog, error) {
	c := &Catalog{byCode: make(map[string]int, len(rules))}
	for _, r := range rules {
		if r.Code == "" || r.Predicate == nil {
			return nil, &models.ConfigurationError{Component: "achievement catalog", Reason: fmt.Sprintf("rule %q is incomplete", r.Code)}
		}
		if _, dup := c.byCode[r.Code]; dup {
			return nil, &models.ConfigurationError{Component: "achievement catalog", Reason: fmt.Sprintf("duplicate code %q", r.Code)}
		}
		c.byCode[r.Code] = len(c.rules)
		c.rules = append(c.rules, r)
	}
	return c, nil
}

// Rules returns the rules in catalog order.
func (c *Catalog) Rules() []models.AchievementRule {
	out := make([]models.AchievementRule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Lookup returns the rule with the given code.
func (c *Catalog) Lookup(code string) (models.AchievementRule, bool) {
	i, ok := c.byCode[code]
	if !ok {
		return models.AchievementRule{}, false
	}
	return c.rules[i], true
}

// Len returns the number of rules.
func (c *Catalog) Len() int { return len(c.rules) }
