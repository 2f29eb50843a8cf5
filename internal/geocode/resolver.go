// Package geocode resolves free-text place descriptions into coordinates.
//
// Resolution issues a cascade of increasingly general queries against a Lookup collaborator,
// optionally extended with translated variants for non-Latin input, and stops at the first hit.
package geocode

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/BTreeMap/TravelDiary/internal/ratelimit"
	"golang.org/x/text/language"
)

// DefaultLookupTimeout bounds a single candidate lookup.
const DefaultLookupTimeout = 20 * time.Second

// Match is one result returned by a Lookup.
type Match struct {
	Coordinates models.Coordinates
	DisplayName string
}

// Lookup queries an external geocoding service.
type Lookup interface {
	Lookup(ctx context.Context, query string) ([]Match, error)
}

// Translator translates text. Implementations return the input unchanged on failure.
type Translator interface {
	Translate(ctx context.Context, text string, target language.Tag) string
}

// Limiter admits or denies outbound calls.
type Limiter interface {
	Allow(userID int64, category ratelimit.Category) bool
}

// Opts holds optional Resolver settings.
type Opts struct {
	Translator Translator
	Category   ratelimit.Category
	Timeout    time.Duration
	Target     language.Tag
}

// Option configures a Resolver.
type Option func(*Opts)

// WithTranslator enables translated fallback candidates for non-Latin input.
func WithTranslator(t Translator) Option {
	return func(o *Opts) {
		o.Translator = t
	}
}

// WithCategory sets the rate-limit category charged per resolution.
func WithCategory(c ratelimit.Category) Option {
	return func(o *Opts) {
		o.Category = c
	}
}

// WithTimeout sets the per-candidate lookup timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithTargetLanguage sets the language translated candidates are built in.
func WithTargetLanguage(tag language.Tag) Option {
	return func(o *Opts) {
		o.Target = tag
	}
}

// Resolver maps (country, city, title) to coordinates.
type Resolver struct {
	lookup  Lookup
	limiter Limiter
	opts    Opts
}

// NewResolver creates a Resolver charging limiter once per resolution.
func NewResolver(lookup Lookup, limiter Limiter, opts ...Option) *Resolver {
	o := Opts{
		Category: ratelimit.CategoryGeocoding,
		Timeout:  DefaultLookupTimeout,
		Target:   language.English,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Resolver{lookup: lookup, limiter: limiter, opts: o}
}

// Resolve returns the coordinates of the first candidate with a valid match.
// The boolean is false when the limiter denies the call or every candidate misses.
func (r *Resolver) Resolve(ctx context.Context, country, city, title string) (models.Coordinates, bool) {
	if !r.limiter.Allow(ratelimit.ProcessWide, r.opts.Category) {
		slog.Warn("Resolver Resolve rate limited", "category", r.opts.Category)
		return models.Coordinates{}, false
	}

	queries := r.queries(ctx, country, city, title)
	for i, q := range queries {
		coords, ok := r.try(ctx, q)
		if ok {
			slog.Debug("Resolver Resolve hit", "query", q, "attempt", i+1, "lat", coords.Latitude, "lon", coords.Longitude)
			return coords, true
		}
	}
	slog.Info("Resolver Resolve exhausted candidates", "country", country, "city", city, "title", title, "attempts", len(queries))
	return models.Coordinates{}, false
}

func (r *Resolver) queries(ctx context.Context, country, city, title string) []string {
	queries := Candidates(country, city, title)
	if r.opts.Translator == nil || !(hasNonLatin(title) || hasNonLatin(city)) {
		return queries
	}
	tr := func(s string) string {
		if s == "" {
			return s
		}
		return r.opts.Translator.Translate(ctx, s, r.opts.Target)
	}
	return appendCandidates(queries, tr(country), tr(city), tr(title))
}

func (r *Resolver) try(ctx context.Context, query string) (models.Coordinates, bool) {
	lctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	matches, err := r.lookup.Lookup(lctx, query)
	if err != nil {
		slog.Debug("Resolver lookup failed", "query", query, "error", err)
		return models.Coordinates{}, false
	}
	if len(matches) == 0 {
		return models.Coordinates{}, false
	}
	coords := matches[0].Coordinates
	if !coords.Valid() {
		slog.Warn("Resolver lookup returned out-of-range coordinates", "query", query, "lat", coords.Latitude, "lon", coords.Longitude)
		return models.Coordinates{}, false
	}
	return coords, true
}
