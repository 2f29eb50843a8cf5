package geocode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/tidwall/gjson"
)

// DefaultNominatimURL is the public OpenStreetMap Nominatim endpoint.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

const maxResponseBytes = 1 << 20

// NominatimOpts holds NominatimClient settings.
type NominatimOpts struct {
	BaseURL        string
	Email          string
	AcceptLanguage string
	Limit          int
	HTTPClient     *http.Client
}

// NominatimOption configures a NominatimClient.
type NominatimOption func(*NominatimOpts)

// WithBaseURL points the client at a different Nominatim deployment.
func WithBaseURL(u string) NominatimOption {
	return func(o *NominatimOpts) {
		if u != "" {
			o.BaseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithContactEmail adds a contact address to the User-Agent, as the usage policy asks.
func WithContactEmail(email string) NominatimOption {
	return func(o *NominatimOpts) {
		o.Email = email
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) NominatimOption {
	return func(o *NominatimOpts) {
		if c != nil {
			o.HTTPClient = c
		}
	}
}

// NominatimClient implements Lookup against the Nominatim /search API.
type NominatimClient struct {
	opts NominatimOpts
}

// NewNominatimClient creates a client with the given options.
func NewNominatimClient(opts ...NominatimOption) *NominatimClient {
	o := NominatimOpts{
		BaseURL:        DefaultNominatimURL,
		AcceptLanguage: "ru,en",
		Limit:          1,
		HTTPClient:     &http.Client{Timeout: DefaultLookupTimeout},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &NominatimClient{opts: o}
}

func (c *NominatimClient) userAgent() string {
	if c.opts.Email == "" {
		return "TravelDiary/1.0"
	}
	return fmt.Sprintf("TravelDiary/1.0 (%s)", c.opts.Email)
}

// Lookup runs one free-form search. An empty slice means no match.
func (c *NominatimClient) Lookup(ctx context.Context, query string) ([]Match, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", strconv.Itoa(c.opts.Limit))
	params.Set("addressdetails", "1")
	params.Set("accept-language", c.opts.AcceptLanguage)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build nominatim request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent())

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nominatim search %q: %w", query, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read nominatim response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim search %q: status %d", query, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("nominatim search %q: malformed response", query)
	}

	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("nominatim search %q: unexpected response shape", query)
	}

	var matches []Match
	for _, item := range root.Array() {
		lat, latErr := strconv.ParseFloat(item.Get("lat").String(), 64)
		lon, lonErr := strconv.ParseFloat(item.Get("lon").String(), 64)
		if latErr != nil || lonErr != nil {
			continue
		}
		matches = append(matches, Match{
			Coordinates: models.Coordinates{Latitude: lat, Longitude: lon},
			DisplayName: item.Get("display_name").String(),
		})
	}
	slog.Debug("NominatimClient Lookup succeeded", "query", query, "matches", len(matches), "elapsed", time.Since(start))
	return matches, nil
}
