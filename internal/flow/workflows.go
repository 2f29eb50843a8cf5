package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/BTreeMap/TravelDiary/internal/premium"
	"github.com/BTreeMap/TravelDiary/internal/ratelimit"
)

// Media attachment limits per place.
const (
	MaxMediaPerPlace        = 3
	MaxMediaPerPlacePremium = 8
)

// QuickAddComment is stored on trips created by the quick-add workflow.
const QuickAddComment = "Created via quick add"

// Keywords understood by choice steps.
const (
	wordDone    = "done"
	wordSkip    = "skip"
	wordAnother = "another"
	wordFinish  = "finish"
	wordRate    = "rate"
	wordToday   = "today"
	wordYest    = "yesterday"
)

// DefaultWorkflows returns the four built-in workflows.
func DefaultWorkflows() []*Workflow {
	return []*Workflow{tripWorkflow(), placeWorkflow(), quickAddWorkflow(), premiumWorkflow()}
}

// DefaultRegistry builds a registry over DefaultWorkflows.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(DefaultWorkflows()...)
}

func steps(list ...*Step) map[models.StateType]*Step {
	m := make(map[models.StateType]*Step, len(list))
	for _, s := range list {
		m[s.State] = s
	}
	return m
}

func word(in Input) string {
	return strings.ToLower(strings.TrimSpace(in.Text))
}

func text(in Input) string {
	return strings.TrimSpace(in.Text)
}

func tripWorkflow() *Workflow {
	list := []*Step{
		{
			State:    models.StateTripCountry,
			Prompt:   say("Which country did you travel to?"),
			Validate: func(t *Turn) string { return ValidateCountry(t.Input.Text) },
			Store:    func(t *Turn) { t.Conv.Trip().Country = text(t.Input) },
			Next:     goTo(models.StateTripStartDate),
			Targets:  []models.StateType{models.StateTripStartDate},
		},
		{
			State:  models.StateTripStartDate,
			Prompt: say("When did the trip start? (DD.MM.YYYY)"),
			Validate: func(t *Turn) string {
				_, reason := ParseDate(t.Input.Text, t.Now)
				return reason
			},
			Store: func(t *Turn) {
				d, _ := ParseDate(t.Input.Text, t.Now)
				t.Conv.Trip().StartDate = d
			},
			Next:    goTo(models.StateTripEndDate),
			Targets: []models.StateType{models.StateTripEndDate},
		},
		{
			State:  models.StateTripEndDate,
			Prompt: say("When did the trip end? (DD.MM.YYYY)"),
			Validate: func(t *Turn) string {
				d, reason := ParseDate(t.Input.Text, t.Now)
				if reason != "" {
					return reason
				}
				if !d.After(t.Conv.Trip().StartDate) {
					return "The end date must be after the start date."
				}
				return ""
			},
			Store: func(t *Turn) {
				d, _ := ParseDate(t.Input.Text, t.Now)
				t.Conv.Trip().EndDate = &d
			},
			Next:    goTo(models.StatePlaceCity),
			Targets: []models.StateType{models.StatePlaceCity},
		},
		{
			State:  models.StateTripRating,
			Prompt: say("How would you rate the whole trip from 1 to 10?"),
			Validate: func(t *Turn) string {
				_, reason := ParseRating(t.Input.Text)
				return reason
			},
			Store: func(t *Turn) {
				n, _ := ParseRating(t.Input.Text)
				t.Conv.Trip().Rating = n
			},
			Next:    goTo(models.StateTripComment),
			Targets: []models.StateType{models.StateTripComment},
		},
		{
			State:    models.StateTripComment,
			Prompt:   say(`Any final words about the trip? Send "-" to skip.`),
			Validate: func(t *Turn) string { return ValidateComment(t.Input.Text) },
			Commit:   commitFinishTrip,
			Next:     goTo(models.StateDone),
			Targets:  []models.StateType{models.StateDone},
		},
	}
	list = append(list, placeChain(models.StateTripRating)...)
	return &Workflow{Kind: models.FlowTrip, Initial: models.StateTripCountry, Steps: steps(list...)}
}

func placeWorkflow() *Workflow {
	return &Workflow{
		Kind:    models.FlowPlace,
		Initial: models.StatePlaceCity,
		Steps:   steps(placeChain(models.StateDone)...),
	}
}

// placeChain is the place sub-chain shared by trip and place creation.
// finish is the state entered when the user stops adding places.
func placeChain(finish models.StateType) []*Step {
	return []*Step{
		{
			State:    models.StatePlaceCity,
			Prompt:   say("Which city is the place in?"),
			Validate: func(t *Turn) string { return ValidateCity(t.Input.Text) },
			Store:    func(t *Turn) { t.Conv.Place().City = text(t.Input) },
			Next:     goTo(models.StatePlaceDate),
			Targets:  []models.StateType{models.StatePlaceDate},
		},
		{
			State:  models.StatePlaceDate,
			Prompt: placeDatePrompt,
			Validate: func(t *Turn) string {
				d, reason := ParseDate(t.Input.Text, t.Now)
				if reason != "" {
					return reason
				}
				trip := t.Conv.Trip()
				return CheckWithin(d, trip.StartDate, trip.EndDate)
			},
			Store: func(t *Turn) {
				d, _ := ParseDate(t.Input.Text, t.Now)
				t.Conv.Place().VisitDate = d
			},
			Next:    goTo(models.StatePlaceTitle),
			Targets: []models.StateType{models.StatePlaceTitle},
		},
		{
			State:    models.StatePlaceTitle,
			Prompt:   say("What is the place called?"),
			Validate: func(t *Turn) string { return ValidateTitle(t.Input.Text) },
			Store:    func(t *Turn) { t.Conv.Place().Title = text(t.Input) },
			Next:     goTo(models.StatePlaceComment),
			Targets:  []models.StateType{models.StatePlaceComment},
		},
		{
			State:    models.StatePlaceComment,
			Prompt:   say(`Add a comment about the place, or send "-" to skip.`),
			Validate: func(t *Turn) string { return ValidateComment(t.Input.Text) },
			Store:    func(t *Turn) { t.Conv.Place().Comment = NormalizeComment(t.Input.Text) },
			Locate: func(t *Turn) (string, string, string) {
				p := t.Conv.Place()
				return t.Conv.Trip().Country, p.City, p.Title
			},
			Located: setCoordinates,
			Next:    onHit(models.StatePlaceSave, models.StatePlaceLocationManual),
			Targets: []models.StateType{models.StatePlaceSave, models.StatePlaceLocationManual},
		},
		manualLocationStep(models.StatePlaceLocationManual, models.StatePlaceSave),
		{
			State:   models.StatePlaceSave,
			Prompt:  say("Saving the place..."),
			Auto:    true,
			Commit:  commitPlace,
			Next:    goTo(models.StatePlaceMedia),
			Targets: []models.StateType{models.StatePlaceMedia},
		},
		{
			State:    models.StatePlaceMedia,
			Prompt:   mediaPrompt,
			Validate: validateMediaOr(wordDone),
			Commit:   commitMedia,
			Next: func(t *Turn) models.StateType {
				if t.Input.Media != nil {
					return models.StatePlaceMedia
				}
				return models.StatePlaceRating
			},
			Targets: []models.StateType{models.StatePlaceMedia, models.StatePlaceRating},
		},
		{
			State:  models.StatePlaceRating,
			Prompt: say("How would you rate the place from 1 to 10?"),
			Validate: func(t *Turn) string {
				_, reason := ParseRating(t.Input.Text)
				return reason
			},
			Commit:  commitPlaceRating,
			Next:    goTo(models.StatePlaceAnother),
			Targets: []models.StateType{models.StatePlaceAnother},
		},
		{
			State:  models.StatePlaceAnother,
			Prompt: say(`Send "another" to add one more place or "finish" to wrap up.`),
			Validate: func(t *Turn) string {
				switch word(t.Input) {
				case wordAnother, wordFinish:
					return ""
				}
				return `Please answer "another" or "finish".`
			},
			Store: func(t *Turn) {
				if word(t.Input) == wordAnother {
					*t.Conv.Place() = PlaceDraft{}
				}
			},
			Next: func(t *Turn) models.StateType {
				if word(t.Input) == wordAnother {
					return models.StatePlaceCity
				}
				return finish
			},
			Targets: []models.StateType{models.StatePlaceCity, finish},
		},
	}
}

func quickAddWorkflow() *Workflow {
	return &Workflow{
		Kind:    models.FlowQuickAdd,
		Initial: models.StateQuickCountry,
		Steps: steps(
			&Step{
				State:    models.StateQuickCountry,
				Prompt:   say("Quick add: which country is the place in?"),
				Validate: func(t *Turn) string { return ValidateCountry(t.Input.Text) },
				Store:    func(t *Turn) { t.Conv.Quick().Country = text(t.Input) },
				Next:     goTo(models.StateQuickCity),
				Targets:  []models.StateType{models.StateQuickCity},
			},
			&Step{
				State:    models.StateQuickCity,
				Prompt:   say("Which city?"),
				Validate: func(t *Turn) string { return ValidateCity(t.Input.Text) },
				Store:    func(t *Turn) { t.Conv.Place().City = text(t.Input) },
				Next:     goTo(models.StateQuickTitle),
				Targets:  []models.StateType{models.StateQuickTitle},
			},
			&Step{
				State:    models.StateQuickTitle,
				Prompt:   say("What is the place called?"),
				Validate: func(t *Turn) string { return ValidateTitle(t.Input.Text) },
				Store:    func(t *Turn) { t.Conv.Place().Title = text(t.Input) },
				Next:     goTo(models.StateQuickComment),
				Targets:  []models.StateType{models.StateQuickComment},
			},
			&Step{
				State:    models.StateQuickComment,
				Prompt:   say(`Add a comment, or send "-" to skip.`),
				Validate: func(t *Turn) string { return ValidateComment(t.Input.Text) },
				Store:    func(t *Turn) { t.Conv.Place().Comment = NormalizeComment(t.Input.Text) },
				Locate: func(t *Turn) (string, string, string) {
					p := t.Conv.Place()
					return t.Conv.Quick().Country, p.City, p.Title
				},
				Located: setCoordinates,
				Next:    onHit(models.StateQuickDate, models.StateQuickLocationManual),
				Targets: []models.StateType{models.StateQuickDate, models.StateQuickLocationManual},
			},
			manualLocationStep(models.StateQuickLocationManual, models.StateQuickDate),
			&Step{
				State:  models.StateQuickDate,
				Prompt: say(`When were you there? Send "today", "yesterday" or a date (DD.MM.YYYY).`),
				Validate: func(t *Turn) string {
					_, reason := parseQuickDate(t.Input.Text, t.Now)
					return reason
				},
				Store: func(t *Turn) {
					d, _ := parseQuickDate(t.Input.Text, t.Now)
					t.Conv.Place().VisitDate = d
				},
				Commit:  commitQuickAdd,
				Next:    goTo(models.StateQuickExtras),
				Targets: []models.StateType{models.StateQuickExtras},
			},
			&Step{
				State:    models.StateQuickExtras,
				Prompt:   say(`Saved. Send photos, videos or audio, "rate" to rate the place, or "done" to finish.`),
				Validate: validateMediaOr(wordDone, wordRate),
				Commit:   commitMedia,
				Next: func(t *Turn) models.StateType {
					switch {
					case t.Input.Media != nil:
						return models.StateQuickExtras
					case word(t.Input) == wordRate:
						return models.StateQuickRating
					}
					return models.StateDone
				},
				Targets: []models.StateType{models.StateQuickExtras, models.StateQuickRating, models.StateDone},
			},
			&Step{
				State:  models.StateQuickRating,
				Prompt: say("How would you rate the place from 1 to 10?"),
				Validate: func(t *Turn) string {
					_, reason := ParseRating(t.Input.Text)
					return reason
				},
				Commit:  commitPlaceRating,
				Next:    goTo(models.StateQuickExtras),
				Targets: []models.StateType{models.StateQuickExtras},
			},
		),
	}
}

func premiumWorkflow() *Workflow {
	return &Workflow{
		Kind:    models.FlowPremium,
		Initial: models.StatePremiumTariff,
		Steps: steps(
			&Step{
				State:  models.StatePremiumTariff,
				Prompt: tariffPrompt,
				Validate: func(t *Turn) string {
					if _, ok := premium.LookupTariff(t.Input.Text); !ok {
						return "Unknown tariff. " + tariffPrompt(t.Conv)
					}
					return ""
				},
				Store: func(t *Turn) {
					tariff, _ := premium.LookupTariff(t.Input.Text)
					d := t.Conv.Payment()
					d.Tariff, d.Days, d.Price = tariff.Code, tariff.Days, tariff.Price
				},
				Next:    goTo(models.StatePremiumScreenshot),
				Targets: []models.StateType{models.StatePremiumScreenshot},
			},
			&Step{
				State: models.StatePremiumScreenshot,
				Prompt: func(c *Conversation) string {
					d := c.Payment()
					return fmt.Sprintf("Pay %s for %d days and send a screenshot of the payment.", d.Price, d.Days)
				},
				Validate: func(t *Turn) string {
					m := t.Input.Media
					if m == nil || m.Type != models.MediaPhoto || strings.TrimSpace(m.Ref) == "" {
						return "Please send the payment screenshot as a photo."
					}
					return ""
				},
				Commit:  commitPaymentRequest,
				Next:    goTo(models.StateDone),
				Targets: []models.StateType{models.StateDone},
			},
		),
	}
}

// manualLocationStep accepts literal coordinates, a location payload or "skip".
func manualLocationStep(state, next models.StateType) *Step {
	return &Step{
		State:  state,
		Prompt: say(`I could not find this place on the map. Send coordinates as "latitude, longitude", share a location, or send "skip".`),
		Validate: func(t *Turn) string {
			if loc := t.Input.Location; loc != nil {
				if !loc.Valid() {
					return "The shared location is out of range."
				}
				return ""
			}
			if word(t.Input) == wordSkip {
				return ""
			}
			_, reason := ParseCoordinates(t.Input.Text)
			return reason
		},
		Store: func(t *Turn) {
			p := t.Conv.Place()
			switch {
			case t.Input.Location != nil:
				c := *t.Input.Location
				p.Coordinates = &c
			case word(t.Input) == wordSkip:
				p.Coordinates = nil
			default:
				c, _ := ParseCoordinates(t.Input.Text)
				p.Coordinates = &c
			}
		},
		Next:    goTo(next),
		Targets: []models.StateType{next},
	}
}

func setCoordinates(t *Turn, coords *models.Coordinates) {
	t.Conv.Place().Coordinates = coords
}

func onHit(hit, miss models.StateType) func(*Turn) models.StateType {
	return func(t *Turn) models.StateType {
		if t.Hit {
			return hit
		}
		return miss
	}
}

// validateMediaOr accepts a media payload or one of the given keywords.
func validateMediaOr(words ...string) func(*Turn) string {
	return func(t *Turn) string {
		if m := t.Input.Media; m != nil {
			if !models.IsValidMediaType(m.Type) || strings.TrimSpace(m.Ref) == "" {
				return "Only photos, videos and audio can be attached."
			}
			return ""
		}
		w := word(t.Input)
		for _, ok := range words {
			if w == ok {
				return ""
			}
		}
		return fmt.Sprintf("Send a photo, video or audio, or one of: %s.", strings.Join(words, ", "))
	}
}

func parseQuickDate(s string, now time.Time) (time.Time, string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case wordToday:
		return truncateDay(now), ""
	case wordYest:
		return truncateDay(now).AddDate(0, 0, -1), ""
	}
	return ParseDate(s, now)
}

func placeDatePrompt(c *Conversation) string {
	trip := c.Trip()
	return fmt.Sprintf("When did you visit it? (DD.MM.YYYY, between %s and %s)",
		trip.StartDate.Format(models.DateLayout), formatEnd(trip.EndDate))
}

func mediaPrompt(c *Conversation) string {
	p := c.Place()
	if p.MediaCount == 0 {
		return `Place saved. Send photos, videos or audio for it, or "done" to continue.`
	}
	return fmt.Sprintf(`Attached %d file(s). Send more or "done" to continue.`, p.MediaCount)
}

func tariffPrompt(*Conversation) string {
	var b strings.Builder
	b.WriteString("Choose a tariff:")
	for _, t := range premium.Tariffs() {
		fmt.Fprintf(&b, "\n%s: %s for %s", t.Code, t.Label, t.Price)
	}
	return b.String()
}

func placeRecord(p PlaceDraft) *models.Place {
	place := &models.Place{
		City:      p.City,
		Title:     p.Title,
		Comment:   p.Comment,
		VisitDate: p.VisitDate,
	}
	if p.Coordinates != nil {
		c := *p.Coordinates
		place.Coordinates = &c
	}
	return place
}

// commitPlace saves the collected place. The first place of a new trip is
// saved together with the trip header.
func commitPlace(ctx context.Context, d *Deps, t *Turn) (int64, error) {
	trip := t.Conv.Trip()
	place := placeRecord(trip.Place)
	if trip.TripID == 0 {
		header := &models.Trip{
			UserID:    t.Conv.UserID,
			Country:   trip.Country,
			StartDate: trip.StartDate,
			EndDate:   trip.EndDate,
			Status:    models.TripStatusActive,
		}
		if err := d.Store.CreateTripWithPlace(ctx, header, place); err != nil {
			return 0, fmt.Errorf("create trip with place: %w", err)
		}
		trip.TripID = header.ID
	} else {
		place.TripID = trip.TripID
		if err := d.Store.CreatePlace(ctx, place); err != nil {
			return 0, fmt.Errorf("create place: %w", err)
		}
	}
	trip.Place.PlaceID = place.ID
	trip.LastPlaceID = place.ID
	trip.PlacesSaved++
	return place.ID, nil
}

func commitQuickAdd(ctx context.Context, d *Deps, t *Turn) (int64, error) {
	q := t.Conv.Quick()
	place := placeRecord(q.Place)
	end := q.Place.VisitDate.AddDate(0, 0, 1)
	header := &models.Trip{
		UserID:    t.Conv.UserID,
		Country:   q.Country,
		StartDate: q.Place.VisitDate,
		EndDate:   &end,
		Status:    models.TripStatusFinished,
		Comment:   QuickAddComment,
	}
	if err := d.Store.CreateTripWithPlace(ctx, header, place); err != nil {
		return 0, fmt.Errorf("quick add: %w", err)
	}
	q.TripID = header.ID
	q.Place.PlaceID = place.ID
	return place.ID, nil
}

// commitMedia attaches a media payload to the current place. Keyword input commits nothing.
func commitMedia(ctx context.Context, d *Deps, t *Turn) (int64, error) {
	in := t.Input.Media
	if in == nil {
		return 0, nil
	}
	p := t.Conv.Place()
	limit, err := mediaLimit(ctx, d, t.Conv.UserID, t.Now)
	if err != nil {
		return 0, err
	}
	count, err := d.Store.CountPlaceMedia(ctx, p.PlaceID)
	if err != nil {
		return 0, fmt.Errorf("count media: %w", err)
	}
	if count >= limit {
		return 0, Reject("A place can have at most %d attachments. Send \"done\" to continue.", limit)
	}
	if d.Limiter != nil && !d.Limiter.Allow(t.Conv.UserID, ratelimit.CategoryMediaUpload) {
		return 0, ErrRateLimited
	}
	m := &models.Media{PlaceID: p.PlaceID, Type: in.Type, Ref: strings.TrimSpace(in.Ref)}
	if err := d.Store.AddMedia(ctx, m); err != nil {
		return 0, fmt.Errorf("add media: %w", err)
	}
	p.MediaCount = count + 1
	return m.ID, nil
}

func mediaLimit(ctx context.Context, d *Deps, userID int64, now time.Time) (int, error) {
	u, err := d.Store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get user: %w", err)
	}
	if u != nil && u.Premium && (u.PremiumUntil == nil || u.PremiumUntil.After(now)) {
		return MaxMediaPerPlacePremium, nil
	}
	return MaxMediaPerPlace, nil
}

func commitPlaceRating(ctx context.Context, d *Deps, t *Turn) (int64, error) {
	n, _ := ParseRating(t.Input.Text)
	p := t.Conv.Place()
	if err := d.Store.SetPlaceRating(ctx, p.PlaceID, n); err != nil {
		return 0, fmt.Errorf("rate place: %w", err)
	}
	return p.PlaceID, nil
}

func commitFinishTrip(ctx context.Context, d *Deps, t *Turn) (int64, error) {
	trip := t.Conv.Trip()
	if err := d.Store.FinishTrip(ctx, trip.TripID, trip.Rating, NormalizeComment(t.Input.Text)); err != nil {
		return 0, fmt.Errorf("finish trip: %w", err)
	}
	return trip.TripID, nil
}

func commitPaymentRequest(ctx context.Context, d *Deps, t *Turn) (int64, error) {
	pd := t.Conv.Payment()
	req := &models.PaymentRequest{
		UserID:        t.Conv.UserID,
		Tariff:        pd.Tariff,
		Days:          pd.Days,
		Price:         pd.Price,
		ScreenshotRef: strings.TrimSpace(t.Input.Media.Ref),
		Status:        models.PaymentStatusPending,
	}
	if err := d.Store.CreatePaymentRequest(ctx, req); err != nil {
		return 0, fmt.Errorf("create payment request: %w", err)
	}
	pd.RequestID = req.ID
	return req.ID, nil
}
