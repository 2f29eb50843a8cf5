package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/TravelDiary/internal/models"
	"github.com/BTreeMap/TravelDiary/internal/twiliowhatsapp"
)

// ErrEmptyInbound is returned for webhook calls carrying no text, media or location.
var ErrEmptyInbound = errors.New("inbound message has no content")

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client    twiliowhatsapp.Sender // real Twilio client or MockClient
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool

	validator *client.RequestValidator
	publicURL string
}

// NewTwilioService creates a new TwilioService sending through client.
func NewTwilioService(sender twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:    sender,
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// RequireSignature makes the webhook reject requests without a valid
// X-Twilio-Signature for publicURL, the address Twilio posts to.
func (s *TwilioService) RequireSignature(authToken, publicURL string) {
	v := client.NewRequestValidator(authToken)
	s.validator = &v
	s.publicURL = publicURL
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start is a no-op for Twilio; inbound messages arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Responses() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil && !s.validSignature(r) {
		slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	response, err := ParseInbound(r)
	if err != nil {
		slog.Warn("Twilio webhook rejected", "error", err, "from", r.FormValue("From"))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", response.From, "messageID", response.MessageID)
	if !s.safeEmitResponse(response) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) validSignature(r *http.Request) bool {
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	return s.validator.Validate(s.publicURL, params, r.Header.Get("X-Twilio-Signature"))
}

// ParseInbound converts a parsed Twilio webhook form into a Response.
// The first attached media item and a shared location are carried over.
func ParseInbound(r *http.Request) (models.Response, error) {
	from := r.FormValue("From")
	if from == "" {
		return models.Response{}, models.ErrEmptySender
	}
	response := models.Response{
		From:      from,
		Body:      strings.TrimSpace(r.FormValue("Body")),
		Time:      time.Now().Unix(),
		MessageID: r.FormValue("MessageSid"),
	}

	if n, _ := strconv.Atoi(r.FormValue("NumMedia")); n > 0 {
		response.MediaRef = r.FormValue("MediaUrl0")
		response.MediaType = mediaTypeFor(r.FormValue("MediaContentType0"))
	}

	lat, latErr := strconv.ParseFloat(r.FormValue("Latitude"), 64)
	lon, lonErr := strconv.ParseFloat(r.FormValue("Longitude"), 64)
	if latErr == nil && lonErr == nil {
		response.Location = &models.Coordinates{Latitude: lat, Longitude: lon}
	}

	if response.Body == "" && response.MediaRef == "" && response.Location == nil {
		return models.Response{}, ErrEmptyInbound
	}
	return response, nil
}

func mediaTypeFor(contentType string) models.MediaType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.MediaPhoto
	case strings.HasPrefix(contentType, "video/"):
		return models.MediaVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.MediaAudio
	}
	return models.MediaType(contentType)
}

// safeEmitResponse pushes a response into the channel, reporting whether it was accepted.
func (s *TwilioService) safeEmitResponse(response models.Response) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound response (service stopped)", "from", response.From)
		return false
	}

	select {
	case s.responses <- response:
		slog.Debug("TwilioService emitted inbound response", "from", response.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService responses channel blocked, dropping message", "from", response.From)
		return false
	}
}
