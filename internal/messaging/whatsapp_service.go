package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/TravelDiary/internal/models"
)

// WhatsAppClient is the slice of a whatsmeow client the service drives.
// *whatsapp.Client and *whatsapp.MockClient implement it.
type WhatsAppClient interface {
	SendMessage(ctx context.Context, to string, body string) error
	AddEventHandler(fn func(evt any)) uint32
	RemoveEventHandler(id uint32) bool
	Disconnect()
}

// WhatsAppService implements Service over a linked WhatsApp device.
type WhatsAppService struct {
	client    WhatsAppClient
	responses chan models.Response
	mu        sync.RWMutex
	handlerID uint32
	started   bool
	stopped   bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping client.
func NewWhatsAppService(client WhatsAppClient) *WhatsAppService {
	return &WhatsAppService{
		client:    client,
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start subscribes to whatsmeow events. Calling it twice is a no-op.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return nil
	}
	s.handlerID = s.client.AddEventHandler(s.handleEvent)
	s.started = true
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop unsubscribes, disconnects and closes the response channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.started {
		s.client.RemoveEventHandler(s.handlerID)
	}
	s.client.Disconnect()
	close(s.responses)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a text message to a phone number.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := canonicalPhone(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Responses returns the channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) handleEvent(evt any) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	response, ok := ParseWhatsAppMessage(msg)
	if !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.responses <- response:
		slog.Debug("WhatsAppService emitted inbound response", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", response.From)
	}
}

// ParseWhatsAppMessage converts a direct whatsmeow message into a Response.
// Own messages, group messages and messages without text, media or location are skipped.
func ParseWhatsAppMessage(evt *events.Message) (models.Response, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Response{}, false
	}
	m := evt.Message
	response := models.Response{
		From:      "+" + evt.Info.Sender.User,
		Time:      evt.Info.Timestamp.Unix(),
		MessageID: string(evt.Info.ID),
	}

	switch {
	case m.GetConversation() != "":
		response.Body = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		response.Body = m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		response.Body, response.MediaRef, response.MediaType = img.GetCaption(), img.GetURL(), models.MediaPhoto
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		response.Body, response.MediaRef, response.MediaType = vid.GetCaption(), vid.GetURL(), models.MediaVideo
	case m.GetAudioMessage() != nil:
		response.MediaRef, response.MediaType = m.GetAudioMessage().GetURL(), models.MediaAudio
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		response.Location = &models.Coordinates{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
		}
	}

	if response.Body == "" && response.MediaRef == "" && response.Location == nil {
		slog.Debug("WhatsAppService ignoring unsupported message", "from", response.From)
		return models.Response{}, false
	}
	return response, true
}
