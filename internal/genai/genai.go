// Package genai provides GenAI-backed text operations using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ErrNoChoicesReturned is returned when the completion has no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

const translateSystemPrompt = "You translate place names for a geocoder. " +
	"Reply with the translation only, without quotes or commentary. " +
	"Keep proper nouns in their common %s form."

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey  string
	Model   openai.ChatModel
	BaseURL string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		if model != "" {
			o.Model = openai.ChatModel(model)
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(o *Opts) {
		o.BaseURL = u
	}
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// NewClient initializes a new GenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	o := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&o)
	}
	if o.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(o.APIKey)}
	if o.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(o.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	return &Client{chat: completions{svc: &cli.Chat.Completions}, model: o.Model}, nil
}

// Complete runs a single system+user exchange and returns the first choice.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Translate translates text into target. On any failure it returns text unchanged.
func (c *Client) Translate(ctx context.Context, text string, target language.Tag) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	name := display.English.Tags().Name(target)
	out, err := c.Complete(ctx, fmt.Sprintf(translateSystemPrompt, name), fmt.Sprintf("Translate to %s: %s", name, text))
	if err != nil {
		slog.Warn("GenAI Translate failed", "error", err)
		return text
	}
	out = strings.Trim(strings.TrimSpace(out), `"`)
	if out == "" {
		return text
	}
	return out
}
