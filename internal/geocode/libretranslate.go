package geocode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/text/language"
)

// DefaultLibreTranslateURL is the public LibreTranslate endpoint.
const DefaultLibreTranslateURL = "https://libretranslate.com"

// LibreTranslator implements Translator with a LibreTranslate server.
type LibreTranslator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewLibreTranslator creates a translator. An empty baseURL selects the public endpoint.
func NewLibreTranslator(baseURL, apiKey string, client *http.Client) *LibreTranslator {
	if baseURL == "" {
		baseURL = DefaultLibreTranslateURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &LibreTranslator{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

// Translate returns text translated to target, or text itself if anything goes wrong.
func (t *LibreTranslator) Translate(ctx context.Context, text string, target language.Tag) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	out, err := t.translate(ctx, text, target)
	if err != nil {
		slog.Warn("LibreTranslator Translate failed", "error", err)
		return text
	}
	return out
}

func (t *LibreTranslator) translate(ctx context.Context, text string, target language.Tag) (string, error) {
	base, _ := target.Base()
	payload := []byte(`{"source":"auto","format":"text"}`)
	payload, _ = sjson.SetBytes(payload, "q", text)
	payload, _ = sjson.SetBytes(payload, "target", base.String())
	if t.apiKey != "" {
		payload, _ = sjson.SetBytes(payload, "api_key", t.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/translate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read translate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translate: status %d", resp.StatusCode)
	}
	translated := gjson.GetBytes(body, "translatedText")
	if !translated.Exists() || translated.String() == "" {
		return "", fmt.Errorf("translate: response missing translatedText")
	}
	return translated.String(), nil
}
