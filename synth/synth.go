// Package synth produces audio byte buffers from text. The default engine
// is the Google Translate TTS endpoint, which needs no credentials and
// returns MPEG audio.
package synth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
)

// Synthesizer turns text in a language into an audio buffer.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, languageTag string) ([]byte, error)
}

const defaultEndpoint = "https://translate.google.com/translate_tts"

// Google Translate rejects queries beyond roughly this length.
const maxTextLen = 200

// GoogleTTS synthesizes speech via the translate_tts endpoint.
type GoogleTTS struct {
	// Endpoint overrides the TTS URL, for tests.
	Endpoint string
	Client   *retryablehttp.Client
}

// NewGoogleTTS builds the engine with a quiet retrying HTTP client.
func NewGoogleTTS() *GoogleTTS {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = nil
	return &GoogleTTS{Endpoint: defaultEndpoint, Client: client}
}

// truncate shortens text to at most max bytes without splitting a
// multi-byte rune.
func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Synthesize fetches MPEG audio for the text. Errors propagate to the
// command router, which logs and aborts that one command.
func (g *GoogleTTS) Synthesize(ctx context.Context, text, languageTag string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("synthesize: empty text")
	}
	text = truncate(text, maxTextLen)
	if languageTag == "" {
		languageTag = "en"
	}

	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", languageTag)
	q.Set("q", text)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, g.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesize: tts endpoint returned %s", resp.Status)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesize: empty audio response")
	}
	return audio, nil
}
