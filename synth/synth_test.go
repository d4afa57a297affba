package synth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestGoogleTTSFetchesAudio(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"q":  r.URL.Query().Get("q"),
			"tl": r.URL.Query().Get("tl"),
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake-mpeg-bytes"))
	}))
	defer srv.Close()

	g := NewGoogleTTS()
	g.Endpoint = srv.URL

	audio, err := g.Synthesize(context.Background(), "dinner is ready", "de")
	require.NoError(t, err)
	require.Equal(t, []byte("ID3fake-mpeg-bytes"), audio)
	require.Equal(t, "dinner is ready", gotQuery["q"])
	require.Equal(t, "de", gotQuery["tl"])
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want string
	}{
		{"short untouched", "hallo", 10, "hallo"},
		{"ascii cut", "abcdef", 3, "abc"},
		{"multibyte rune never split", "aü", 2, "a"},
		{"multibyte rune kept when whole", "aü", 3, "aü"},
		{"exact length untouched", "küche", 6, "küche"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate(tc.text, tc.max)
			require.Equal(t, tc.want, got)
			require.True(t, utf8.ValidString(got))
		})
	}
}

func TestGoogleTTSRejectsEmptyText(t *testing.T) {
	g := NewGoogleTTS()
	_, err := g.Synthesize(context.Background(), "", "en")
	require.Error(t, err)
}

func TestGoogleTTSErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	g := NewGoogleTTS()
	g.Endpoint = srv.URL
	g.Client.RetryMax = 0

	_, err := g.Synthesize(context.Background(), "hello", "en")
	require.Error(t, err)
}

type failingSynth struct{ calls int }

func (f *failingSynth) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	f.calls++
	return nil, errors.New("backend down")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingSynth{}
	b := NewBreaker(inner, zerolog.Nop())

	for range 10 {
		_, _ = b.Synthesize(context.Background(), "x", "en")
	}

	require.Equal(t, 5, inner.calls, "open circuit must stop reaching the backend")
}
