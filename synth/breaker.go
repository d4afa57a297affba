package synth

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Breaker wraps a Synthesizer with a circuit breaker so a dead TTS backend
// fails fast instead of stalling every broadcast command behind HTTP
// timeouts and retries.
type Breaker struct {
	inner   Synthesizer
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewBreaker wraps inner. The circuit opens after five consecutive
// failures and probes again after 30 seconds.
func NewBreaker(inner Synthesizer, logger zerolog.Logger) *Breaker {
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "tts",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("tts circuit state change")
		},
	})
	return &Breaker{inner: inner, breaker: cb}
}

func (b *Breaker) Synthesize(ctx context.Context, text, languageTag string) ([]byte, error) {
	return b.breaker.Execute(func() ([]byte, error) {
		return b.inner.Synthesize(ctx, text, languageTag)
	})
}
