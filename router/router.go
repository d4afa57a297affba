// Package router receives operator commands, resolves their effective
// target through the stereo-pair map and dispatches them to the cast
// session driver.
package router

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"castbridge.app/castbridge/castprotocol"
	"castbridge.app/castbridge/devices"
	"castbridge.app/castbridge/mediaresolve"
	"castbridge.app/castbridge/registry"
)

// DebounceWindow suppresses duplicate near-simultaneous triggers for the
// same target.
const DebounceWindow = 2 * time.Second

// Caster is the cast session driver surface the router dispatches to.
type Caster interface {
	Deliver(ctx context.Context, addr, mediaURL, mimeType string, meta *castprotocol.MediaMeta) error
	SetVolume(ctx context.Context, addr string, level float64) error
}

// Synthesizer produces an audio byte buffer for a text in a language.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, languageTag string) ([]byte, error)
}

// MediaResolver validates and resolves external media references.
type MediaResolver interface {
	Validate(ref string) bool
	Resolve(ctx context.Context, ref string) (mediaresolve.Media, error)
}

// Origin stashes generated audio and returns the short-lived URL serving it.
type Origin interface {
	Put(deviceID string, audio []byte) (string, error)
}

// DeviceStore is the registry slice the router reads.
type DeviceStore interface {
	GetDevice(id string) (*registry.DeviceEntry, error)
	ListDevices() ([]registry.DeviceEntry, error)
}

// ErrorSink records per-device delivery failures for operator visibility.
type ErrorSink interface {
	SetLastError(id, msg string)
}

// Router dispatches inbound commands. All failures are logged and recorded
// per device; none propagate to the caller beyond the affected command.
type Router struct {
	Store    DeviceStore
	Pairs    registry.PairLookup
	Caster   Caster
	Synth    Synthesizer
	Resolver MediaResolver
	Origin   Origin
	Errors   ErrorSink
	Logger   zerolog.Logger

	// Language is the default language tag for speech synthesis.
	Language string

	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

func New(logger zerolog.Logger) *Router {
	return &Router{
		Logger:   logger,
		Language: "en",
		lastSeen: map[string]time.Time{},
		now:      time.Now,
	}
}

// accept enforces the debounce window per target id, regardless of the
// command kind. Only the first command in a window is honored; the rest
// are silently dropped.
func (r *Router) accept(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.lastSeen[id]; ok && now.Sub(last) < DebounceWindow {
		return false
	}
	r.lastSeen[id] = now

	// Opportunistic pruning keeps the table from growing unbounded.
	if len(r.lastSeen) > 64 {
		for k, t := range r.lastSeen {
			if now.Sub(t) >= DebounceWindow {
				delete(r.lastSeen, k)
			}
		}
	}
	return true
}

// effectiveAddr resolves where a command for id must actually go: the
// stereo-group address when a pair mapping exists, the device's own
// persisted address otherwise.
func (r *Router) effectiveAddr(id string) (string, error) {
	if m, ok := r.Pairs.Mapping(id); ok {
		return devices.Record{Host: m.Host, Port: m.Port}.Addr(), nil
	}
	e, err := r.Store.GetDevice(id)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", fmt.Errorf("unknown device %q", id)
	}
	return e.Addr(), nil
}

// Broadcast speaks text on the device with the given id.
func (r *Router) Broadcast(ctx context.Context, id, text string) {
	if text == "" || !r.accept(id) {
		return
	}
	if err := r.deliverTTS(ctx, id, text); err != nil {
		r.fail(id, "broadcast", err)
	}
}

func (r *Router) deliverTTS(ctx context.Context, id, text string) error {
	addr, err := r.effectiveAddr(id)
	if err != nil {
		return err
	}
	audio, err := r.Synth.Synthesize(ctx, text, r.Language)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	url, err := r.Origin.Put(id, audio)
	if err != nil {
		return fmt.Errorf("stage audio: %w", err)
	}
	return r.Caster.Deliver(ctx, addr, url, "audio/mpeg", nil)
}

// PlayURL resolves a media reference and plays it on the device.
func (r *Router) PlayURL(ctx context.Context, id, ref string) {
	if ref == "" || !r.accept(id) {
		return
	}
	if err := r.deliverURL(ctx, id, ref); err != nil {
		r.fail(id, "play url", err)
	}
}

func (r *Router) deliverURL(ctx context.Context, id, ref string) error {
	if !r.Resolver.Validate(ref) {
		return fmt.Errorf("unsupported media reference %q", ref)
	}
	addr, err := r.effectiveAddr(id)
	if err != nil {
		return err
	}
	media, err := r.Resolver.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	meta := &castprotocol.MediaMeta{
		Title:  media.Title,
		Artist: media.Author,
	}
	return r.Caster.Deliver(ctx, addr, media.StreamURL, "audio/mp4", meta)
}

// SetVolume writes the volume level (0.0 to 1.0) on the effective target.
// Volume bypasses the session driver entirely.
func (r *Router) SetVolume(ctx context.Context, id string, level float64) {
	if !r.accept(id) {
		return
	}
	if level < 0 || level > 1 {
		r.fail(id, "set volume", fmt.Errorf("level %v out of range", level))
		return
	}
	addr, err := r.effectiveAddr(id)
	if err != nil {
		r.fail(id, "set volume", err)
		return
	}
	if err := r.Caster.SetVolume(ctx, addr, level); err != nil {
		r.fail(id, "set volume", err)
	}
}

// BroadcastAll speaks text on every currently known, available device.
// One device's failure never aborts delivery to its siblings.
func (r *Router) BroadcastAll(ctx context.Context, text string) {
	if text == "" || !r.accept(registry.BroadcastAllID) {
		return
	}

	devs, err := r.Store.ListDevices()
	if err != nil {
		r.Logger.Error().Err(err).Msg("broadcast-all: listing devices failed")
		return
	}

	var wg sync.WaitGroup
	for _, dev := range devs {
		if !dev.Available || dev.Kind == string(devices.KindGroup) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.deliverTTS(ctx, dev.ID, text); err != nil {
				r.fail(dev.ID, "broadcast-all", err)
			}
		}()
	}
	wg.Wait()
}

// HandleControlWrite dispatches a control-point write from the object
// store. Runs asynchronously so the writer's acknowledgement never waits
// on delivery.
func (r *Router) HandleControlWrite(ctx context.Context, id, control, value string) {
	if id == registry.BroadcastAllID {
		if control == registry.ControlBroadcast {
			r.BroadcastAll(ctx, value)
		}
		return
	}

	switch control {
	case registry.ControlBroadcast:
		r.Broadcast(ctx, id, value)
	case registry.ControlVolume:
		level, err := strconv.ParseFloat(value, 64)
		if err != nil {
			r.fail(id, "set volume", fmt.Errorf("bad level %q: %w", value, err))
			return
		}
		r.SetVolume(ctx, id, level)
	case registry.ControlURL:
		r.PlayURL(ctx, id, value)
	}
}

func (r *Router) fail(id, op string, err error) {
	r.Logger.Error().Err(err).Str("id", id).Str("op", op).Msg("command failed")
	if r.Errors != nil {
		r.Errors.SetLastError(id, fmt.Sprintf("%s: %v", op, err))
	}
}
