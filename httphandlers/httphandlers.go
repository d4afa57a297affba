// Package httphandlers serves generated audio buffers to cast devices over
// short-lived, device-scoped URLs.
package httphandlers

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"castbridge.app/castbridge/registry"
)

// Retention is how long a staged buffer stays servable after generation.
const Retention = 60 * time.Second

// Rescanner triggers an immediate discovery round, for the external
// control surface.
type Rescanner interface {
	Scan(ctx context.Context)
}

// ControlWriter accepts a control-point write for a device. Writes feed
// the command dispatch pipeline through the store's subscription.
type ControlWriter interface {
	SetValue(id, name, value string) error
}

// maxControlBody bounds a control-point write; a volume level or a spoken
// sentence never comes close.
const maxControlBody = 4 << 10

type bufferEntry struct {
	audio       []byte
	contentType string
	staged      time.Time
}

// AudioOrigin is the HTTP media origin. Buffers are keyed by device id:
// staging a new buffer for a device replaces the previous one.
type AudioOrigin struct {
	// ExternalHost is the host (and optional port) devices use to reach
	// this server.
	ExternalHost string
	Rescan       Rescanner
	Controls     ControlWriter
	Logger       zerolog.Logger

	listenAddr string
	http       *http.Server

	mu      sync.Mutex
	buffers map[string]bufferEntry
	now     func() time.Time
}

// NewAudioOrigin builds the origin listening on listenAddr and advertising
// externalHost in generated URLs.
func NewAudioOrigin(listenAddr, externalHost string, logger zerolog.Logger) *AudioOrigin {
	return &AudioOrigin{
		ExternalHost: externalHost,
		Logger:       logger,
		listenAddr:   listenAddr,
		buffers:      map[string]bufferEntry{},
		now:          time.Now,
	}
}

// Put stages an audio buffer for a device and returns the URL serving it.
// The buffer is retained for Retention after staging.
func (o *AudioOrigin) Put(deviceID string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("stage audio for %s: empty buffer", deviceID)
	}

	contentType := "audio/mpeg"
	if kind, err := filetype.Audio(audio); err == nil && kind.MIME.Value != "" {
		contentType = kind.MIME.Value
	}

	token := uuid.NewString()
	o.mu.Lock()
	o.buffers[deviceID] = bufferEntry{
		audio:       audio,
		contentType: contentType,
		staged:      o.now(),
	}
	o.mu.Unlock()

	// The token busts device-side caches; lookups only key on device id.
	return fmt.Sprintf("http://%s/audio/%s/%s.mp3", o.ExternalHost, deviceID, token), nil
}

// Router builds the chi handler tree.
func (o *AudioOrigin) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(limitMiddleware(rate.NewLimiter(rate.Limit(20), 40)))

	r.Get("/audio/{device}/{token}", o.serveAudio)
	r.Post("/device/{device}/{control}", o.writeControl)
	r.Post("/rescan", o.triggerRescan)
	return r
}

// Serve accepts connections until ctx is canceled.
func (o *AudioOrigin) Serve(ctx context.Context) error {
	o.http = &http.Server{
		Addr:              o.listenAddr,
		Handler:           o.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", o.listenAddr)
	if err != nil {
		return fmt.Errorf("audio origin listen: %w", err)
	}

	go o.janitor(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = o.http.Shutdown(shutdownCtx)
	}()

	o.Logger.Info().Str("addr", o.listenAddr).Msg("audio origin listening")
	if err := o.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (o *AudioOrigin) serveAudio(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device")

	o.mu.Lock()
	entry, ok := o.buffers[deviceID]
	if ok && o.now().Sub(entry.staged) > Retention {
		delete(o.buffers, deviceID)
		ok = false
	}
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", entry.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.audio)))
	if _, err := w.Write(entry.audio); err != nil {
		o.Logger.Debug().Err(err).Str("device", deviceID).Msg("audio write aborted")
	}
}

// writeControl is the inbound command surface: the request body is the
// value written to the device's control point, which the engine dispatches
// through its store subscription.
func (o *AudioOrigin) writeControl(w http.ResponseWriter, r *http.Request) {
	if o.Controls == nil {
		http.Error(w, "control dispatch not running", http.StatusServiceUnavailable)
		return
	}

	control := chi.URLParam(r, "control")
	if !slices.Contains(registry.ControlPoints, control) {
		http.Error(w, fmt.Sprintf("unknown control point %q", control), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	value := strings.TrimSpace(string(body))
	if value == "" {
		http.Error(w, "empty value", http.StatusBadRequest)
		return
	}

	deviceID := chi.URLParam(r, "device")
	if err := o.Controls.SetValue(deviceID, control, value); err != nil {
		o.Logger.Error().Err(err).Str("device", deviceID).Str("control", control).Msg("control write failed")
		http.Error(w, "control write failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (o *AudioOrigin) triggerRescan(w http.ResponseWriter, r *http.Request) {
	if o.Rescan == nil {
		http.Error(w, "discovery not running", http.StatusServiceUnavailable)
		return
	}
	go o.Rescan.Scan(context.Background())
	w.WriteHeader(http.StatusAccepted)
}

// janitor drops expired buffers so memory does not grow with device count
// over time.
func (o *AudioOrigin) janitor(ctx context.Context) {
	ticker := time.NewTicker(Retention)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := o.now()
			o.mu.Lock()
			for id, entry := range o.buffers {
				if now.Sub(entry.staged) > Retention {
					delete(o.buffers, id)
				}
			}
			o.mu.Unlock()
		}
	}
}

func limitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
