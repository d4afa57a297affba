// Package castprotocol drives receiver applications on cast devices: it
// opens a control connection, resolves session conflicts, launches the
// target app, loads media and tears the connection down once playback
// reaches a terminal state.
package castprotocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/cast"
)

// Driver delivers media payloads to cast devices. The zero delays are only
// meant for tests; use NewDriver for production defaults.
type Driver struct {
	// NewConn builds the wire connection for one session.
	NewConn func() Conn
	// AppID is the receiver application launched on the device.
	AppID string

	RequestTimeout time.Duration
	// SettleDelay is waited after stopping a foreign session and again
	// after join/launch: receiver apps need a moment to initialize before
	// they accept a load.
	SettleDelay time.Duration
	// LaunchBackoff is waited before the single launch retry.
	LaunchBackoff time.Duration
	// SessionCeiling force-closes sessions that never report a terminal
	// player state.
	SessionCeiling time.Duration

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// NewDriver returns a driver with production defaults targeting the default
// media receiver.
func NewDriver() *Driver {
	return &Driver{
		NewConn:        func() Conn { return cast.NewConnection() },
		AppID:          DefaultMediaReceiverAppID,
		RequestTimeout: 5 * time.Second,
		SettleDelay:    500 * time.Millisecond,
		LaunchBackoff:  750 * time.Millisecond,
		SessionCeiling: 2 * time.Minute,
	}
}

// Log returns the driver logger, initializing it lazily when LogOutput is
// set.
func (d *Driver) Log() *zerolog.Logger {
	if d.LogOutput != nil {
		d.initLogOnce.Do(func() {
			d.Logger = zerolog.New(d.LogOutput).With().Timestamp().Logger()
		})
	}
	return &d.Logger
}

// Deliver plays one media URL on the device at addr (host:port) and blocks
// until playback finishes or fails. Connection-level errors terminate the
// delivery without retry; only the launch step retries, exactly once.
func (d *Driver) Deliver(ctx context.Context, addr, mediaURL, mimeType string, meta *MediaMeta) error {
	log := d.Log().With().Str("addr", addr).Logger()

	s, err := d.open(addr)
	if err != nil {
		log.Error().Err(err).Str("stage", "connect").Msg("cast delivery failed")
		return err
	}
	defer s.close()

	app, err := d.resolveSession(ctx, s, &log)
	if err != nil {
		log.Error().Err(err).Str("stage", "launch").Msg("cast delivery failed")
		return err
	}

	// Give the receiver app time to initialize before the load command.
	if err := sleepCtx(ctx, d.SettleDelay); err != nil {
		return err
	}
	if err := s.connectTransport(app.TransportID); err != nil {
		log.Error().Err(err).Str("stage", "load").Msg("cast delivery failed")
		return err
	}

	media := MediaItem{
		ContentID:   mediaURL,
		ContentType: mimeType,
		StreamType:  "BUFFERED",
		Metadata:    meta,
	}
	if err := s.load(ctx, app.TransportID, media); err != nil {
		log.Error().Err(err).Str("stage", "load").Msg("cast delivery failed")
		return err
	}
	log.Debug().Str("url", mediaURL).Str("mime", mimeType).Msg("media loaded")

	// The connection stays open to track playback to completion; closing
	// right after load would leave the receiver running unsupervised.
	if err := s.watchUntilIdle(ctx, d.SessionCeiling); err != nil {
		log.Warn().Err(err).Str("stage", "playback").Msg("session closed without terminal state")
		return err
	}
	return nil
}

// resolveSession implements the join / stop-and-relaunch / launch-fresh
// branching. Relaunching over an already-active compatible session causes
// an audible restart, so joining is preferred whenever possible.
func (d *Driver) resolveSession(ctx context.Context, s *session, log *zerolog.Logger) (Application, error) {
	status, err := s.receiverStatus(ctx)
	if err != nil {
		return Application{}, err
	}

	if active, ok := status.activeSession(); ok {
		if active.AppID == d.AppID {
			log.Debug().Str("session", active.SessionID).Msg("joining active receiver session")
			return active, nil
		}
		log.Debug().Str("app", active.AppID).Msg("stopping foreign application session")
		if err := s.stopSession(ctx, active.SessionID); err != nil {
			log.Debug().Err(err).Msg("stop before launch failed")
		}
		if err := sleepCtx(ctx, d.SettleDelay); err != nil {
			return Application{}, err
		}
	}

	app, err := s.launch(ctx, d.AppID)
	if err == nil {
		return app, nil
	}

	// One retry after forcibly stopping whatever lingers under the null
	// session id. A second failure is terminal for this delivery.
	log.Debug().Err(err).Msg("launch failed, forcing session stop and retrying")
	if stopErr := s.stopSession(ctx, nullSessionID); stopErr != nil {
		log.Debug().Err(stopErr).Msg("forced stop failed")
	}
	if err := sleepCtx(ctx, d.LaunchBackoff); err != nil {
		return Application{}, err
	}
	return s.launch(ctx, d.AppID)
}

// SetVolume writes the receiver volume on the device at addr. Volume
// commands bypass the session machinery entirely.
func (d *Driver) SetVolume(ctx context.Context, addr string, level float64) error {
	s, err := d.open(addr)
	if err != nil {
		return err
	}
	defer s.close()
	return s.setVolume(ctx, level)
}

// ProbeStatus is the outcome of a successful health probe. HasVolume is
// false when the status snapshot carried no volume payload.
type ProbeStatus struct {
	Volume    float64
	HasVolume bool
}

// Probe opens a short-lived status connection to addr. The caller bounds it
// with ctx; on expiry the connection is forcibly closed.
func (d *Driver) Probe(ctx context.Context, addr string) (ProbeStatus, error) {
	type result struct {
		status ProbeStatus
		err    error
	}
	resCh := make(chan result, 1)

	go func() {
		s, err := d.open(addr)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer s.close()
		status, err := s.receiverStatus(ctx)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		probed := ProbeStatus{}
		if status.Volume != nil {
			probed.Volume = status.Volume.Level
			probed.HasVolume = true
		}
		resCh <- result{status: probed}
	}()

	select {
	case r := <-resCh:
		return r.status, r.err
	case <-ctx.Done():
		// The probe goroutine notices the canceled context on its next
		// read and closes the connection behind us.
		return ProbeStatus{}, ctx.Err()
	}
}

func (d *Driver) open(addr string) (*session, error) {
	host, port, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	s := &session{
		conn:       d.NewConn(),
		log:        d.Log(),
		reqTimeout: d.RequestTimeout,
	}
	if err := s.connect(host, port); err != nil {
		return nil, err
	}
	return s, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Bare host, default cast port.
		return addr, 8009, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q: %w", addr, err)
	}
	return host, port, nil
}
