// Package health tracks cast device liveness: it probes every known device
// on an interval, tolerates transient failures, and evicts devices that
// stay unresponsive beyond a configurable window.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"castbridge.app/castbridge/castprotocol"
	"castbridge.app/castbridge/registry"
)

// Prober opens a short-lived status connection to a device address.
type Prober interface {
	Probe(ctx context.Context, addr string) (castprotocol.ProbeStatus, error)
}

// Forgetter removes an evicted device from the pairing indexes.
type Forgetter interface {
	Forget(id string)
}

// DeviceStore is the registry slice the monitor needs.
type DeviceStore interface {
	ListDevices() ([]registry.DeviceEntry, error)
	UpdateDevice(id string, fn func(*registry.DeviceEntry)) error
	DeleteDevice(id string) error
}

// Monitor polls persisted devices and maintains their availability state.
type Monitor struct {
	Store  DeviceStore
	Prober Prober
	Pairs  Forgetter
	Logger zerolog.Logger

	// ProbeTimeout bounds each probe; a hung device must not delay the
	// others.
	ProbeTimeout time.Duration
	// EvictAfter is how long a device may stay unavailable before its
	// persisted entry is deleted. Zero or negative disables eviction.
	EvictAfter time.Duration

	now func() time.Time
}

func NewMonitor(store DeviceStore, prober Prober, pairs Forgetter, logger zerolog.Logger) *Monitor {
	return &Monitor{
		Store:        store,
		Prober:       prober,
		Pairs:        pairs,
		Logger:       logger,
		ProbeTimeout: 5 * time.Second,
		EvictAfter:   24 * time.Hour,
		now:          time.Now,
	}
}

// PollAll probes every persisted device concurrently. It is best-effort:
// probe failures degrade to availability transitions and are never
// surfaced to the caller.
func (m *Monitor) PollAll(ctx context.Context) {
	devs, err := m.Store.ListDevices()
	if err != nil {
		m.Logger.Error().Err(err).Msg("health poll: listing devices failed")
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, dev := range devs {
		g.Go(func() error {
			m.pollOne(ctx, dev)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) pollOne(ctx context.Context, dev registry.DeviceEntry) {
	probeCtx, cancel := context.WithTimeout(ctx, m.ProbeTimeout)
	defer cancel()

	addr := dev.Addr()
	status, err := m.Prober.Probe(probeCtx, addr)
	if err == nil {
		m.markAvailable(dev.ID, status)
		return
	}

	m.Logger.Debug().Err(err).Str("id", dev.ID).Str("addr", addr).Msg("health probe failed")
	m.markUnavailable(dev)
}

func (m *Monitor) markAvailable(id string, status castprotocol.ProbeStatus) {
	err := m.Store.UpdateDevice(id, func(e *registry.DeviceEntry) {
		if !e.Available {
			m.Logger.Info().Str("id", id).Msg("device is back")
		}
		e.Available = true
		e.UnavailableSince = time.Time{}
		if status.HasVolume {
			e.Volume = status.Volume
		}
	})
	if err != nil {
		m.Logger.Debug().Err(err).Str("id", id).Msg("availability update failed")
	}
}

func (m *Monitor) markUnavailable(dev registry.DeviceEntry) {
	now := m.now()
	var since time.Time
	err := m.Store.UpdateDevice(dev.ID, func(e *registry.DeviceEntry) {
		e.Available = false
		// First-failure timestamp only; later failures never overwrite it.
		if e.UnavailableSince.IsZero() {
			e.UnavailableSince = now
		}
		since = e.UnavailableSince
	})
	if err != nil {
		m.Logger.Debug().Err(err).Str("id", dev.ID).Msg("availability update failed")
		return
	}

	if m.EvictAfter <= 0 {
		return
	}
	if now.Sub(since) <= m.EvictAfter {
		return
	}

	m.Logger.Info().
		Str("id", dev.ID).
		Time("unavailableSince", since).
		Msg("evicting unresponsive device")
	if err := m.Store.DeleteDevice(dev.ID); err != nil {
		m.Logger.Error().Err(err).Str("id", dev.ID).Msg("eviction failed")
		return
	}
	if m.Pairs != nil {
		m.Pairs.Forget(dev.ID)
	}
}
