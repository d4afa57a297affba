// Package registry persists discovered cast endpoints and their writable
// control points in an embedded object store.
package registry

import (
	"time"

	"github.com/rs/zerolog"

	"castbridge.app/castbridge/devices"
)

// PairLookup is the slice of the pairing resolver the sync adapter needs.
type PairLookup interface {
	Mapping(id string) (devices.Mapping, bool)
}

// Sync upserts discovery records into the store. It is a thin adapter: the
// only logic it carries is the idempotent create-or-update and the
// informational pair tag. Command redirection never reads the tag, it uses
// the resolver's in-memory map.
type Sync struct {
	Store  *Store
	Pairs  PairLookup
	Logger zerolog.Logger

	now func() time.Time
}

func NewSync(store *Store, pairs PairLookup, logger zerolog.Logger) *Sync {
	return &Sync{
		Store:  store,
		Pairs:  pairs,
		Logger: logger,
		now:    time.Now,
	}
}

// Observe implements devices.Sink.
func (s *Sync) Observe(rec devices.Record) {
	if err := s.upsert(rec); err != nil {
		s.Logger.Error().Err(err).Str("id", rec.ID).Msg("registry upsert failed")
	}
}

func (s *Sync) upsert(rec devices.Record) error {
	existing, err := s.Store.GetDevice(rec.ID)
	if err != nil {
		return err
	}

	now := s.now()
	entry := DeviceEntry{
		ID:           rec.ID,
		FriendlyName: rec.FriendlyName,
		Kind:         string(rec.Kind),
		Host:         rec.Host,
		Port:         rec.Port,
		Model:        rec.Model,
		Available:    true,
		FirstSeen:    now,
		LastSeen:     now,
	}
	if existing != nil {
		// Rediscovery refreshes the network location and model only.
		entry.Available = existing.Available
		entry.UnavailableSince = existing.UnavailableSince
		entry.PairGroup = existing.PairGroup
		entry.Volume = existing.Volume
		entry.LastError = existing.LastError
		entry.FirstSeen = existing.FirstSeen
	} else {
		s.Logger.Info().
			Str("id", rec.ID).
			Str("name", rec.FriendlyName).
			Str("addr", rec.Addr()).
			Str("kind", string(rec.Kind)).
			Msg("new cast endpoint registered")
	}

	if s.Pairs != nil {
		if m, ok := s.Pairs.Mapping(rec.ID); ok {
			entry.PairGroup = m.GroupName
		}
	}

	if err := s.Store.PutDevice(entry); err != nil {
		return err
	}

	for _, cp := range ControlPoints {
		if err := s.Store.EnsureControl(rec.ID, cp); err != nil {
			return err
		}
	}
	return nil
}

// EnsureBroadcastAll creates the global broadcast-to-all control point.
func (s *Sync) EnsureBroadcastAll() error {
	return s.Store.EnsureControl(BroadcastAllID, ControlBroadcast)
}

// SetLastError records a delivery failure on the device entry for operator
// visibility. Missing devices are ignored.
func (s *Sync) SetLastError(id, msg string) {
	err := s.Store.UpdateDevice(id, func(e *DeviceEntry) {
		e.LastError = msg
	})
	if err != nil {
		s.Logger.Debug().Err(err).Str("id", id).Msg("could not record last error")
	}
}
