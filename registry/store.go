package registry

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Control point names created alongside every device entry. Writing to one
// of them triggers the subscribed command handlers.
const (
	ControlBroadcast = "broadcast"
	ControlVolume    = "volume"
	ControlURL       = "url"
)

// BroadcastAllID is the pseudo-target whose broadcast control point fans a
// message out to every available device.
const BroadcastAllID = "all"

// ControlPoints lists the writable points ensured per device.
var ControlPoints = []string{ControlBroadcast, ControlVolume, ControlURL}

// DeviceEntry is the persisted form of a discovered endpoint.
type DeviceEntry struct {
	ID               string    `json:"id"`
	FriendlyName     string    `json:"friendlyName"`
	Kind             string    `json:"kind"`
	Host             string    `json:"host"`
	Port             int       `json:"port"`
	Model            string    `json:"model"`
	Available        bool      `json:"available"`
	UnavailableSince time.Time `json:"unavailableSince,omitzero"`
	PairGroup        string    `json:"pairGroup,omitempty"`
	Volume           float64   `json:"volume"`
	LastError        string    `json:"lastError,omitempty"`
	FirstSeen        time.Time `json:"firstSeen"`
	LastSeen         time.Time `json:"lastSeen"`
}

// Addr returns the host:port network location of the entry.
func (e DeviceEntry) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// SubscribeFunc receives control-point writes: the device id, the control
// point name and the written value.
type SubscribeFunc func(id, control, value string)

// Store is the persistent hierarchical object store backing the device
// registry. Keys:
//
//	dev:<id>           device entry (JSON)
//	ctl:<id>:<name>    control point current value
type Store struct {
	db *badger.DB

	mu   sync.Mutex
	subs []SubscribeFunc
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func devKey(id string) []byte       { return []byte("dev:" + id) }
func ctlKey(id, name string) []byte { return []byte("ctl:" + id + ":" + name) }
func ctlPrefix(id string) []byte    { return []byte("ctl:" + id + ":") }

// PutDevice writes a device entry, overwriting any previous one.
func (s *Store) PutDevice(e DeviceEntry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(devKey(e.ID), buf)
	})
}

// GetDevice returns the entry for id, or (nil, nil) when absent.
func (s *Store) GetDevice(id string) (*DeviceEntry, error) {
	var out DeviceEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(devKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// UpdateDevice applies fn to the stored entry inside one transaction.
// Returns badger.ErrKeyNotFound when the device does not exist.
func (s *Store) UpdateDevice(id string, fn func(*DeviceEntry)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(devKey(id))
		if err != nil {
			return err
		}
		var e DeviceEntry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		fn(&e)
		buf, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(devKey(id), buf)
	})
}

// ListDevices returns all persisted device entries.
func (s *Store) ListDevices() ([]DeviceEntry, error) {
	var list []DeviceEntry
	prefix := []byte("dev:")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e DeviceEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				continue
			}
			list = append(list, e)
		}
		return nil
	})
	return list, err
}

// DeleteDevice removes the device entry and its whole control subtree.
func (s *Store) DeleteDevice(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(devKey(id)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	// The control prefix ends in ":" so "Kitchen" never sweeps "Kitchen_2".
	return s.db.DropPrefix(ctlPrefix(id))
}

// EnsureControl creates a control point with an empty value if it does not
// exist yet. Idempotent.
func (s *Store) EnsureControl(id, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(ctlKey(id, name))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(ctlKey(id, name), nil)
	})
}

// SetValue persists a control-point value and notifies all subscribers.
// This is the entry point for operator-triggered commands.
func (s *Store) SetValue(id, name, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ctlKey(id, name), []byte(value))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	subs := make([]SubscribeFunc, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(id, name, value)
	}
	return nil
}

// Ack clears a control-point value without notifying subscribers. Commands
// are acknowledged this way regardless of downstream delivery success.
func (s *Store) Ack(id, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ctlKey(id, name), nil)
	})
}

// GetValue reads the current value of a control point.
func (s *Store) GetValue(id, name string) (string, error) {
	var v string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ctlKey(id, name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = string(val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	return v, err
}

// Subscribe registers a callback for control-point writes.
func (s *Store) Subscribe(fn SubscribeFunc) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}
