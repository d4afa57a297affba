package devices

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Mapping redirects commands aimed at a device to its stereo-group peer.
type Mapping struct {
	SourceID  string
	GroupID   string
	GroupName string
	Host      string
	Port      int
}

// Resolver correlates device and group records into pair mappings. Records
// for the two halves of a pair arrive asynchronously and in no particular
// order, so the resolver keeps partial index state and completes a mapping
// whenever the second half shows up.
//
// Three triggers fire independently and may re-set the same mapping:
//   - a device and a group advertise the same network address
//   - their normalized names are equal
//   - stripping a _Pair/_Paar suffix from the group's id yields the device id
type Resolver struct {
	Logger zerolog.Logger

	mu             sync.Mutex
	devicesByID    map[string]Record
	devicesByAddr  map[string]Record
	devicesByName  map[string]Record
	groupsByAddr   map[string]Record
	groupsByName   map[string]Record
	groupsStripped map[string]Record
	mappings       map[string]Mapping
}

func NewResolver(logger zerolog.Logger) *Resolver {
	r := &Resolver{Logger: logger}
	r.Reset()
	return r
}

// Reset clears all correlation state.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devicesByID = make(map[string]Record)
	r.devicesByAddr = make(map[string]Record)
	r.devicesByName = make(map[string]Record)
	r.groupsByAddr = make(map[string]Record)
	r.groupsByName = make(map[string]Record)
	r.groupsStripped = make(map[string]Record)
	r.mappings = make(map[string]Mapping)
}

// Observe indexes a record and fires any correlation it completes.
// Implements Sink.
func (r *Resolver) Observe(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.IsGroup() {
		r.observeGroup(rec)
		return
	}
	r.observeDevice(rec)
}

func (r *Resolver) observeGroup(group Record) {
	r.groupsByAddr[group.Addr()] = group
	r.groupsByName[NormalizeName(group.FriendlyName)] = group
	if stripped := stripPairSuffix(group.ID); stripped != group.ID {
		r.groupsStripped[stripped] = group
	}

	if dev, ok := r.devicesByAddr[group.Addr()]; ok {
		r.setMapping(dev, group)
	}
	if dev, ok := r.devicesByName[NormalizeName(group.FriendlyName)]; ok {
		r.setMapping(dev, group)
	}
	if dev, ok := r.devicesByID[stripPairSuffix(group.ID)]; ok {
		r.setMapping(dev, group)
	}
}

func (r *Resolver) observeDevice(dev Record) {
	r.devicesByID[dev.ID] = dev
	r.devicesByAddr[dev.Addr()] = dev
	r.devicesByName[NormalizeName(dev.FriendlyName)] = dev

	if group, ok := r.groupsByAddr[dev.Addr()]; ok {
		r.setMapping(dev, group)
	}
	if group, ok := r.groupsByName[NormalizeName(dev.FriendlyName)]; ok {
		r.setMapping(dev, group)
	}
	if group, ok := r.groupsStripped[dev.ID]; ok {
		r.setMapping(dev, group)
	}
}

// setMapping records the redirection, last resolution wins.
func (r *Resolver) setMapping(dev, group Record) {
	m := Mapping{
		SourceID:  dev.ID,
		GroupID:   group.ID,
		GroupName: group.FriendlyName,
		Host:      group.Host,
		Port:      group.Port,
	}
	prev, existed := r.mappings[dev.ID]
	r.mappings[dev.ID] = m
	if !existed || prev != m {
		r.Logger.Info().
			Str("device", dev.ID).
			Str("group", group.FriendlyName).
			Str("addr", group.Addr()).
			Msg("stereo pair resolved")
	}
}

// Mapping returns the pair redirection for a device id, if one exists.
func (r *Resolver) Mapping(id string) (Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[id]
	return m, ok
}

// Forget removes an evicted endpoint from every index and drops any
// mapping it participates in.
func (r *Resolver) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devicesByID[id]; ok {
		delete(r.devicesByID, id)
		delete(r.devicesByAddr, dev.Addr())
		delete(r.devicesByName, NormalizeName(dev.FriendlyName))
	}
	for addr, g := range r.groupsByAddr {
		if g.ID == id {
			delete(r.groupsByAddr, addr)
		}
	}
	for name, g := range r.groupsByName {
		if g.ID == id {
			delete(r.groupsByName, name)
		}
	}
	for stripped, g := range r.groupsStripped {
		if g.ID == id {
			delete(r.groupsStripped, stripped)
		}
	}
	for src, m := range r.mappings {
		if src == id || m.GroupID == id {
			delete(r.mappings, src)
		}
	}
}

// stripPairSuffix removes a literal _Pair/_Paar tail from a sanitized id.
// "Kitchen_Pair" becomes "Kitchen"; ids without the suffix pass through.
func stripPairSuffix(id string) string {
	for _, suffix := range []string{"_Pair", "_Paar", "_pair", "_paar"} {
		if trimmed, ok := strings.CutSuffix(id, suffix); ok {
			return trimmed
		}
	}
	return id
}
