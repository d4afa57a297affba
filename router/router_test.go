package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"castbridge.app/castbridge/castprotocol"
	"castbridge.app/castbridge/devices"
	"castbridge.app/castbridge/mediaresolve"
	"castbridge.app/castbridge/registry"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]registry.DeviceEntry
}

func newMemStore(entries ...registry.DeviceEntry) *memStore {
	s := &memStore{entries: map[string]registry.DeviceEntry{}}
	for _, e := range entries {
		s.entries[e.ID] = e
	}
	return s
}

func (s *memStore) GetDevice(id string) (*registry.DeviceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func (s *memStore) ListDevices() ([]registry.DeviceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registry.DeviceEntry
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

type pairMap map[string]devices.Mapping

func (p pairMap) Mapping(id string) (devices.Mapping, bool) {
	m, ok := p[id]
	return m, ok
}

type casterRecorder struct {
	mu         sync.Mutex
	deliveries []string // addresses
	volumes    map[string]float64
	failAddrs  map[string]bool
}

func newCasterRecorder() *casterRecorder {
	return &casterRecorder{volumes: map[string]float64{}, failAddrs: map[string]bool{}}
}

func (c *casterRecorder) Deliver(ctx context.Context, addr, mediaURL, mimeType string, meta *castprotocol.MediaMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAddrs[addr] {
		return errors.New("device unreachable")
	}
	c.deliveries = append(c.deliveries, addr)
	return nil
}

func (c *casterRecorder) SetVolume(ctx context.Context, addr string, level float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volumes[addr] = level
	return nil
}

type stubSynth struct{}

func (stubSynth) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	return []byte("audio:" + text), nil
}

type stubResolver struct{}

func (stubResolver) Validate(ref string) bool { return ref != "bad" }

func (stubResolver) Resolve(ctx context.Context, ref string) (mediaresolve.Media, error) {
	return mediaresolve.Media{StreamURL: "https://cdn/" + ref, Title: "t"}, nil
}

type stubOrigin struct{}

func (stubOrigin) Put(deviceID string, audio []byte) (string, error) {
	return "http://origin/audio/" + deviceID + "/t.mp3", nil
}

type errorRecorder struct {
	mu   sync.Mutex
	errs map[string]string
}

func (e *errorRecorder) SetLastError(id, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.errs == nil {
		e.errs = map[string]string{}
	}
	e.errs[id] = msg
}

func kitchenEntry() registry.DeviceEntry {
	return registry.DeviceEntry{
		ID: "Kitchen", FriendlyName: "Kitchen", Kind: "device",
		Host: "192.168.1.40", Port: 8009, Available: true,
	}
}

func newTestRouter(store DeviceStore, pairs registry.PairLookup, caster Caster) *Router {
	r := New(zerolog.Nop())
	r.Store = store
	r.Pairs = pairs
	r.Caster = caster
	r.Synth = stubSynth{}
	r.Resolver = stubResolver{}
	r.Origin = stubOrigin{}
	return r
}

func TestDebounceWindow(t *testing.T) {
	caster := newCasterRecorder()
	r := newTestRouter(newMemStore(kitchenEntry()), pairMap{}, caster)

	t0 := time.Now()
	r.now = func() time.Time { return t0 }
	r.Broadcast(context.Background(), "Kitchen", "hello")

	// 500ms later: dropped.
	r.now = func() time.Time { return t0.Add(500 * time.Millisecond) }
	r.Broadcast(context.Background(), "Kitchen", "hello again")
	require.Len(t, caster.deliveries, 1)

	// 3s later: honored.
	r.now = func() time.Time { return t0.Add(3 * time.Second) }
	r.Broadcast(context.Background(), "Kitchen", "third")
	require.Len(t, caster.deliveries, 2)
}

func TestPairRedirection(t *testing.T) {
	caster := newCasterRecorder()
	pairs := pairMap{"Kitchen": {
		SourceID: "Kitchen", GroupName: "Kitchen-Pair",
		Host: "192.168.1.41", Port: 42139,
	}}
	r := newTestRouter(newMemStore(kitchenEntry()), pairs, caster)

	t0 := time.Now()
	r.now = func() time.Time { return t0 }
	r.Broadcast(context.Background(), "Kitchen", "hello")
	require.Equal(t, []string{"192.168.1.41:42139"}, caster.deliveries,
		"paired device must be redirected to the group address")

	r.now = func() time.Time { return t0.Add(3 * time.Second) }
	r.SetVolume(context.Background(), "Kitchen", 0.5)
	require.Equal(t, 0.5, caster.volumes["192.168.1.41:42139"])
}

func TestUnpairedDeviceUsesOwnAddress(t *testing.T) {
	caster := newCasterRecorder()
	r := newTestRouter(newMemStore(kitchenEntry()), pairMap{}, caster)

	r.Broadcast(context.Background(), "Kitchen", "hello")
	require.Equal(t, []string{"192.168.1.40:8009"}, caster.deliveries)
}

func TestBroadcastAllIsolatesFailures(t *testing.T) {
	a := kitchenEntry()
	b := registry.DeviceEntry{ID: "Bedroom", Kind: "device", Host: "192.168.1.41", Port: 8009, Available: true}
	c := registry.DeviceEntry{ID: "Office", Kind: "device", Host: "192.168.1.42", Port: 8009, Available: true}

	caster := newCasterRecorder()
	caster.failAddrs["192.168.1.41:8009"] = true
	errs := &errorRecorder{}

	r := newTestRouter(newMemStore(a, b, c), pairMap{}, caster)
	r.Errors = errs

	r.BroadcastAll(context.Background(), "dinner")

	require.ElementsMatch(t, []string{"192.168.1.40:8009", "192.168.1.42:8009"}, caster.deliveries)
	require.Contains(t, errs.errs, "Bedroom")
}

func TestBroadcastAllSkipsUnavailableAndGroups(t *testing.T) {
	up := kitchenEntry()
	down := registry.DeviceEntry{ID: "Bedroom", Kind: "device", Host: "192.168.1.41", Port: 8009, Available: false}
	grp := registry.DeviceEntry{ID: "Kitchen_Pair", Kind: "group", Host: "192.168.1.43", Port: 42139, Available: true}

	caster := newCasterRecorder()
	r := newTestRouter(newMemStore(up, down, grp), pairMap{}, caster)

	r.BroadcastAll(context.Background(), "dinner")
	require.Equal(t, []string{"192.168.1.40:8009"}, caster.deliveries)
}

func TestSetVolumeRejectsOutOfRange(t *testing.T) {
	caster := newCasterRecorder()
	errs := &errorRecorder{}
	r := newTestRouter(newMemStore(kitchenEntry()), pairMap{}, caster)
	r.Errors = errs

	r.SetVolume(context.Background(), "Kitchen", 1.5)
	require.Empty(t, caster.volumes)
	require.Contains(t, errs.errs, "Kitchen")
}

func TestPlayURLRejectsUnsupportedReference(t *testing.T) {
	caster := newCasterRecorder()
	errs := &errorRecorder{}
	r := newTestRouter(newMemStore(kitchenEntry()), pairMap{}, caster)
	r.Errors = errs

	r.PlayURL(context.Background(), "Kitchen", "bad")
	require.Empty(t, caster.deliveries)
	require.Contains(t, errs.errs, "Kitchen")
}

func TestHandleControlWriteDispatch(t *testing.T) {
	caster := newCasterRecorder()
	r := newTestRouter(newMemStore(kitchenEntry()), pairMap{}, caster)

	t0 := time.Now()
	r.now = func() time.Time { return t0 }
	r.HandleControlWrite(context.Background(), "Kitchen", registry.ControlVolume, "0.3")
	require.Equal(t, 0.3, caster.volumes["192.168.1.40:8009"])

	r.now = func() time.Time { return t0.Add(3 * time.Second) }
	r.HandleControlWrite(context.Background(), "Kitchen", registry.ControlBroadcast, "hi")
	require.Len(t, caster.deliveries, 1)

	r.HandleControlWrite(context.Background(), registry.BroadcastAllID, registry.ControlBroadcast, "everyone")
	require.Len(t, caster.deliveries, 2)
}

func TestDebounceSharedAcrossCommandKinds(t *testing.T) {
	caster := newCasterRecorder()
	r := newTestRouter(newMemStore(kitchenEntry()), pairMap{}, caster)

	t0 := time.Now()
	r.now = func() time.Time { return t0 }
	r.Broadcast(context.Background(), "Kitchen", "hello")

	// Any later command for the same target lands in the same window.
	r.now = func() time.Time { return t0.Add(time.Second) }
	r.PlayURL(context.Background(), "Kitchen", "https://youtu.be/abc")
	r.SetVolume(context.Background(), "Kitchen", 0.4)

	require.Len(t, caster.deliveries, 1)
	require.Empty(t, caster.volumes)
}

func TestVolumeIsDebounced(t *testing.T) {
	caster := newCasterRecorder()
	r := newTestRouter(newMemStore(kitchenEntry()), pairMap{}, caster)

	t0 := time.Now()
	r.now = func() time.Time { return t0 }
	r.SetVolume(context.Background(), "Kitchen", 0.4)

	r.now = func() time.Time { return t0.Add(500 * time.Millisecond) }
	r.SetVolume(context.Background(), "Kitchen", 0.9)

	require.Equal(t, 0.4, caster.volumes["192.168.1.40:8009"])
}

func TestUnknownDeviceReportsError(t *testing.T) {
	caster := newCasterRecorder()
	errs := &errorRecorder{}
	r := newTestRouter(newMemStore(), pairMap{}, caster)
	r.Errors = errs

	r.Broadcast(context.Background(), "Ghost", "hello")
	require.Empty(t, caster.deliveries)
	require.Contains(t, errs.errs, "Ghost")
}
