package castprotocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

// fakeDevice scripts one cast receiver behind the Conn interface.
type fakeDevice struct {
	msgs chan *pb.CastMessage

	mu          sync.Mutex
	active      *Application
	launchFails int
	launchCalls int
	loadCalls   int
	stopCalls   []string
	volumes     []float64
	started     bool
	closed      bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{msgs: make(chan *pb.CastMessage, 32)}
}

func (f *fakeDevice) Start(addr string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDevice) MsgChan() chan *pb.CastMessage { return f.msgs }

func (f *fakeDevice) Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return err
	}
	typ, _ := m["type"].(string)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch typ {
	case "CONNECT", "CLOSE", "PING", "PONG":
	case "GET_STATUS":
		if namespace == namespaceReceiver {
			f.reply(requestID, f.receiverStatusJSON(requestID))
		}
	case "LAUNCH":
		f.launchCalls++
		if f.launchFails > 0 {
			f.launchFails--
			f.reply(requestID, fmt.Sprintf(`{"type":"LAUNCH_ERROR","requestId":%d,"reason":"CANCELLED"}`, requestID))
			return nil
		}
		appID, _ := m["appId"].(string)
		f.active = &Application{
			AppID:       appID,
			SessionID:   "sess-1",
			TransportID: "transport-1",
		}
		f.reply(requestID, f.receiverStatusJSON(requestID))
	case "STOP":
		sessionID, _ := m["sessionId"].(string)
		f.stopCalls = append(f.stopCalls, sessionID)
		f.active = nil
		f.reply(requestID, f.receiverStatusJSON(requestID))
	case "LOAD":
		f.loadCalls++
		f.reply(requestID, fmt.Sprintf(`{"type":"MEDIA_STATUS","requestId":%d,"status":[{"playerState":"PLAYING"}]}`, requestID))
		f.reply(0, `{"type":"MEDIA_STATUS","requestId":0,"status":[{"playerState":"IDLE","idleReason":"FINISHED"}]}`)
	case "SET_VOLUME":
		if vol, ok := m["volume"].(map[string]any); ok {
			if level, ok := vol["level"].(float64); ok {
				f.volumes = append(f.volumes, level)
			}
		}
		f.reply(requestID, f.receiverStatusJSON(requestID))
	}
	return nil
}

func (f *fakeDevice) receiverStatusJSON(requestID int) string {
	apps := "[]"
	if f.active != nil {
		buf, _ := json.Marshal([]Application{*f.active})
		apps = string(buf)
	}
	return fmt.Sprintf(`{"type":"RECEIVER_STATUS","requestId":%d,"status":{"applications":%s,"volume":{"level":0.35,"muted":false}}}`, requestID, apps)
}

func (f *fakeDevice) reply(requestID int, payload string) {
	protocolVersion := pb.CastMessage_CASTV2_1_0
	payloadType := pb.CastMessage_STRING
	f.msgs <- &pb.CastMessage{
		ProtocolVersion: &protocolVersion,
		PayloadType:     &payloadType,
		PayloadUtf8:     &payload,
	}
}

func testDriver(f *fakeDevice) *Driver {
	return &Driver{
		NewConn:        func() Conn { return f },
		AppID:          DefaultMediaReceiverAppID,
		RequestTimeout: time.Second,
		SettleDelay:    time.Millisecond,
		LaunchBackoff:  time.Millisecond,
		SessionCeiling: 2 * time.Second,
	}
}

func TestDeliverLaunchesFreshOnIdleDevice(t *testing.T) {
	f := newFakeDevice()
	d := testDriver(f)

	err := d.Deliver(context.Background(), "192.168.1.40:8009", "http://origin/a.mp3", "audio/mpeg", nil)
	require.NoError(t, err)
	require.Equal(t, 1, f.launchCalls)
	require.Equal(t, 1, f.loadCalls)
	require.True(t, f.closed, "connection must be closed after terminal state")
}

func TestDeliverJoinsActiveReceiverSession(t *testing.T) {
	f := newFakeDevice()
	f.active = &Application{
		AppID:       DefaultMediaReceiverAppID,
		SessionID:   "sess-existing",
		TransportID: "transport-existing",
	}
	d := testDriver(f)

	err := d.Deliver(context.Background(), "192.168.1.40:8009", "http://origin/a.mp3", "audio/mpeg", nil)
	require.NoError(t, err)
	require.Zero(t, f.launchCalls, "active compatible session must be joined, not relaunched")
	require.Empty(t, f.stopCalls)
	require.Equal(t, 1, f.loadCalls)
}

func TestDeliverStopsForeignApplicationFirst(t *testing.T) {
	f := newFakeDevice()
	f.active = &Application{
		AppID:       "YT0000",
		SessionID:   "sess-yt",
		TransportID: "transport-yt",
	}
	d := testDriver(f)

	err := d.Deliver(context.Background(), "192.168.1.40:8009", "http://origin/a.mp3", "audio/mpeg", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"sess-yt"}, f.stopCalls)
	require.Equal(t, 1, f.launchCalls)
}

func TestDeliverRetriesLaunchExactlyOnce(t *testing.T) {
	f := newFakeDevice()
	f.launchFails = 1
	d := testDriver(f)

	err := d.Deliver(context.Background(), "192.168.1.40:8009", "http://origin/a.mp3", "audio/mpeg", nil)
	require.NoError(t, err)
	require.Equal(t, 2, f.launchCalls)
	require.Contains(t, f.stopCalls, "00000000-0000-0000-0000-000000000000")
}

func TestDeliverSecondLaunchFailureIsTerminal(t *testing.T) {
	f := newFakeDevice()
	f.launchFails = 5
	d := testDriver(f)

	err := d.Deliver(context.Background(), "192.168.1.40:8009", "http://origin/a.mp3", "audio/mpeg", nil)
	require.Error(t, err)
	require.Equal(t, 2, f.launchCalls, "no third launch attempt")
	require.Zero(t, f.loadCalls)
	require.True(t, f.closed)
}

func TestSetVolumeBypassesSessionMachinery(t *testing.T) {
	f := newFakeDevice()
	d := testDriver(f)

	err := d.SetVolume(context.Background(), "192.168.1.40:8009", 0.6)
	require.NoError(t, err)
	require.Equal(t, []float64{0.6}, f.volumes)
	require.Zero(t, f.launchCalls)
	require.Zero(t, f.loadCalls)
}

func TestProbeReportsVolume(t *testing.T) {
	f := newFakeDevice()
	d := testDriver(f)

	status, err := d.Probe(context.Background(), "192.168.1.40:8009")
	require.NoError(t, err)
	require.True(t, status.HasVolume)
	require.InDelta(t, 0.35, status.Volume, 1e-9)
}

func TestProbeHonorsContextDeadline(t *testing.T) {
	f := newFakeDevice()
	d := testDriver(f)
	d.RequestTimeout = 10 * time.Second
	// Swallow the status request so the probe has to wait.
	mute := &muteConn{fakeDevice: f}
	d.NewConn = func() Conn { return mute }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Probe(ctx, "192.168.1.40:8009")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// muteConn accepts sends but never produces a response.
type muteConn struct{ *fakeDevice }

func (m *muteConn) Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error {
	return nil
}

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port int
	}{
		{"192.168.1.40:8009", "192.168.1.40", 8009},
		{"192.168.1.40:42139", "192.168.1.40", 42139},
		{"192.168.1.40", "192.168.1.40", 8009},
	}
	for _, tt := range tests {
		host, port, err := splitAddr(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.host, host)
		require.Equal(t, tt.port, port)
	}
}
