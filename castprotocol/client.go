package castprotocol

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

// Conn is the wire connection to one cast device. It mirrors the
// go-chromecast cast.Conn surface this driver needs, so tests can inject a
// fake while production uses cast.NewConnection().
type Conn interface {
	Start(addr string, port int) error
	Close() error
	Send(requestID int, payload cast.Payload, sourceID, destinationID, namespace string) error
	MsgChan() chan *pb.CastMessage
}

const heartbeatInterval = 5 * time.Second

// session is one control connection to one device. It is owned exclusively
// by the Deliver or probe invocation that created it and is never shared.
type session struct {
	conn       Conn
	log        *zerolog.Logger
	reqTimeout time.Duration
	reqID      int32

	pingStop chan struct{}
	pingDone chan struct{}
}

func (s *session) nextRequestID() int {
	return int(atomic.AddInt32(&s.reqID, 1))
}

// connect opens the socket, establishes the virtual connection to the
// receiver and starts the keep-alive heartbeat.
func (s *session) connect(host string, port int) error {
	if err := s.conn.Start(host, port); err != nil {
		return errors.Wrapf(err, "connect %s:%d", host, port)
	}
	if err := s.send(header("CONNECT"), receiverID, namespaceConnection); err != nil {
		return errors.Wrap(err, "virtual connect")
	}
	s.startHeartbeat()
	return nil
}

func (s *session) startHeartbeat() {
	s.pingStop = make(chan struct{})
	s.pingDone = make(chan struct{})
	go func() {
		defer close(s.pingDone)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.pingStop:
				return
			case <-ticker.C:
				if err := s.send(header("PING"), receiverID, namespaceHeartbeat); err != nil {
					s.log.Debug().Err(err).Msg("heartbeat send failed")
					return
				}
			}
		}
	}()
}

func (s *session) close() {
	if s.pingStop != nil {
		close(s.pingStop)
		<-s.pingDone
		s.pingStop = nil
	}
	_ = s.send(header("CLOSE"), receiverID, namespaceConnection)
	if err := s.conn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("connection close failed")
	}
}

func (s *session) send(payload cast.Payload, dest, namespace string) error {
	id := s.nextRequestID()
	payload.SetRequestId(id)
	return s.conn.Send(id, payload, senderID, dest, namespace)
}

// request sends a payload and blocks until the response with the matching
// request id arrives, the request timeout expires, or ctx is canceled.
// Heartbeat PINGs from the device are answered inline while waiting.
func (s *session) request(ctx context.Context, payload cast.Payload, dest, namespace string) (json.RawMessage, error) {
	id := s.nextRequestID()
	payload.SetRequestId(id)
	if err := s.conn.Send(id, payload, senderID, dest, namespace); err != nil {
		return nil, err
	}

	timeout := time.NewTimer(s.reqTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, errors.Errorf("request %d: timeout after %s", id, s.reqTimeout)
		case msg, ok := <-s.conn.MsgChan():
			if !ok {
				return nil, errors.Errorf("request %d: connection closed", id)
			}
			raw := json.RawMessage(msg.GetPayloadUtf8())
			var hdr messageHeader
			if err := json.Unmarshal(raw, &hdr); err != nil {
				continue
			}
			if hdr.Type == "PING" {
				_ = s.send(header("PONG"), receiverID, namespaceHeartbeat)
				continue
			}
			if hdr.RequestID == id {
				return raw, nil
			}
		}
	}
}

// receiverStatus queries the device-level status (application sessions and
// volume).
func (s *session) receiverStatus(ctx context.Context) (ReceiverStatus, error) {
	raw, err := s.request(ctx, header("GET_STATUS"), receiverID, namespaceReceiver)
	if err != nil {
		return ReceiverStatus{}, errors.Wrap(err, "receiver status")
	}
	var resp receiverStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ReceiverStatus{}, errors.Wrap(err, "receiver status")
	}
	return resp.Status, nil
}

// launch asks the device to start the given receiver application and waits
// until the application reports a transport id. Receivers routinely reply
// with a status snapshot that does not yet list the freshly launched app,
// so the transport id is polled a few times before giving up.
func (s *session) launch(ctx context.Context, appID string) (Application, error) {
	raw, err := s.request(ctx, &launchRequest{PayloadHeader: cast.PayloadHeader{Type: "LAUNCH"}, AppID: appID}, receiverID, namespaceReceiver)
	if err != nil {
		return Application{}, errors.Wrapf(err, "launch %s", appID)
	}

	var hdr messageHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return Application{}, errors.Wrapf(err, "launch %s", appID)
	}
	if hdr.Type == "LAUNCH_ERROR" {
		return Application{}, errors.Errorf("launch %s: receiver refused", appID)
	}

	var resp receiverStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Application{}, errors.Wrapf(err, "launch %s", appID)
	}
	if app, ok := findApp(resp.Status, appID); ok {
		return app, nil
	}

	for attempt := 0; attempt < 4; attempt++ {
		if err := sleepCtx(ctx, time.Duration(attempt+1)*250*time.Millisecond); err != nil {
			return Application{}, err
		}
		status, err := s.receiverStatus(ctx)
		if err != nil {
			return Application{}, errors.Wrapf(err, "launch %s", appID)
		}
		if app, ok := findApp(status, appID); ok {
			return app, nil
		}
	}
	return Application{}, errors.Errorf("launch %s: no transport id", appID)
}

func findApp(status ReceiverStatus, appID string) (Application, bool) {
	for _, app := range status.Applications {
		if app.AppID == appID && app.TransportID != "" {
			return app, true
		}
	}
	return Application{}, false
}

// stopSession stops a running application session. Errors are returned but
// callers generally treat them as advisory.
func (s *session) stopSession(ctx context.Context, sessionID string) error {
	_, err := s.request(ctx, &stopRequest{PayloadHeader: cast.PayloadHeader{Type: "STOP"}, SessionID: sessionID}, receiverID, namespaceReceiver)
	if err != nil {
		return errors.Wrapf(err, "stop session %s", sessionID)
	}
	return nil
}

// connectTransport opens the virtual connection to a launched application
// so media commands and status broadcasts flow on its transport.
func (s *session) connectTransport(transportID string) error {
	return s.send(header("CONNECT"), transportID, namespaceConnection)
}

// load issues the media-load request on the application transport.
func (s *session) load(ctx context.Context, transportID string, media MediaItem) error {
	raw, err := s.request(ctx, &loadRequest{
		PayloadHeader: cast.PayloadHeader{Type: "LOAD"},
		Media:         media,
		Autoplay:      true,
	}, transportID, namespaceMedia)
	if err != nil {
		return errors.Wrap(err, "load")
	}
	var hdr messageHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return errors.Wrap(err, "load")
	}
	switch hdr.Type {
	case "LOAD_FAILED", "LOAD_CANCELLED", "INVALID_REQUEST", "ERROR":
		return errors.Errorf("load: receiver rejected load (%s)", hdr.Type)
	}
	return nil
}

// setVolume writes the receiver volume level.
func (s *session) setVolume(ctx context.Context, level float64) error {
	_, err := s.request(ctx, &setVolumeRequest{
		PayloadHeader: cast.PayloadHeader{Type: "SET_VOLUME"},
		Volume:        Volume{Level: level},
	}, receiverID, namespaceReceiver)
	if err != nil {
		return errors.Wrap(err, "set volume")
	}
	return nil
}

// watchUntilIdle consumes status broadcasts until the player reports a
// terminal idle state. The ceiling force-closes sessions that never report
// one so connections cannot leak.
func (s *session) watchUntilIdle(ctx context.Context, ceiling time.Duration) error {
	deadline := time.NewTimer(ceiling)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.Errorf("no terminal player state within %s", ceiling)
		case msg, ok := <-s.conn.MsgChan():
			if !ok {
				return errors.New("connection closed while tracking playback")
			}
			raw := []byte(msg.GetPayloadUtf8())
			var hdr messageHeader
			if err := json.Unmarshal(raw, &hdr); err != nil {
				continue
			}
			if hdr.Type == "PING" {
				_ = s.send(header("PONG"), receiverID, namespaceHeartbeat)
				continue
			}
			if hdr.Type != "MEDIA_STATUS" {
				continue
			}
			var resp mediaStatusResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			for _, st := range resp.Status {
				// The player also reports IDLE with no idle reason right
				// after launch, before the load lands. Only a reasoned
				// idle is terminal.
				if st.PlayerState == "IDLE" && st.IdleReason != "" {
					s.log.Debug().Str("reason", st.IdleReason).Msg("playback reached terminal state")
					return nil
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
