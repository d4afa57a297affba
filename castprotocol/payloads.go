package castprotocol

import (
	"github.com/vishen/go-chromecast/cast"
)

// Cast v2 namespaces this driver speaks.
const (
	namespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	namespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	namespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	namespaceMedia      = "urn:x-cast:com.google.cast.media"
)

const (
	senderID   = "sender-0"
	receiverID = "receiver-0"

	// DefaultMediaReceiverAppID is the stock receiver application every cast
	// device ships with.
	DefaultMediaReceiverAppID = "CC1AD845"

	// nullSessionID is the placeholder used to forcibly stop a lingering
	// session when a launch fails without a known session id.
	nullSessionID = "00000000-0000-0000-0000-000000000000"
)

func header(typ string) *cast.PayloadHeader {
	return &cast.PayloadHeader{Type: typ}
}

type launchRequest struct {
	cast.PayloadHeader
	AppID string `json:"appId"`
}

type stopRequest struct {
	cast.PayloadHeader
	SessionID string `json:"sessionId"`
}

type setVolumeRequest struct {
	cast.PayloadHeader
	Volume Volume `json:"volume"`
}

type loadRequest struct {
	cast.PayloadHeader
	Media       MediaItem `json:"media"`
	CurrentTime int       `json:"currentTime"`
	Autoplay    bool      `json:"autoplay"`
}

// MediaItem describes the media handed to the receiver application.
type MediaItem struct {
	ContentID   string     `json:"contentId"`
	ContentType string     `json:"contentType"`
	StreamType  string     `json:"streamType"`
	Metadata    *MediaMeta `json:"metadata,omitempty"`
}

// MediaMeta carries optional display metadata shown on the receiver.
type MediaMeta struct {
	MetadataType int    `json:"metadataType"`
	Title        string `json:"title,omitempty"`
	Artist       string `json:"artist,omitempty"`
}

// Volume is the receiver volume payload (level 0.0 to 1.0).
type Volume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

// Application is one receiver application session as reported by the device.
type Application struct {
	AppID        string `json:"appId"`
	DisplayName  string `json:"displayName"`
	IsIdleScreen bool   `json:"isIdleScreen"`
	SessionID    string `json:"sessionId"`
	StatusText   string `json:"statusText"`
	TransportID  string `json:"transportId"`
}

// ReceiverStatus is the device-level status snapshot. Volume is nil when
// the snapshot did not carry one.
type ReceiverStatus struct {
	Applications []Application `json:"applications"`
	Volume       *Volume       `json:"volume"`
}

type receiverStatusResponse struct {
	Type      string         `json:"type"`
	RequestID int            `json:"requestId"`
	Status    ReceiverStatus `json:"status"`
}

type mediaStatusResponse struct {
	Type   string `json:"type"`
	Status []struct {
		PlayerState string `json:"playerState"`
		IdleReason  string `json:"idleReason"`
	} `json:"status"`
}

type messageHeader struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
}

// activeSession returns the non-idle-screen application session, if any.
func (s ReceiverStatus) activeSession() (Application, bool) {
	for _, app := range s.Applications {
		if !app.IsIdleScreen && app.AppID != "" {
			return app, true
		}
	}
	return Application{}, false
}
