package devices

import (
	"net"
	"strconv"
	"strings"
)

// Kind describes what a discovered endpoint represents.
type Kind string

const (
	// KindDevice is a single physical cast endpoint.
	KindDevice Kind = "device"
	// KindGroup is a virtual multi-speaker or stereo-pair endpoint.
	KindGroup Kind = "group"
)

// groupModelMarker is the model string Google uses for cast groups. Some
// firmware versions advertise stereo pairs with a generic device model
// instead, so classification also checks the name for a pair token.
const groupModelMarker = "Google Cast Group"

// Record is one normalized discovery result.
type Record struct {
	ID           string
	FriendlyName string
	Kind         Kind
	Host         string
	Port         int
	Model        string
}

// Addr returns the host:port network location of the record.
func (r Record) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// IsGroup reports whether the record describes a group endpoint.
func (r Record) IsGroup() bool {
	return r.Kind == KindGroup
}

// Sink consumes normalized records emitted by the discovery listener.
type Sink interface {
	Observe(rec Record)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(rec Record)

func (f SinkFunc) Observe(rec Record) { f(rec) }

// SanitizeID derives a stable identifier-safe token from a friendly name.
// The same name always yields the same id, so rediscovering a device never
// creates a second record.
func SanitizeID(friendlyName string) string {
	var b strings.Builder
	b.Grow(len(friendlyName))
	for _, r := range friendlyName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// NormalizeName reduces a friendly name to its fuzzy correlation key:
// lowercase alphanumerics with one trailing pair token stripped. A device
// "Living Room" and its group "Living Room-Pair" both normalize to
// "livingroom".
func NormalizeName(friendlyName string) string {
	var b strings.Builder
	b.Grow(len(friendlyName))
	for _, r := range strings.ToLower(friendlyName) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	for _, token := range []string{"pair", "paar"} {
		if trimmed, ok := strings.CutSuffix(s, token); ok {
			return trimmed
		}
	}
	return s
}

// classify decides whether an endpoint is a group. Virtual stereo-pair
// endpoints advertise as a generic device model on some firmware versions
// while still carrying the pair naming convention, hence the dual condition.
func classify(friendlyName, model string) Kind {
	if model == groupModelMarker {
		return KindGroup
	}
	lower := strings.ToLower(friendlyName)
	if strings.Contains(lower, "pair") || strings.Contains(lower, "paar") {
		return KindGroup
	}
	return KindDevice
}
