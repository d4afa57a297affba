package devices

import (
	"context"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

const (
	googlecastService = "_googlecast._tcp"
	// DefaultCastPort is used when a discovery response omits the port.
	DefaultCastPort = 8009
	// mDNS query timeout per request.
	queryTimeout = 750 * time.Millisecond
)

// Listener issues periodic mDNS queries for the googlecast service and
// feeds every parsed response to the configured sinks.
type Listener struct {
	// Interface optionally pins discovery to a single network interface.
	// When nil, all active IPv4 multicast interfaces are queried.
	Interface *net.Interface
	Sinks     []Sink
	Logger    zerolog.Logger
}

// Scan broadcasts one query round and blocks until all responses for this
// round have been consumed. The caller owns the schedule.
func (l *Listener) Scan(ctx context.Context) {
	entriesCh := make(chan *mdns.ServiceEntry, 256)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for entry := range entriesCh {
			l.onResponse(entry)
		}
	}()

	queryIface := func(iface *net.Interface) {
		params := mdns.DefaultParams(googlecastService)
		params.Entries = entriesCh
		params.Timeout = queryTimeout
		params.DisableIPv6 = true
		params.WantUnicastResponse = true
		params.Logger = log.New(io.Discard, "", 0)
		params.Interface = iface
		if err := mdns.Query(params); err != nil {
			l.Logger.Debug().Err(err).Msg("mdns query failed")
		}
	}

	interfaces := l.queryInterfaces()
	if len(interfaces) == 0 {
		queryIface(nil)
	}
	for i := range interfaces {
		if ctx.Err() != nil {
			break
		}
		queryIface(&interfaces[i])
	}

	close(entriesCh)
	<-doneCh
}

func (l *Listener) queryInterfaces() []net.Interface {
	if l.Interface != nil {
		return []net.Interface{*l.Interface}
	}
	return activeNetworkInterfaces()
}

// onResponse parses a single mDNS response and emits it to the sinks.
// Responses lacking a resolvable name or address are routine network noise
// and are dropped without logging an error.
func (l *Listener) onResponse(entry *mdns.ServiceEntry) {
	rec, ok := parseEntry(entry)
	if !ok {
		return
	}

	l.Logger.Debug().
		Str("id", rec.ID).
		Str("name", rec.FriendlyName).
		Str("kind", string(rec.Kind)).
		Str("addr", rec.Addr()).
		Msg("discovered cast endpoint")

	for _, sink := range l.Sinks {
		sink.Observe(rec)
	}
}

// parseEntry extracts a normalized record from an mDNS service entry.
// It returns false for anything not actionable: wrong service, missing
// IPv4 address, or no resolvable friendly name.
func parseEntry(entry *mdns.ServiceEntry) (Record, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Record{}, false
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return Record{}, false
	}

	friendlyName := ""
	model := ""
	for _, txt := range entry.InfoFields {
		if after, ok := strings.CutPrefix(txt, "fn="); ok {
			friendlyName = after
		}
		if after, ok := strings.CutPrefix(txt, "md="); ok {
			model = after
		}
	}

	if friendlyName == "" {
		friendlyName = entry.Name
		if idx := strings.Index(friendlyName, "._googlecast"); idx > 0 {
			friendlyName = friendlyName[:idx]
		}
	}
	if friendlyName == "" {
		return Record{}, false
	}

	port := entry.Port
	if port == 0 {
		port = DefaultCastPort
	}

	return Record{
		ID:           SanitizeID(friendlyName),
		FriendlyName: friendlyName,
		Kind:         classify(friendlyName, model),
		Host:         entry.AddrV4.String(),
		Port:         port,
		Model:        model,
	}, true
}

// activeNetworkInterfaces returns all interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address. Querying every
// candidate interface covers hosts with multiple adapters (VPN, Hyper-V,
// Docker) where the OS default is not the one facing the cast devices.
func activeNetworkInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		hasIPv4 := false
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					hasIPv4 = true
					break
				}
			}
		}

		if hasIPv4 {
			active = append(active, iface)
		}
	}

	return active
}
