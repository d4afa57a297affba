package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"castbridge.app/castbridge/castprotocol"
	"castbridge.app/castbridge/devices"
	"castbridge.app/castbridge/health"
	"castbridge.app/castbridge/httphandlers"
	"castbridge.app/castbridge/internal/config"
	"castbridge.app/castbridge/internal/log"
	"castbridge.app/castbridge/mediaresolve"
	"castbridge.app/castbridge/registry"
	"castbridge.app/castbridge/router"
	"castbridge.app/castbridge/synth"
)

var (
	ifaceArg    = flag.String("i", "", "Restrict discovery to a specific network interface.")
	hostArg     = flag.String("host", "", "External host:port devices use to reach the audio origin.")
	listenArg   = flag.String("listen", "", "Audio origin listen address.")
	logLevelArg = flag.String("loglevel", "", "Log level (debug, info, warn, error).")
	scanNowPtr  = flag.Bool("scan", false, "Run a single discovery round, print the results and exit.")
)

func main() {
	flag.Parse()

	conf, err := config.GetAppConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
	applyFlags(conf)

	log.Configure(log.Config{Level: conf.LogLevel})
	logger := log.Base()

	if *scanNowPtr {
		if err := scanOnce(conf); err != nil {
			fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
			os.Exit(1)
		}
		return
	}

	if conf.ExternalHost == "" {
		fmt.Fprintln(os.Stderr, "No external host configured; set it in the settings file or pass -host")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, logger); err != nil {
		logger.Error().Err(err).Msg("castbridge exited with error")
		os.Exit(1)
	}
}

func applyFlags(conf *config.Config) {
	if *ifaceArg != "" {
		conf.Interface = *ifaceArg
	}
	if *hostArg != "" {
		conf.ExternalHost = *hostArg
	}
	if *listenArg != "" {
		conf.ListenAddress = *listenArg
	}
	if *logLevelArg != "" {
		conf.LogLevel = *logLevelArg
	}
}

func discoveryInterface(conf *config.Config) (*net.Interface, error) {
	if conf.Interface == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(conf.Interface)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", conf.Interface, err)
	}
	return iface, nil
}

// scanOnce serves the -scan flag: one blocking discovery round printed to
// stdout, nothing persisted.
func scanOnce(conf *config.Config) error {
	iface, err := discoveryInterface(conf)
	if err != nil {
		return err
	}

	printer := devices.SinkFunc(func(rec devices.Record) {
		fmt.Printf("%-8s %-30s %s\n", rec.Kind, rec.FriendlyName, rec.Addr())
	})

	listener := &devices.Listener{
		Interface: iface,
		Sinks:     []devices.Sink{printer},
		Logger:    zerolog.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	listener.Scan(ctx)
	return nil
}

func run(ctx context.Context, conf *config.Config, logger zerolog.Logger) error {
	iface, err := discoveryInterface(conf)
	if err != nil {
		return err
	}

	store, err := registry.Open(filepath.Join(conf.DataDir, "registry"))
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	pairs := devices.NewResolver(log.WithComponent("pairing"))

	regSync := registry.NewSync(store, pairs, log.WithComponent("registry"))
	if err := regSync.EnsureBroadcastAll(); err != nil {
		return fmt.Errorf("seed broadcast target: %w", err)
	}

	listener := &devices.Listener{
		Interface: iface,
		Sinks:     []devices.Sink{pairs, regSync},
		Logger:    log.WithComponent("discovery"),
	}

	driver := castprotocol.NewDriver()
	driver.Logger = log.WithComponent("cast")

	monitor := health.NewMonitor(store, driver, pairs, log.WithComponent("health"))
	monitor.EvictAfter = time.Duration(conf.EvictAfterHours) * time.Hour

	origin := httphandlers.NewAudioOrigin(conf.ListenAddress, conf.ExternalHost, log.WithComponent("origin"))
	origin.Rescan = listener
	origin.Controls = store

	resolver := mediaresolve.NewYTDLP()
	resolver.Bin = conf.YTDLPPath

	commands := router.New(log.WithComponent("router"))
	commands.Store = store
	commands.Pairs = pairs
	commands.Caster = driver
	commands.Synth = synth.NewBreaker(synth.NewGoogleTTS(), log.WithComponent("tts"))
	commands.Resolver = resolver
	commands.Origin = origin
	commands.Errors = regSync
	commands.Language = conf.TTSLanguage

	// Control writes are acknowledged immediately; delivery runs in the
	// background so a slow device never blocks the writer.
	store.Subscribe(func(id, control, value string) {
		if err := store.Ack(id, control); err != nil {
			logger.Error().Err(err).Str("id", id).Msg("control ack failed")
		}
		go commands.HandleControlWrite(ctx, id, control, value)
	})

	sched := cron.New()
	if _, err := sched.AddFunc(fmt.Sprintf("@every %ds", conf.ScanIntervalSec), func() {
		listener.Scan(ctx)
	}); err != nil {
		return fmt.Errorf("schedule discovery: %w", err)
	}
	if _, err := sched.AddFunc(fmt.Sprintf("@every %ds", conf.PollIntervalSec), func() {
		monitor.PollAll(ctx)
	}); err != nil {
		return fmt.Errorf("schedule health poll: %w", err)
	}

	// First round up front so the registry is usable before the first tick.
	listener.Scan(ctx)
	monitor.PollAll(ctx)

	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	logger.Info().
		Str("listen", conf.ListenAddress).
		Str("external_host", conf.ExternalHost).
		Int("scan_interval_sec", conf.ScanIntervalSec).
		Msg("castbridge running")

	return origin.Serve(ctx)
}
