package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc/health"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	cliconfig "github.com/cyrilcaoyang/opentrons-workflows/internal/cli/config"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/events"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/journal"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/robots"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/server"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport"
)

var version = "dev"

func main() {
	var listen string
	var configPath string
	var journalDir string
	var natsURL string
	var connectAll bool
	var localPTY bool
	var healthInterval time.Duration
	var logLevel string
	var verbose bool

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "otrunnerd (%s)\n\n", version)
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.StringVar(&listen, "listen", server.DefaultListenAddr, "listen address for the gRPC server")
	flag.StringVar(&configPath, "config", cliconfig.DefaultConfigPath(), "otrunner config file listing the robots")
	flag.StringVar(&journalDir, "journal-dir", "", "directory for journalled results (default config journalDir or ~/.otrunner/journal)")
	flag.StringVar(&natsURL, "nats", "", "NATS URL for the JetStream progress mirror (overrides config)")
	flag.BoolVar(&connectAll, "connect", false, "connect every robot at startup")
	flag.BoolVar(&localPTY, "local", false, "also serve a robot named \"local\" backed by a local shell, for dry runs")
	flag.DurationVar(&healthInterval, "health-interval", 30*time.Second, "how often idle robots are pinged; 0 disables")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose debug logging (same as -log-level=debug)")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch l := strings.ToLower(strings.TrimSpace(logLevel)); l {
		case "debug":
			level = slog.LevelDebug
		case "info", "":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			log.Printf("unknown -log-level=%q (expected debug|info|warn|error); defaulting to info", logLevel)
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := cliconfig.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}

	evOpts := &events.Options{Logger: logger}
	if natsURL != "" || cfg.NATS != nil {
		js := &events.JetStreamOptions{URL: natsURL}
		if cfg.NATS != nil {
			js.User, js.Password, js.Prefix, js.Stream = cfg.NATS.User, cfg.NATS.Password, cfg.NATS.Prefix, cfg.NATS.Stream
			if js.URL == "" {
				js.URL = cfg.NATS.URL
			}
		}
		evOpts.JetStream = js
	}
	ev, err := events.New(ctx, evOpts)
	if err != nil {
		log.Fatalf("events: %v", err)
	}
	defer ev.Close()

	if journalDir == "" {
		journalDir = cfg.JournalDir
	}
	if journalDir == "" {
		journalDir = cliconfig.DefaultJournalDir()
	}
	jr, err := journal.New(journalDir, journal.WithCompression(true))
	if err != nil {
		log.Fatalf("journal: %v", err)
	}
	defer jr.Close()

	hs := health.NewServer()
	mgr := robots.NewManager(robots.Options{
		Logger:   logger,
		Events:   ev,
		Journal:  jr,
		OnChange: server.HealthUpdater(hs),
	})
	defer mgr.Close()

	for _, name := range cfg.Names() {
		conn, err := cliconfig.ResolveConnection(configPath, cliconfig.Flags{Robot: name})
		if err != nil {
			logger.Error("skipping robot", "robot", name, "err", err)
			continue
		}
		robotLogger := logger.With("robot", name)
		sshCfg := conn.SSHConfig(conn.Credentials(nil), robotLogger)
		if err := mgr.Register(name, conn.SessionConfig(transport.SSHOpener{Config: sshCfg}, robotLogger), conn.BatchOptions()); err != nil {
			log.Fatal(err)
		}
	}
	if localPTY {
		opts := batch.DefaultOptions()
		if err := mgr.Register("local", session.Config{Host: "localhost", Opener: transport.PTYOpener{}, Logger: logger.With("robot", "local")}, opts); err != nil {
			log.Fatal(err)
		}
	}
	if connectAll {
		for _, info := range mgr.List() {
			if _, err := mgr.Connect(ctx, info.Name); err != nil {
				logger.Warn("connect at startup", "robot", info.Name, "err", err)
			}
		}
	}

	srv := server.New(server.Config{
		ListenAddr:     listen,
		Manager:        mgr,
		Events:         ev,
		Health:         hs,
		HealthInterval: healthInterval,
		Logger:         logger,
	})
	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
	<-ctx.Done()
	srv.Stop()
}
