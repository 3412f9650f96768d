package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	cliconfig "github.com/cyrilcaoyang/opentrons-workflows/internal/cli/config"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/journal"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/robots"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport"
)

func main() {
	var (
		configPath string
		flags      cliconfig.Flags
		local      bool
		startMode  string
		journalDir string
		logFile    string
	)
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nInteractive console for one robot.\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	defaultConfig := os.Getenv("OTRUNNER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	flag.StringVar(&configPath, "config", defaultConfig, "path to otrunner config file")
	flag.StringVar(&flags.Robot, "robot", "", "robot name within the config (overrides currentRobot)")
	flag.StringVar(&flags.Host, "host", "", "robot address (overrides config and OTRUNNER_HOST)")
	flag.IntVar(&flags.Port, "port", 0, "ssh port (default 22)")
	flag.StringVar(&flags.User, "user", "", "ssh user (default root)")
	flag.StringVar(&flags.KeyFile, "key", "", "private key path (default ~/.ssh/ot2_ssh_key)")
	flag.DurationVar(&flags.Timeout, "timeout", 0, "per-command timeout; defaults to config or 120s")
	flag.StringVar(&flags.Recovery, "recovery", "", "after a timeout: none|drain|interrupt|reconnect")
	flag.BoolVar(&local, "local", false, "use a local shell on a pty instead of a robot")
	flag.StringVar(&startMode, "mode", "shell", "initial mode: shell|interpreter")
	flag.StringVar(&journalDir, "journal-dir", "", "journal directory (default from config or ~/.otrunner/journal)")
	flag.StringVar(&logFile, "log-file", "", "write debug logs to this file")
	flag.Parse()

	logger, closeLog, err := openLogger(logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log:", err)
		os.Exit(1)
	}
	defer closeLog()

	mode, err := session.ParseMode(startMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	name, cfg, cfgJournal, err := resolve(configPath, flags, local, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve:", err)
		os.Exit(1)
	}
	if journalDir == "" {
		journalDir = cfgJournal
	}
	jr, err := journal.New(journalDir, journal.WithCompression(true))
	if err != nil {
		fmt.Fprintln(os.Stderr, "journal:", err)
		os.Exit(1)
	}
	defer jr.Close()

	mgr := robots.NewManager(robots.Options{Logger: logger, Journal: jr})
	defer mgr.Close()
	if err := mgr.Register(name, cfg, batch.DefaultOptions()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, session.DefaultConnectTimeout+10*time.Second)
	st, err := mgr.Connect(connectCtx, name)
	if err == nil && mode != st.Mode {
		st, err = mgr.SwitchMode(connectCtx, name, mode)
	}
	connectCancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}

	m := newModel(ctx, mgr, name, st)
	m.append(fmt.Sprintf("[connected] %s session %s in %s mode\n", name, st.ID, st.Mode))
	m.append(helpText)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolve returns the robot name, session config and journal directory.
func resolve(configPath string, flags cliconfig.Flags, local bool, logger *slog.Logger) (string, session.Config, string, error) {
	jdir := cliconfig.DefaultJournalDir()
	if cfg, err := cliconfig.Load(configPath); err == nil && cfg != nil && cfg.JournalDir != "" {
		jdir = cfg.JournalDir
	}
	if local {
		timeout := flags.Timeout
		if timeout <= 0 {
			timeout = session.DefaultTimeout
		}
		return "local", session.Config{
			Host:           "localhost",
			Opener:         transport.PTYOpener{},
			DefaultTimeout: timeout,
			Logger:         logger,
		}, jdir, nil
	}
	conn, err := cliconfig.ResolveConnection(configPath, flags)
	if err != nil {
		return "", session.Config{}, "", err
	}
	creds := conn.Credentials(rememberPrompt(transport.TerminalPrompt(os.Stdin, os.Stderr)))
	opener := transport.SSHOpener{Config: conn.SSHConfig(creds, logger)}
	return conn.Name, conn.SessionConfig(opener, logger), jdir, nil
}

// rememberPrompt asks once. Reconnects after the console has taken over the
// terminal reuse the first answer.
func rememberPrompt(prompt func(string) (string, error)) func(string) (string, error) {
	var (
		mu     sync.Mutex
		answer string
	)
	return func(keyFile string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if answer != "" {
			return answer, nil
		}
		v, err := prompt(keyFile)
		if err != nil {
			return "", err
		}
		answer = v
		return v, nil
	}
}

func openLogger(path string) (*slog.Logger, func(), error) {
	if strings.TrimSpace(path) == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { _ = f.Close() }, nil
}
