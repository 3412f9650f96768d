package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cliconfig "github.com/cyrilcaoyang/opentrons-workflows/internal/cli/config"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/journal"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/robots"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport"
)

type rootOptions struct {
	configPath string
	flags      cliconfig.Flags
	jsonOut    bool
	verbose    bool

	conn   *cliconfig.Connection
	logger *slog.Logger
}

func (r *rootOptions) prepare() error {
	level := slog.LevelWarn
	if r.verbose {
		level = slog.LevelDebug
	}
	r.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	conn, err := cliconfig.ResolveConnection(r.configPath, r.flags)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// loadConfig returns the config file, or an empty config when it is missing.
func (r *rootOptions) loadConfig() (*cliconfig.Config, error) {
	if r.conn != nil && r.conn.Config != nil {
		return r.conn.Config, nil
	}
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	return cfg, nil
}

func (r *rootOptions) journalDir() string {
	if cfg, err := r.loadConfig(); err == nil && cfg.JournalDir != "" {
		return cfg.JournalDir
	}
	return cliconfig.DefaultJournalDir()
}

func (r *rootOptions) sshConfig() transport.SSHConfig {
	creds := r.conn.Credentials(transport.TerminalPrompt(os.Stdin, os.Stderr))
	return r.conn.SSHConfig(creds, r.logger)
}

// connect opens a manager holding just the resolved robot, connected.
func (r *rootOptions) connect(ctx context.Context) (*robots.Manager, func(), error) {
	jr, err := journal.New(r.journalDir(), journal.WithCompression(true))
	if err != nil {
		return nil, nil, err
	}
	mgr := robots.NewManager(robots.Options{Logger: r.logger, Journal: jr})
	cleanup := func() {
		_ = mgr.Close()
		_ = jr.Close()
	}
	opener := transport.SSHOpener{Config: r.sshConfig()}
	if err := mgr.Register(r.conn.Name, r.conn.SessionConfig(opener, r.logger), r.conn.BatchOptions()); err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := mgr.Connect(ctx, r.conn.Name); err != nil {
		cleanup()
		return nil, nil, err
	}
	return mgr, cleanup, nil
}

func (r *rootOptions) printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "otrunner",
		Short:         "Drive Opentrons robots over an interactive SSH session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("OTRUNNER_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", defaultConfig, "path to otrunner config file (default $HOME/.otrunner/config)")
	pf.StringVar(&opts.flags.Robot, "robot", "", "robot name within the config (overrides currentRobot)")
	pf.StringVar(&opts.flags.Host, "host", "", "robot address (overrides config and OTRUNNER_HOST)")
	pf.IntVar(&opts.flags.Port, "port", 0, "ssh port (default 22)")
	pf.StringVar(&opts.flags.User, "user", "", "ssh user (default root)")
	pf.StringVar(&opts.flags.KeyFile, "key", "", "private key path (default ~/.ssh/ot2_ssh_key)")
	pf.StringVar(&opts.flags.Passphrase, "passphrase", "", "private key passphrase (prefer the keyring or password file)")
	pf.DurationVar(&opts.flags.Timeout, "timeout", 0, "per-command timeout; defaults to config or 120s")
	pf.StringVar(&opts.flags.Recovery, "recovery", "", "after a timeout: none|drain|interrupt|reconnect")
	pf.BoolVar(&opts.jsonOut, "json", false, "print machine readable JSON")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// robot and remote subcommands work without a resolvable robot
		for c := cmd; c != nil; c = c.Parent() {
			if c.Annotations["skipResolve"] == "true" {
				opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
				return nil
			}
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newRobotCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newCodeCmd(opts))
	rootCmd.AddCommand(newPingCmd(opts))
	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newUploadCmd(opts))
	rootCmd.AddCommand(newJournalCmd(opts))
	rootCmd.AddCommand(newRemoteCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}
