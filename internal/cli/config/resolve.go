package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport"
)

const (
	DefaultUser           = "root"
	DefaultKeyFile        = "~/.ssh/ot2_ssh_key"
	DefaultKeyringService = "otrunner"
)

// Flags are the per-invocation overrides a command line can set.
type Flags struct {
	Robot      string
	Host       string
	Port       int
	User       string
	KeyFile    string
	Passphrase string
	Timeout    time.Duration
	Recovery   string
}

type Connection struct {
	Name       string
	ConfigPath string
	Config     *Config
	// Robot holds the merged settings; it is never nil.
	Robot      *Robot
	Passphrase string
	Timeout    time.Duration
	Recovery   session.Recovery
}

// ResolveConnection mirrors the usual precedence:
// 1) flags
// 2) the named or current robot in the config file
// 3) environment (OTRUNNER_HOST, OTRUNNER_USER, OTRUNNER_KEY)
// 4) defaults (port 22, user root, ~/.ssh/ot2_ssh_key, 120s)
func ResolveConnection(configPath string, flags Flags) (*Connection, error) {
	conn := &Connection{ConfigPath: configPath, Name: flags.Robot, Passphrase: flags.Passphrase}

	var fromConfig *Robot
	if configPath != "" {
		cfg, err := Load(configPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
		r, name, err := cfg.Resolve(flags.Robot)
		if err != nil {
			return nil, err
		}
		fromConfig = r
		if name != "" {
			conn.Name = name
		}
	}

	merged := Robot{}
	if fromConfig != nil {
		merged = *fromConfig
	}
	merged.Host = first(flags.Host, merged.Host, os.Getenv("OTRUNNER_HOST"))
	merged.User = first(flags.User, merged.User, os.Getenv("OTRUNNER_USER"), DefaultUser)
	merged.KeyFile = first(flags.KeyFile, merged.KeyFile, os.Getenv("OTRUNNER_KEY"), DefaultKeyFile)
	merged.PasswordFile = first(merged.PasswordFile, transport.DefaultPasswordFile)
	if flags.Port > 0 {
		merged.Port = flags.Port
	}
	if merged.Port == 0 {
		merged.Port = transport.DefaultSSHPort
	}
	if flags.Recovery != "" {
		merged.Recovery = flags.Recovery
	}
	conn.Robot = &merged

	switch {
	case flags.Timeout > 0:
		conn.Timeout = flags.Timeout
	case merged.DefaultTimeoutSeconds > 0:
		conn.Timeout = time.Duration(merged.DefaultTimeoutSeconds * float64(time.Second))
	default:
		conn.Timeout = session.DefaultTimeout
	}

	if merged.Recovery != "" {
		rec, err := session.ParseRecovery(merged.Recovery)
		if err != nil {
			return nil, err
		}
		conn.Recovery = rec
	}

	if merged.Host == "" {
		return nil, fmt.Errorf("robot host is required (use --host, a robot in %s, or OTRUNNER_HOST)", configPath)
	}
	if conn.Name == "" {
		conn.Name = merged.Host
	}
	return conn, nil
}

// Credentials builds the passphrase lookup chain for the robot's key. Keyring
// entries are keyed by the key file path as written in the config. The
// keyring is skipped when it cannot be opened.
func (c *Connection) Credentials(prompt func(string) (string, error)) transport.Credentials {
	creds := transport.Credentials{
		Passphrase:   c.Passphrase,
		StoreKey:     c.Robot.KeyFile,
		PasswordFile: c.Robot.PasswordFile,
		Prompt:       prompt,
	}
	if c.Robot.KeyringService != "" {
		if store, err := transport.OpenKeyring(c.Robot.KeyringService); err == nil {
			creds.Store = store
		}
	}
	return creds
}

func (c *Connection) SSHConfig(creds transport.Credentials, logger *slog.Logger) transport.SSHConfig {
	return transport.SSHConfig{
		Host:           c.Robot.Host,
		Port:           c.Robot.Port,
		User:           c.Robot.User,
		KeyFile:        c.Robot.KeyFile,
		Credentials:    creds,
		KnownHostsFile: c.Robot.KnownHostsFile,
		Logger:         logger,
	}
}

// SessionConfig configures a session over opener with the robot's settings.
func (c *Connection) SessionConfig(opener transport.Opener, logger *slog.Logger) session.Config {
	return session.Config{
		Host:            c.Robot.Host,
		Opener:          opener,
		DefaultTimeout:  c.Timeout,
		Recovery:        c.Recovery,
		TrackExitStatus: c.Robot.TrackExitStatus,
		Logger:          logger,
	}
}

// BatchOptions applies the robot's defaults on top of batch.DefaultOptions.
func (c *Connection) BatchOptions() batch.Options {
	opts := batch.DefaultOptions()
	if c.Robot.CommandDelayMs != nil {
		opts.Delay = time.Duration(*c.Robot.CommandDelayMs) * time.Millisecond
	}
	if c.Robot.StopOnError != nil {
		opts.StopOnError = *c.Robot.StopOnError
	}
	if c.Robot.ShowProgress != nil {
		opts.ShowProgress = *c.Robot.ShowProgress
	}
	return opts
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
