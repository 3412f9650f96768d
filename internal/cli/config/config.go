package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models a kubeconfig-style file with named robots.
type Config struct {
	CurrentRobot string            `yaml:"currentRobot"`
	Robots       map[string]*Robot `yaml:"robots"`

	// Daemon is the otrunnerd address clients talk to.
	Daemon     string `yaml:"daemon,omitempty"`
	JournalDir string `yaml:"journalDir,omitempty"`
	NATS       *NATS  `yaml:"nats,omitempty"`
}

// Robot encodes connection details and batch defaults for one robot.
type Robot struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port,omitempty"`
	User           string `yaml:"user,omitempty"`
	KeyFile        string `yaml:"keyFile,omitempty"`
	PasswordFile   string `yaml:"passwordFile,omitempty"`
	KeyringService string `yaml:"keyringService,omitempty"`
	KnownHostsFile string `yaml:"knownHostsFile,omitempty"`
	RobotType      string `yaml:"robotType,omitempty"`

	DefaultTimeoutSeconds float64 `yaml:"defaultTimeoutSeconds,omitempty"`
	CommandDelayMs        *int    `yaml:"commandDelayMs,omitempty"`
	StopOnError           *bool   `yaml:"stopOnError,omitempty"`
	ShowProgress          *bool   `yaml:"showProgress,omitempty"`
	Recovery              string  `yaml:"recovery,omitempty"`
	TrackExitStatus       bool    `yaml:"trackExitStatus,omitempty"`
	LabwareDir            string  `yaml:"labwareDir,omitempty"`
}

// NATS enables the JetStream mirror of batch progress in otrunnerd.
type NATS struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Stream   string `yaml:"stream,omitempty"`
}

// ErrRobotNotFound indicates the requested robot is missing.
var ErrRobotNotFound = errors.New("robot not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve picks a robot either by explicit name or the currentRobot value.
func (c *Config) Resolve(name string) (*Robot, string, error) {
	if c == nil {
		return nil, "", nil
	}
	robotName := strings.TrimSpace(name)
	if robotName == "" {
		robotName = c.CurrentRobot
	}
	if robotName == "" {
		return nil, "", nil
	}
	r, ok := c.Robots[robotName]
	if !ok {
		return nil, robotName, fmt.Errorf("%w: %s", ErrRobotNotFound, robotName)
	}
	return r, robotName, nil
}

// SetRobot adds or replaces a robot. The first robot becomes current.
func (c *Config) SetRobot(name string, r *Robot) {
	if c.Robots == nil {
		c.Robots = make(map[string]*Robot)
	}
	c.Robots[name] = r
	if c.CurrentRobot == "" {
		c.CurrentRobot = name
	}
}

// Use makes name the current robot.
func (c *Config) Use(name string) error {
	if _, ok := c.Robots[name]; !ok {
		return fmt.Errorf("%w: %s", ErrRobotNotFound, name)
	}
	c.CurrentRobot = name
	return nil
}

// Names returns the robot names in order.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Robots))
	for name := range c.Robots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
