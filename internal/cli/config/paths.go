package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigDir is $OTRUNNER_HOME, or ~/.otrunner.
func DefaultConfigDir() string {
	if v := os.Getenv("OTRUNNER_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".otrunner")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}

// DefaultJournalDir holds one directory of journalled results per session.
func DefaultJournalDir() string {
	return filepath.Join(DefaultConfigDir(), "journal")
}
