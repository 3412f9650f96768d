package events

import (
	"log/slog"
	"time"
)

// Options configure the store.
type Options struct {
	Logger    *slog.Logger
	JetStream *JetStreamOptions
}

// JetStreamOptions describe how to persist batch progress in NATS JetStream.
type JetStreamOptions struct {
	URL        string
	User       string
	Password   string
	Prefix     string
	Stream     string
	MaxBytes   int64
	MaxAge     time.Duration
	DupeWindow time.Duration
}

func (o *JetStreamOptions) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "otrunner"
	}
	if o.Stream == "" {
		o.Stream = "otrunner_batches"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1024 * 1024 * 1024 // 1GB
	}
	if o.MaxAge == 0 {
		o.MaxAge = 30 * 24 * time.Hour
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}
