package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

// File is a batch definition on disk:
//
//	name: prime-pipettes
//	mode: interpreter
//	delayMs: 200
//	stopOnError: true
//	timeoutSeconds: 120
//	commands:
//	  - label: Import API
//	    command: import opentrons.execute
//	  - label: Helpers
//	    code: |
//	      def mix(pipette, well):
//	          ...
type File struct {
	Name           string       `yaml:"name,omitempty" json:"name,omitempty"`
	Mode           session.Mode `yaml:"mode" json:"mode"`
	DelayMs        *int         `yaml:"delayMs,omitempty" json:"delayMs,omitempty"`
	StopOnError    *bool        `yaml:"stopOnError,omitempty" json:"stopOnError,omitempty"`
	ShowProgress   *bool        `yaml:"showProgress,omitempty" json:"showProgress,omitempty"`
	TimeoutSeconds float64      `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	Commands       []Step       `yaml:"commands" json:"commands"`
}

// Step is one command or code block of a File.
type Step struct {
	Label   string `yaml:"label,omitempty" json:"label,omitempty"`
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
	Code    string `yaml:"code,omitempty" json:"code,omitempty"`
}

// LoadFile reads and validates a batch definition. Mode defaults to the
// interpreter when the file does not name one.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(data)
}

func ParseFile(data []byte) (*File, error) {
	f := File{Mode: session.Interpreter}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that every step names exactly one command or code block.
func (f *File) Validate() error {
	if len(f.Commands) == 0 {
		return errors.New("batch file has no commands")
	}
	for i, step := range f.Commands {
		switch {
		case step.Command == "" && step.Code == "":
			return fmt.Errorf("command %d: command or code is required", i+1)
		case step.Command != "" && step.Code != "":
			return fmt.Errorf("command %d: set command or code, not both", i+1)
		case step.Code != "" && f.Mode != session.Interpreter:
			return fmt.Errorf("command %d: code blocks need interpreter mode", i+1)
		}
	}
	return nil
}

// BatchCommands converts the steps, labelling unlabelled ones by position.
func (f *File) BatchCommands() []Command {
	cmds := make([]Command, 0, len(f.Commands))
	for i, step := range f.Commands {
		cmd := Command{Label: step.Label, Text: step.Command}
		if step.Code != "" {
			cmd.Text, cmd.Block = step.Code, true
		}
		if cmd.Label == "" {
			cmd.Label = fmt.Sprintf("Step %d", i+1)
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

// Options overlays the file's settings on base.
func (f *File) Options(base Options) Options {
	if f.DelayMs != nil {
		base.Delay = time.Duration(*f.DelayMs) * time.Millisecond
	}
	if f.StopOnError != nil {
		base.StopOnError = *f.StopOnError
	}
	if f.ShowProgress != nil {
		base.ShowProgress = *f.ShowProgress
	}
	if f.TimeoutSeconds > 0 {
		base.Timeout = time.Duration(f.TimeoutSeconds * float64(time.Second))
	}
	return base
}

// Run executes the file's commands in its mode.
func (f *File) Run(ctx context.Context, run Runner, base Options) (*Report, error) {
	return executeIn(ctx, run, f.Mode, f.BatchCommands(), f.Options(base))
}
