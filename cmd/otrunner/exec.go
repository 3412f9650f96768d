package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/robots"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

func newExecCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <batch.yaml>",
		Short: "Run a batch file on the robot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := batch.LoadFile(args[0])
			if err != nil {
				return err
			}
			return root.runBatch(cmd, *f)
		},
	}
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var mode string
	var keepGoing bool
	cmd := &cobra.Command{
		Use:   "run [flags] -- <command>...",
		Short: "Run each argument as one command in the shell or the interpreter",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := session.ParseMode(mode)
			if err != nil {
				return err
			}
			f := batch.File{Mode: m}
			for _, arg := range args {
				f.Commands = append(f.Commands, batch.Step{Label: arg, Command: arg})
			}
			if keepGoing {
				stop := false
				f.StopOnError = &stop
			}
			return root.runBatch(cmd, f)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "interpreter", "shell|interpreter")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue after a failed command")
	return cmd
}

func (r *rootOptions) runBatch(cmd *cobra.Command, f batch.File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	ctx := cmd.Context()
	mgr, cleanup, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	req := robots.BatchRequest{File: f}
	if !r.jsonOut && f.Options(r.conn.BatchOptions()).ShowProgress {
		req.Observer = &progressRenderer{}
	}
	rep, err := mgr.Execute(ctx, r.conn.Name, req)
	if rep != nil {
		if r.jsonOut {
			if perr := r.printJSON(rep); perr != nil {
				return perr
			}
		} else if perr := printReport(rep); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !rep.OK() {
		return fmt.Errorf("batch failed: %d/%d commands succeeded", rep.Succeeded(), rep.Total)
	}
	return nil
}

func newCodeCmd(root *rootOptions) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "code <file.py|->",
		Short: "Send a multi-line code block to the interpreter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, cleanup, err := root.connect(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			res, err := mgr.SendCodeBlock(ctx, root.conn.Name, code, batch.BlockOptions{Label: label, Timeout: root.flags.Timeout})
			if err != nil && !errors.Is(err, batch.ErrInvalidBlock) {
				return err
			}
			if root.jsonOut {
				if perr := root.printJSON(res); perr != nil {
					return perr
				}
			} else {
				printResult(res)
			}
			if err != nil {
				return err
			}
			if !res.Success {
				return errors.New("code block failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label for the result (default \"Code block\")")
	return cmd
}

func readSource(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func newPingCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the robot answers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			mgr, cleanup, err := root.connect(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := mgr.Ping(ctx, root.conn.Name); err != nil {
				return err
			}
			pterm.Success.Printfln("%s (%s) is responding", root.conn.Name, root.conn.Robot.Host)
			return nil
		},
	}
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect and report the session state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			mgr, cleanup, err := root.connect(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			st, err := mgr.Status(root.conn.Name)
			if err != nil {
				return err
			}
			if root.jsonOut {
				return root.printJSON(st)
			}
			pterm.DefaultBox.WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint(root.conn.Name)).Println(strings.Join([]string{
				"Host:      " + root.conn.Robot.Host,
				"Session:   " + st.ID,
				"Connected: " + fmt.Sprint(st.Connected),
				"Mode:      " + st.Mode.String(),
				"Recovery:  " + root.conn.Recovery.String(),
			}, "\n"))
			return nil
		},
	}
}
