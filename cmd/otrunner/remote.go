package main

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/server"
)

type remoteOptions struct {
	addr string
}

func (o *remoteOptions) dial(ctx context.Context, root *rootOptions) (*server.Client, func(), error) {
	addr := o.addr
	if addr == "" {
		if cfg, err := root.loadConfig(); err == nil && cfg.Daemon != "" {
			addr = cfg.Daemon
		}
	}
	if addr == "" {
		addr = server.DefaultListenAddr
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, conn, err := server.Dial(dialCtx, addr)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = conn.Close() }, nil
}

func newRemoteCmd(root *rootOptions) *cobra.Command {
	opts := &remoteOptions{}
	cmd := &cobra.Command{
		Use:         "remote",
		Short:       "Talk to robots through a running otrunnerd",
		Annotations: skipResolve,
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "daemon", "", "otrunnerd address (default config daemon or "+server.DefaultListenAddr+")")

	cmd.AddCommand(&cobra.Command{
		Use:   "robots",
		Short: "List the daemon's robots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, done, err := opts.dial(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer done()
			infos, err := client.ListRobots(cmd.Context())
			if err != nil {
				return err
			}
			if root.jsonOut {
				return root.printJSON(infos)
			}
			data := pterm.TableData{{"NAME", "HOST", "CONNECTED", "MODE", "COMMANDS"}}
			for _, info := range infos {
				data = append(data, []string{
					info.Name,
					info.Host,
					pterm.Sprint(info.Status.Connected),
					info.Status.Mode.String(),
					pterm.Sprint(info.Status.Commands),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "connect <robot>",
		Short: "Have the daemon open a session to a robot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, done, err := opts.dial(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer done()
			st, err := client.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if root.jsonOut {
				return root.printJSON(st)
			}
			pterm.Success.Printfln("%s connected (session %s, %s)", args[0], st.ID, st.Mode)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "exec <robot> <batch.yaml>",
		Short: "Run a batch file through the daemon, following its progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := batch.LoadFile(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			client, done, err := opts.dial(ctx, root)
			if err != nil {
				return err
			}
			defer done()

			id := uuid.NewString()
			watchCtx, stopWatch := context.WithCancel(ctx)
			defer stopWatch()
			watched := make(chan struct{})
			if !root.jsonOut {
				w, err := client.WatchBatch(watchCtx, args[0], id)
				if err != nil {
					return err
				}
				go func() {
					defer close(watched)
					render := &progressRenderer{}
					for {
						ev, err := w.Recv()
						if err != nil {
							return
						}
						render.Notify(ev)
					}
				}()
			} else {
				close(watched)
			}

			rep, err := client.ExecuteBatch(ctx, args[0], id, *f)
			if rep == nil {
				return err
			}
			select {
			case <-watched:
			case <-time.After(2 * time.Second):
				stopWatch()
			}
			if err != nil {
				// an aborted batch still reports what ran before the failure
				if root.jsonOut {
					_ = root.printJSON(rep)
				} else {
					_ = printReport(rep)
				}
				return err
			}
			if root.jsonOut {
				return root.printJSON(rep)
			}
			if !rep.OK() {
				return errors.New("batch failed")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "watch <robot> [batch-id]",
		Short: "Follow batch progress on the daemon",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, done, err := opts.dial(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer done()
			batchID := ""
			if len(args) > 1 {
				batchID = args[1]
			}
			w, err := client.WatchBatch(cmd.Context(), args[0], batchID)
			if err != nil {
				return err
			}
			render := &progressRenderer{}
			for {
				ev, err := w.Recv()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if root.jsonOut {
					if err := root.printJSON(ev); err != nil {
						return err
					}
					continue
				}
				render.Notify(ev)
			}
		},
	})
	return cmd
}
