package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/journal"
)

func newJournalCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "journal",
		Short:       "Inspect results journalled by earlier sessions",
		Annotations: skipResolve,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List journalled sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := journal.New(root.journalDir())
			if err != nil {
				return err
			}
			defer st.Close()
			metas, err := st.List()
			if err != nil {
				return err
			}
			if root.jsonOut {
				return root.printJSON(metas)
			}
			data := pterm.TableData{{"SESSION", "ROBOT", "HOST", "CREATED"}}
			for _, m := range metas {
				data = append(data, []string{m.ID, m.Robot, m.Host, m.CreatedAt.Local().Format(time.DateTime)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	})
	var after int64
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the results of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := journal.New(root.journalDir())
			if err != nil {
				return err
			}
			defer st.Close()
			var entries []journal.Entry
			if err := st.Replay(args[0], after, func(e journal.Entry) error {
				entries = append(entries, e)
				return nil
			}); err != nil {
				return err
			}
			if root.jsonOut {
				return root.printJSON(entries)
			}
			for _, e := range entries {
				pterm.FgGray.Println(fmt.Sprintf("#%d %s batch=%s", e.Seq, e.Time.Local().Format(time.DateTime), e.BatchID))
				printResult(e.Result)
			}
			return nil
		},
	}
	show.Flags().Int64Var(&after, "after", 0, "skip entries up to this sequence number")
	cmd.AddCommand(show)
	return cmd
}
