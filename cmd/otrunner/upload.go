package main

import (
	"errors"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport"
)

const defaultRemoteLabwareDir = "/tmp/otrunner_labware"

func newUploadCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload [local-dir] [remote-dir]",
		Short: "Copy a directory of labware definitions to the robot over SFTP",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := root.conn.Robot.LabwareDir
			remote := defaultRemoteLabwareDir
			if len(args) > 0 {
				local = args[0]
			}
			if len(args) > 1 {
				remote = args[1]
			}
			if local == "" {
				return errors.New("no local directory given and the robot has no labwareDir")
			}
			client, err := transport.Dial(cmd.Context(), root.sshConfig())
			if err != nil {
				return err
			}
			defer client.Close()
			n, err := client.UploadDir(local, remote)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Uploaded %d files from %s to %s:%s", n, local, root.conn.Robot.Host, remote)
			return nil
		},
	}
	return cmd
}
