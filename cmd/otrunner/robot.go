package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	cliconfig "github.com/cyrilcaoyang/opentrons-workflows/internal/cli/config"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/transport"
)

var skipResolve = map[string]string{"skipResolve": "true"}

func newRobotCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "robot",
		Short:       "Manage robots in the config file",
		Annotations: skipResolve,
	}
	cmd.AddCommand(newRobotListCmd(root))
	cmd.AddCommand(newRobotAddCmd(root))
	cmd.AddCommand(newRobotUseCmd(root))
	cmd.AddCommand(newRobotRemoveCmd(root))
	cmd.AddCommand(newRobotPassphraseCmd(root))
	return cmd
}

func newRobotListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured robots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if root.jsonOut {
				return root.printJSON(cfg)
			}
			if len(cfg.Robots) == 0 {
				pterm.Info.Println("No robots configured. Add one with: otrunner robot add <name> --address <host>")
				return nil
			}
			data := pterm.TableData{{"", "NAME", "HOST", "USER", "KEY", "TYPE"}}
			for _, name := range cfg.Names() {
				r := cfg.Robots[name]
				current := ""
				if name == cfg.CurrentRobot {
					current = "*"
				}
				host := r.Host
				if r.Port != 0 && r.Port != transport.DefaultSSHPort {
					host += ":" + strconv.Itoa(r.Port)
				}
				data = append(data, []string{current, name, host, r.User, r.KeyFile, r.RobotType})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}

func newRobotAddCmd(root *rootOptions) *cobra.Command {
	r := &cliconfig.Robot{}
	var timeout float64
	var delayMs int
	var recovery string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace a robot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.Host == "" {
				return fmt.Errorf("--address is required")
			}
			if recovery != "" {
				if _, err := session.ParseRecovery(recovery); err != nil {
					return err
				}
				r.Recovery = recovery
			}
			if timeout > 0 {
				r.DefaultTimeoutSeconds = timeout
			}
			if cmd.Flags().Changed("delay-ms") {
				r.CommandDelayMs = &delayMs
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			cfg.SetRobot(args[0], r)
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			pterm.Success.Printf("Robot %s saved to %s\n", args[0], root.configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&r.Host, "address", "", "robot host name or IP")
	cmd.Flags().IntVar(&r.Port, "ssh-port", 0, "ssh port")
	cmd.Flags().StringVar(&r.User, "ssh-user", "", "ssh user")
	cmd.Flags().StringVar(&r.KeyFile, "key-file", "", "private key path")
	cmd.Flags().StringVar(&r.PasswordFile, "password-file", "", "file holding the key passphrase")
	cmd.Flags().StringVar(&r.KeyringService, "keyring-service", "", "keyring service holding the key passphrase")
	cmd.Flags().StringVar(&r.KnownHostsFile, "known-hosts", "", "verify the host key against this known_hosts file")
	cmd.Flags().StringVar(&r.RobotType, "type", "OT-2", "robot type")
	cmd.Flags().StringVar(&r.LabwareDir, "labware-dir", "", "local directory uploaded by 'otrunner upload'")
	cmd.Flags().BoolVar(&r.TrackExitStatus, "track-exit-status", false, "fail shell commands that exit non-zero")
	cmd.Flags().Float64Var(&timeout, "default-timeout", 0, "per-command timeout in seconds")
	cmd.Flags().IntVar(&delayMs, "delay-ms", 0, "delay between batch commands in milliseconds")
	cmd.Flags().StringVar(&recovery, "recovery-policy", "", "none|drain|interrupt|reconnect")
	return cmd
}

func newRobotUseCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Make a robot the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Use(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			pterm.Success.Printf("Current robot is %s\n", args[0])
			return nil
		},
	}
}

func newRobotRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a robot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if _, ok := cfg.Robots[args[0]]; !ok {
				return fmt.Errorf("%w: %s", cliconfig.ErrRobotNotFound, args[0])
			}
			delete(cfg.Robots, args[0])
			if cfg.CurrentRobot == args[0] {
				cfg.CurrentRobot = ""
			}
			return cfg.Save(root.configPath)
		},
	}
}

func newRobotPassphraseCmd(root *rootOptions) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "set-passphrase <name>",
		Short: "Store the robot's key passphrase in the system keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			r, _, err := cfg.Resolve(args[0])
			if err != nil {
				return err
			}
			if r.KeyringService == "" {
				r.KeyringService = cliconfig.DefaultKeyringService
			}
			keyFile := r.KeyFile
			if keyFile == "" {
				keyFile = cliconfig.DefaultKeyFile
			}
			store, err := transport.OpenKeyring(r.KeyringService)
			if err != nil {
				return err
			}
			if remove {
				return store.Remove(keyFile)
			}
			pass, err := transport.TerminalPrompt(os.Stdin, os.Stderr)(keyFile)
			if err != nil {
				return err
			}
			if err := store.Set(keyFile, pass); err != nil {
				return err
			}
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			pterm.Success.Printf("Passphrase for %s stored in keyring %q\n", keyFile, r.KeyringService)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "clear", false, "remove the stored passphrase instead")
	return cmd
}
