package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/canonical/pssh/hostpool"
)

func newRsyncCmd() *cobra.Command {
	f := &commonFlags{}
	var rsyncArgs []string

	cmd := &cobra.Command{
		Use:   "rsync local remote",
		Short: "Rsync a local path to many hosts in parallel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]

			build := func(t hostpool.Target, extraArgs []string) []string {
				argv := []string{"rsync"}
				argv = append(argv, rsyncArgs...)

				sshCmd := "ssh"
				if t.Port != 0 {
					sshCmd = fmt.Sprintf("ssh -p %d", t.Port)
				}

				argv = append(argv, "-e", sshCmd)
				argv = append(argv, extraArgs...)
				argv = append(argv, local, fmt.Sprintf("%s:%s", destination(t), remote))
				return argv
			}

			return runFan(f, build, variantRsync, nil)
		},
	}

	cmd.Flags().StringArrayVarP(&rsyncArgs, "rsync-args", "a", nil, "extra rsync arguments")
	addCommonFlags(cmd, f)
	return cmd
}
