package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/canonical/pssh/hostpool"
)

func newSCPCmd() *cobra.Command {
	f := &commonFlags{}
	var recursive bool

	cmd := &cobra.Command{
		Use:   "scp local remote",
		Short: "Copy a local path to many hosts in parallel over scp",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote := args[0], args[1]

			build := func(t hostpool.Target, extraArgs []string) []string {
				argv := []string{"scp"}
				if recursive {
					argv = append(argv, "-r")
				}

				if t.Port != 0 {
					argv = append(argv, "-P", strconv.Itoa(t.Port))
				}

				argv = append(argv, extraArgs...)
				argv = append(argv, local, fmt.Sprintf("%s:%s", destination(t), remote))
				return argv
			}

			return runFan(f, build, variantSCP, nil)
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "copy directories recursively")
	addCommonFlags(cmd, f)
	return cmd
}
