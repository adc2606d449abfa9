package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/canonical/pssh/hostpool"
)

func newSSHCmd() *cobra.Command {
	f := &commonFlags{}

	cmd := &cobra.Command{
		Use:   "ssh -- command [args...]",
		Short: "Run a command on many hosts in parallel over ssh",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			build := func(t hostpool.Target, extraArgs []string) []string {
				argv := []string{"ssh"}
				argv = append(argv, extraArgs...)
				argv = append(argv, sshConnArgs(t)...)
				argv = append(argv, args...)
				return argv
			}

			return runFan(f, build, variantSSH, nil)
		},
	}

	addCommonFlags(cmd, f)
	return cmd
}

// sshConnArgs renders the -p/user@host portion of the ssh argv.
func sshConnArgs(t hostpool.Target) []string {
	var argv []string
	if t.Port != 0 {
		argv = append(argv, "-p", strconv.Itoa(t.Port))
	}

	argv = append(argv, destination(t))
	return argv
}

func destination(t hostpool.Target) string {
	if t.User == "" {
		return t.Host
	}

	return fmt.Sprintf("%s@%s", t.User, t.Host)
}
