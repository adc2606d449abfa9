// Command pssh fans a command, file copy, or rsync invocation out to many
// SSH hosts in parallel, under a bounded concurrency cap.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/canonical/pssh/shared/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pssh",
		Short:         "Run commands, copy files, or rsync to many SSH hosts in parallel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newSSHCmd(), newSCPCmd(), newRsyncCmd())

	return root
}

func addCommonFlags(cmd *cobra.Command, f *commonFlags) {
	flags := cmd.Flags()
	flags.StringArrayVarP(&f.hostFiles, "hosts", "h", nil, "host file, one target per line (repeatable)")
	flags.StringArrayVarP(&f.hostStrs, "host", "H", nil, "a single user@host[:port] target (repeatable)")
	flags.StringVarP(&f.user, "user", "l", "root", "default remote user")
	flags.IntVarP(&f.par, "par", "p", 0, "max number of concurrent connections (default 32, or $PSSH_PAR)")
	flags.IntVarP(&f.timeout, "timeout", "t", 0, "per-host timeout in seconds, 0 disables (or $PSSH_TIMEOUT)")
	flags.StringVarP(&f.outdir, "outdir", "o", "", "directory to write per-host stdout")
	flags.StringVarP(&f.errdir, "errdir", "e", "", "directory to write per-host stderr")
	flags.StringArrayVarP(&f.extraArgs, "extra-args", "x", nil, "extra arguments passed to ssh/scp/rsync")
	flags.StringArrayVarP(&f.extraArgs, "extra-arg", "X", nil, "a single extra ssh/scp/rsync argument (repeatable)")
	flags.BoolVarP(&f.askpass, "askpass", "A", false, "prompt once and relay the password to every host")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "verbose logging")
	flags.BoolVar(&f.summary, "summary", true, "print the final pass/fail summary")
	flags.BoolVar(&f.progress, "progress", false, "render a progress bar instead of per-task lines")
	flags.BoolVarP(&f.inline, "inline", "i", false, "buffer output instead of streaming it")
	flags.BoolVarP(&f.printOut, "print-out", "P", false, "stream child output to the terminal as it arrives")
	flags.IntVar(&f.testCases, "test-cases", 0, "run this many hosts first and ask before continuing")
	flags.StringVar(&f.forkHosts, "fork-hosts", "", "write <prefix>.passed.lst / <prefix>.failed.lst")
	flags.StringVar(&f.hostRegexp, "host-regexp", "", "only run against hosts matching this regexp")
	flags.IntVar(&f.sampleSize, "sample-size", 0, "randomly sample this many hosts from the pool")
	flags.StringVar(&f.sqliteDB, "sqlite-db", "", "export finished tasks to this SQLite database")
	flags.StringVar(&f.jsonlPath, "export-jsonl", "", "export finished tasks as JSON-lines to this file")
	flags.BoolVar(&f.logJSON, "log-json", false, "emit structured logs as JSON")
}

func configureLogging(f *commonFlags) {
	logger.Configure(os.Stderr, f.verbose, f.logJSON)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatalf("%s", err)
	}
}
