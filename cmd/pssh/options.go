package main

import (
	"os"
	"strconv"
	"time"

	"github.com/canonical/pssh/hostpool"
	"github.com/canonical/pssh/manager"
)

// commonFlags holds the flag values shared by the ssh/scp/rsync
// subcommands, matching psshlib/cli.py's common option group per
// SPEC_FULL.md §10.
type commonFlags struct {
	hostFiles  []string
	hostStrs   []string
	user       string
	par        int
	timeout    int
	outdir     string
	errdir     string
	extraArgs  []string
	askpass    bool
	verbose    bool
	summary    bool
	progress   bool
	inline     bool
	printOut   bool
	testCases  int
	forkHosts  string
	hostRegexp string
	sampleSize int
	sqliteDB   string
	jsonlPath  string
	logJSON    bool
}

// resolvePar applies the PSSH_PAR environment override when the flag was
// left at its zero value, per SPEC_FULL.md §8.
func (f *commonFlags) resolvePar() int {
	if f.par != 0 {
		return f.par
	}

	if v, ok := os.LookupEnv("PSSH_PAR"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}

	return 32
}

// resolveTimeout applies the PSSH_TIMEOUT environment override, returning
// 0 (disabled) when neither is set, per spec.md §6's "0 disables timeout".
func (f *commonFlags) resolveTimeout() time.Duration {
	secs := f.timeout
	if secs == 0 {
		if v, ok := os.LookupEnv("PSSH_TIMEOUT"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				secs = n
			}
		}
	}

	if secs <= 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

func (f *commonFlags) hostpoolOptions() hostpool.Options {
	return hostpool.Options{
		HostFiles:   f.hostFiles,
		HostStrings: f.hostStrs,
		DefaultUser: f.user,
		DefaultPort: 22,
		Regexp:      f.hostRegexp,
		SampleSize:  f.sampleSize,
	}
}

func (f *commonFlags) managerConfig() manager.Config {
	return manager.Config{
		Par:         f.resolvePar(),
		Timeout:     f.resolveTimeout(),
		Outdir:      f.outdir,
		Errdir:      f.errdir,
		Askpass:     f.askpass,
		Verbose:     f.verbose,
		Summary:     f.summary,
		ProgressBar: f.progress,
		Inline:      f.inline,
		PrintOut:    f.printOut,
		TestCases:   f.testCases,
		ForkHosts:   f.forkHosts,
		Out:         os.Stdout,
		In:          os.Stdin,
	}
}
