// Package hostpool resolves host files and host strings into an ordered,
// optionally filtered and sampled pool of scheduling targets.
//
// Grounded on psshlib/hosts.py's ServerPool and the host-line parsing
// conventions implied by psshlib/cli.py's -h/-H flags, since the original
// psshutil.read_host_files/parse_host_string helpers were not present in
// the retrieved source.
package hostpool

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fvbommel/sortorder"
)

// Target is one resolved (host, port, user) triple, spec.md §3's
// "ServerPool ... ordered sequence of (host, port, user) triples".
type Target struct {
	Host string
	Port int
	User string
}

// DisplayName renders a user@host:port label for logs and streamed output,
// omitting parts that equal the defaults (user "root", port 22).
func (t Target) DisplayName() string {
	name := t.Host
	if t.User != "" && t.User != "root" {
		name = t.User + "@" + name
	}

	if t.Port != 0 && t.Port != 22 {
		name = fmt.Sprintf("%s:%d", name, t.Port)
	}

	return name
}

// Pool is an ordered, immutable-once-built sequence of Targets, spec.md
// §3's ServerPool.
type Pool []Target

// Options configures pool construction, mirroring the subset of
// spec.md §6's options snapshot relevant to host resolution.
type Options struct {
	HostFiles   []string
	HostStrings []string
	DefaultUser string
	DefaultPort int
	Regexp      string
	SampleSize  int
}

// Build resolves Options into a Pool, applying host-file parsing, inline
// host strings, regexp filtering, and random sampling in that order, per
// psshlib/hosts.py's ServerPool.__init__.
func Build(opts Options) (Pool, error) {
	var pool Pool

	for _, path := range opts.HostFiles {
		targets, err := readHostFile(path, opts.DefaultUser, opts.DefaultPort)
		if err != nil {
			return nil, fmt.Errorf("Read host file %q: %w", path, err)
		}

		pool = append(pool, targets...)
	}

	for _, s := range opts.HostStrings {
		t, err := ParseHostString(s, opts.DefaultUser, opts.DefaultPort)
		if err != nil {
			return nil, fmt.Errorf("Parse host string %q: %w", s, err)
		}

		pool = append(pool, t)
	}

	if opts.Regexp != "" {
		re, err := regexp.Compile(opts.Regexp)
		if err != nil {
			return nil, fmt.Errorf("Compile host regexp: %w", err)
		}

		filtered := pool[:0]
		for _, t := range pool {
			if re.MatchString(t.Host) {
				filtered = append(filtered, t)
			}
		}

		if len(filtered) == 0 {
			return nil, fmt.Errorf("No hosts matched supplied regular expression")
		}

		pool = filtered
	}

	if opts.SampleSize > 0 {
		if opts.SampleSize > len(pool) {
			return nil, fmt.Errorf("Sample size larger than population")
		}

		pool = sample(pool, opts.SampleSize)
	}

	return pool, nil
}

// sample picks n Targets from pool uniformly at random without
// replacement, the Go equivalent of Python's random.sample used by
// psshlib/hosts.py.
func sample(pool Pool, n int) Pool {
	idx := rand.Perm(len(pool))[:n]
	out := make(Pool, n)
	for i, j := range idx {
		out[i] = pool[j]
	}

	return out
}

// readHostFile parses one target per non-blank, non-comment line.
func readHostFile(path, defaultUser string, defaultPort int) (Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseHostFile(f, defaultUser, defaultPort)
}

func parseHostFile(r io.Reader, defaultUser string, defaultPort int) (Pool, error) {
	var pool Pool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// A host line may carry trailing whitespace-separated fields
		// (e.g. per-host extra args in the original tool); only the
		// first field is a host specifier.
		fields := strings.Fields(line)
		t, err := ParseHostString(fields[0], defaultUser, defaultPort)
		if err != nil {
			return nil, err
		}

		pool = append(pool, t)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return pool, nil
}

// ParseHostString parses a single "[user@]host[:port]" specifier, as
// accepted by pssh's -H flag and by host-file lines.
func ParseHostString(s, defaultUser string, defaultPort int) (Target, error) {
	t := Target{User: defaultUser, Port: defaultPort}

	rest := s
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		t.User = rest[:at]
		rest = rest[at+1:]
	}

	if rest == "" {
		return Target{}, fmt.Errorf("empty host in %q", s)
	}

	if strings.HasPrefix(rest, "[") {
		// Bracketed IPv6 literal, optionally followed by :port.
		end := strings.Index(rest, "]")
		if end < 0 {
			return Target{}, fmt.Errorf("unterminated IPv6 literal in %q", s)
		}

		t.Host = rest[1:end]
		tail := rest[end+1:]
		if strings.HasPrefix(tail, ":") {
			port, err := strconv.Atoi(tail[1:])
			if err != nil {
				return Target{}, fmt.Errorf("invalid port in %q: %w", s, err)
			}

			t.Port = port
		}

		return t, nil
	}

	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		port, err := strconv.Atoi(rest[colon+1:])
		if err == nil {
			t.Host = rest[:colon]
			t.Port = port
			return t, nil
		}
	}

	t.Host = rest
	return t, nil
}

// SortedDisplay returns the pool's display names in natural sort order
// (so "host2" < "host10"), for human-readable host listings.
func SortedDisplay(pool Pool) []string {
	names := make([]string, len(pool))
	for i, t := range pool {
		names[i] = t.DisplayName()
	}

	sort.Sort(sortorder.Natural(names))
	return names
}
