// Package report implements the terminal-facing parts of pssh: per-task
// status lines, a single-line progress bar, the final summary, and the
// interactive "OK to continue?" prompt used by the test-gate controller.
//
// Grounded on psshlib/ui.py (print_task_report, print_summary, ProgressBar,
// ask_yes_or_no), recolored with the teacher's own terminal-color
// dependencies (mattn/go-isatty, mattn/go-colorable) in place of the
// original's raw termios/ANSI-escape color module.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/canonical/pssh/shared/api"
)

// Colorizer applies ANSI color codes, or not, depending on whether the
// destination is a terminal.
type Colorizer struct {
	enabled bool
	out     io.Writer
}

// NewColorizer inspects out (falling back to a Windows-safe wrapper via
// go-colorable) and decides whether to colorize based on go-isatty,
// unless force overrides the decision.
func NewColorizer(out *os.File, force *bool) *Colorizer {
	enabled := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	if force != nil {
		enabled = *force
	}

	return &Colorizer{enabled: enabled, out: colorable.NewColorable(out)}
}

func (c *Colorizer) wrap(code, s string) string {
	if !c.enabled {
		return s
	}

	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

// Red, Green, Yellow, Bold apply the named style when colorization is
// enabled, matching psshlib/color.py's r/g/y/B helpers.
func (c *Colorizer) Red(s string) string    { return c.wrap("31", s) }
func (c *Colorizer) Green(s string) string  { return c.wrap("32", s) }
func (c *Colorizer) Yellow(s string) string { return c.wrap("33", s) }
func (c *Colorizer) Bold(s string) string   { return c.wrap("1", s) }

// TaskLine renders a single completed-task status line, in the style of
// psshlib/ui.py's print_task_report.
func TaskLine(c *Colorizer, rec *api.TaskRecord) string {
	var status string
	switch rec.Bucket {
	case api.BucketSucceeded:
		status = c.Green("[SUCCESS]")
	case api.BucketSSHFailed:
		status = c.Red("[SSH ERROR]")
	case api.BucketCmdFailed:
		status = c.Yellow("[FAILURE]")
	case api.BucketKilled:
		status = c.Red("[KILLED]")
	}

	line := fmt.Sprintf("%s %d %s", status, rec.Sequence, rec.Host)
	if len(rec.FailReasons) > 0 {
		line += " " + strings.Join(rec.FailReasons, ", ")
	}

	return line
}

// PrintTaskReport writes a single task line to w.
func PrintTaskReport(w io.Writer, c *Colorizer, rec *api.TaskRecord) {
	fmt.Fprintln(w, TaskLine(c, rec))
}

// PrintSummary writes the final totals/breakdown, matching
// psshlib/ui.py's print_summary.
func PrintSummary(w io.Writer, c *Colorizer, buckets map[api.Bucket][]*api.TaskRecord) {
	succeeded := len(buckets[api.BucketSucceeded])
	sshFailed := len(buckets[api.BucketSSHFailed])
	cmdFailed := len(buckets[api.BucketCmdFailed])
	killed := len(buckets[api.BucketKilled])
	failures := sshFailed + cmdFailed + killed
	total := failures + succeeded

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary:")
	fmt.Fprintf(w, "  [%s] %s / [%s] %s / [%s] %s\n",
		c.Bold(fmt.Sprint(total)), c.Bold("Total"),
		c.Bold(c.Red(fmt.Sprint(failures))), c.Bold("Failed"),
		c.Bold(c.Green(fmt.Sprint(succeeded))), c.Bold("Succeeded"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Failure Breakdown:")
	fmt.Fprintf(w, "  [%s] %s / [%s] %s / [%s] %s\n",
		c.Bold(fmt.Sprint(sshFailed)), c.Bold("SSH Failed"),
		c.Bold(fmt.Sprint(killed)), c.Bold("Tasks Killed"),
		c.Bold(fmt.Sprint(cmdFailed)), c.Bold("Tasks Failed"))
	fmt.Fprintln(w)
}

// ProgressBar renders a single-line, carriage-return-redrawn progress
// indicator, matching psshlib/ui.py's ProgressBar.
type ProgressBar struct {
	mu    sync.Mutex
	total int
	done  int
	out   io.Writer
}

// NewProgressBar creates a bar for total expected ticks.
func NewProgressBar(out io.Writer, total int) *ProgressBar {
	return &ProgressBar{total: total, out: out}
}

// Tick advances the bar by one completed task and redraws it.
func (p *ProgressBar) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	width := 40
	filled := 0
	if p.total > 0 {
		filled = width * p.done / p.total
	}

	bar := strings.Repeat("=", filled) + strings.Repeat(" ", width-filled)
	fmt.Fprintf(p.out, "\r[%s] %d/%d", bar, p.done, p.total)
	if p.done >= p.total {
		fmt.Fprintln(p.out)
	}
}

// AskYesOrNo writes prompt to out, reads one line of answer from in, and
// returns true only for an explicit "y" answer, matching psshlib/ui.py's
// ask_yes_or_no (any other answer, including "n", means "no").
func AskYesOrNo(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]? ", prompt)
	reader := bufio.NewReader(in)
	line, _ := reader.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y"
}
