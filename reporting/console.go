package reporting

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/synthgate/synthgate/api"
)

const (
	passMark = "✓"
	failMark = "✗"
)

// ConsoleReporter prints one line per test as outcomes are finalized and a
// summary table when the run ends.
type ConsoleReporter struct {
	out    io.Writer
	logger log.Logger
	rows   []consoleRow
}

type consoleRow struct {
	suite    string
	name     string
	publicID string
	passed   bool
	blocking bool
	runs     int
	failed   int
	timedOut int
	duration time.Duration
}

// NewConsoleReporter creates a ConsoleReporter. A nil out writes to stdout.
func NewConsoleReporter(out io.Writer, logger log.Logger) *ConsoleReporter {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleReporter{
		out:    out,
		logger: logger,
	}
}

func (c *ConsoleReporter) Log(msg string) {
	fmt.Fprintln(c.out, msg)
}

func (c *ConsoleReporter) Error(msg string) {
	fmt.Fprintln(c.out, msg)
}

func (c *ConsoleReporter) ReportStart(event StartEvent) {
	fmt.Fprintf(c.out, "Triggered %d synthetic tests (run %s)\n", event.TestCount, event.RunID)
}

func (c *ConsoleReporter) TestEnd(event TestEndEvent) {
	row := consoleRow{
		suite:    event.Test.Suite,
		name:     event.Test.Name,
		publicID: event.Test.PublicID,
		passed:   event.Passed,
		blocking: event.Blocking,
	}
	for _, pr := range event.Results {
		row.runs++
		if !pr.Result.Passed {
			row.failed++
		}
		if pr.Result.TimedOut {
			row.timedOut++
		}
		if d := resultDuration(pr.Result); d > row.duration {
			row.duration = d
		}
	}
	c.rows = append(c.rows, row)

	label := event.Test.Name
	if event.Test.Suite != "" {
		label = fmt.Sprintf("[%s] %s", event.Test.Suite, event.Test.Name)
	}
	if event.Passed {
		fmt.Fprintf(c.out, "%s %s (%s)\n", passMark, label, event.Test.PublicID)
		return
	}

	suffix := ""
	if !event.Blocking {
		suffix = " (non-blocking)"
	}
	fmt.Fprintf(c.out, "%s %s (%s)%s\n", failMark, label, event.Test.PublicID, suffix)
	for _, pr := range event.Results {
		if pr.Result.Passed {
			continue
		}
		where := LocationName(event.LocationNames, pr.DCID)
		if pr.Device != "" {
			where = fmt.Sprintf("%s on %s", where, pr.Device)
		}
		msg := pr.Result.ErrorMessage
		if msg == "" {
			msg = pr.Result.ErrorCode
		}
		fmt.Fprintf(c.out, "  %s: %s\n", where, msg)
		fmt.Fprintf(c.out, "    %s\n", api.ResultURL(event.AppBaseURL, event.Test.PublicID, pr.ResultID))
	}
}

func (c *ConsoleReporter) RunEnd(event RunEndEvent) {
	if c.logger != nil {
		c.logger.Info("Printing results...")
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.SetTitle(fmt.Sprintf("Synthetic Test Results (%s)", formatDuration(event.Duration)))

	t.AppendHeader(table.Row{
		"Suite", "Test", "ID", "Runs", "Failed", "Duration", "Status",
	})

	// Set column configurations for better readability
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Suite", AutoMerge: true},
		{Name: "Test", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Runs", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
	})

	for _, row := range c.rows {
		suite := row.suite
		if suite == "" {
			suite = "-"
		}
		t.AppendRow(table.Row{
			suite,
			row.name,
			row.publicID,
			row.runs,
			row.failed,
			formatDuration(row.duration),
			rowStatus(row),
		})
	}

	// Update the table style setting based on the run outcome
	if !event.Passed {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	} else if event.Summary.Failed > 0 || event.Summary.Skipped > 0 {
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	status := "PASS"
	if !event.Passed {
		status = "FAIL"
	}
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		"",
		event.Summary.Total(),
		event.Summary.Failed,
		formatDuration(event.Duration),
		status,
	})

	t.Render()

	line := fmt.Sprintf("%d passed, %d failed, %d skipped", event.Summary.Passed, event.Summary.Failed, event.Summary.Skipped)
	if event.Summary.TimedOut > 0 {
		line = fmt.Sprintf("%s, %d timed out", line, event.Summary.TimedOut)
	}
	fmt.Fprintln(c.out, line)
}

func rowStatus(row consoleRow) string {
	if row.passed {
		return "PASS"
	}
	if row.timedOut > 0 {
		return "TIMEOUT"
	}
	if !row.blocking {
		return "FAIL (non-blocking)"
	}
	return "FAIL"
}

func resultDuration(r api.Result) time.Duration {
	return time.Duration(r.Duration * float64(time.Millisecond))
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
