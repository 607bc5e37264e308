package reporting

import (
	"bytes"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
)

func TestConsoleReporterTestEnd(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleReporter(&buf, testlog.Logger(t, log.LevelDebug))

	c.ReportStart(StartEvent{RunID: "run-1", StartTime: time.Now(), TestCount: 2})
	c.TestEnd(passingEvent())
	c.TestEnd(failingEvent())

	out := buf.String()
	assert.Contains(t, out, "Triggered 2 synthetic tests (run run-1)")
	assert.Contains(t, out, "✓ [checkout] checkout flow (abc-def-ghi)")
	assert.Contains(t, out, "✗ [auth] login flow (jkl-mno-pqr) (non-blocking)")
	assert.Contains(t, out, "aws:eu-west-1 on chrome.laptop_large: assertion failed on step 3")
	assert.Contains(t, out, "https://app.synthgate.io/synthetics/details/jkl-mno-pqr/result/r3")
	assert.NotContains(t, out, "result/r2", "passing executions get no failure detail")
}

func TestConsoleReporterRunEnd(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleReporter(&buf, testlog.Logger(t, log.LevelDebug))

	c.TestEnd(passingEvent())
	c.TestEnd(failingEvent())
	c.RunEnd(RunEndEvent{
		RunID:    "run-1",
		Summary:  Summary{Passed: 1, Failed: 1, Skipped: 1},
		Duration: 90 * time.Second,
		Passed:   true,
	})

	out := buf.String()
	assert.Contains(t, out, "Synthetic Test Results (90.0s)")
	assert.Contains(t, out, "checkout flow")
	assert.Contains(t, out, "FAIL (non-blocking)")
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "1 passed, 1 failed, 1 skipped")
}

func TestConsoleReporterTimedOutStatus(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleReporter(&buf, testlog.Logger(t, log.LevelDebug))

	ev := failingEvent()
	ev.Blocking = true
	ev.Results[1].Result.TimedOut = true
	ev.Results[1].Result.ErrorMessage = ""
	ev.Results[1].Result.ErrorCode = "TIMEOUT"
	c.TestEnd(ev)
	c.RunEnd(RunEndEvent{
		RunID:    "run-1",
		Summary:  Summary{Failed: 1, TimedOut: 1},
		Duration: 30 * time.Minute,
		Passed:   false,
	})

	out := buf.String()
	assert.Contains(t, out, "aws:eu-west-1 on chrome.laptop_large: TIMEOUT")
	assert.Contains(t, out, "TIMEOUT")
	assert.Contains(t, out, "0 passed, 1 failed, 0 skipped, 1 timed out")
}

func TestConsoleReporterLogAndError(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleReporter(&buf, testlog.Logger(t, log.LevelDebug))

	c.Log("nothing to run")
	c.Error("tunnel start failed")

	assert.Contains(t, buf.String(), "nothing to run")
	assert.Contains(t, buf.String(), "tunnel start failed")
}
