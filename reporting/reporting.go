// Package reporting renders run lifecycle events. The orchestrator emits
// events through the Reporter interface and every registered reporter
// receives every event in registration order.
package reporting

import (
	"fmt"
	"time"

	"github.com/synthgate/synthgate/api"
)

// Summary holds the run-wide counters accumulated as test outcomes are
// finalized.
type Summary struct {
	Passed   int
	Failed   int
	Skipped  int
	TimedOut int
}

// Total returns the number of tests the run accounted for, skipped ones
// included.
func (s Summary) Total() int {
	return s.Passed + s.Failed + s.Skipped
}

// StartEvent announces that a batch of tests has been triggered.
type StartEvent struct {
	RunID     string
	StartTime time.Time
	TestCount int
}

// TestEndEvent carries the finalized outcome of one test across all of its
// execution instances.
type TestEndEvent struct {
	Test          api.Test
	Results       []api.PollResult
	Passed        bool
	Blocking      bool
	AppBaseURL    string
	LocationNames map[int]string
}

// RunEndEvent closes a run.
type RunEndEvent struct {
	RunID    string
	Summary  Summary
	Duration time.Duration
	Passed   bool
}

// Reporter consumes lifecycle events for one run. Implementations only
// render; they never influence the run verdict.
type Reporter interface {
	Log(msg string)
	Error(msg string)
	ReportStart(event StartEvent)
	TestEnd(event TestEndEvent)
	RunEnd(event RunEndEvent)
}

// Broadcast fans every event out to a set of reporters in registration
// order.
type Broadcast struct {
	reporters []Reporter
}

// NewBroadcast creates a Broadcast over the given reporters.
func NewBroadcast(reporters ...Reporter) *Broadcast {
	return &Broadcast{reporters: reporters}
}

// Add registers another reporter. Not safe once events are flowing.
func (b *Broadcast) Add(r Reporter) {
	b.reporters = append(b.reporters, r)
}

func (b *Broadcast) Log(msg string) {
	for _, r := range b.reporters {
		r.Log(msg)
	}
}

func (b *Broadcast) Error(msg string) {
	for _, r := range b.reporters {
		r.Error(msg)
	}
}

func (b *Broadcast) ReportStart(event StartEvent) {
	for _, r := range b.reporters {
		r.ReportStart(event)
	}
}

func (b *Broadcast) TestEnd(event TestEndEvent) {
	for _, r := range b.reporters {
		r.TestEnd(event)
	}
}

func (b *Broadcast) RunEnd(event RunEndEvent) {
	for _, r := range b.reporters {
		r.RunEnd(event)
	}
}

// LocationName resolves a datacenter id to its display name, falling back
// to the raw id when the trigger response did not name it.
func LocationName(names map[int]string, dcID int) string {
	if name, ok := names[dcID]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("location %d", dcID)
}
