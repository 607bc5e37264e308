// Package poller drives triggered executions to a terminal state by polling
// the backend on a fixed interval under a wall-clock deadline.
package poller

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/synthgate/synthgate/api"
	"github.com/synthgate/synthgate/metrics"
)

const DefaultInterval = 5 * time.Second

// Client is the one backend call the poller drives.
type Client interface {
	PollResults(ctx context.Context, resultIDs []string) ([]api.PollResult, error)
}

type Config struct {
	Client   Client
	Interval time.Duration
	Log      log.Logger
}

type Poller struct {
	client   Client
	interval time.Duration
	log      log.Logger
}

func New(cfg Config) (*Poller, error) {
	if cfg.Client == nil {
		return nil, errors.New("poller: a client is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Poller{
		client:   cfg.Client,
		interval: cfg.Interval,
		log:      cfg.Log,
	}, nil
}

// WaitForResults polls until every triggered execution reaches a terminal
// state or the wall-clock timeout elapses, whichever comes first. The
// returned map always carries one key per triggered public id; executions
// still unresolved at the deadline get a synthetic timed-out failure rather
// than being dropped. A failed poll call is retried on the next tick; only
// the deadline or ctx ends the loop early. On ctx cancellation the partial
// map is still returned alongside the ctx error.
func (p *Poller) WaitForResults(ctx context.Context, triggered []api.TriggerResult, timeout time.Duration) (map[string][]api.PollResult, error) {
	start := time.Now()
	outstanding := make([]string, 0, len(triggered))
	owners := make(map[string]api.TriggerResult, len(triggered))
	done := make(map[string]bool, len(triggered))
	results := make(map[string][]api.PollResult, len(triggered))
	for _, tr := range triggered {
		if _, ok := results[tr.PublicID]; !ok {
			results[tr.PublicID] = nil
		}
		if _, ok := owners[tr.ResultID]; ok {
			continue
		}
		owners[tr.ResultID] = tr
		outstanding = append(outstanding, tr.ResultID)
	}
	p.log.Debug("Waiting for results",
		"tests", len(results),
		"executions", len(outstanding),
		"timeout", timeout)

	for len(outstanding) > 0 {
		// The deadline is checked before each call so a zero timeout
		// expires everything without touching the backend.
		if time.Since(start) >= timeout {
			p.log.Warn("Poll deadline exceeded, marking outstanding results as timed out",
				"timeout", timeout,
				"outstanding", len(outstanding))
			p.expireOutstanding(outstanding, owners, results)
			return results, nil
		}

		polled, err := p.client.PollResults(ctx, outstanding)
		if err != nil {
			p.log.Warn("Poll tick failed, retrying on next tick", "err", err)
			metrics.RecordErrorDetails("poll tick", err)
		} else {
			outstanding = p.absorb(polled, outstanding, owners, done, results)
		}
		metrics.RecordPollTick(len(outstanding))
		if len(outstanding) == 0 {
			break
		}

		if err := sleepContext(ctx, p.interval); err != nil {
			p.log.Warn("Poll loop cancelled", "err", err)
			p.expireOutstanding(outstanding, owners, results)
			return results, err
		}
	}
	p.log.Debug("All results resolved", "took", time.Since(start))
	return results, nil
}

// absorb files every newly terminal result under its owning test and returns
// the shrunken outstanding set. Results that are still pending, already
// filed, or unrequested leave outstanding untouched.
func (p *Poller) absorb(polled []api.PollResult, outstanding []string, owners map[string]api.TriggerResult, done map[string]bool, results map[string][]api.PollResult) []string {
	newlyResolved := 0
	for _, pr := range polled {
		owner, ok := owners[pr.ResultID]
		if !ok {
			p.log.Warn("Ignoring result for unknown result id", "result_id", pr.ResultID)
			continue
		}
		if done[pr.ResultID] || !pr.Result.State.Terminal() {
			continue
		}
		done[pr.ResultID] = true
		newlyResolved++
		results[owner.PublicID] = append(results[owner.PublicID], pr)
		p.log.Debug("Result resolved",
			"public_id", owner.PublicID,
			"result_id", pr.ResultID,
			"state", pr.Result.State,
			"passed", pr.Result.Passed)
	}
	if newlyResolved == 0 {
		return outstanding
	}
	remaining := make([]string, 0, len(outstanding)-newlyResolved)
	for _, id := range outstanding {
		if !done[id] {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

func (p *Poller) expireOutstanding(outstanding []string, owners map[string]api.TriggerResult, results map[string][]api.PollResult) {
	for _, id := range outstanding {
		owner := owners[id]
		results[owner.PublicID] = append(results[owner.PublicID], timedOutResult(owner))
	}
	metrics.RecordPollTimedOut(len(outstanding))
}

// timedOutResult fabricates a terminal failure for an execution that never
// resolved before the deadline.
func timedOutResult(tr api.TriggerResult) api.PollResult {
	return api.PollResult{
		ResultID: tr.ResultID,
		DCID:     tr.Location,
		Device:   tr.Device,
		Result: api.Result{
			Passed:       false,
			ErrorCode:    "TIMEOUT",
			ErrorMessage: "The batch timed out before receiving the result.",
			State:        api.ResultStateError,
			TimedOut:     true,
		},
	}
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(duration):
		return nil
	}
}
