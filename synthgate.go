// Package synthgate gates CI pipelines on remotely executed synthetic
// tests: it selects tests, triggers them against the backend, waits for
// their results and reduces them to a single pass/fail verdict.
package synthgate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/synthgate/synthgate/api"
	"github.com/synthgate/synthgate/discovery"
	"github.com/synthgate/synthgate/metrics"
	"github.com/synthgate/synthgate/poller"
	"github.com/synthgate/synthgate/reporting"
	"github.com/synthgate/synthgate/tunnel"
	"github.com/synthgate/synthgate/verdict"
)

// Gate implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &Gate{}

// backend is the slice of the API client the gate drives directly. The
// poller holds its own, narrower view.
type backend interface {
	SearchTests(ctx context.Context, query string) ([]api.TestSummary, error)
	GetTest(ctx context.Context, publicID string) (*api.Test, error)
	TriggerTests(ctx context.Context, req api.TriggerRequest) (*api.TriggerResponse, error)
	GetTunnelPresignedURL(ctx context.Context, publicIDs []string) (*api.PresignedURL, error)
}

// resultWaiter drives triggered executions to resolution.
type resultWaiter interface {
	WaitForResults(ctx context.Context, triggered []api.TriggerResult, timeout time.Duration) (map[string][]api.PollResult, error)
}

// relay is one tunnel session.
type relay interface {
	Start(ctx context.Context) (*api.TunnelInfo, error)
	Stop() error
}

// Gate runs the trigger-poll-evaluate pipeline, once or periodically.
type Gate struct {
	ctx      context.Context
	config   *Config
	version  string
	client   backend
	waiter   resultWaiter
	reporter *reporting.Broadcast
	tracer   trace.Tracer
	result   *RunResult

	// newTunnel builds the relay for one run. Swappable in tests.
	newTunnel func(presignedURL string) (relay, error)

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

// planEntry is one test the run will trigger, with its effective override.
type planEntry struct {
	test   *api.Test
	config api.ConfigOverride
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Gate, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating gate with config",
		"site", config.Site,
		"publicIDs", len(config.PublicIDs),
		"files", config.Files,
		"search", config.Search,
		"tunnel", config.Tunnel,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce)

	client, err := api.NewClient(api.Config{
		Site:     config.Site,
		APIKey:   config.APIKey,
		AppKey:   config.AppKey,
		ProxyURL: config.ProxyURL,
		Log:      config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	waiter, err := poller.New(poller.Config{
		Client:   client,
		Interval: config.PollInterval,
		Log:      config.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	reporter := reporting.NewBroadcast(reporting.NewConsoleReporter(os.Stdout, config.Log))
	if config.JUnitReport != "" {
		reporter.Add(reporting.NewJUnitReporter(config.JUnitReport, config.Log))
	}

	g := &Gate{
		ctx:              ctx,
		config:           config,
		version:          version,
		client:           client,
		waiter:           waiter,
		reporter:         reporter,
		tracer:           otel.Tracer("gate"),
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}
	g.newTunnel = func(presignedURL string) (relay, error) {
		return tunnel.New(tunnel.Config{
			PresignedURL: presignedURL,
			LocalAddr:    config.TunnelLocalAddr,
			ProxyURL:     config.ProxyURL,
			Log:          config.Log,
		})
	}
	return g, nil
}

// Start runs the gate once, or periodically at the configured interval.
// Start implements the cliapp.Lifecycle interface.
func (g *Gate) Start(ctx context.Context) error {
	g.ctx = ctx
	g.done = make(chan struct{})
	g.running.Store(true)

	if g.config.RunOnce {
		g.config.Log.Info("Starting synthgate in run-once mode")
	} else {
		g.config.Log.Info("Starting synthgate in continuous mode", "interval", g.config.RunInterval)
	}

	// Run immediately on startup.
	err := g.runTests()
	if err != nil {
		g.config.Log.Error("Run did not complete", "error", err)
		return err
	}

	// If in run-once mode, trigger shutdown and return
	if g.config.RunOnce {
		g.config.Log.Info("Run completed, exiting (run-once mode)")

		if g.result != nil && !g.result.Passed {
			g.config.Log.Warn("Run-once gate completed with blocking failures, returning exit code 1")
			return NewTestFailureError(g.result.String())
		}

		// Only need to call this when we're in run-once mode and the run passed
		go func() {
			g.shutdownCallback(nil)
		}()
		return nil // Success (exit code 0)
	}

	// Start a goroutine for periodic runs
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.config.Log.Debug("Starting periodic gate runner goroutine", "interval", g.config.RunInterval)

		for {
			select {
			case <-time.After(g.config.RunInterval):
				// Check if we should still be running
				if !g.running.Load() {
					g.config.Log.Debug("Service stopped, exiting periodic gate runner")
					return
				}

				g.config.Log.Info("Running periodic gate run")
				if err := g.runTests(); err != nil {
					g.config.Log.Error("Error running periodic gate run", "error", err)
				}

			case <-g.done:
				g.config.Log.Debug("Done signal received, stopping periodic gate runner")
				return

			case <-ctx.Done():
				g.config.Log.Debug("Context canceled, stopping periodic gate runner")
				g.running.Store(false)
				return
			}
		}
	}()
	g.config.Log.Debug("synthgate started successfully")
	return nil
}

// runTests drives one full run: select, trigger, wait, evaluate, report.
// A nil return means the run completed and produced a verdict, pass or
// fail; the verdict itself lives in g.result.
func (g *Gate) runTests() error {
	runID := uuid.New().String()
	start := time.Now()
	logger := g.config.Log
	ctx, span := g.tracer.Start(g.ctx, "gate run")
	defer span.End()

	logger.Info("Starting run", "run_id", runID)

	selected, err := g.discover(ctx)
	if err != nil {
		g.reporter.Error(fmt.Sprintf("Test discovery failed: %v", err))
		return NewRuntimeError(fmt.Errorf("discovering tests: %w", err))
	}

	if len(selected) == 0 {
		logger.Warn("No tests to run", "run_id", runID)
		g.reporter.Log("No tests to run: the configured selection matched nothing")
		g.reporter.ReportStart(reporting.StartEvent{RunID: runID, StartTime: start, TestCount: 0})
		g.finishRun(runID, reporting.Summary{}, true, time.Since(start))
		return nil
	}

	plan, skipped, err := g.buildPlan(ctx, selected)
	if err != nil {
		return NewRuntimeError(err)
	}
	if len(plan) == 0 {
		logger.Info("Every selected test was skipped", "run_id", runID, "skipped", skipped)
		g.reporter.Log(fmt.Sprintf("All %d selected tests are marked skipped, nothing to trigger", skipped))
		g.reporter.ReportStart(reporting.StartEvent{RunID: runID, StartTime: start, TestCount: 0})
		g.finishRun(runID, reporting.Summary{Skipped: skipped}, true, time.Since(start))
		return nil
	}

	g.reporter.ReportStart(reporting.StartEvent{RunID: runID, StartTime: start, TestCount: len(plan)})

	if g.config.Tunnel {
		session, info, err := g.openTunnel(ctx, plan)
		if err != nil {
			g.reporter.Error(fmt.Sprintf("Tunnel could not be opened: %v", err))
			return NewRuntimeError(fmt.Errorf("opening tunnel: %w", err))
		}
		defer func() {
			if err := session.Stop(); err != nil {
				logger.Warn("Tunnel did not stop cleanly", "err", err)
			}
		}()
		g.attachTunnel(plan, info)
	}

	triggered, locationNames, err := g.trigger(ctx, runID, plan)
	if err != nil {
		g.reporter.Error(fmt.Sprintf("Trigger failed: %v", err))
		return NewRuntimeError(err)
	}

	resultsByID, err := g.waitForResults(ctx, triggered)
	if err != nil {
		return NewRuntimeError(fmt.Errorf("waiting for results: %w", err))
	}

	summary, passed := g.evaluate(plan, resultsByID, locationNames, skipped)
	duration := time.Since(start)
	g.finishRun(runID, summary, passed, duration)

	logger.Info("Run completed",
		"run_id", runID,
		"passed", passed,
		"tests_passed", summary.Passed,
		"tests_failed", summary.Failed,
		"tests_skipped", summary.Skipped,
		"duration", duration)
	return nil
}

func (g *Gate) discover(ctx context.Context) ([]api.TriggerConfig, error) {
	ctx, span := g.tracer.Start(ctx, "discover tests")
	defer span.End()

	return discovery.Discover(ctx, discovery.Config{
		PublicIDs:      g.config.PublicIDs,
		Patterns:       g.config.Files,
		Search:         g.config.Search,
		Searcher:       g.client,
		GlobalOverride: g.config.GlobalOverride,
		Log:            g.config.Log,
	})
}

// buildPlan fetches the canonical definition of every selected test and
// drops the ones marked skipped, either by their stored execution rule or
// by the effective override. Tests whose definition cannot be fetched are
// reported and dropped; the run only aborts when that leaves nothing at
// all to trigger.
func (g *Gate) buildPlan(ctx context.Context, selected []api.TriggerConfig) ([]planEntry, int, error) {
	ctx, span := g.tracer.Start(ctx, "fetch test definitions")
	defer span.End()

	plan := make([]planEntry, 0, len(selected))
	skipped := 0
	unfetchable := 0
	for _, tc := range selected {
		test, err := g.client.GetTest(ctx, tc.PublicID)
		if err != nil {
			unfetchable++
			g.config.Log.Warn("Could not fetch test definition, dropping it from the run",
				"public_id", tc.PublicID, "err", err)
			metrics.RecordErrorDetails("fetch test", err)
			g.reporter.Error(fmt.Sprintf("Test %s could not be fetched: %v", tc.PublicID, err))
			continue
		}
		test.Suite = tc.Suite

		if test.Options.ExecutionRule() == api.ExecutionRuleSkipped || (tc.Config.Skip != nil && *tc.Config.Skip) {
			skipped++
			g.config.Log.Info("Skipping test", "public_id", tc.PublicID, "name", test.Name)
			continue
		}

		plan = append(plan, planEntry{test: test, config: tc.Config})
	}
	if len(plan) == 0 && unfetchable > 0 {
		return nil, skipped, fmt.Errorf("none of the %d selected tests could be fetched", len(selected))
	}
	return plan, skipped, nil
}

// openTunnel mints a rendezvous URL scoped to the plan's tests and starts
// the relay. The caller owns stopping the returned session; it is safe to
// stop even when Start failed.
func (g *Gate) openTunnel(ctx context.Context, plan []planEntry) (relay, *api.TunnelInfo, error) {
	ctx, span := g.tracer.Start(ctx, "open tunnel")
	defer span.End()

	ids := make([]string, 0, len(plan))
	for _, entry := range plan {
		ids = append(ids, entry.test.PublicID)
	}
	presigned, err := g.client.GetTunnelPresignedURL(ctx, ids)
	if err != nil {
		metrics.RecordTunnelStart(err)
		return nil, nil, fmt.Errorf("requesting tunnel rendezvous: %w", err)
	}

	session, err := g.newTunnel(presigned.URL)
	if err != nil {
		metrics.RecordTunnelStart(err)
		return nil, nil, err
	}

	info, err := session.Start(ctx)
	metrics.RecordTunnelStart(err)
	if err != nil {
		// One Stop per attempted Start, even a failed one.
		if stopErr := session.Stop(); stopErr != nil {
			g.config.Log.Warn("Tunnel did not stop cleanly", "err", stopErr)
		}
		return nil, nil, err
	}
	return session, info, nil
}

// attachTunnel routes every planned test through the tunnel. The tunnel
// decides where tests run, so explicit location overrides are dropped.
func (g *Gate) attachTunnel(plan []planEntry, info *api.TunnelInfo) {
	for i := range plan {
		if len(plan[i].config.Locations) > 0 {
			g.config.Log.Warn("Dropping location overrides: tunnel routing decides where tests run",
				"public_id", plan[i].test.PublicID,
				"locations", plan[i].config.Locations)
			plan[i].config.Locations = nil
		}
		plan[i].config.Tunnel = info
	}
}

func (g *Gate) trigger(ctx context.Context, runID string, plan []planEntry) ([]api.TriggerResult, map[int]string, error) {
	ctx, span := g.tracer.Start(ctx, "trigger tests")
	defer span.End()

	req := api.TriggerRequest{Tests: make([]api.TriggerConfig, 0, len(plan))}
	for _, entry := range plan {
		req.Tests = append(req.Tests, api.TriggerConfig{
			Suite:    entry.test.Suite,
			PublicID: entry.test.PublicID,
			Config:   entry.config,
		})
	}

	resp, err := g.client.TriggerTests(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("triggering tests: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, nil, errors.New("trigger returned no executions")
	}
	metrics.RecordTestsTriggered(runID, len(resp.Results))

	locationNames := make(map[int]string, len(resp.Locations))
	for _, loc := range resp.Locations {
		locationNames[loc.ID] = loc.Name
	}

	g.config.Log.Info("Triggered tests",
		"run_id", runID,
		"tests", len(plan),
		"executions", len(resp.Results))
	return resp.Results, locationNames, nil
}

func (g *Gate) waitForResults(ctx context.Context, triggered []api.TriggerResult) (map[string][]api.PollResult, error) {
	ctx, span := g.tracer.Start(ctx, "wait for results")
	defer span.End()

	return g.waiter.WaitForResults(ctx, triggered, g.config.PollTimeout)
}

// evaluate reduces the collected results to per-test verdicts and the run
// summary, emitting one TestEnd per test in report order.
func (g *Gate) evaluate(plan []planEntry, resultsByID map[string][]api.PollResult, locationNames map[int]string, skipped int) (reporting.Summary, bool) {
	tests := make([]*api.Test, 0, len(plan))
	for _, entry := range plan {
		tests = append(tests, entry.test)
	}
	verdict.SortForReport(tests, resultsByID)

	summary := reporting.Summary{Skipped: skipped}
	for _, t := range tests {
		results := resultsByID[t.PublicID]
		passed := verdict.HasSucceeded(results)
		if passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
		for _, r := range results {
			if r.Result.TimedOut {
				summary.TimedOut++
				break
			}
		}
		g.reporter.TestEnd(reporting.TestEndEvent{
			Test:          *t,
			Results:       results,
			Passed:        passed,
			Blocking:      verdict.IsBlocking(t),
			AppBaseURL:    g.config.AppBaseURL(),
			LocationNames: locationNames,
		})
	}
	return summary, verdict.RunPassed(tests, resultsByID)
}

// finishRun closes out one run: the RunEnd event, the run metrics and the
// stored result.
func (g *Gate) finishRun(runID string, summary reporting.Summary, passed bool, duration time.Duration) {
	g.reporter.RunEnd(reporting.RunEndEvent{
		RunID:    runID,
		Summary:  summary,
		Duration: duration,
		Passed:   passed,
	})
	result := metrics.RunResultPass
	if !passed {
		result = metrics.RunResultFail
	}
	metrics.RecordRun(runID, result, summary.Passed, summary.Failed, summary.Skipped, summary.TimedOut, duration)
	g.result = &RunResult{
		RunID:    runID,
		Summary:  summary,
		Passed:   passed,
		Duration: duration,
	}
}

// Stop stops the synthgate service.
// Stop implements the cliapp.Lifecycle interface.
func (g *Gate) Stop(ctx context.Context) error {
	g.config.Log.Info("Stopping synthgate")

	// Check if we're already stopped
	if !g.running.Load() {
		g.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	// Update running state first to prevent new runs
	g.running.Store(false)

	// Signal goroutines to exit
	g.config.Log.Debug("Sending done signal to goroutines")
	close(g.done)

	g.config.Log.Info("synthgate stopped successfully")
	return nil
}

// Stopped returns true if the synthgate service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (g *Gate) Stopped() bool {
	return !g.running.Load()
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (g *Gate) WaitForShutdown(ctx context.Context) error {
	g.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.config.Log.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		g.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}

// RunResult is the stored outcome of the most recent run.
type RunResult struct {
	RunID    string
	Summary  reporting.Summary
	Passed   bool
	Duration time.Duration
}

func (r *RunResult) String() string {
	status := "passed"
	if !r.Passed {
		status = "failed"
	}
	return fmt.Sprintf("run %s %s: %d passed, %d failed, %d skipped in %s",
		r.RunID, status, r.Summary.Passed, r.Summary.Failed, r.Summary.Skipped, r.Duration.Round(time.Millisecond))
}
