package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "synthgate"

	RunResultPass = "pass"
	RunResultFail = "fail"
)

var (
	Debug                bool = true
	validRunResults           = []string{RunResultPass, RunResultFail}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	apiCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "api_calls_total",
		Help:      "Count of backend API calls",
	}, []string{
		"endpoint",
		"status",
	})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "api_errors_total",
		Help:      "Count of backend API calls that failed in transport",
	}, []string{
		"endpoint",
	})

	testsTriggeredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_triggered_total",
		Help:      "Count of test executions started",
	}, []string{
		"run_id",
	})

	pollTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "poll_ticks_total",
		Help:      "Count of poll cycles against the results endpoint",
	})

	pollOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "poll_outstanding_results",
		Help:      "Execution results still awaiting a terminal state",
	})

	pollTimedOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "poll_timed_out_results_total",
		Help:      "Count of results abandoned at the poll deadline",
	})

	tunnelStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tunnel_starts_total",
		Help:      "Count of tunnel start attempts",
	}, []string{
		"result",
	})

	uploadAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "upload_attempts_total",
		Help:      "Count of artifact upload attempts",
	}, []string{
		"result",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of synthetic test runs",
	}, []string{
		"run_id",
		"result",
	})

	runTestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests_total",
		Help:      "Tests evaluated per run by outcome",
	}, []string{
		"run_id",
		"outcome",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration",
		Help:      "Duration of synthetic test runs",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordAPICall(endpoint string, status int) {
	if Debug {
		log.Debug("metric inc",
			"m", "api_calls_total",
			"endpoint", endpoint,
			"status", status,
		)
	}
	apiCallsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

func RecordAPIError(endpoint string) {
	if Debug {
		log.Debug("metric inc",
			"m", "api_errors_total",
			"endpoint", endpoint,
		)
	}
	apiErrorsTotal.WithLabelValues(endpoint).Inc()
}

func RecordTestsTriggered(runID string, count int) {
	if Debug {
		log.Debug("metric inc",
			"m", "tests_triggered_total",
			"run_id", runID,
			"count", count,
		)
	}
	testsTriggeredTotal.WithLabelValues(runID).Add(float64(count))
}

func RecordPollTick(outstanding int) {
	pollTicksTotal.Inc()
	pollOutstanding.Set(float64(outstanding))
}

func RecordPollTimedOut(count int) {
	if Debug {
		log.Debug("metric inc",
			"m", "poll_timed_out_results_total",
			"count", count,
		)
	}
	pollTimedOutTotal.Add(float64(count))
	pollOutstanding.Set(0)
}

func RecordTunnelStart(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	tunnelStartsTotal.WithLabelValues(result).Inc()
}

func RecordUploadAttempt(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	uploadAttemptsTotal.WithLabelValues(result).Inc()
}

func RecordRun(
	runID string,
	result string,
	passed int,
	failed int,
	skipped int,
	timedOut int,
	duration time.Duration,
) {
	if !isValidRunResult(result) {
		log.Error("RecordRun - invalid result", "result", result)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "run_results",
			"run_id", runID,
			"result", result,
		)
	}
	runResults.WithLabelValues(runID, result).Set(1)
	runTestsTotal.WithLabelValues(runID, "passed").Add(float64(passed))
	runTestsTotal.WithLabelValues(runID, "failed").Add(float64(failed))
	runTestsTotal.WithLabelValues(runID, "skipped").Add(float64(skipped))
	runTestsTotal.WithLabelValues(runID, "timed_out").Add(float64(timedOut))
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}

func isValidRunResult(result string) bool {
	return slices.Contains(validRunResults, result)
}
