package reporting

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/synthgate/synthgate/api"
)

// JUnitReporter accumulates outcomes and writes a JUnit XML file when the
// run ends, for CI systems that annotate builds from it.
type JUnitReporter struct {
	path   string
	logger log.Logger
	events []TestEndEvent
}

// NewJUnitReporter creates a JUnitReporter writing to path.
func NewJUnitReporter(path string, logger log.Logger) *JUnitReporter {
	return &JUnitReporter{
		path:   path,
		logger: logger,
	}
}

func (j *JUnitReporter) Log(string) {}

func (j *JUnitReporter) Error(string) {}

func (j *JUnitReporter) ReportStart(StartEvent) {}

func (j *JUnitReporter) TestEnd(event TestEndEvent) {
	j.events = append(j.events, event)
}

func (j *JUnitReporter) RunEnd(event RunEndEvent) {
	report := j.build(event)
	body, err := xml.MarshalIndent(report, "", "  ")
	if err != nil {
		j.logger.Error("Failed to marshal junit report", "err", err)
		return
	}
	content := append([]byte(xml.Header), body...)
	content = append(content, '\n')
	if err := os.WriteFile(j.path, content, 0644); err != nil {
		j.logger.Error("Failed to write junit report", "path", j.path, "err", err)
		return
	}
	j.logger.Info("Wrote junit report", "path", j.path)
}

func (j *JUnitReporter) build(event RunEndEvent) junitTestSuites {
	bySuite := make(map[string]*junitTestSuite)
	var order []string
	for _, ev := range j.events {
		name := ev.Test.Suite
		if name == "" {
			name = "default"
		}
		suite, ok := bySuite[name]
		if !ok {
			suite = &junitTestSuite{Name: name}
			bySuite[name] = suite
			order = append(order, name)
		}
		suite.Tests++
		if !ev.Passed {
			suite.Failures++
		}
		suite.Cases = append(suite.Cases, buildCase(ev))
	}

	report := junitTestSuites{
		Name:     fmt.Sprintf("synthgate run %s", event.RunID),
		Tests:    event.Summary.Total(),
		Failures: event.Summary.Failed,
		Skipped:  event.Summary.Skipped,
		Time:     junitSeconds(event.Duration),
	}
	for _, name := range order {
		report.Suites = append(report.Suites, *bySuite[name])
	}
	return report
}

func buildCase(ev TestEndEvent) junitTestCase {
	var total time.Duration
	for _, pr := range ev.Results {
		total += resultDuration(pr.Result)
	}
	c := junitTestCase{
		Name:      ev.Test.Name,
		ClassName: ev.Test.PublicID,
		Time:      junitSeconds(total),
	}
	for _, pr := range ev.Results {
		if pr.Result.Passed {
			continue
		}
		kind := "failure"
		if pr.Result.TimedOut {
			kind = "timeout"
		}
		msg := pr.Result.ErrorMessage
		if msg == "" {
			msg = pr.Result.ErrorCode
		}
		c.Failures = append(c.Failures, junitFailure{
			Type:    kind,
			Message: fmt.Sprintf("%s: %s", LocationName(ev.LocationNames, pr.DCID), stripansi.Strip(msg)),
			Body:    api.ResultURL(ev.AppBaseURL, ev.Test.PublicID, pr.ResultID),
		})
	}
	return c
}

func junitSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

type junitTestSuites struct {
	XMLName  xml.Name         `xml:"testsuites"`
	Name     string           `xml:"name,attr"`
	Tests    int              `xml:"tests,attr"`
	Failures int              `xml:"failures,attr"`
	Skipped  int              `xml:"skipped,attr"`
	Time     string           `xml:"time,attr"`
	Suites   []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string         `xml:"name,attr"`
	ClassName string         `xml:"classname,attr"`
	Time      string         `xml:"time,attr"`
	Failures  []junitFailure `xml:"failure"`
}

type junitFailure struct {
	Type    string `xml:"type,attr,omitempty"`
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}
