// Package api speaks the synthetics backend's CI surface: searching and
// fetching test definitions, triggering batches, polling results, and
// minting presigned URLs for tunnels and artifact uploads.
package api

import "fmt"

// ExecutionRule decides how a test's failure affects the run verdict.
type ExecutionRule string

const (
	// ExecutionRuleBlocking fails the whole run when the test fails.
	ExecutionRuleBlocking ExecutionRule = "blocking"
	// ExecutionRuleNonBlocking reports the failure but lets the run pass.
	ExecutionRuleNonBlocking ExecutionRule = "non_blocking"
	// ExecutionRuleSkipped excludes the test from the run entirely.
	ExecutionRuleSkipped ExecutionRule = "skipped"
)

// ResultState is the lifecycle state of a single execution instance.
type ResultState string

const (
	ResultStatePending  ResultState = "pending"
	ResultStateFinished ResultState = "finished"
	ResultStateError    ResultState = "error"
)

// Terminal reports whether the state will never change again.
func (s ResultState) Terminal() bool {
	return s == ResultStateFinished || s == ResultStateError
}

// ParseResultState maps the raw event type reported by the backend onto a
// ResultState. Unknown event types are treated as still pending.
func ParseResultState(eventType string) ResultState {
	switch eventType {
	case "finished":
		return ResultStateFinished
	case "error":
		return ResultStateError
	default:
		return ResultStatePending
	}
}

// CIOptions carries the CI-facing knobs stored on a test.
type CIOptions struct {
	ExecutionRule ExecutionRule `json:"execution_rule,omitempty" yaml:"execution_rule,omitempty"`
}

// TestOptions is the subset of a test's stored configuration the gate reads.
type TestOptions struct {
	CI        *CIOptions `json:"ci,omitempty" yaml:"ci,omitempty"`
	DeviceIDs []string   `json:"device_ids,omitempty" yaml:"device_ids,omitempty"`
}

// ExecutionRule resolves the effective execution rule, defaulting to
// blocking when the test carries none.
func (o TestOptions) ExecutionRule() ExecutionRule {
	if o.CI == nil || o.CI.ExecutionRule == "" {
		return ExecutionRuleBlocking
	}
	return o.CI.ExecutionRule
}

// Test is the canonical definition of a synthetic test as stored remotely.
// Suite is filled in client side from whichever suite file selected the test.
type Test struct {
	PublicID  string      `json:"public_id"`
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Status    string      `json:"status,omitempty"`
	Locations []string    `json:"locations,omitempty"`
	Options   TestOptions `json:"options"`
	Suite     string      `json:"-"`
}

// TestSummary is the compact form returned by the search endpoint.
type TestSummary struct {
	PublicID string `json:"public_id"`
	Name     string `json:"name"`
	Status   string `json:"status,omitempty"`
}

// SearchResponse is the payload of the test search endpoint.
type SearchResponse struct {
	Tests []TestSummary `json:"tests"`
}

// BasicAuth is an HTTP basic auth credential override.
type BasicAuth struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// ConfigOverride adjusts a stored test definition for one run. Zero values
// mean "keep whatever the stored test configures". Booleans are pointers so
// an explicit false survives merging.
type ConfigOverride struct {
	StartURL                  string            `json:"start_url,omitempty" yaml:"start_url,omitempty"`
	Headers                   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Variables                 map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	DeviceIDs                 []string          `json:"device_ids,omitempty" yaml:"device_ids,omitempty"`
	Locations                 []string          `json:"locations,omitempty" yaml:"locations,omitempty"`
	BasicAuth                 *BasicAuth        `json:"basic_auth,omitempty" yaml:"basic_auth,omitempty"`
	Skip                      *bool             `json:"skip,omitempty" yaml:"skip,omitempty"`
	AllowInsecureCertificates *bool             `json:"allow_insecure_certificates,omitempty" yaml:"allow_insecure_certificates,omitempty"`
	FollowRedirects           *bool             `json:"follow_redirects,omitempty" yaml:"follow_redirects,omitempty"`
	Tunnel                    *TunnelInfo       `json:"tunnel,omitempty" yaml:"-"`
}

// Merge layers other on top of o and returns the combined override. Fields
// set in other win. Headers and variables merge key by key.
func (o ConfigOverride) Merge(other ConfigOverride) ConfigOverride {
	out := o
	if other.StartURL != "" {
		out.StartURL = other.StartURL
	}
	if len(other.Headers) > 0 {
		out.Headers = mergeMaps(o.Headers, other.Headers)
	}
	if len(other.Variables) > 0 {
		out.Variables = mergeMaps(o.Variables, other.Variables)
	}
	if len(other.DeviceIDs) > 0 {
		out.DeviceIDs = other.DeviceIDs
	}
	if len(other.Locations) > 0 {
		out.Locations = other.Locations
	}
	if other.BasicAuth != nil {
		out.BasicAuth = other.BasicAuth
	}
	if other.Skip != nil {
		out.Skip = other.Skip
	}
	if other.AllowInsecureCertificates != nil {
		out.AllowInsecureCertificates = other.AllowInsecureCertificates
	}
	if other.FollowRedirects != nil {
		out.FollowRedirects = other.FollowRedirects
	}
	if other.Tunnel != nil {
		out.Tunnel = other.Tunnel
	}
	return out
}

// Skipped reports whether the override excludes the test from this run.
func (o ConfigOverride) Skipped() bool {
	return o.Skip != nil && *o.Skip
}

func mergeMaps(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// TriggerConfig is one entry in a trigger request: the test to run plus the
// overrides to run it with.
type TriggerConfig struct {
	Suite    string         `json:"suite,omitempty"`
	PublicID string         `json:"public_id"`
	Config   ConfigOverride `json:"config"`
}

// TriggerRequest asks the backend to start one execution per entry.
type TriggerRequest struct {
	Tests []TriggerConfig `json:"tests"`
}

// TriggerResult names one execution instance started by a trigger call.
type TriggerResult struct {
	PublicID string `json:"public_id"`
	ResultID string `json:"result_id"`
	Location int    `json:"location"`
	Device   string `json:"device,omitempty"`
}

// Location maps a numeric datacenter id onto its display name.
type Location struct {
	ID   int    `json:"id"`
	Name string `json:"display_name"`
}

// TriggerResponse is the backend's answer to a trigger request.
type TriggerResponse struct {
	Results   []TriggerResult `json:"results"`
	Locations []Location      `json:"locations"`
}

// Result is the outcome reported for one execution instance.
type Result struct {
	Passed       bool    `json:"passed"`
	EventType    string  `json:"event_type,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Duration     float64 `json:"duration,omitempty"`

	// State is resolved from EventType exactly once when the result is
	// decoded. Downstream code never inspects EventType again.
	State ResultState `json:"-"`
	// TimedOut marks a synthetic result fabricated for an execution that
	// never reached a terminal state before the poll deadline.
	TimedOut bool `json:"-"`
}

// PollResult pairs an execution instance with its current outcome.
type PollResult struct {
	ResultID string `json:"result_id"`
	DCID     int    `json:"dc_id"`
	Device   string `json:"device,omitempty"`
	Result   Result `json:"result"`
}

// TunnelInfo is the rendezvous grant returned when a tunnel is opened. It is
// attached to every trigger entry so probes route through the tunnel.
type TunnelInfo struct {
	Host       string `json:"host"`
	ID         string `json:"id"`
	PrivateKey string `json:"private_key"`
}

// PresignedURL is a short-lived websocket endpoint for the tunnel rendezvous.
type PresignedURL struct {
	URL string `json:"url"`
}

// PresignedUpload is a short-lived slot for pushing one artifact.
type PresignedUpload struct {
	URL string `json:"url"`
	Key string `json:"key,omitempty"`
}

// ResultURL returns the web UI link for one execution result.
func ResultURL(appBaseURL, publicID, resultID string) string {
	return fmt.Sprintf("%s/synthetics/details/%s/result/%s", appBaseURL, publicID, resultID)
}
