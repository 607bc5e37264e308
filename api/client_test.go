package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL: server.URL,
		APIKey:  "api-key",
		AppKey:  "app-key",
		Timeout: 5 * time.Second,
		Log:     testlog.Logger(t, log.LevelDebug),
	})
	require.NoError(t, err)
	return client, server
}

func TestNewClientValidation(t *testing.T) {
	logger := testlog.Logger(t, log.LevelInfo)

	_, err := NewClient(Config{Site: "synthgate.io", Log: logger})
	require.Error(t, err, "missing credentials must be rejected")

	_, err = NewClient(Config{APIKey: "k", AppKey: "a", Log: logger})
	require.Error(t, err, "missing site must be rejected")

	client, err := NewClient(Config{Site: "synthgate.io", APIKey: "k", AppKey: "a", Log: logger})
	require.NoError(t, err)
	require.Equal(t, "https://api.synthgate.io", client.baseURL)
}

func TestClientSendsAuthHeaders(t *testing.T) {
	var gotAPIKey, gotAppKey string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("SG-API-KEY")
		gotAppKey = r.Header.Get("SG-APP-KEY")
		_ = json.NewEncoder(w).Encode(Test{PublicID: "abc-def-ghi", Name: "checkout"})
	}))

	test, err := client.GetTest(context.Background(), "abc-def-ghi")
	require.NoError(t, err)
	require.Equal(t, "abc-def-ghi", test.PublicID)
	require.Equal(t, "api-key", gotAPIKey)
	require.Equal(t, "app-key", gotAppKey)
}

func TestClientSearchTests(t *testing.T) {
	var gotQuery string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("text")
		_ = json.NewEncoder(w).Encode(SearchResponse{Tests: []TestSummary{
			{PublicID: "abc-def-ghi", Name: "checkout"},
			{PublicID: "jkl-mno-pqr", Name: "login"},
		}})
	}))

	tests, err := client.SearchTests(context.Background(), "tag:ci state:live")
	require.NoError(t, err)
	require.Equal(t, "tag:ci state:live", gotQuery)
	require.Len(t, tests, 2)
	require.Equal(t, "jkl-mno-pqr", tests[1].PublicID)
}

func TestClientTriggerTests(t *testing.T) {
	var gotPath string
	var gotReq TriggerRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(TriggerResponse{
			Results:   []TriggerResult{{PublicID: "abc-def-ghi", ResultID: "4930", Location: 1}},
			Locations: []Location{{ID: 1, Name: "Frankfurt (AWS)"}},
		})
	}))

	resp, err := client.TriggerTests(context.Background(), TriggerRequest{
		Tests: []TriggerConfig{{Suite: "checkout", PublicID: "abc-def-ghi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "/api/v1/synthetics/tests/trigger/ci", gotPath)
	require.Len(t, gotReq.Tests, 1)
	require.Equal(t, "abc-def-ghi", gotReq.Tests[0].PublicID)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "4930", resp.Results[0].ResultID)
	require.Equal(t, "Frankfurt (AWS)", resp.Locations[0].Name)
}

func TestClientPollResultsResolvesState(t *testing.T) {
	var gotMethod string
	var gotIDs []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("result_ids")), &gotIDs))
		_, _ = w.Write([]byte(`{"results": [
			{"result_id": "1", "dc_id": 1, "result": {"passed": true, "event_type": "finished"}},
			{"result_id": "2", "dc_id": 1, "result": {"passed": false, "event_type": "error", "error_message": "connection refused"}},
			{"result_id": "3", "dc_id": 2, "result": {"event_type": "in_progress"}}
		]}`))
	}))

	results, err := client.PollResults(context.Background(), []string{"1", "2", "3"})
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, gotMethod)
	require.Equal(t, []string{"1", "2", "3"}, gotIDs)
	require.Len(t, results, 3)
	assert.Equal(t, ResultStateFinished, results[0].Result.State)
	assert.True(t, results[0].Result.State.Terminal())
	assert.Equal(t, ResultStateError, results[1].Result.State)
	assert.True(t, results[1].Result.State.Terminal())
	assert.Equal(t, ResultStatePending, results[2].Result.State)
	assert.False(t, results[2].Result.State.Terminal())
}

func TestClientHTTPError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))

	_, err := client.GetTest(context.Background(), "abc-def-ghi")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, StatusCode(err))

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Contains(t, httpErr.Body, "forbidden")
}

func TestStatusCodeNonHTTPError(t *testing.T) {
	require.Equal(t, 0, StatusCode(errors.New("dial tcp: connection refused")))
	require.Equal(t, 0, StatusCode(nil))
}

func TestClientPut(t *testing.T) {
	var gotBody []byte
	var gotContentType, gotAPIKey string
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotContentType = r.Header.Get("Content-Type")
		gotAPIKey = r.Header.Get("SG-API-KEY")
		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
	}))

	err := client.Put(context.Background(), server.URL+"/slot", []byte("payload"), "application/zip")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), gotBody)
	require.Equal(t, "application/zip", gotContentType)
	require.Empty(t, gotAPIKey, "presigned uploads must not carry API credentials")
}

func TestClientPutStatusError(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))

	err := client.Put(context.Background(), server.URL+"/slot", []byte("payload"), "application/zip")
	require.Error(t, err)
	require.Equal(t, http.StatusRequestEntityTooLarge, StatusCode(err))
}

func TestMetricEndpoint(t *testing.T) {
	assert.Equal(t, "/api/v1/synthetics/tests/:public_id", metricEndpoint("/api/v1/synthetics/tests/abc-def-ghi"))
	assert.Equal(t, "/api/v1/synthetics/tests/search", metricEndpoint("/api/v1/synthetics/tests/search?text=tag%3Aci"))
	assert.Equal(t, "/api/v1/synthetics/tests/poll_results", metricEndpoint("/api/v1/synthetics/tests/poll_results"))
	assert.Equal(t, "/api/v1/synthetics/tests/trigger/ci", metricEndpoint("/api/v1/synthetics/tests/trigger/ci"))
}
