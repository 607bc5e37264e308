package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthgate/synthgate/api"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type fakeSearcher struct {
	gotQuery  string
	summaries []api.TestSummary
	err       error
}

func (f *fakeSearcher) SearchTests(_ context.Context, query string) ([]api.TestSummary, error) {
	f.gotQuery = query
	return f.summaries, f.err
}

func TestNormalizePublicID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare id", in: "abc-def-ghi", want: "abc-def-ghi"},
		{name: "surrounding whitespace", in: "  abc-def-ghi\n", want: "abc-def-ghi"},
		{name: "web ui url", in: "https://app.synthgate.io/synthetics/details/abc-def-ghi", want: "abc-def-ghi"},
		{name: "numeric segments", in: "a1b-2c3-d4e", want: "a1b-2c3-d4e"},
		{name: "uppercase rejected", in: "ABC-DEF-GHI", wantErr: true},
		{name: "wrong shape", in: "not-an-id", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePublicID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDiscoverSuiteFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "checkout.synthetics.yaml"), `
name: checkout
tests:
  - id: abc-def-ghi
    config:
      headers:
        X-Suite: checkout
  - id: jkl-mno-pqr
`)
	writeFile(t, filepath.Join(dir, "nested", "login.synthetics.yaml"), `
name: login
tests:
  - id: stu-vwx-yz0
`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a suite")

	selected, err := Discover(context.Background(), Config{
		Patterns:       []string{filepath.Join(dir, "**", "*.synthetics.yaml")},
		GlobalOverride: api.ConfigOverride{Headers: map[string]string{"X-Env": "ci"}},
		Log:            testlog.Logger(t, log.LevelDebug),
	})
	require.NoError(t, err)
	require.Len(t, selected, 3)

	assert.Equal(t, "checkout", selected[0].Suite)
	assert.Equal(t, "abc-def-ghi", selected[0].PublicID)
	assert.Equal(t, map[string]string{"X-Env": "ci", "X-Suite": "checkout"}, selected[0].Config.Headers,
		"per-test overrides merge on top of the global override")

	assert.Equal(t, "jkl-mno-pqr", selected[1].PublicID)
	assert.Equal(t, map[string]string{"X-Env": "ci"}, selected[1].Config.Headers)

	assert.Equal(t, "login", selected[2].Suite)
	assert.Equal(t, "stu-vwx-yz0", selected[2].PublicID)
}

func TestDiscoverSkipsMalformedSuite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.synthetics.yaml"), `
name: good
tests:
  - id: abc-def-ghi
`)
	writeFile(t, filepath.Join(dir, "bad.synthetics.yaml"), "{{{ not yaml")

	selected, err := Discover(context.Background(), Config{
		Patterns: []string{filepath.Join(dir, "*.synthetics.yaml")},
		Log:      testlog.Logger(t, log.LevelDebug),
	})
	require.NoError(t, err, "a broken suite file only loses its own contribution")
	require.Len(t, selected, 1)
	assert.Equal(t, "abc-def-ghi", selected[0].PublicID)
}

func TestDiscoverExplicitIDs(t *testing.T) {
	selected, err := Discover(context.Background(), Config{
		PublicIDs: []string{"abc-def-ghi", "https://app.synthgate.io/synthetics/details/jkl-mno-pqr"},
		Log:       testlog.Logger(t, log.LevelDebug),
	})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "abc-def-ghi", selected[0].PublicID)
	assert.Equal(t, "jkl-mno-pqr", selected[1].PublicID)

	_, err = Discover(context.Background(), Config{
		PublicIDs: []string{"definitely not an id"},
		Log:       testlog.Logger(t, log.LevelDebug),
	})
	require.Error(t, err, "an explicit id that cannot be parsed fails discovery")
}

func TestDiscoverExplicitIDsTakePrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "suite.synthetics.yaml"), `
name: suite
tests:
  - id: abc-def-ghi
    config:
      start_url: https://from-suite.example.com
  - id: jkl-mno-pqr
`)

	selected, err := Discover(context.Background(), Config{
		PublicIDs: []string{"abc-def-ghi"},
		Patterns:  []string{filepath.Join(dir, "*.synthetics.yaml")},
		Log:       testlog.Logger(t, log.LevelDebug),
	})
	require.NoError(t, err)
	require.Len(t, selected, 1, "explicit ids replace suite file discovery entirely")
	assert.Equal(t, "abc-def-ghi", selected[0].PublicID)
	assert.Empty(t, selected[0].Suite)
	assert.Empty(t, selected[0].Config.StartURL)
}

func TestDiscoverDedupesSuiteFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.synthetics.yaml"), `
name: first
tests:
  - id: abc-def-ghi
    config:
      start_url: https://first.example.com
`)
	writeFile(t, filepath.Join(dir, "b.synthetics.yaml"), `
name: second
tests:
  - id: abc-def-ghi
    config:
      start_url: https://second.example.com
`)

	selected, err := Discover(context.Background(), Config{
		Patterns: []string{filepath.Join(dir, "*.synthetics.yaml")},
		Log:      testlog.Logger(t, log.LevelDebug),
	})
	require.NoError(t, err)
	require.Len(t, selected, 1, "a test selected twice keeps its first selection")
	assert.Equal(t, "first", selected[0].Suite)
	assert.Equal(t, "https://first.example.com", selected[0].Config.StartURL)
}

func TestDiscoverSearch(t *testing.T) {
	searcher := &fakeSearcher{summaries: []api.TestSummary{
		{PublicID: "abc-def-ghi", Name: "checkout"},
		{PublicID: "jkl-mno-pqr", Name: "login"},
	}}

	selected, err := Discover(context.Background(), Config{
		Search:         "tag:ci state:live",
		Searcher:       searcher,
		GlobalOverride: api.ConfigOverride{StartURL: "https://staging.example.com"},
		Log:            testlog.Logger(t, log.LevelDebug),
	})
	require.NoError(t, err)
	require.Equal(t, "tag:ci state:live", searcher.gotQuery)
	require.Len(t, selected, 2)
	assert.Equal(t, "search: tag:ci state:live", selected[0].Suite)
	assert.Equal(t, "https://staging.example.com", selected[0].Config.StartURL)
}

func TestDiscoverSearchFailure(t *testing.T) {
	_, err := Discover(context.Background(), Config{
		Search:   "tag:ci",
		Searcher: &fakeSearcher{err: errors.New("backend unavailable")},
		Log:      testlog.Logger(t, log.LevelDebug),
	})
	require.Error(t, err)

	_, err = Discover(context.Background(), Config{
		Search: "tag:ci",
		Log:    testlog.Logger(t, log.LevelDebug),
	})
	require.Error(t, err, "a search expression without a searcher is a programming error")
}

func TestDiscoverNothingConfigured(t *testing.T) {
	selected, err := Discover(context.Background(), Config{
		Log: testlog.Logger(t, log.LevelDebug),
	})
	require.NoError(t, err)
	require.Empty(t, selected)
}

func TestExpandPatternMultiSegmentSuffix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "env", "suites", "a.yaml"), "name: a")
	writeFile(t, filepath.Join(dir, "suites", "b.yaml"), "name: b")
	writeFile(t, filepath.Join(dir, "c.yaml"), "name: c")

	matches, err := expandPattern(filepath.Join(dir, "**", "suites", "*.yaml"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		filepath.Join(dir, "env", "suites", "a.yaml"),
		filepath.Join(dir, "suites", "b.yaml"),
	}, matches)
}
