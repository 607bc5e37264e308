// Package discovery selects the tests a run will trigger: explicit public
// ids, suite files matched by glob patterns, and remote search queries.
package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"
	"gopkg.in/yaml.v3"

	"github.com/synthgate/synthgate/api"
	"github.com/synthgate/synthgate/metrics"
)

const defaultMaxConcurrentFiles = 8

var publicIDRe = regexp.MustCompile(`^[a-z0-9]{3}-[a-z0-9]{3}-[a-z0-9]{3}$`)

// Searcher resolves a search expression to the tests matching it.
type Searcher interface {
	SearchTests(ctx context.Context, query string) ([]api.TestSummary, error)
}

type Config struct {
	// PublicIDs selects tests directly. Entries may be bare ids or web UI
	// URLs ending in one.
	PublicIDs []string
	// Patterns are glob patterns for suite files. A "**" segment matches
	// any number of directories.
	Patterns []string
	// Search selects the tests matching a remote search expression.
	Search string
	// Searcher is required when Search is set.
	Searcher Searcher
	// GlobalOverride is layered under every per-test override.
	GlobalOverride api.ConfigOverride
	// MaxConcurrentFiles bounds parallel suite file parsing.
	MaxConcurrentFiles int
	Log                log.Logger
}

// suiteFile is the on-disk shape of a *.synthetics.yaml file.
type suiteFile struct {
	Name  string      `yaml:"name"`
	Tests []suiteTest `yaml:"tests"`
}

type suiteTest struct {
	ID     string             `yaml:"id"`
	Config api.ConfigOverride `yaml:"config"`
}

// Discover assembles the run's selection. The sources are exclusive, in
// precedence order: explicit ids beat a search expression, which beats suite
// files matched by glob patterns. Within suite files the order is stable
// (files sorted by path) and a test selected more than once keeps its first
// selection. Unreadable suite files or unusable glob patterns only lose
// their own contribution; a failing search fails discovery since there is
// no way to tell what it would have selected.
func Discover(ctx context.Context, cfg Config) ([]api.TriggerConfig, error) {
	logger := cfg.Log
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}

	if len(cfg.PublicIDs) > 0 {
		var selected []api.TriggerConfig
		for _, raw := range cfg.PublicIDs {
			id, err := NormalizePublicID(raw)
			if err != nil {
				return nil, err
			}
			selected = append(selected, api.TriggerConfig{PublicID: id, Config: cfg.GlobalOverride})
		}
		return dedupe(selected, logger), nil
	}

	if cfg.Search != "" {
		if cfg.Searcher == nil {
			return nil, errors.New("discovery: a searcher is required when search is set")
		}
		found, err := cfg.Searcher.SearchTests(ctx, cfg.Search)
		if err != nil {
			return nil, errors.Wrap(err, "search tests")
		}
		logger.Info("Search matched tests", "query", cfg.Search, "count", len(found))
		selected := make([]api.TriggerConfig, 0, len(found))
		for _, summary := range found {
			selected = append(selected, api.TriggerConfig{
				Suite:    fmt.Sprintf("search: %s", cfg.Search),
				PublicID: summary.PublicID,
				Config:   cfg.GlobalOverride,
			})
		}
		return dedupe(selected, logger), nil
	}

	files := expandPatterns(cfg.Patterns, logger)
	return dedupe(loadSuiteFiles(logger, files, cfg), logger), nil
}

// NormalizePublicID accepts a bare public id or a test's web UI URL and
// returns the bare id.
func NormalizePublicID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	if !publicIDRe.MatchString(id) {
		return "", errors.Errorf("invalid public id %q", raw)
	}
	return id, nil
}

func loadSuiteFiles(logger log.Logger, files []string, cfg Config) []api.TriggerConfig {
	if len(files) == 0 {
		return nil
	}
	maxFiles := cfg.MaxConcurrentFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxConcurrentFiles
	}

	type suiteResult struct {
		configs []api.TriggerConfig
		err     error
	}
	results := make([]suiteResult, len(files))
	p := pool.New().WithMaxGoroutines(maxFiles)
	for i, path := range files {
		p.Go(func() {
			configs, err := loadSuiteFile(path, cfg.GlobalOverride)
			results[i] = suiteResult{configs: configs, err: err}
		})
	}
	p.Wait()

	var out []api.TriggerConfig
	for i, res := range results {
		if res.err != nil {
			logger.Warn("Skipping unreadable suite file", "file", files[i], "err", res.err)
			metrics.RecordErrorDetails("suite file", res.err)
			continue
		}
		logger.Debug("Loaded suite file", "file", files[i], "tests", len(res.configs))
		out = append(out, res.configs...)
	}
	return out
}

func loadSuiteFile(path string, global api.ConfigOverride) ([]api.TriggerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading suite file")
	}
	var suite suiteFile
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, errors.Wrap(err, "parsing suite file")
	}
	name := suite.Name
	if name == "" {
		name = filepath.Base(path)
	}
	configs := make([]api.TriggerConfig, 0, len(suite.Tests))
	for _, test := range suite.Tests {
		if test.ID == "" {
			return nil, errors.Errorf("suite %q has a test with no id", name)
		}
		id, err := NormalizePublicID(test.ID)
		if err != nil {
			return nil, err
		}
		configs = append(configs, api.TriggerConfig{
			Suite:    name,
			PublicID: id,
			Config:   global.Merge(test.Config),
		})
	}
	return configs, nil
}

func expandPatterns(patterns []string, logger log.Logger) []string {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := expandPattern(pattern)
		if err != nil {
			logger.Warn("Skipping unusable glob pattern", "pattern", pattern, "err", err)
			continue
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files
}

// expandPattern resolves one glob. A "**" segment matches any number of
// directories, which filepath.Glob alone does not support.
func expandPattern(pattern string) ([]string, error) {
	if !strings.Contains(pattern, "**") {
		return filepath.Glob(pattern)
	}
	prefix, suffix, _ := strings.Cut(pattern, "**")
	root := "."
	if prefix != "" {
		root = filepath.Clean(prefix)
	}
	suffix = strings.TrimPrefix(suffix, "/")
	suffixSegments := len(strings.Split(suffix, "/"))

	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		tail := d.Name()
		if suffixSegments > 1 {
			rel, rerr := filepath.Rel(root, path)
			if rerr != nil {
				return rerr
			}
			segments := strings.Split(filepath.ToSlash(rel), "/")
			if len(segments) < suffixSegments {
				return nil
			}
			tail = strings.Join(segments[len(segments)-suffixSegments:], "/")
		}
		ok, merr := filepath.Match(suffix, tail)
		if merr != nil {
			return merr
		}
		if ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// dedupe keeps the first selection of each test.
func dedupe(selected []api.TriggerConfig, logger log.Logger) []api.TriggerConfig {
	seen := make(map[string]bool, len(selected))
	out := make([]api.TriggerConfig, 0, len(selected))
	for _, tc := range selected {
		if seen[tc.PublicID] {
			logger.Debug("Skipping duplicate test selection", "public_id", tc.PublicID)
			continue
		}
		seen[tc.PublicID] = true
		out = append(out, tc)
	}
	return out
}
