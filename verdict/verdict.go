// Package verdict reduces raw poll results to pass/fail decisions, both per
// test and for the run as a whole.
package verdict

import (
	"sort"

	"github.com/synthgate/synthgate/api"
)

// HasSucceeded reports whether every result in the set passed. An empty set
// is not a pass: a test that produced no results cannot vouch for anything.
func HasSucceeded(results []api.PollResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Result.Passed {
			return false
		}
	}
	return true
}

// IsBlocking reports whether the test's failure should fail the run. Tests
// block unless their execution rule says otherwise.
func IsBlocking(t *api.Test) bool {
	if t.Options.CI == nil {
		return true
	}
	return t.Options.CI.ExecutionRule != api.ExecutionRuleNonBlocking
}

// Compare orders two tests for reporting. Passing tests sort before failing
// ones, and among tests with the same pass state non-blocking sorts before
// blocking, so the failures that gate the run read last.
func Compare(a, b *api.Test, resultsByID map[string][]api.PollResult) int {
	aPassed := HasSucceeded(resultsByID[a.PublicID])
	bPassed := HasSucceeded(resultsByID[b.PublicID])
	if aPassed != bPassed {
		if aPassed {
			return -1
		}
		return 1
	}
	aBlocking := IsBlocking(a)
	bBlocking := IsBlocking(b)
	if aBlocking == bBlocking {
		return 0
	}
	if aBlocking {
		return 1
	}
	return -1
}

// SortForReport orders tests with Compare. Ties keep their original relative
// order.
func SortForReport(tests []*api.Test, resultsByID map[string][]api.PollResult) {
	sort.SliceStable(tests, func(i, j int) bool {
		return Compare(tests[i], tests[j], resultsByID) < 0
	})
}

// RunPassed reports whether the run as a whole succeeds: every failure, if
// any, came from a non-blocking test.
func RunPassed(tests []*api.Test, resultsByID map[string][]api.PollResult) bool {
	for _, t := range tests {
		if IsBlocking(t) && !HasSucceeded(resultsByID[t.PublicID]) {
			return false
		}
	}
	return true
}
