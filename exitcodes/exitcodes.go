// Package exitcodes defines the exit codes used by the synthgate CLI.
//
// The run command collapses every failure into a single non-zero code so CI
// gates only need to distinguish pass from fail. The upload command keeps
// distinct codes so callers can tell bad input apart from transport trouble.
package exitcodes

const (
	// Success indicates the run completed and no blocking test failed.
	Success = 0
	// Failure indicates a blocking test failed or the run could not complete.
	Failure = 1
	// UploadInvalidInput indicates the upload command was given unusable arguments.
	UploadInvalidInput = 2
	// UploadMissingFile indicates the file passed to the upload command does not exist.
	UploadMissingFile = 3
	// UploadFailure indicates the upload did not succeed after exhausting retries.
	UploadFailure = 4
)
