// Package uploader pushes dependency bundles through short-lived presigned
// upload slots so the remote runners can fetch them before executing tests.
package uploader

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/synthgate/synthgate/api"
	"github.com/synthgate/synthgate/metrics"
)

const (
	DefaultMaxAttempts = 5
	DefaultDelay       = 2 * time.Second
)

// ContentType is sent with every payload. Bundles are always gzipped
// tarballs.
const ContentType = "application/gzip"

// API is the slice of the backend client the uploader needs.
type API interface {
	GetPresignedUploadURL(ctx context.Context, name string) (*api.PresignedUpload, error)
	Put(ctx context.Context, url string, payload []byte, contentType string) error
}

// Policy controls the retry loop. Attempts are spaced by a fixed delay and
// a status on the non-retryable list aborts immediately.
type Policy struct {
	MaxAttempts  int
	Delay        time.Duration
	NonRetryable []int
}

// DefaultPolicy returns the standard upload policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
		NonRetryable: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusRequestEntityTooLarge,
		},
	}
}

// Config configures an Uploader.
type Config struct {
	Client API
	Policy Policy
	Log    log.Logger
}

// Uploader retries uploads against fresh presigned slots until one succeeds
// or the policy gives up.
type Uploader struct {
	client API
	policy Policy
	logger log.Logger
}

// New creates an Uploader. Zero policy fields fall back to DefaultPolicy.
func New(cfg Config) (*Uploader, error) {
	if cfg.Client == nil {
		return nil, errors.New("no API client provided")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	policy := cfg.Policy
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.Delay <= 0 {
		policy.Delay = DefaultDelay
	}
	if policy.NonRetryable == nil {
		policy.NonRetryable = DefaultPolicy().NonRetryable
	}
	return &Uploader{
		client: cfg.Client,
		policy: policy,
		logger: cfg.Log,
	}, nil
}

// Upload pushes payload under name. Every attempt requests a fresh
// presigned slot because slots expire quickly.
func (u *Uploader) Upload(ctx context.Context, name string, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= u.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, u.policy.Delay); err != nil {
				return err
			}
		}
		err := u.tryOnce(ctx, name, payload)
		metrics.RecordUploadAttempt(err)
		if err == nil {
			u.logger.Info("Uploaded dependencies", "name", name, "size", len(payload), "attempt", attempt)
			return nil
		}
		lastErr = err
		status := api.StatusCode(err)
		if u.nonRetryable(status) {
			u.logger.Error("Upload rejected", "name", name, "status", status, "err", err)
			return &UploadError{Name: name, Status: status, Err: err}
		}
		u.logger.Warn("Upload attempt failed, trying again",
			"name", name,
			"attempt", attempt,
			"max_attempts", u.policy.MaxAttempts,
			"err", err)
	}
	return &UploadError{Name: name, Status: api.StatusCode(lastErr), Err: lastErr}
}

// UploadFile reads path and uploads it. An empty name defaults to the file's
// base name.
func (u *Uploader) UploadFile(ctx context.Context, path, name string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	return u.Upload(ctx, name, payload)
}

func (u *Uploader) tryOnce(ctx context.Context, name string, payload []byte) error {
	slot, err := u.client.GetPresignedUploadURL(ctx, name)
	if err != nil {
		return errors.Wrap(err, "requesting upload slot")
	}
	if err := u.client.Put(ctx, slot.URL, payload, ContentType); err != nil {
		return errors.Wrap(err, "pushing payload")
	}
	return nil
}

func (u *Uploader) nonRetryable(status int) bool {
	for _, s := range u.policy.NonRetryable {
		if status == s {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
