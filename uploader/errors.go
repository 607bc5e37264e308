package uploader

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// UploadError is returned when an upload could not be completed. Status is
// the HTTP status that stopped it, zero when the failure never reached HTTP.
type UploadError struct {
	Name   string
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	switch e.Status {
	case http.StatusForbidden:
		return fmt.Sprintf("upload of %q was rejected: the configured keys are not authorized to upload", e.Name)
	case http.StatusBadRequest:
		return fmt.Sprintf("upload of %q was rejected as invalid: %v", e.Name, e.Err)
	case http.StatusRequestEntityTooLarge:
		return fmt.Sprintf("upload of %q was rejected: payload too large", e.Name)
	default:
		return fmt.Sprintf("upload of %q failed: %v", e.Name, e.Err)
	}
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsUploadError checks if an error is an UploadError.
func IsUploadError(err error) bool {
	var uploadErr *UploadError
	return errors.As(err, &uploadErr)
}
