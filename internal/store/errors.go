package store

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the named index or document does not exist
var ErrNotFound = errors.New("not found")

// ErrIndexClosed indicates the operation hit a closed index
var ErrIndexClosed = errors.New("index is closed")

// StatusError is returned for any cluster response that does not map to a
// more specific sentinel error
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cluster returned status %d: %s", e.StatusCode, e.Body)
}
