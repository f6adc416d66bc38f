package checkpoint

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status represents the recorded state of a migration job
type Status string

const (
	StatusOK          Status = "OK"
	StatusCrashed     Status = "CRASHED"
	StatusInterrupted Status = "INTERRUPTED"
)

// ErrStoreUnavailable indicates the backing store could not be queried at all,
// as opposed to holding no matching checkpoint
var ErrStoreUnavailable = errors.New("checkpoint store unavailable")

// ErrWriteRejected indicates the backing store refused a checkpoint write
var ErrWriteRejected = errors.New("checkpoint write rejected")

// Checkpoint is the persisted record of one migration job's progress
type Checkpoint struct {
	ID             string    `json:"id"`
	SourceSegments []string  `json:"source_segments"`
	Destination    string    `json:"destination"`
	CurrentSegment string    `json:"current_segment"`
	CurrentTask    string    `json:"current_task_handle"`
	ReopenOnFinish bool      `json:"reopen_on_finish"`
	Host           string    `json:"host"`
	ProcessID      int       `json:"process_id"`
	Status         Status    `json:"status"`
	Message        string    `json:"message"`
	LastUpdate     time.Time `json:"last_update"`
}

// New creates a checkpoint for a fresh job. Segments are stored sorted so the
// processing order never depends on how the cluster listed them.
func New(segments []string, destination string) *Checkpoint {
	sorted := make([]string, len(segments))
	copy(sorted, segments)
	sort.Strings(sorted)

	return &Checkpoint{
		ID:             uuid.NewString(),
		SourceSegments: sorted,
		Destination:    destination,
		Status:         StatusOK,
	}
}

// Key returns the job identity of this checkpoint
func (c *Checkpoint) Key() JobKey {
	return NewJobKey(c.SourceSegments, c.Destination)
}

// JobKey identifies a logically-equivalent migration run across restarts:
// the sorted segment set plus the destination
type JobKey struct {
	Segments    []string
	Destination string
}

// NewJobKey builds a job key with a sorted copy of the segments
func NewJobKey(segments []string, destination string) JobKey {
	sorted := make([]string, len(segments))
	copy(sorted, segments)
	sort.Strings(sorted)
	return JobKey{Segments: sorted, Destination: destination}
}

// Matches reports whether the checkpoint belongs to the same job as this key.
// Progress fields and status play no part in the comparison.
func (k JobKey) Matches(c *Checkpoint) bool {
	if c == nil || c.Destination != k.Destination {
		return false
	}
	other := NewJobKey(c.SourceSegments, c.Destination)
	if len(other.Segments) != len(k.Segments) {
		return false
	}
	for i, s := range k.Segments {
		if other.Segments[i] != s {
			return false
		}
	}
	return true
}

// stamp refreshes the liveness fields; every save path goes through it
func stamp(c *Checkpoint, now time.Time) {
	host, _ := os.Hostname()
	c.Host = host
	c.ProcessID = os.Getpid()
	c.LastUpdate = now
}

// Store defines the interface for checkpoint persistence
type Store interface {
	// FindMatching returns the first checkpoint whose job identity equals key,
	// or nil when no checkpoint matches
	FindMatching(ctx context.Context, key JobKey) (*Checkpoint, error)

	// Save upserts the checkpoint by ID, refreshing last_update, host and
	// process_id as part of the write
	Save(ctx context.Context, c *Checkpoint) error

	// Delete removes the checkpoint; a missing checkpoint is not an error
	Delete(ctx context.Context, id string) error

	// EnsureStorage creates the underlying storage if absent
	EnsureStorage(ctx context.Context) error

	// Cleanup
	Close() error
}
