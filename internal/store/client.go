package store

import (
	"context"
	"encoding/json"
	"time"
)

// Client defines the operations the migration needs from the search cluster
type Client interface {
	// Index operations
	Exists(ctx context.Context, name string) (bool, error)
	IsOpen(ctx context.Context, name string) (bool, error)
	Open(ctx context.Context, name string) error
	Close(ctx context.Context, name string) error
	Create(ctx context.Context, name string, settings Settings) error
	PutSettings(ctx context.Context, name string, settings Settings) error
	Count(ctx context.Context, name string) (int64, error)
	ListMatching(ctx context.Context, pattern string) ([]string, error)
	ForceMerge(ctx context.Context, name string) error

	// Async reindex operations
	ReindexAsync(ctx context.Context, source, dest string, opts ReindexOptions) (string, error)
	TaskStatus(ctx context.Context, taskID string) (*TaskInfo, error)

	// Document operations (used for checkpoint persistence)
	GetAll(ctx context.Context, index string) ([]Document, error)
	Put(ctx context.Context, index, id string, doc interface{}) error
	DeleteDoc(ctx context.Context, index, id string) error
}

// Settings is an index settings body
type Settings map[string]interface{}

// ReindexOptions controls how the server-side copy handles existing documents.
// VersionType "external" keeps newer destination writes from being regressed when
// a segment is re-run; Conflicts "proceed" skips conflicting documents instead of
// aborting the whole operation.
type ReindexOptions struct {
	VersionType string
	Conflicts   string
}

// DefaultReindexOptions returns the options every segment migration uses
func DefaultReindexOptions() ReindexOptions {
	return ReindexOptions{
		VersionType: "external",
		Conflicts:   "proceed",
	}
}

// TaskInfo is the raw progress data of one asynchronous task as the cluster
// reports it. A nil *TaskInfo from TaskStatus means the task is gone (finished
// and cleaned up remotely).
type TaskInfo struct {
	Completed    bool
	RunningNanos int64
	Total        int64
	Created      int64
	Updated      int64
	Deleted      int64
}

// Document is one stored document with its identifier
type Document struct {
	ID     string
	Source json.RawMessage
}

// Config contains client configuration
type Config struct {
	Endpoint string
	Username string
	Password string
	Timeout  time.Duration
}
