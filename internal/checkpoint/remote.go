package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"indices2one/internal/store"
)

// RemoteStore persists checkpoints as documents in a dedicated index on the
// cluster itself, so the job record survives the coordinator host
type RemoteStore struct {
	client store.Client
	index  string
	now    func() time.Time
}

// NewRemoteStore creates a checkpoint store backed by the given index
func NewRemoteStore(client store.Client, index string) *RemoteStore {
	return &RemoteStore{
		client: client,
		index:  index,
		now:    time.Now,
	}
}

// FindMatching scans all persisted checkpoints for one with the same job
// identity. An absent checkpoint index means no checkpoints exist yet.
func (s *RemoteStore) FindMatching(ctx context.Context, key JobKey) (*Checkpoint, error) {
	docs, err := s.client.GetAll(ctx, s.index)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for _, doc := range docs {
		var c Checkpoint
		if err := json.Unmarshal(doc.Source, &c); err != nil {
			return nil, fmt.Errorf("%w: malformed checkpoint %s: %v", ErrStoreUnavailable, doc.ID, err)
		}
		if key.Matches(&c) {
			return &c, nil
		}
	}
	return nil, nil
}

// Save upserts the checkpoint document by its id
func (s *RemoteStore) Save(ctx context.Context, c *Checkpoint) error {
	stamp(c, s.now())
	if err := s.client.Put(ctx, s.index, c.ID, c); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return nil
}

// Delete removes the checkpoint document; the client already treats a missing
// document as success
func (s *RemoteStore) Delete(ctx context.Context, id string) error {
	if err := s.client.DeleteDoc(ctx, s.index, id); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}

// EnsureStorage creates the checkpoint index if it does not exist
func (s *RemoteStore) EnsureStorage(ctx context.Context) error {
	exists, err := s.client.Exists(ctx, s.index)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if exists {
		return nil
	}

	settings := store.Settings{
		"index": map[string]interface{}{
			"number_of_shards":   1,
			"number_of_replicas": 1,
		},
	}
	if err := s.client.Create(ctx, s.index, settings); err != nil {
		return fmt.Errorf("failed to create checkpoint index %s: %w", s.index, err)
	}
	return nil
}

// Close is a no-op; the underlying client is owned by the caller
func (s *RemoteStore) Close() error {
	return nil
}
