// Package task polls the cluster for the progress of asynchronous operations.
package task

import (
	"context"
	"fmt"
	"time"

	"indices2one/internal/store"
)

// ProgressSnapshot is the normalized progress of one asynchronous operation
type ProgressSnapshot struct {
	Running        bool
	ElapsedSeconds float64
	TotalDocs      int64
	DocsDone       int64
}

// Monitor queries the live status of asynchronous cluster tasks
type Monitor struct {
	client store.Client

	// sleep is replaceable so tests never wait real time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMonitor creates a task monitor
func NewMonitor(client store.Client) *Monitor {
	return &Monitor{
		client: client,
		sleep:  sleepCtx,
	}
}

// WithSleep replaces the wait between polls; tests use it to avoid real time
func (m *Monitor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Monitor {
	m.sleep = sleep
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll returns the current progress of the task. An empty handle means no
// task was ever started and reports not-running without a remote call. A
// task the cluster no longer knows has finished and been cleaned up, which
// also reports not-running.
func (m *Monitor) Poll(ctx context.Context, handle string) (ProgressSnapshot, error) {
	if handle == "" {
		return ProgressSnapshot{}, nil
	}

	info, err := m.client.TaskStatus(ctx, handle)
	if err != nil {
		return ProgressSnapshot{}, fmt.Errorf("failed to poll task %s: %w", handle, err)
	}
	if info == nil {
		return ProgressSnapshot{}, nil
	}

	return ProgressSnapshot{
		Running:        !info.Completed,
		ElapsedSeconds: float64(info.RunningNanos) / 1e9,
		TotalDocs:      info.Total,
		DocsDone:       info.Created + info.Updated + info.Deleted,
	}, nil
}

// WaitUntilFinished polls the task until it stops running, invoking onTick
// with every snapshot so the caller can persist and report progress. There is
// no iteration bound: reindex duration is data-dependent and unbounded, so
// termination rests on the remote operation finishing or ctx being cancelled.
func (m *Monitor) WaitUntilFinished(ctx context.Context, handle string, interval time.Duration, onTick func(ProgressSnapshot) error) error {
	for {
		snapshot, err := m.Poll(ctx, handle)
		if err != nil {
			return err
		}

		if onTick != nil {
			if err := onTick(snapshot); err != nil {
				return err
			}
		}

		if !snapshot.Running {
			return nil
		}

		if err := m.sleep(ctx, interval); err != nil {
			return err
		}
	}
}
