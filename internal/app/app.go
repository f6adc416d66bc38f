package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"indices2one/internal/checkpoint"
	"indices2one/internal/config"
	"indices2one/internal/metrics"
	"indices2one/internal/planner"
	"indices2one/internal/progress"
	"indices2one/internal/store"
	"indices2one/internal/task"

	"go.uber.org/zap"
)

// ConfirmFunc answers a yes/no question put to the operator. The coordinator
// never reads the console itself.
type ConfirmFunc func(prompt string) bool

// ErrJobExists indicates a checkpoint with the same segments and destination
// already exists and --resume was not given
var ErrJobExists = errors.New("a job with the same segments and destination already exists; re-run with --resume to continue it")

// ErrDeclined indicates the operator answered no to the confirmation prompt
var ErrDeclined = errors.New("migration not confirmed")

// Coordinator drives a migration job segment by segment: it creates or
// resumes the checkpoint, starts one server-side reindex at a time, waits for
// each to finish, and finalizes the destination when nothing remains.
type Coordinator struct {
	cfg         *config.Config
	logger      *zap.Logger
	client      store.Client
	checkpoints checkpoint.Store
	monitor     *task.Monitor
	metrics     *metrics.Collector
	reporter    *progress.Reporter
	confirm     ConfirmFunc

	// sleep is replaceable so tests never wait real time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a coordinator with real collaborators built from the config
func New(cfg *config.Config, logger *zap.Logger, confirm ConfirmFunc) (*Coordinator, error) {
	client, err := store.NewHTTPClient(store.Config{
		Endpoint: cfg.Cluster.Endpoint,
		Username: cfg.Cluster.Username,
		Password: cfg.Cluster.Password,
		Timeout:  time.Duration(cfg.Cluster.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}

	var checkpoints checkpoint.Store
	if cfg.Migration.CheckpointDB != "" {
		checkpoints, err = checkpoint.NewSQLiteStore(cfg.Migration.CheckpointDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	} else {
		checkpoints = checkpoint.NewRemoteStore(client, cfg.Migration.CheckpointIndex)
	}

	return NewWithClient(cfg, logger, client, checkpoints, confirm), nil
}

// NewWithClient wires a coordinator from pre-built collaborators
func NewWithClient(cfg *config.Config, logger *zap.Logger, client store.Client, checkpoints checkpoint.Store, confirm ConfirmFunc) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		logger:      logger,
		client:      client,
		checkpoints: checkpoints,
		monitor:     task.NewMonitor(client),
		metrics:     metrics.New(),
		reporter:    progress.NewReporter(),
		confirm:     confirm,
		sleep:       sleepCtx,
	}
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

// Run executes the migration to completion (or dry-runs it)
func (c *Coordinator) Run(ctx context.Context) error {
	if c.cfg.MetricsAddr != "" {
		go func() {
			if err := c.metrics.StartServer(c.cfg.MetricsAddr); err != nil {
				c.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	segments, err := c.discoverSegments(ctx)
	if err != nil {
		return err
	}

	c.logger.Info("Discovered source indices",
		zap.String("pattern", c.cfg.Migration.SourcePattern),
		zap.Int("count", len(segments)),
		zap.String("destination", c.cfg.Migration.Destination),
	)

	if c.cfg.Migration.DryRun {
		return c.dryRun(ctx, segments)
	}

	cp, err := c.createOrResume(ctx, segments)
	if err != nil {
		return err
	}

	if err := c.runJob(ctx, cp); err != nil {
		c.recordFailure(ctx, cp, err)
		return err
	}
	return nil
}

// discoverSegments lists the indices matching the source pattern. The pattern
// can match the destination or the checkpoint index; those are never treated
// as sources.
func (c *Coordinator) discoverSegments(ctx context.Context) ([]string, error) {
	matched, err := c.client.ListMatching(ctx, c.cfg.Migration.SourcePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list indices matching %q: %w", c.cfg.Migration.SourcePattern, err)
	}

	segments := make([]string, 0, len(matched))
	for _, name := range matched {
		if name == c.cfg.Migration.Destination || name == c.cfg.Migration.CheckpointIndex {
			continue
		}
		segments = append(segments, name)
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("no indices match pattern %q", c.cfg.Migration.SourcePattern)
	}
	return segments, nil
}

// dryRun reports what would be migrated without mutating anything
func (c *Coordinator) dryRun(ctx context.Context, segments []string) error {
	for _, segment := range segments {
		open, err := c.client.IsOpen(ctx, segment)
		if err != nil {
			return fmt.Errorf("failed to inspect index %s: %w", segment, err)
		}

		if !open {
			c.logger.Info("Would migrate index", zap.String("index", segment), zap.Bool("closed", true))
			continue
		}

		count, err := c.client.Count(ctx, segment)
		if err != nil {
			return fmt.Errorf("failed to count index %s: %w", segment, err)
		}
		c.logger.Info("Would migrate index", zap.String("index", segment), zap.Int64("docs", count))
	}

	c.logger.Info("Dry run complete, nothing changed",
		zap.Int("indices", len(segments)),
		zap.String("destination", c.cfg.Migration.Destination),
	)
	return nil
}

// createOrResume finds an existing job for the same segments and destination
// and decides whether to resume it, refuse, or start fresh
func (c *Coordinator) createOrResume(ctx context.Context, segments []string) (*checkpoint.Checkpoint, error) {
	key := checkpoint.NewJobKey(segments, c.cfg.Migration.Destination)

	existing, err := c.checkpoints.FindMatching(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing jobs: %w", err)
	}

	if existing != nil && !c.cfg.Migration.Resume {
		c.logger.Warn("Found an existing job for these parameters",
			zap.String("checkpoint_id", existing.ID),
			zap.String("status", string(existing.Status)),
			zap.String("current_segment", existing.CurrentSegment),
			zap.Time("last_update", existing.LastUpdate),
		)
		return nil, ErrJobExists
	}

	if existing != nil {
		prompt := fmt.Sprintf("Resume job %s (status %s, segment %q, last update %s)?",
			existing.ID, existing.Status, existing.CurrentSegment,
			existing.LastUpdate.Format(time.RFC3339))
		if !c.confirm(prompt) {
			return nil, ErrDeclined
		}

		c.logger.Info("Resuming job",
			zap.String("checkpoint_id", existing.ID),
			zap.String("current_segment", existing.CurrentSegment),
			zap.String("current_task", existing.CurrentTask),
		)
		existing.Status = checkpoint.StatusOK
		existing.Message = "resumed"
		return existing, nil
	}

	prompt := fmt.Sprintf("Migrate %d indices into %q?", len(segments), c.cfg.Migration.Destination)
	if !c.confirm(prompt) {
		return nil, ErrDeclined
	}

	cp := checkpoint.New(segments, c.cfg.Migration.Destination)
	cp.Message = "created"
	c.logger.Info("Starting new job", zap.String("checkpoint_id", cp.ID))
	return cp, nil
}

// runJob drives the segment loop for one checkpoint
func (c *Coordinator) runJob(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := c.checkpoints.EnsureStorage(ctx); err != nil {
		return fmt.Errorf("failed to prepare checkpoint storage: %w", err)
	}

	// The first save both validates write access before any cluster mutation
	// and refreshes liveness so a concurrent invocation sees this job as active
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	if err := c.prepareDestination(ctx); err != nil {
		return err
	}

	for {
		snapshot, err := c.monitor.Poll(ctx, cp.CurrentTask)
		if err != nil {
			return err
		}

		if snapshot.Running {
			// An in-flight operation (fresh or resumed mid-segment) must
			// finish before anything else happens; a resumed job never
			// starts a second operation for the same segment
			if err := c.waitForTask(ctx, cp); err != nil {
				return err
			}
			continue
		}

		// A recorded open with no task handle means the previous run failed
		// between opening the segment and starting its reindex; the segment
		// was never copied, so run it again instead of advancing past it
		if cp.CurrentSegment != "" && cp.CurrentTask == "" && cp.ReopenOnFinish {
			if err := c.beginSegment(ctx, cp, cp.CurrentSegment); err != nil {
				return err
			}
			continue
		}

		// Nothing in flight: settle the finished segment's bookkeeping,
		// then either start the next one or stop
		if err := c.finishSegment(ctx, cp); err != nil {
			return err
		}

		done, err := planner.IsJobComplete(cp, false)
		if err != nil {
			return err
		}
		if done {
			break
		}

		next, err := planner.NextSegment(cp)
		if err != nil {
			return err
		}
		if err := c.beginSegment(ctx, cp, next); err != nil {
			return err
		}
	}

	return c.finalize(ctx, cp)
}

// prepareDestination creates the destination if absent and switches it to
// bulk-load settings for the duration of the job
func (c *Coordinator) prepareDestination(ctx context.Context) error {
	dest := c.cfg.Migration.Destination
	bulk := store.Settings{
		"index": map[string]interface{}{
			"refresh_interval":   "-1",
			"number_of_replicas": 0,
		},
	}

	exists, err := c.client.Exists(ctx, dest)
	if err != nil {
		return fmt.Errorf("failed to check destination %s: %w", dest, err)
	}

	if !exists {
		c.logger.Info("Creating destination index", zap.String("index", dest))
		if err := c.client.Create(ctx, dest, bulk); err != nil {
			return fmt.Errorf("failed to create destination %s: %w", dest, err)
		}
		return nil
	}

	if err := c.client.PutSettings(ctx, dest, bulk); err != nil {
		return fmt.Errorf("failed to apply bulk-load settings to %s: %w", dest, err)
	}
	return nil
}

// waitForTask blocks until the checkpoint's current operation finishes,
// persisting progress and liveness on every poll tick
func (c *Coordinator) waitForTask(ctx context.Context, cp *checkpoint.Checkpoint) error {
	interval := time.Duration(c.cfg.Migration.PollIntervalMs) * time.Millisecond

	return c.monitor.WaitUntilFinished(ctx, cp.CurrentTask, interval, func(s task.ProgressSnapshot) error {
		c.metrics.ObservePoll(s.DocsDone, s.TotalDocs)

		cp.Status = checkpoint.StatusOK
		if s.Running {
			c.reporter.Tick(cp.CurrentSegment, s.DocsDone, s.TotalDocs, s.ElapsedSeconds)
			cp.Message = fmt.Sprintf("migrating %s: %d/%d docs", cp.CurrentSegment, s.DocsDone, s.TotalDocs)
		} else {
			cp.Message = fmt.Sprintf("operation for %s finished", cp.CurrentSegment)
		}
		return c.checkpoints.Save(ctx, cp)
	})
}

// finishSegment settles the bookkeeping for a segment whose operation is no
// longer running: re-closes an auto-opened source and clears the task handle.
// A checkpoint with no started segment passes through untouched.
func (c *Coordinator) finishSegment(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp.CurrentSegment == "" {
		return nil
	}

	finished := cp.CurrentTask != ""
	if finished {
		cp.CurrentTask = ""
		c.metrics.IncSegmentDone()
		c.reporter.SegmentDone(cp.CurrentSegment)
	}

	if cp.ReopenOnFinish {
		// This source was closed before the job touched it; leaving it open
		// would change cluster state beyond the migration itself
		c.logger.Info("Re-closing source index", zap.String("index", cp.CurrentSegment))
		if err := c.client.Close(ctx, cp.CurrentSegment); err != nil {
			return fmt.Errorf("failed to re-close source index %s: %w", cp.CurrentSegment, err)
		}
		cp.ReopenOnFinish = false
	}

	if !finished {
		return nil
	}

	cp.Status = checkpoint.StatusOK
	cp.Message = fmt.Sprintf("finished segment %s", cp.CurrentSegment)
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// beginSegment opens the segment if needed, optionally marks it read-only,
// starts its reindex operation and persists the new position
func (c *Coordinator) beginSegment(ctx context.Context, cp *checkpoint.Checkpoint, segment string) error {
	open, err := c.client.IsOpen(ctx, segment)
	if err != nil {
		return fmt.Errorf("failed to inspect source index %s: %w", segment, err)
	}

	if !open {
		c.logger.Info("Opening closed source index", zap.String("index", segment))
		if err := c.client.Open(ctx, segment); err != nil {
			return fmt.Errorf("failed to open source index %s: %w", segment, err)
		}

		// Record the open immediately so reopen_on_finish always names the
		// segment that was actually opened; a failure between here and the
		// reindex start must not leave the flag paired with the previous
		// segment
		cp.CurrentSegment = segment
		cp.CurrentTask = ""
		cp.ReopenOnFinish = true
		cp.Status = checkpoint.StatusOK
		cp.Message = fmt.Sprintf("opened %s for reindexing", segment)
		if err := c.checkpoints.Save(ctx, cp); err != nil {
			return fmt.Errorf("failed to persist checkpoint: %w", err)
		}

		// The cluster acknowledges the open before the shards are ready, and
		// a reindex issued too early silently copies nothing. The settle
		// delay is a workaround for that specific race, not a retry policy.
		settle := time.Duration(c.cfg.Migration.SettleDelayMs) * time.Millisecond
		if err := c.sleep(ctx, settle); err != nil {
			return err
		}
	}

	if c.cfg.Migration.SourceReadOnly {
		if err := c.client.PutSettings(ctx, segment, readOnlySettings()); err != nil {
			return fmt.Errorf("failed to mark source index %s read-only: %w", segment, err)
		}
	}

	handle, err := c.client.ReindexAsync(ctx, segment, cp.Destination, store.DefaultReindexOptions())
	if err != nil {
		return fmt.Errorf("failed to start reindex of %s: %w", segment, err)
	}

	cp.CurrentSegment = segment
	cp.CurrentTask = handle
	cp.Status = checkpoint.StatusOK
	cp.Message = fmt.Sprintf("reindexing %s into %s", segment, cp.Destination)

	pos, total := segmentPosition(cp, segment)
	c.metrics.SegmentStarted()
	c.reporter.SegmentStarted(segment, pos, total)
	c.logger.Info("Started reindex",
		zap.String("index", segment),
		zap.String("task", handle),
		zap.Int("position", pos),
		zap.Int("total", total),
	)

	if err := c.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// finalize optimizes the destination, restores steady-state settings and
// removes the checkpoint; a successful job leaves no residue
func (c *Coordinator) finalize(ctx context.Context, cp *checkpoint.Checkpoint) error {
	dest := cp.Destination

	c.logger.Info("Optimizing destination index", zap.String("index", dest))
	if err := c.client.ForceMerge(ctx, dest); err != nil {
		return fmt.Errorf("failed to optimize destination %s: %w", dest, err)
	}

	steady := store.Settings{
		"index": map[string]interface{}{
			"refresh_interval":   c.cfg.Migration.RefreshInterval,
			"number_of_replicas": c.cfg.Migration.Replicas,
		},
	}
	if err := c.client.PutSettings(ctx, dest, steady); err != nil {
		return fmt.Errorf("failed to restore settings on %s: %w", dest, err)
	}

	if c.cfg.Migration.DestReadOnly {
		if err := c.client.PutSettings(ctx, dest, readOnlySettings()); err != nil {
			return fmt.Errorf("failed to mark destination %s read-only: %w", dest, err)
		}
	}

	if err := c.checkpoints.Delete(ctx, cp.ID); err != nil {
		return err
	}

	count, err := c.client.Count(ctx, dest)
	if err != nil {
		c.logger.Warn("Failed to count destination for summary", zap.Error(err))
		count = 0
	}
	c.reporter.Summary(len(cp.SourceSegments), dest, count)
	c.logger.Info("Migration completed",
		zap.String("destination", dest),
		zap.Int("segments", len(cp.SourceSegments)),
		zap.Int64("docs", count),
	)
	return nil
}

// recordFailure persists the terminal status before the error propagates.
// The run context may already be cancelled, so the save gets its own.
func (c *Coordinator) recordFailure(ctx context.Context, cp *checkpoint.Checkpoint, runErr error) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if errors.Is(runErr, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		cp.Status = checkpoint.StatusInterrupted
		cp.Message = "interrupted by user"
		c.logger.Warn("Migration interrupted; the in-flight operation keeps running server-side",
			zap.String("current_segment", cp.CurrentSegment),
			zap.String("current_task", cp.CurrentTask),
		)
	} else {
		cp.Status = checkpoint.StatusCrashed
		cp.Message = runErr.Error()
		c.logger.Error("Migration failed", zap.Error(runErr),
			zap.String("current_segment", cp.CurrentSegment),
		)
	}
	c.metrics.IncSegmentFailed()

	if err := c.checkpoints.Save(saveCtx, cp); err != nil {
		c.logger.Error("Failed to persist terminal status", zap.Error(err))
	}
}

// Close cleans up resources
func (c *Coordinator) Close() error {
	if c.checkpoints != nil {
		return c.checkpoints.Close()
	}
	return nil
}

func readOnlySettings() store.Settings {
	return store.Settings{
		"index": map[string]interface{}{
			"blocks": map[string]interface{}{"write": true},
		},
	}
}

// segmentPosition returns the 1-based position of the segment in sorted order
func segmentPosition(cp *checkpoint.Checkpoint, segment string) (int, int) {
	segments := make([]string, len(cp.SourceSegments))
	copy(segments, cp.SourceSegments)
	sort.Strings(segments)
	for i, s := range segments {
		if s == segment {
			return i + 1, len(segments)
		}
	}
	return 0, len(segments)
}
