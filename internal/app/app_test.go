package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"indices2one/internal/checkpoint"
	"indices2one/internal/config"
	"indices2one/internal/progress"
	"indices2one/internal/store"
	"indices2one/internal/task"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeIndex struct {
	open bool
	docs int64
}

// taskScript controls how the fake cluster reports one reindex task
type taskScript struct {
	pollsLeft int   // polls reported as running before completion
	neverDone bool  // always reported as running
	gone      bool  // cluster no longer knows the task
	failPoll  error // returned by TaskStatus when set
	failStart error // returned by ReindexAsync when set
	total     int64
}

// fakeCluster is an in-memory stand-in for the search cluster
type fakeCluster struct {
	mu         sync.Mutex
	indices    map[string]*fakeIndex
	scripts    map[string]*taskScript // per source index
	tasks      map[string]*taskScript
	taskSeq    int
	docsByIdx  map[string]map[string]json.RawMessage
	reindexed  []string
	merged     []string
	opened     []string
	closedIdx  []string
	settingsOf map[string][]store.Settings
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		indices:    make(map[string]*fakeIndex),
		scripts:    make(map[string]*taskScript),
		tasks:      make(map[string]*taskScript),
		docsByIdx:  make(map[string]map[string]json.RawMessage),
		settingsOf: make(map[string][]store.Settings),
	}
}

func (f *fakeCluster) addIndex(name string, open bool, docs int64) {
	f.indices[name] = &fakeIndex{open: open, docs: docs}
}

func (f *fakeCluster) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.indices[name]
	return ok, nil
}

func (f *fakeCluster) IsOpen(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indices[name]
	if !ok {
		return false, store.ErrNotFound
	}
	return idx.open, nil
}

func (f *fakeCluster) Open(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indices[name]
	if !ok {
		return store.ErrNotFound
	}
	idx.open = true
	f.opened = append(f.opened, name)
	return nil
}

func (f *fakeCluster) Close(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indices[name]
	if !ok {
		return store.ErrNotFound
	}
	idx.open = false
	f.closedIdx = append(f.closedIdx, name)
	return nil
}

func (f *fakeCluster) Create(_ context.Context, name string, settings store.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indices[name] = &fakeIndex{open: true}
	f.docsByIdx[name] = make(map[string]json.RawMessage)
	f.settingsOf[name] = append(f.settingsOf[name], settings)
	return nil
}

func (f *fakeCluster) PutSettings(_ context.Context, name string, settings store.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.indices[name]; !ok {
		return store.ErrNotFound
	}
	f.settingsOf[name] = append(f.settingsOf[name], settings)
	return nil
}

func (f *fakeCluster) Count(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.indices[name]
	if !ok {
		return 0, store.ErrNotFound
	}
	if !idx.open {
		return 0, store.ErrIndexClosed
	}
	return idx.docs, nil
}

func (f *fakeCluster) ListMatching(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var names []string
	for name := range f.indices {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeCluster) ForceMerge(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, name)
	return nil
}

func (f *fakeCluster) ReindexAsync(_ context.Context, source, dest string, _ store.ReindexOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script, ok := f.scripts[source]
	if !ok {
		script = &taskScript{pollsLeft: 1, total: f.indices[source].docs}
	}
	if script.failStart != nil {
		return "", script.failStart
	}
	f.taskSeq++
	handle := fmt.Sprintf("node-1:%d", f.taskSeq)
	f.tasks[handle] = script
	f.reindexed = append(f.reindexed, source)
	return handle, nil
}

func (f *fakeCluster) TaskStatus(_ context.Context, taskID string) (*store.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script, ok := f.tasks[taskID]
	if !ok || script.gone {
		return nil, nil
	}
	if script.failPoll != nil {
		return nil, script.failPoll
	}
	if script.neverDone || script.pollsLeft > 0 {
		script.pollsLeft--
		return &store.TaskInfo{Completed: false, RunningNanos: 1e9, Total: script.total}, nil
	}
	return &store.TaskInfo{Completed: true, RunningNanos: 2e9, Total: script.total, Created: script.total}, nil
}

func (f *fakeCluster) GetAll(_ context.Context, index string) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs, ok := f.docsByIdx[index]
	if !ok {
		return nil, store.ErrNotFound
	}
	var out []store.Document
	for id, src := range docs {
		out = append(out, store.Document{ID: id, Source: src})
	}
	return out, nil
}

func (f *fakeCluster) Put(_ context.Context, index, id string, doc interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if f.docsByIdx[index] == nil {
		f.docsByIdx[index] = make(map[string]json.RawMessage)
	}
	f.docsByIdx[index][id] = data
	return nil
}

func (f *fakeCluster) DeleteDoc(_ context.Context, index, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if docs, ok := f.docsByIdx[index]; ok {
		delete(docs, id)
	}
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func testConfig() *config.Config {
	return &config.Config{
		LogLevel: "info",
		Cluster:  config.Cluster{Endpoint: "http://localhost:9200"},
		Migration: config.Migration{
			SourcePattern:   "logs-*",
			Destination:     "logs-all",
			AutoConfirm:     true,
			CheckpointIndex: ".migrate-checkpoints",
			PollIntervalMs:  1,
			SettleDelayMs:   1,
			Replicas:        1,
			RefreshInterval: "1s",
		},
	}
}

func newTestCoordinator(t *testing.T, cfg *config.Config, cluster *fakeCluster, confirm ConfirmFunc, sleep func(context.Context, time.Duration) error) (*Coordinator, checkpoint.Store) {
	t.Helper()
	if confirm == nil {
		confirm = func(string) bool { return true }
	}
	if sleep == nil {
		sleep = noSleep
	}

	cps := checkpoint.NewRemoteStore(cluster, cfg.Migration.CheckpointIndex)
	c := NewWithClient(cfg, zap.NewNop(), cluster, cps, confirm)
	c.reporter = progress.NewReporterTo(io.Discard)
	c.sleep = sleep
	c.monitor = task.NewMonitor(cluster).WithSleep(sleep)
	return c, cps
}

func threeSegmentCluster() *fakeCluster {
	cluster := newFakeCluster()
	cluster.addIndex("logs-2020", true, 100)
	cluster.addIndex("logs-2021", false, 50)
	cluster.addIndex("logs-2022", true, 25)
	return cluster
}

func jobKey() checkpoint.JobKey {
	return checkpoint.NewJobKey([]string{"logs-2020", "logs-2021", "logs-2022"}, "logs-all")
}

func TestRun_EndToEnd(t *testing.T) {
	cluster := threeSegmentCluster()
	c, cps := newTestCoordinator(t, testConfig(), cluster, nil, nil)

	require.NoError(t, c.Run(context.Background()))

	// Segments migrated exactly once each, in sorted order
	require.Equal(t, []string{"logs-2020", "logs-2021", "logs-2022"}, cluster.reindexed)

	// Destination was created and finalized
	_, ok := cluster.indices["logs-all"]
	require.True(t, ok)
	require.Equal(t, []string{"logs-all"}, cluster.merged)
	require.NotEmpty(t, cluster.settingsOf["logs-all"])

	// The closed source was auto-opened and re-closed
	require.Contains(t, cluster.opened, "logs-2021")
	require.Contains(t, cluster.closedIdx, "logs-2021")
	require.False(t, cluster.indices["logs-2021"].open)

	// A successful job leaves no checkpoint behind
	left, err := cps.FindMatching(context.Background(), jobKey())
	require.NoError(t, err)
	require.Nil(t, left)
}

func TestRun_DryRunMutatesNothing(t *testing.T) {
	cluster := threeSegmentCluster()
	cfg := testConfig()
	cfg.Migration.DryRun = true
	c, _ := newTestCoordinator(t, cfg, cluster, nil, nil)

	require.NoError(t, c.Run(context.Background()))

	require.Empty(t, cluster.reindexed)
	require.Empty(t, cluster.opened)
	_, destCreated := cluster.indices["logs-all"]
	require.False(t, destCreated)
	_, checkpointIdx := cluster.indices[".migrate-checkpoints"]
	require.False(t, checkpointIdx)
}

func TestRun_DeclinedConfirmationMutatesNothing(t *testing.T) {
	cluster := threeSegmentCluster()
	decline := func(string) bool { return false }
	c, _ := newTestCoordinator(t, testConfig(), cluster, decline, nil)

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrDeclined)

	require.Empty(t, cluster.reindexed)
	_, checkpointIdx := cluster.indices[".migrate-checkpoints"]
	require.False(t, checkpointIdx)
}

func TestRun_RefusesExistingJobWithoutResume(t *testing.T) {
	cluster := threeSegmentCluster()
	c, cps := newTestCoordinator(t, testConfig(), cluster, nil, nil)

	require.NoError(t, cps.EnsureStorage(context.Background()))
	prior := checkpoint.New([]string{"logs-2020", "logs-2021", "logs-2022"}, "logs-all")
	prior.CurrentSegment = "logs-2020"
	prior.Status = checkpoint.StatusCrashed
	require.NoError(t, cps.Save(context.Background(), prior))

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrJobExists)
	require.Empty(t, cluster.reindexed)
}

func TestRun_InterruptLeavesInterruptedCheckpoint(t *testing.T) {
	cluster := threeSegmentCluster()
	// The second segment's operation never finishes
	cluster.scripts["logs-2021"] = &taskScript{neverDone: true, total: 50}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeps := 0
	interruptingSleep := func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 8 {
			cancel()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	c, cps := newTestCoordinator(t, testConfig(), cluster, nil, interruptingSleep)

	err := c.Run(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)

	left, ferr := cps.FindMatching(context.Background(), jobKey())
	require.NoError(t, ferr)
	require.NotNil(t, left)
	require.Equal(t, checkpoint.StatusInterrupted, left.Status)
	require.Equal(t, "logs-2021", left.CurrentSegment)
	require.NotEmpty(t, left.CurrentTask)

	// No destination finalize happened
	require.Empty(t, cluster.merged)
}

func TestRun_CrashThenResumeContinuesFromNextSegment(t *testing.T) {
	cluster := newFakeCluster()
	cluster.addIndex("logs-2020", true, 100)
	cluster.addIndex("logs-2021", true, 50)
	cluster.addIndex("logs-2022", true, 25)

	// Polling the second segment's task blows up mid-flight
	script := &taskScript{failPoll: errors.New("node dropped out"), total: 50}
	cluster.scripts["logs-2021"] = script

	cfg := testConfig()
	c, cps := newTestCoordinator(t, cfg, cluster, nil, nil)

	err := c.Run(context.Background())
	require.Error(t, err)

	left, ferr := cps.FindMatching(context.Background(), jobKey())
	require.NoError(t, ferr)
	require.NotNil(t, left)
	require.Equal(t, checkpoint.StatusCrashed, left.Status)
	require.Equal(t, "logs-2021", left.CurrentSegment)
	require.NotEmpty(t, left.Message)
	require.Equal(t, []string{"logs-2020", "logs-2021"}, cluster.reindexed)

	// The operation actually finished server-side while we were away
	script.failPoll = nil
	script.gone = true

	resumeCfg := testConfig()
	resumeCfg.Migration.Resume = true
	c2, _ := newTestCoordinator(t, resumeCfg, cluster, nil, nil)

	require.NoError(t, c2.Run(context.Background()))

	// The second segment was not reindexed again
	require.Equal(t, []string{"logs-2020", "logs-2021", "logs-2022"}, cluster.reindexed)

	left, ferr = cps.FindMatching(context.Background(), jobKey())
	require.NoError(t, ferr)
	require.Nil(t, left)
}

func TestRun_FailureBeforeReindexKeepsReopenBookkeeping(t *testing.T) {
	cluster := threeSegmentCluster()
	// The closed segment is auto-opened, then starting its reindex fails
	script := &taskScript{failStart: errors.New("reindex rejected"), total: 50}
	cluster.scripts["logs-2021"] = script

	c, cps := newTestCoordinator(t, testConfig(), cluster, nil, nil)

	err := c.Run(context.Background())
	require.Error(t, err)

	// The flag names the segment that was opened, not the previous one
	left, ferr := cps.FindMatching(context.Background(), jobKey())
	require.NoError(t, ferr)
	require.NotNil(t, left)
	require.Equal(t, checkpoint.StatusCrashed, left.Status)
	require.Equal(t, "logs-2021", left.CurrentSegment)
	require.True(t, left.ReopenOnFinish)
	require.Empty(t, left.CurrentTask)
	require.NotContains(t, cluster.closedIdx, "logs-2020")

	// Resume runs the opened segment again and re-closes it; the naturally
	// open previous segment is left alone
	script.failStart = nil
	resumeCfg := testConfig()
	resumeCfg.Migration.Resume = true
	c2, _ := newTestCoordinator(t, resumeCfg, cluster, nil, nil)

	require.NoError(t, c2.Run(context.Background()))

	require.Equal(t, []string{"logs-2020", "logs-2021", "logs-2022"}, cluster.reindexed)
	require.False(t, cluster.indices["logs-2021"].open)
	require.True(t, cluster.indices["logs-2020"].open)
	require.NotContains(t, cluster.closedIdx, "logs-2020")
}

// messageRecorder captures every persisted checkpoint message
type messageRecorder struct {
	checkpoint.Store
	mu       sync.Mutex
	messages []string
}

func (r *messageRecorder) Save(ctx context.Context, c *checkpoint.Checkpoint) error {
	r.mu.Lock()
	r.messages = append(r.messages, c.Message)
	r.mu.Unlock()
	return r.Store.Save(ctx, c)
}

func TestRun_FinalPollPersistsFinishedMessage(t *testing.T) {
	cluster := newFakeCluster()
	cluster.addIndex("logs-2020", true, 10)
	cluster.scripts["logs-2020"] = &taskScript{pollsLeft: 2, total: 10}

	cfg := testConfig()
	rec := &messageRecorder{Store: checkpoint.NewRemoteStore(cluster, cfg.Migration.CheckpointIndex)}
	c := NewWithClient(cfg, zap.NewNop(), cluster, rec, func(string) bool { return true })
	c.reporter = progress.NewReporterTo(io.Discard)
	c.sleep = noSleep
	c.monitor = task.NewMonitor(cluster).WithSleep(noSleep)

	require.NoError(t, c.Run(context.Background()))

	require.Contains(t, rec.messages, "migrating logs-2020: 0/10 docs")
	require.Contains(t, rec.messages, "operation for logs-2020 finished")
	require.Contains(t, rec.messages, "finished segment logs-2020")

	// The last wait message is not a stale in-flight progress line
	for i, msg := range rec.messages {
		if msg == "finished segment logs-2020" {
			require.Equal(t, "operation for logs-2020 finished", rec.messages[i-1])
		}
	}
}

func TestRun_ResumeDeclined(t *testing.T) {
	cluster := threeSegmentCluster()
	cfg := testConfig()
	cfg.Migration.Resume = true
	decline := func(string) bool { return false }
	c, cps := newTestCoordinator(t, cfg, cluster, decline, nil)

	require.NoError(t, cps.EnsureStorage(context.Background()))
	prior := checkpoint.New([]string{"logs-2020", "logs-2021", "logs-2022"}, "logs-all")
	require.NoError(t, cps.Save(context.Background(), prior))

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrDeclined)
	require.Empty(t, cluster.reindexed)
}

func TestRun_SourceReadOnly(t *testing.T) {
	cluster := newFakeCluster()
	cluster.addIndex("logs-2020", true, 10)
	cfg := testConfig()
	cfg.Migration.SourceReadOnly = true
	c, _ := newTestCoordinator(t, cfg, cluster, nil, nil)

	require.NoError(t, c.Run(context.Background()))
	require.NotEmpty(t, cluster.settingsOf["logs-2020"])
}

func TestRun_ExcludesDestinationFromPatternMatches(t *testing.T) {
	cluster := threeSegmentCluster()
	// The destination matches logs-* too; it must never become a source
	cluster.addIndex("logs-all", true, 7)
	c, _ := newTestCoordinator(t, testConfig(), cluster, nil, nil)

	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, []string{"logs-2020", "logs-2021", "logs-2022"}, cluster.reindexed)
}
