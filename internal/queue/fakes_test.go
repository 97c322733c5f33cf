package queue

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
	"github.com/ternarybob/qaharvest/internal/services/events"
	"github.com/ternarybob/qaharvest/internal/services/wakeup"
	"github.com/ternarybob/qaharvest/internal/storage/memory"
)

// pageBehavior scripts how the fake page answers for one key
type pageBehavior struct {
	resp     *models.ExtractResponse
	err      error
	delay    time.Duration // Extract answers after delay
	hang     bool          // Extract never answers
	snapshot *models.ExtractResponse
	loadErr  error
	dead     bool // Agent never answers ping
	panics   bool // Extract panics
}

func success(results ...models.QAPair) pageBehavior {
	return pageBehavior{resp: &models.ExtractResponse{Success: true, Results: results, Exhausted: true}}
}

func qa(q, a string) models.QAPair {
	return models.QAPair{Question: q, Answer: a}
}

// fakePage implements both the page session controller and the page agent.
// Sessions are keyed by the last path segment of the opened URL.
type fakePage struct {
	mu        sync.Mutex
	behaviors map[string]pageBehavior
	sessions  map[string]string
	active    string
	seq       int
	opened    []string
	aborted   []string
	closed    []string
	settings  []models.ExtractSettings

	extracting    int32
	maxExtracting int32
}

var (
	_ interfaces.PageSessionController = (*fakePage)(nil)
	_ interfaces.PageAgent             = (*fakePage)(nil)
)

func newFakePage() *fakePage {
	return &fakePage{
		behaviors: make(map[string]pageBehavior),
		sessions:  make(map[string]string),
	}
}

func (f *fakePage) set(key string, b pageBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[key] = b
}

func (f *fakePage) behaviorFor(sessionID string) pageBehavior {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.behaviors[f.sessions[sessionID]]
	if !ok {
		return success(qa("Q?", "A"))
	}
	return b
}

func (f *fakePage) openedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func (f *fakePage) extractSettings() []models.ExtractSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ExtractSettings(nil), f.settings...)
}

func (f *fakePage) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aborted)
}

func (f *fakePage) OpenFresh(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != "" {
		f.closed = append(f.closed, f.active)
	}
	f.seq++
	id := fmt.Sprintf("ps_%d", f.seq)
	key := path.Base(url)
	f.sessions[id] = key
	f.active = id
	f.opened = append(f.opened, key)
	return id, nil
}

func (f *fakePage) WaitForLoad(ctx context.Context, sessionID string, timeout time.Duration) error {
	return f.behaviorFor(sessionID).loadErr
}

func (f *fakePage) Evaluate(ctx context.Context, sessionID, expression string, out interface{}) error {
	return errors.New("not supported")
}

func (f *fakePage) Close(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == sessionID {
		f.active = ""
	}
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakePage) ActiveSessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakePage) Ping(ctx context.Context, sessionID string) (bool, error) {
	return !f.behaviorFor(sessionID).dead, nil
}

func (f *fakePage) Extract(ctx context.Context, sessionID string, settings models.ExtractSettings) (*models.ExtractResponse, error) {
	n := atomic.AddInt32(&f.extracting, 1)
	defer atomic.AddInt32(&f.extracting, -1)
	for {
		seen := atomic.LoadInt32(&f.maxExtracting)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxExtracting, seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.settings = append(f.settings, settings)
	f.mu.Unlock()

	b := f.behaviorFor(sessionID)
	if b.panics {
		panic("agent exploded")
	}
	if b.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.resp, b.err
}

func (f *fakePage) Snapshot(ctx context.Context, sessionID string) (*models.ExtractResponse, error) {
	b := f.behaviorFor(sessionID)
	if b.snapshot == nil {
		return &models.ExtractResponse{Success: true}, nil
	}
	return b.snapshot, nil
}

func (f *fakePage) Abort(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
}

// fakeBackend records submissions and serves remote items from a list
type fakeBackend struct {
	mu          sync.Mutex
	enabled     bool
	items       []models.RemoteItem
	nextCalls   int
	submissions []models.Submission
	reports     []models.RemoteReport
	submitErr   error
}

var _ interfaces.BackendClient = (*fakeBackend)(nil)

func (b *fakeBackend) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *fakeBackend) SubmitResults(ctx context.Context, submission models.Submission) (*models.SubmissionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submissions = append(b.submissions, submission)
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	return &models.SubmissionResult{NewResultsAdded: len(submission.Results)}, nil
}

func (b *fakeBackend) NextRemoteItem(ctx context.Context) (*models.RemoteItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextCalls++
	if len(b.items) == 0 {
		return nil, nil
	}
	item := b.items[0]
	b.items = b.items[1:]
	return &item, nil
}

func (b *fakeBackend) ReportRemote(ctx context.Context, report models.RemoteReport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, report)
	return nil
}

func (b *fakeBackend) remoteReports() []models.RemoteReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.RemoteReport(nil), b.reports...)
}

func (b *fakeBackend) fetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextCalls
}

// harness wires the queue components over in-memory storage with short timings
type harness struct {
	store     *memory.Manager
	wake      *wakeup.Service
	events    interfaces.EventService
	page      *fakePage
	backend   *fakeBackend
	manager   *Manager
	executor  *Executor
	processor *Processor
	poller    *Poller
	recoverer *Recoverer
}

func testTimings() Timings {
	return Timings{
		LoadTimeout:     200 * time.Millisecond,
		PingAttempts:    3,
		PingInterval:    10 * time.Millisecond,
		ExtractTimeout:  2 * time.Second,
		SnapshotTimeout: 50 * time.Millisecond,
		ClickDelay:      time.Millisecond,
		JobDelay:        10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, store *memory.Manager, timings Timings) *harness {
	t.Helper()
	if store == nil {
		store = memory.NewManager()
	}
	logger := arbor.NewLogger()
	h := &harness{
		store:   store,
		wake:    wakeup.NewService(store, logger),
		events:  events.NewService(logger),
		page:    newFakePage(),
		backend: &fakeBackend{},
	}
	h.manager = NewManager(store, h.wake, h.events, logger)
	h.executor = NewExecutor(h.page, h.page, ExecutorConfig{Timings: timings}, logger)
	h.processor = NewProcessor(h.manager, h.executor, h.wake, h.page, h.page, h.backend, h.events, 10, logger)
	h.poller = NewPoller(h.manager, h.executor, h.processor, h.wake, h.backend, h.events, time.Hour, 10, logger)
	h.recoverer = NewRecoverer(h.manager, h.processor, h.poller, h.wake, h.backend, false, logger)
	return h
}

// boot runs recovery then starts the wake-up scheduler, as the application does
func (h *harness) boot(t *testing.T) *RecoveryReport {
	t.Helper()
	report, err := h.recoverer.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.wake.Start(context.Background()))
	t.Cleanup(h.wake.Stop)
	return report
}

func (h *harness) item(t *testing.T, key string) models.QueueItem {
	t.Helper()
	s := h.manager.Snapshot()
	idx := s.IndexOf(key, models.DefaultMarketplaceID)
	require.GreaterOrEqual(t, idx, 0, "item %s not in queue", key)
	return s.Queue[idx]
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.manager.Snapshot()
		return !s.IsRunning && !h.processor.Busy()
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) waitStatus(t *testing.T, key string, status models.ItemStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.manager.Snapshot()
		idx := s.IndexOf(key, models.DefaultMarketplaceID)
		return idx >= 0 && s.Queue[idx].Status == status
	}, 5*time.Second, 5*time.Millisecond)
}
