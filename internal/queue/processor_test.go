package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

func TestProcessor_SingleItemCompletes(t *testing.T) {
	h := newHarness(t, nil, testTimings())
	h.boot(t)
	ctx := context.Background()

	added, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01"}, "US")
	require.NoError(t, err)
	require.Equal(t, 1, added)
	assert.Equal(t, models.ItemStatusPending, h.item(t, "B0TESTMARK01").Status)

	h.page.set("B0TESTMARK01", success(qa("A?", "B")))
	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)

	state := h.manager.Snapshot()
	require.Len(t, state.Queue, 1)
	item := state.Queue[0]
	assert.Equal(t, models.ItemStatusDone, item.Status)
	assert.Equal(t, []models.QAPair{qa("A?", "B")}, item.Results)
	assert.True(t, item.Exhausted)
	assert.NotNil(t, item.StartedAt)
	assert.NotNil(t, item.FinishedAt)
	assert.False(t, state.IsRunning)
	assert.Equal(t, -1, state.CurrentIndex)
	require.Eventually(t, func() bool { return h.page.ActiveSessionID() == "" }, time.Second, 5*time.Millisecond,
		"session closed when the run completes")
	require.Eventually(t, func() bool { return h.manager.Snapshot().ActivePageSessionID == "" }, time.Second, 5*time.Millisecond,
		"closed session forgotten in the persisted state")
	persisted, err := h.store.LoadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted.ActivePageSessionID)
}

func TestProcessor_TimeoutRecoversPartialResults(t *testing.T) {
	timings := testTimings()
	timings.ExtractTimeout = 50 * time.Millisecond
	h := newHarness(t, nil, timings)
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01"}, "US")
	require.NoError(t, err)
	h.page.set("B0TESTMARK01", pageBehavior{
		hang:     true,
		snapshot: &models.ExtractResponse{Success: true, Results: []models.QAPair{qa("Partial?", "Yes")}},
	})

	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)

	item := h.item(t, "B0TESTMARK01")
	assert.Equal(t, models.ItemStatusError, item.Status)
	require.Len(t, item.Results, 1, "error items can carry recovered results")
	assert.Contains(t, item.Error, "recovered 1 partial results")
	assert.GreaterOrEqual(t, h.page.abortCount(), 1)

	exported := h.manager.ExportFinished()
	require.Len(t, exported, 1)
	assert.Equal(t, models.ItemStatusError, exported[0].Status)
}

func TestProcessor_TimeoutWithoutResults(t *testing.T) {
	timings := testTimings()
	timings.ExtractTimeout = 30 * time.Millisecond
	h := newHarness(t, nil, timings)
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01"}, "US")
	require.NoError(t, err)
	h.page.set("B0TESTMARK01", pageBehavior{hang: true})

	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)

	item := h.item(t, "B0TESTMARK01")
	assert.Equal(t, models.ItemStatusError, item.Status)
	assert.Empty(t, item.Results)
	assert.Contains(t, item.Error, "no results recovered")
	assert.Empty(t, h.manager.ExportFinished())
}

func TestProcessor_LoginRequiredHaltsRun(t *testing.T) {
	h := newHarness(t, nil, testTimings())
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01", "B0TESTMARK02"}, "US")
	require.NoError(t, err)
	h.page.set("B0TESTMARK01", pageBehavior{resp: &models.ExtractResponse{LoginRequired: true, Error: "sign in"}})

	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)

	// Give a stray advance the chance to misbehave
	time.Sleep(50 * time.Millisecond)

	state := h.manager.Snapshot()
	assert.False(t, state.IsRunning)
	assert.Equal(t, -1, state.CurrentIndex)
	first := h.item(t, "B0TESTMARK01")
	assert.Equal(t, models.ItemStatusError, first.Status)
	assert.True(t, first.Fatal)
	assert.Contains(t, first.Error, ErrLoginRequired.Error())
	assert.Contains(t, first.Error, "sign in", "agent detail kept")
	assert.Equal(t, models.ItemStatusPending, h.item(t, "B0TESTMARK02").Status)
	assert.Equal(t, []string{"B0TESTMARK01"}, h.page.openedKeys(), "second item never dispatched")
	assert.NotEmpty(t, h.page.ActiveSessionID(), "page stays open for sign-in")
	assert.Equal(t, h.page.ActiveSessionID(), state.ActivePageSessionID)
	_, armed := h.wake.Next(AlarmAdvance)
	assert.False(t, armed)
}

func TestProcessor_PerItemFailuresDoNotStopRun(t *testing.T) {
	h := newHarness(t, nil, testTimings())
	h.boot(t)
	ctx := context.Background()

	keys := []string{"B0TESTMARK01", "B0TESTMARK02", "B0TESTMARK03", "B0TESTMARK04"}
	_, err := h.manager.Enqueue(ctx, keys, "US")
	require.NoError(t, err)
	h.page.set("B0TESTMARK01", pageBehavior{loadErr: interfaces.ErrLoadTimeout})
	h.page.set("B0TESTMARK02", pageBehavior{dead: true})
	h.page.set("B0TESTMARK03", pageBehavior{resp: &models.ExtractResponse{Success: false, Error: "widget missing"}})

	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)

	first := h.item(t, "B0TESTMARK01")
	assert.Equal(t, models.ItemStatusError, first.Status)
	assert.Equal(t, ErrPageLoadTimeout.Error(), first.Error)

	second := h.item(t, "B0TESTMARK02")
	assert.Equal(t, models.ItemStatusError, second.Status)
	assert.Equal(t, ErrAgentUnresponsive.Error(), second.Error)

	third := h.item(t, "B0TESTMARK03")
	assert.Equal(t, models.ItemStatusError, third.Status)
	assert.Contains(t, third.Error, "widget missing")

	assert.Equal(t, models.ItemStatusDone, h.item(t, "B0TESTMARK04").Status)
	assert.Equal(t, keys, h.page.openedKeys(), "items run in queue order")
}

func TestProcessor_PanicInJobBecomesItemError(t *testing.T) {
	common.CrashLogDir = t.TempDir()
	h := newHarness(t, nil, testTimings())
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01", "B0TESTMARK02"}, "US")
	require.NoError(t, err)
	h.page.set("B0TESTMARK01", pageBehavior{panics: true})

	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)

	first := h.item(t, "B0TESTMARK01")
	assert.Equal(t, models.ItemStatusError, first.Status)
	assert.Contains(t, first.Error, "panicked")
	assert.Equal(t, models.ItemStatusDone, h.item(t, "B0TESTMARK02").Status)
}

func TestProcessor_AtMostOneProcessing(t *testing.T) {
	h := newHarness(t, nil, testTimings())

	var mu sync.Mutex
	maxProcessing := 0
	require.NoError(t, h.events.Subscribe(interfaces.EventStateChanged, func(ctx context.Context, event interfaces.Event) error {
		change := event.Payload.(models.StateChange)
		mu.Lock()
		if change.Stats.Processing > maxProcessing {
			maxProcessing = change.Stats.Processing
		}
		mu.Unlock()
		return nil
	}))
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01", "B0TESTMARK02", "B0TESTMARK03"}, "US")
	require.NoError(t, err)
	for _, key := range []string{"B0TESTMARK01", "B0TESTMARK02", "B0TESTMARK03"} {
		h.page.set(key, pageBehavior{delay: 20 * time.Millisecond, resp: &models.ExtractResponse{Success: true}})
	}

	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)

	assert.Equal(t, 3, h.manager.Stats().Done)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return maxProcessing > 0
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, maxProcessing)
	mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.page.maxExtracting))
}

func TestProcessor_StartPreconditions(t *testing.T) {
	h := newHarness(t, nil, testTimings())
	h.boot(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.processor.Start(ctx), ErrNothingPending)

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01"}, "US")
	require.NoError(t, err)
	h.page.set("B0TESTMARK01", pageBehavior{hang: true})

	require.NoError(t, h.processor.Start(ctx))
	assert.ErrorIs(t, h.processor.Start(ctx), ErrAlreadyRunning)
	require.NoError(t, h.processor.Stop(ctx))
}

func TestProcessor_StopReturnsItemToPending(t *testing.T) {
	h := newHarness(t, nil, testTimings())
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01", "B0TESTMARK02"}, "US")
	require.NoError(t, err)
	h.page.set("B0TESTMARK01", pageBehavior{hang: true})

	require.NoError(t, h.processor.Start(ctx))
	h.waitStatus(t, "B0TESTMARK01", models.ItemStatusProcessing)

	require.NoError(t, h.processor.Stop(ctx))

	state := h.manager.Snapshot()
	assert.False(t, state.IsRunning)
	assert.Equal(t, -1, state.CurrentIndex)
	assert.Equal(t, models.ItemStatusPending, h.item(t, "B0TESTMARK01").Status)
	assert.Nil(t, h.item(t, "B0TESTMARK01").StartedAt)
	require.Eventually(t, func() bool { return !h.processor.Busy() }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.page.abortCount(), 1)

	// The stopped job's outcome must not leak into the queue
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, models.ItemStatusPending, h.item(t, "B0TESTMARK01").Status)
	assert.Equal(t, models.ItemStatusPending, h.item(t, "B0TESTMARK02").Status)

	// A new run restarts from the oldest pending item
	h.page.set("B0TESTMARK01", success(qa("Q?", "A")))
	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)
	assert.Equal(t, 2, h.manager.Stats().Done)
	assert.Equal(t, []string{"B0TESTMARK01", "B0TESTMARK01", "B0TESTMARK02"}, h.page.openedKeys())
}

func TestProcessor_ReportsResultsToBackend(t *testing.T) {
	h := newHarness(t, nil, testTimings())
	h.backend.enabled = true
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01", "B0TESTMARK02"}, "US")
	require.NoError(t, err)
	h.page.set("B0TESTMARK01", success(qa("Q1?", "A1"), qa("Q2?", "A2")))
	h.page.set("B0TESTMARK02", pageBehavior{resp: &models.ExtractResponse{Success: true}})

	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)

	first := h.item(t, "B0TESTMARK01")
	assert.True(t, first.SentToBackend)
	assert.Equal(t, 2, first.BackendNewCount)
	assert.Empty(t, first.BackendError)

	second := h.item(t, "B0TESTMARK02")
	assert.False(t, second.SentToBackend, "empty results are not submitted")

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	require.Len(t, h.backend.submissions, 1)
	assert.Equal(t, "B0TESTMARK01", h.backend.submissions[0].Key)
	assert.Equal(t, "US", h.backend.submissions[0].MarketplaceID)
}

func TestProcessor_ReportingFailureKeepsStatus(t *testing.T) {
	h := newHarness(t, nil, testTimings())
	h.backend.enabled = true
	h.backend.submitErr = errors.New("backend returned 500")
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01", "B0TESTMARK02"}, "US")
	require.NoError(t, err)

	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)

	first := h.item(t, "B0TESTMARK01")
	assert.Equal(t, models.ItemStatusDone, first.Status)
	assert.False(t, first.SentToBackend)
	assert.Contains(t, first.BackendError, "500")
	assert.Equal(t, models.ItemStatusDone, h.item(t, "B0TESTMARK02").Status, "queue keeps going")
}

func TestProcessor_PublishesJobFinished(t *testing.T) {
	h := newHarness(t, nil, testTimings())
	finished := make(chan models.JobFinished, 1)
	require.NoError(t, h.events.Subscribe(interfaces.EventJobFinished, func(ctx context.Context, event interfaces.Event) error {
		finished <- event.Payload.(models.JobFinished)
		return nil
	}))
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01"}, "US")
	require.NoError(t, err)
	require.NoError(t, h.processor.Start(ctx))

	select {
	case ev := <-finished:
		assert.Equal(t, "B0TESTMARK01", ev.Key)
		assert.Equal(t, models.ItemStatusDone, ev.Status)
		assert.Equal(t, 1, ev.ResultCount)
		assert.False(t, ev.Remote)
	case <-time.After(5 * time.Second):
		t.Fatal("job finished event not published")
	}
}

func TestProcessor_FailedStartKeepsRun(t *testing.T) {
	h := newHarness(t, nil, testTimings())
	h.boot(t)
	ctx := context.Background()

	_, err := h.manager.Enqueue(ctx, []string{"B0TESTMARK01"}, "US")
	require.NoError(t, err)
	run := h.processor.currentRun()

	h.store.FailSaves(errors.New("disk full"))
	assert.Error(t, h.processor.Start(ctx))
	assert.Equal(t, run, h.processor.currentRun(), "run id unchanged when the start was not persisted")
	assert.False(t, h.manager.Snapshot().IsRunning)

	h.store.FailSaves(nil)
	require.NoError(t, h.processor.Start(ctx))
	h.waitIdle(t)
	assert.Equal(t, run+1, h.processor.currentRun())
	assert.Equal(t, models.ItemStatusDone, h.item(t, "B0TESTMARK01").Status)
}

func TestExecutor_MaxResultsDefault(t *testing.T) {
	page := newFakePage()
	executor := NewExecutor(page, page, ExecutorConfig{Timings: testTimings(), MaxResults: 7}, arbor.NewLogger())
	ctx := context.Background()

	outcome := executor.Run(ctx, Job{Key: "B0TESTMARK01", MarketplaceID: "US"}, Hooks{})
	require.Equal(t, models.ItemStatusDone, outcome.Status)
	outcome = executor.Run(ctx, Job{Key: "B0TESTMARK02", MarketplaceID: "US", MaxResults: 3}, Hooks{})
	require.Equal(t, models.ItemStatusDone, outcome.Status)

	settings := page.extractSettings()
	require.Len(t, settings, 2)
	assert.Equal(t, 7, settings[0].MaxResults, "configured default")
	assert.Equal(t, 3, settings[1].MaxResults, "job limit wins")

	fallback := NewExecutor(page, page, ExecutorConfig{Timings: testTimings()}, arbor.NewLogger())
	fallback.Run(ctx, Job{Key: "B0TESTMARK03", MarketplaceID: "US"}, Hooks{})
	settings = page.extractSettings()
	require.Len(t, settings, 3)
	assert.Equal(t, 100, settings[2].MaxResults)
}

func TestExecutor_LoginRequiredKeepsAgentError(t *testing.T) {
	page := newFakePage()
	executor := NewExecutor(page, page, ExecutorConfig{Timings: testTimings()}, arbor.NewLogger())
	page.set("B0TESTMARK01", pageBehavior{resp: &models.ExtractResponse{LoginRequired: true, Error: "session expired"}})
	page.set("B0TESTMARK02", pageBehavior{resp: &models.ExtractResponse{LoginRequired: true}})

	outcome := executor.Run(context.Background(), Job{Key: "B0TESTMARK01", MarketplaceID: "US"}, Hooks{})
	assert.True(t, outcome.Fatal)
	assert.ErrorIs(t, outcome.Err, ErrLoginRequired)
	assert.Equal(t, "login required: session expired", outcome.ErrorMessage())

	outcome = executor.Run(context.Background(), Job{Key: "B0TESTMARK02", MarketplaceID: "US"}, Hooks{})
	assert.True(t, outcome.Fatal)
	assert.Equal(t, ErrLoginRequired.Error(), outcome.ErrorMessage())
}
