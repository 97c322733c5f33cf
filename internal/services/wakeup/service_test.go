package wakeup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/models"
	"github.com/ternarybob/qaharvest/internal/storage/memory"
)

func counterHandler(n *int32) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		atomic.AddInt32(n, 1)
		return nil
	}
}

func TestSchedule_FiresOnceAndIsConsumed(t *testing.T) {
	store := memory.NewManager()
	svc := NewService(store, arbor.NewLogger())
	var fired int32
	svc.Register("queue.advance", counterHandler(&fired))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	require.NoError(t, svc.Schedule(context.Background(), "queue.advance", 10*time.Millisecond))
	_, armed := svc.Next("queue.advance")
	assert.True(t, armed)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)

	alarms, err := store.ListAlarms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alarms, "one-shot alarm must be removed from storage once fired")
	_, armed = svc.Next("queue.advance")
	assert.False(t, armed)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestSchedule_ReplaceKeepsOnlyLatest(t *testing.T) {
	svc := NewService(memory.NewManager(), arbor.NewLogger())
	var fired int32
	svc.Register("queue.advance", counterHandler(&fired))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	ctx := context.Background()
	require.NoError(t, svc.Schedule(ctx, "queue.advance", 20*time.Millisecond))
	require.NoError(t, svc.Schedule(ctx, "queue.advance", 40*time.Millisecond))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestCancel_PreventsFiring(t *testing.T) {
	store := memory.NewManager()
	svc := NewService(store, arbor.NewLogger())
	var fired int32
	svc.Register("queue.advance", counterHandler(&fired))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	ctx := context.Background()
	require.NoError(t, svc.Schedule(ctx, "queue.advance", 30*time.Millisecond))
	require.NoError(t, svc.Cancel(ctx, "queue.advance"))
	require.NoError(t, svc.Cancel(ctx, "queue.advance"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	alarms, _ := store.ListAlarms(ctx)
	assert.Empty(t, alarms)
}

func TestStart_RestoresPersistedAlarms(t *testing.T) {
	store := memory.NewManager()
	ctx := context.Background()

	// Overdue alarm persisted by a previous process
	require.NoError(t, store.SaveAlarm(ctx, models.Alarm{Name: "queue.advance", FireAt: time.Now().Add(-time.Minute)}))
	// Alarm nobody handles any more
	require.NoError(t, store.SaveAlarm(ctx, models.Alarm{Name: "legacy", FireAt: time.Now()}))

	svc := NewService(store, arbor.NewLogger())
	var fired int32
	svc.Register("queue.advance", counterHandler(&fired))
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)

	alarms, err := store.ListAlarms(ctx)
	require.NoError(t, err)
	assert.Empty(t, alarms)
}

func TestSchedule_BeforeStartIsPersistedAndFiredAfterStart(t *testing.T) {
	store := memory.NewManager()
	svc := NewService(store, arbor.NewLogger())
	var fired int32
	svc.Register("queue.advance", counterHandler(&fired))

	ctx := context.Background()
	require.NoError(t, svc.Schedule(ctx, "queue.advance", 0))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "nothing fires before Start")

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulePeriodic_RearmsAndPersistsNextFiring(t *testing.T) {
	store := memory.NewManager()
	svc := NewService(store, arbor.NewLogger())
	var fired int32
	svc.Register("remote.poll", counterHandler(&fired))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	ctx := context.Background()
	require.NoError(t, svc.SchedulePeriodic(ctx, "remote.poll", "@every 1h", 0))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)

	next, armed := svc.Next("remote.poll")
	require.True(t, armed)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)

	alarms, err := store.ListAlarms(ctx)
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, "@every 1h", alarms[0].Spec)
	assert.WithinDuration(t, next, alarms[0].FireAt, time.Millisecond)
}

func TestSchedulePeriodic_InvalidSpec(t *testing.T) {
	svc := NewService(memory.NewManager(), arbor.NewLogger())
	err := svc.SchedulePeriodic(context.Background(), "remote.poll", "every now and then", 0)
	assert.Error(t, err)
}

func TestHandlerMayRescheduleItself(t *testing.T) {
	svc := NewService(memory.NewManager(), arbor.NewLogger())
	var fired int32
	svc.Register("queue.advance", func(ctx context.Context) error {
		if atomic.AddInt32(&fired, 1) < 3 {
			return svc.Schedule(ctx, "queue.advance", time.Millisecond)
		}
		return nil
	})
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	require.NoError(t, svc.Schedule(context.Background(), "queue.advance", 0))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 3 }, time.Second, 5*time.Millisecond)
}

func TestStop_WaitsForRunningHandlers(t *testing.T) {
	svc := NewService(memory.NewManager(), arbor.NewLogger())
	started := make(chan struct{})
	var finished int32
	svc.Register("queue.advance", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		// Shutdown work still in progress after cancellation
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
		return ctx.Err()
	})
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Schedule(context.Background(), "queue.advance", 0))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler did not start")
	}

	svc.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished), "Stop must return only after the handler finished")
}
