package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// Manager owns the scheduler state. Every change goes through Mutate, which
// applies it to a copy, persists the copy and only then adopts and broadcasts it.
type Manager struct {
	store     interfaces.StateStorage
	scheduler interfaces.WakeupScheduler
	events    interfaces.EventService
	logger    arbor.ILogger

	mu       sync.Mutex
	state    *models.SchedulerState
	revision uint64
}

// NewManager creates a manager holding an empty state until Load is called
func NewManager(store interfaces.StateStorage, scheduler interfaces.WakeupScheduler, events interfaces.EventService, logger arbor.ILogger) *Manager {
	return &Manager{
		store:     store,
		scheduler: scheduler,
		events:    events,
		logger:    logger,
		state:     models.NewSchedulerState(),
	}
}

// Load rehydrates the state from storage. created is true when nothing was persisted yet.
func (m *Manager) Load(ctx context.Context) (created bool, err error) {
	state, err := m.store.LoadState(ctx)
	if errors.Is(err, interfaces.ErrStateNotFound) {
		state = models.NewSchedulerState()
		created = true
	} else if err != nil {
		return false, fmt.Errorf("failed to load scheduler state: %w", err)
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	m.logger.Info().
		Bool("created", created).
		Int("queue_len", len(state.Queue)).
		Bool("running", state.IsRunning).
		Bool("remote_poll", state.RemotePollEnabled).
		Msg("Scheduler state loaded")
	return created, nil
}

// Snapshot returns a deep copy of the current state
func (m *Manager) Snapshot() *models.SchedulerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Revision returns the number of mutations applied since start
func (m *Manager) Revision() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revision
}

// Mutate applies fn to a copy of the state, persists it and broadcasts the change.
// If fn returns an error nothing is persisted; errNoChange is swallowed.
func (m *Manager) Mutate(ctx context.Context, reason string, fn func(s *models.SchedulerState) error) error {
	m.mu.Lock()
	next := m.state.Clone()
	if err := fn(next); err != nil {
		m.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	next.UpdatedAt = time.Now()

	if err := m.store.SaveState(ctx, next); err != nil {
		m.mu.Unlock()
		m.logger.Error().Err(err).Str("reason", reason).Msg("Failed to persist scheduler state")
		return fmt.Errorf("failed to persist scheduler state: %w", err)
	}
	m.state = next
	m.revision++
	change := models.StateChange{
		Revision: m.revision,
		Reason:   reason,
		State:    next.Clone(),
		Stats:    next.Stats(),
	}
	m.mu.Unlock()

	m.logger.Trace().Str("reason", reason).Int("revision", int(change.Revision)).Msg("Scheduler state changed")

	if m.events != nil {
		if err := m.events.Publish(context.WithoutCancel(ctx), interfaces.Event{
			Type:    interfaces.EventStateChanged,
			Payload: change,
		}); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to broadcast state change")
		}
	}
	return nil
}

// Enqueue appends valid, new keys as pending items and returns how many were added.
// Malformed keys and duplicates (against the queue or within keys) are dropped silently.
func (m *Manager) Enqueue(ctx context.Context, keys []string, marketplaceID string) (int, error) {
	marketplaceID = NormalizeMarketplace(marketplaceID)
	added := 0
	rejected := 0

	err := m.Mutate(ctx, "enqueue", func(s *models.SchedulerState) error {
		now := time.Now()
		for _, raw := range keys {
			key, ok := NormalizeKey(raw)
			if !ok || s.IndexOf(key, marketplaceID) >= 0 {
				rejected++
				continue
			}
			s.Queue = append(s.Queue, models.QueueItem{
				Key:           key,
				MarketplaceID: marketplaceID,
				Status:        models.ItemStatusPending,
				AddedAt:       now,
			})
			added++
		}
		if added == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.logger.Info().
		Str("marketplace", marketplaceID).
		Int("added", added).
		Int("rejected", rejected).
		Msg("Items enqueued")
	return added, nil
}

// Remove deletes an item unless it is processing. Returns false when nothing was removed.
func (m *Manager) Remove(ctx context.Context, key, marketplaceID string) (bool, error) {
	key, _ = NormalizeKey(key)
	marketplaceID = NormalizeMarketplace(marketplaceID)
	removed := false

	err := m.Mutate(ctx, "remove", func(s *models.SchedulerState) error {
		idx := s.IndexOf(key, marketplaceID)
		if idx < 0 || s.Queue[idx].Status == models.ItemStatusProcessing {
			return errNoChange
		}
		s.Queue = append(s.Queue[:idx], s.Queue[idx+1:]...)
		// Keep CurrentIndex pointing at the same logical position
		if s.CurrentIndex >= 0 && idx <= s.CurrentIndex {
			s.CurrentIndex--
		}
		removed = true
		return nil
	})
	return removed, err
}

// ClearAll empties the queue, resets the run and cancels the processor's wake-up.
// Remote polling flags and the active session are kept.
func (m *Manager) ClearAll(ctx context.Context) error {
	err := m.Mutate(ctx, "clear all", func(s *models.SchedulerState) error {
		s.Queue = []models.QueueItem{}
		s.IsRunning = false
		s.CurrentIndex = -1
		return nil
	})
	if err != nil {
		return err
	}
	if m.scheduler != nil {
		if err := m.scheduler.Cancel(ctx, AlarmAdvance); err != nil {
			return fmt.Errorf("failed to cancel processor wake-up: %w", err)
		}
	}
	m.logger.Info().Msg("Queue cleared")
	return nil
}

// ClearFinished removes done and error items, returning how many were removed
func (m *Manager) ClearFinished(ctx context.Context) (int, error) {
	removed := 0
	err := m.Mutate(ctx, "clear finished", func(s *models.SchedulerState) error {
		kept := make([]models.QueueItem, 0, len(s.Queue))
		shift := 0
		for i, item := range s.Queue {
			if item.IsFinished() {
				removed++
				if i <= s.CurrentIndex {
					shift++
				}
				continue
			}
			kept = append(kept, item)
		}
		if removed == 0 {
			return errNoChange
		}
		s.Queue = kept
		if s.CurrentIndex >= 0 {
			s.CurrentIndex -= shift
		}
		return nil
	})
	return removed, err
}

// RetryFailed moves every error item back to pending, discarding its results and error
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	retried := 0
	err := m.Mutate(ctx, "retry failed", func(s *models.SchedulerState) error {
		for i := range s.Queue {
			if s.Queue[i].Status == models.ItemStatusError {
				s.Queue[i].ResetToPending()
				retried++
			}
		}
		if retried == 0 {
			return errNoChange
		}
		return nil
	})
	if err == nil && retried > 0 {
		m.logger.Info().Int("retried", retried).Msg("Failed items returned to pending")
	}
	return retried, err
}

// ExportFinished returns finished items that carry results, including error items with partial results
func (m *Manager) ExportFinished() []models.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []models.QueueItem
	for _, item := range m.state.Queue {
		if item.IsFinished() && len(item.Results) > 0 {
			items = append(items, item.Clone())
		}
	}
	return items
}

// Stats counts queue items per status
func (m *Manager) Stats() models.QueueStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Stats()
}

// SetActiveSession records the page session currently owned by a job
func (m *Manager) SetActiveSession(ctx context.Context, sessionID string) error {
	return m.Mutate(ctx, "session opened", func(s *models.SchedulerState) error {
		if s.ActivePageSessionID == sessionID {
			return errNoChange
		}
		s.ActivePageSessionID = sessionID
		return nil
	})
}

// ClearActiveSession forgets sessionID if it is the recorded active session
func (m *Manager) ClearActiveSession(ctx context.Context, sessionID string) error {
	return m.Mutate(ctx, "session closed", func(s *models.SchedulerState) error {
		if s.ActivePageSessionID == "" || s.ActivePageSessionID != sessionID {
			return errNoChange
		}
		s.ActivePageSessionID = ""
		return nil
	})
}

// AcquireRemote marks the page session as owned by a remote job.
// Fails when a local run is active or another remote job holds it.
func (m *Manager) AcquireRemote(ctx context.Context, item models.RemoteItem) error {
	return m.Mutate(ctx, "remote acquired", func(s *models.SchedulerState) error {
		if s.IsRunning {
			return ErrLocalRunActive
		}
		if s.RemotePollBusy {
			return ErrRemoteBusy
		}
		s.RemotePollBusy = true
		s.RemoteItem = &item
		return nil
	})
}

// ReleaseRemote clears the remote busy flag; disable also turns polling off
func (m *Manager) ReleaseRemote(ctx context.Context, disable bool) error {
	return m.Mutate(ctx, "remote released", func(s *models.SchedulerState) error {
		s.RemotePollBusy = false
		s.RemoteItem = nil
		if disable {
			s.RemotePollEnabled = false
		}
		return nil
	})
}
