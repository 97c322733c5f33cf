package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

const stateKey = "scheduler_state"

// StateStorage persists the scheduler state as a single record
type StateStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewStateStorage creates a new StateStorage instance
func NewStateStorage(db *BadgerDB, logger arbor.ILogger) interfaces.StateStorage {
	return &StateStorage{
		db:     db,
		logger: logger,
	}
}

// LoadState returns the persisted state or interfaces.ErrStateNotFound
func (s *StateStorage) LoadState(ctx context.Context) (*models.SchedulerState, error) {
	var state models.SchedulerState
	err := s.db.Store().Get(stateKey, &state)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, interfaces.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler state: %w", err)
	}

	if state.Queue == nil {
		state.Queue = []models.QueueItem{}
	}
	return &state, nil
}

// SaveState overwrites the persisted state
func (s *StateStorage) SaveState(ctx context.Context, state *models.SchedulerState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	state.UpdatedAt = time.Now()

	if err := s.db.Store().Upsert(stateKey, state); err != nil {
		return fmt.Errorf("failed to save scheduler state: %w", err)
	}

	s.logger.Trace().
		Int("queue_len", len(state.Queue)).
		Bool("running", state.IsRunning).
		Int("current_index", state.CurrentIndex).
		Msg("Scheduler state saved")
	return nil
}
