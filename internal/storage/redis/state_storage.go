package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// StateStorage keeps the scheduler state as one JSON string
type StateStorage struct {
	conn   *Connection
	logger arbor.ILogger
}

// NewStateStorage creates a new StateStorage instance
func NewStateStorage(conn *Connection, logger arbor.ILogger) interfaces.StateStorage {
	return &StateStorage{conn: conn, logger: logger}
}

func (s *StateStorage) LoadState(ctx context.Context) (*models.SchedulerState, error) {
	data, err := s.conn.rdb.Get(ctx, s.conn.key("state")).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, interfaces.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler state: %w", err)
	}

	state := models.NewSchedulerState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to decode scheduler state: %w", err)
	}
	if state.Queue == nil {
		state.Queue = []models.QueueItem{}
	}
	return state, nil
}

func (s *StateStorage) SaveState(ctx context.Context, state *models.SchedulerState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	state.UpdatedAt = time.Now()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode scheduler state: %w", err)
	}
	if err := s.conn.rdb.Set(ctx, s.conn.key("state"), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save scheduler state: %w", err)
	}
	return nil
}
