package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/qaharvest/internal/models"
)

// ErrStateNotFound is returned by LoadState when nothing has been persisted yet
var ErrStateNotFound = errors.New("scheduler state not found")

// StateStorage persists the single scheduler state record
type StateStorage interface {
	LoadState(ctx context.Context) (*models.SchedulerState, error)
	SaveState(ctx context.Context, state *models.SchedulerState) error
}

// AlarmStorage persists named wake-up alarms so they survive process restarts
type AlarmStorage interface {
	SaveAlarm(ctx context.Context, alarm models.Alarm) error
	DeleteAlarm(ctx context.Context, name string) error
	ListAlarms(ctx context.Context) ([]models.Alarm, error)
}

// StorageManager composes all storage interfaces
type StorageManager interface {
	StateStorage() StateStorage
	AlarmStorage() AlarmStorage
	Close() error
}
