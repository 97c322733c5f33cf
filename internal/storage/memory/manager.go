// Package memory provides a process-local StorageManager. Nothing survives a restart,
// so it suits tests and throwaway runs only.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// Manager implements StorageManager, StateStorage and AlarmStorage in memory
type Manager struct {
	mu      sync.Mutex
	state   *models.SchedulerState
	alarms  map[string]models.Alarm
	saves   int
	saveErr error
}

// NewManager creates an empty in-memory store
func NewManager() *Manager {
	return &Manager{alarms: make(map[string]models.Alarm)}
}

func (m *Manager) StateStorage() interfaces.StateStorage { return m }
func (m *Manager) AlarmStorage() interfaces.AlarmStorage { return m }
func (m *Manager) Close() error                          { return nil }

func (m *Manager) LoadState(ctx context.Context) (*models.SchedulerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, interfaces.ErrStateNotFound
	}
	return m.state.Clone(), nil
}

func (m *Manager) SaveState(ctx context.Context, state *models.SchedulerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.state = state.Clone()
	m.saves++
	return nil
}

// FailSaves makes every SaveState return err until called again with nil
func (m *Manager) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// SaveCount returns how many times SaveState was called
func (m *Manager) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Manager) SaveAlarm(ctx context.Context, alarm models.Alarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarms[alarm.Name] = alarm
	return nil
}

func (m *Manager) DeleteAlarm(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alarms, name)
	return nil
}

func (m *Manager) ListAlarms(ctx context.Context) ([]models.Alarm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alarms := make([]models.Alarm, 0, len(m.alarms))
	for _, a := range m.alarms {
		alarms = append(alarms, a)
	}
	sort.Slice(alarms, func(i, j int) bool { return alarms[i].FireAt.Before(alarms[j].FireAt) })
	return alarms, nil
}
