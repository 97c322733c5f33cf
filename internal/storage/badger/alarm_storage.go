package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// AlarmStorage persists wake-up alarms keyed by name
type AlarmStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewAlarmStorage creates a new AlarmStorage instance
func NewAlarmStorage(db *BadgerDB, logger arbor.ILogger) interfaces.AlarmStorage {
	return &AlarmStorage{
		db:     db,
		logger: logger,
	}
}

func alarmKey(name string) string {
	return "alarm:" + name
}

// SaveAlarm inserts or replaces the alarm with the same name
func (s *AlarmStorage) SaveAlarm(ctx context.Context, alarm models.Alarm) error {
	if alarm.Name == "" {
		return fmt.Errorf("alarm name is required")
	}
	if err := s.db.Store().Upsert(alarmKey(alarm.Name), &alarm); err != nil {
		return fmt.Errorf("failed to save alarm %s: %w", alarm.Name, err)
	}
	return nil
}

// DeleteAlarm removes an alarm; a missing alarm is not an error
func (s *AlarmStorage) DeleteAlarm(ctx context.Context, name string) error {
	err := s.db.Store().Delete(alarmKey(name), models.Alarm{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete alarm %s: %w", name, err)
	}
	return nil
}

// ListAlarms returns all persisted alarms ordered by fire time
func (s *AlarmStorage) ListAlarms(ctx context.Context) ([]models.Alarm, error) {
	var alarms []models.Alarm
	if err := s.db.Store().Find(&alarms, badgerhold.Where("Name").Ne("").SortBy("FireAt")); err != nil {
		return nil, fmt.Errorf("failed to list alarms: %w", err)
	}
	return alarms, nil
}
