package redis

import (
	"context"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// AlarmStorage keeps alarms in a sorted set scored by fire time (unix millis),
// with periodic specs in a side hash.
type AlarmStorage struct {
	conn   *Connection
	logger arbor.ILogger
}

// NewAlarmStorage creates a new AlarmStorage instance
func NewAlarmStorage(conn *Connection, logger arbor.ILogger) interfaces.AlarmStorage {
	return &AlarmStorage{conn: conn, logger: logger}
}

func (s *AlarmStorage) SaveAlarm(ctx context.Context, alarm models.Alarm) error {
	if alarm.Name == "" {
		return fmt.Errorf("alarm name is required")
	}

	pipe := s.conn.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.conn.key("alarms"), r.Z{Score: float64(alarm.FireAt.UnixMilli()), Member: alarm.Name})
	if alarm.IsPeriodic() {
		pipe.HSet(ctx, s.conn.key("alarm_specs"), alarm.Name, alarm.Spec)
	} else {
		pipe.HDel(ctx, s.conn.key("alarm_specs"), alarm.Name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save alarm %s: %w", alarm.Name, err)
	}
	return nil
}

func (s *AlarmStorage) DeleteAlarm(ctx context.Context, name string) error {
	pipe := s.conn.rdb.TxPipeline()
	pipe.ZRem(ctx, s.conn.key("alarms"), name)
	pipe.HDel(ctx, s.conn.key("alarm_specs"), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete alarm %s: %w", name, err)
	}
	return nil
}

func (s *AlarmStorage) ListAlarms(ctx context.Context) ([]models.Alarm, error) {
	entries, err := s.conn.rdb.ZRangeWithScores(ctx, s.conn.key("alarms"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list alarms: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	specs, err := s.conn.rdb.HGetAll(ctx, s.conn.key("alarm_specs")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load alarm specs: %w", err)
	}

	alarms := make([]models.Alarm, 0, len(entries))
	for _, entry := range entries {
		name := fmt.Sprint(entry.Member)
		alarms = append(alarms, models.Alarm{
			Name:   name,
			FireAt: time.UnixMilli(int64(entry.Score)),
			Spec:   specs[name],
		})
	}
	return alarms, nil
}
