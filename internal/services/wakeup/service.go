// Package wakeup implements named alarms that survive process restarts.
//
// Every Schedule/SchedulePeriodic call is persisted through AlarmStorage before a
// timer is armed. Start re-arms whatever was persisted; alarms whose fire time
// passed while the process was down fire immediately.
package wakeup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// armedAlarm is the in-memory side of a persisted alarm. seq guards against a
// timer that already fired racing a replace or cancel.
type armedAlarm struct {
	alarm    models.Alarm
	schedule cron.Schedule
	timer    *time.Timer
	seq      uint64
}

// Service implements interfaces.WakeupScheduler
type Service struct {
	store    interfaces.AlarmStorage
	logger   arbor.ILogger
	mu       sync.Mutex
	handlers map[string]interfaces.WakeupHandler
	armed    map[string]*armedAlarm
	seq      uint64
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	running  sync.WaitGroup // Handlers in flight; Stop waits for them
}

var _ interfaces.WakeupScheduler = (*Service)(nil)

// NewService creates a wake-up scheduler backed by store
func NewService(store interfaces.AlarmStorage, logger arbor.ILogger) *Service {
	return &Service{
		store:    store,
		logger:   logger,
		handlers: make(map[string]interfaces.WakeupHandler),
		armed:    make(map[string]*armedAlarm),
	}
}

// Register binds a handler to an alarm name. Register before Start.
func (s *Service) Register(name string, handler interfaces.WakeupHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = handler
}

// Start loads persisted alarms and arms them. Handlers receive ctx-derived contexts
// that are cancelled by Stop.
func (s *Service) Start(ctx context.Context) error {
	alarms, err := s.store.ListAlarms(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alarms: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("wakeup scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true

	for _, alarm := range alarms {
		if _, ok := s.handlers[alarm.Name]; !ok {
			s.logger.Warn().Str("alarm", alarm.Name).Msg("Dropping persisted alarm with no registered handler")
			if err := s.store.DeleteAlarm(ctx, alarm.Name); err != nil {
				s.logger.Warn().Err(err).Str("alarm", alarm.Name).Msg("Failed to delete orphaned alarm")
			}
			continue
		}

		var schedule cron.Schedule
		if alarm.IsPeriodic() {
			schedule, err = cron.ParseStandard(alarm.Spec)
			if err != nil {
				s.logger.Warn().Err(err).Str("alarm", alarm.Name).Str("spec", alarm.Spec).Msg("Dropping alarm with invalid spec")
				_ = s.store.DeleteAlarm(ctx, alarm.Name)
				continue
			}
		}

		s.armLocked(alarm, schedule)

		s.logger.Debug().
			Str("alarm", alarm.Name).
			Str("fire_at", alarm.FireAt.Format(time.RFC3339)).
			Bool("overdue", alarm.FireAt.Before(time.Now())).
			Msg("Alarm restored")
	}

	s.logger.Info().Int("alarms", len(s.armed)).Msg("Wakeup scheduler started")
	return nil
}

// Stop disarms every timer, cancels running handlers and waits for them to return.
// Persisted alarms are kept.
func (s *Service) Stop() {
	s.mu.Lock()
	for _, a := range s.armed {
		if a.timer != nil {
			a.timer.Stop()
		}
	}
	s.armed = make(map[string]*armedAlarm)
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	// Handlers may call back into Schedule/Cancel, so wait outside the lock
	s.running.Wait()
	s.logger.Info().Msg("Wakeup scheduler stopped")
}

// Schedule persists a one-shot alarm firing after delay, replacing any alarm with the same name
func (s *Service) Schedule(ctx context.Context, name string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	alarm := models.Alarm{Name: name, FireAt: time.Now().Add(delay)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveAlarm(ctx, alarm); err != nil {
		return err
	}
	s.armLocked(alarm, nil)

	s.logger.Debug().Str("alarm", name).Dur("delay", delay).Msg("Alarm scheduled")
	return nil
}

// SchedulePeriodic persists a repeating alarm. spec uses cron syntax ("@every 15s").
// The first firing happens after first; later firings follow spec.
func (s *Service) SchedulePeriodic(ctx context.Context, name, spec string, first time.Duration) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	if first < 0 {
		first = 0
	}
	alarm := models.Alarm{Name: name, FireAt: time.Now().Add(first), Spec: spec}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SaveAlarm(ctx, alarm); err != nil {
		return err
	}
	s.armLocked(alarm, schedule)

	s.logger.Debug().Str("alarm", name).Str("spec", spec).Dur("first", first).Msg("Periodic alarm scheduled")
	return nil
}

// Cancel removes an alarm; cancelling an unknown alarm is a no-op
func (s *Service) Cancel(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(name)
	if err := s.store.DeleteAlarm(ctx, name); err != nil {
		return err
	}

	s.logger.Debug().Str("alarm", name).Msg("Alarm cancelled")
	return nil
}

// Next returns when the named alarm fires next
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.armed[name]; ok {
		return a.alarm.FireAt, true
	}
	return time.Time{}, false
}

// armLocked replaces the in-memory entry for alarm.Name. Before Start the
// entry is recorded without a timer; Start re-arms from storage.
func (s *Service) armLocked(alarm models.Alarm, schedule cron.Schedule) {
	s.disarmLocked(alarm.Name)

	s.seq++
	a := &armedAlarm{alarm: alarm, schedule: schedule, seq: s.seq}
	s.armed[alarm.Name] = a

	if !s.started {
		return
	}

	name, seq := alarm.Name, a.seq
	a.timer = time.AfterFunc(time.Until(alarm.FireAt), func() {
		s.fire(name, seq)
	})
}

func (s *Service) disarmLocked(name string) {
	if a, ok := s.armed[name]; ok {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.armed, name)
	}
}

// fire runs in the timer goroutine. The alarm is consumed (one-shot) or re-armed
// (periodic) before the handler starts so a handler may reschedule its own alarm.
func (s *Service) fire(name string, seq uint64) {
	s.mu.Lock()
	a, ok := s.armed[name]
	if !ok || a.seq != seq || !s.started {
		s.mu.Unlock()
		return
	}
	handler := s.handlers[name]
	ctx := s.ctx

	if a.schedule != nil {
		next := models.Alarm{Name: name, FireAt: a.schedule.Next(time.Now()), Spec: a.alarm.Spec}
		if err := s.store.SaveAlarm(ctx, next); err != nil {
			s.logger.Error().Err(err).Str("alarm", name).Msg("Failed to persist next periodic firing")
		}
		s.armLocked(next, a.schedule)
	} else {
		delete(s.armed, name)
		if err := s.store.DeleteAlarm(ctx, name); err != nil {
			s.logger.Error().Err(err).Str("alarm", name).Msg("Failed to delete fired alarm")
		}
	}
	if handler != nil {
		s.running.Add(1)
	}
	s.mu.Unlock()

	if handler == nil {
		s.logger.Warn().Str("alarm", name).Msg("Alarm fired with no handler")
		return
	}

	s.logger.Trace().Str("alarm", name).Msg("Alarm fired")

	common.SafeGo(s.logger, "wakeup:"+name, func() {
		defer s.running.Done()
		if err := handler(ctx); err != nil {
			s.logger.Error().Err(err).Str("alarm", name).Msg("Alarm handler failed")
		}
	})
}
