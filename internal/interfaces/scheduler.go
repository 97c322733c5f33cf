package interfaces

import (
	"context"
	"time"
)

// WakeupHandler is invoked when a named alarm fires
type WakeupHandler func(ctx context.Context) error

// WakeupScheduler arms named alarms that survive process restarts.
// Scheduling an alarm that already exists replaces it.
type WakeupScheduler interface {
	Register(name string, handler WakeupHandler)
	Schedule(ctx context.Context, name string, delay time.Duration) error
	SchedulePeriodic(ctx context.Context, name, spec string, first time.Duration) error
	Cancel(ctx context.Context, name string) error
	Next(name string) (time.Time, bool)
}
