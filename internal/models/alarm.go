package models

import "time"

// Alarm is a persisted wake-up. One-shot alarms are deleted when they fire;
// periodic alarms (Spec set, cron syntax such as "@every 15s") are re-armed.
type Alarm struct {
	Name   string    `json:"name"`
	FireAt time.Time `json:"fireAt"`
	Spec   string    `json:"spec,omitempty"`
}

// IsPeriodic reports whether the alarm repeats
func (a Alarm) IsPeriodic() bool {
	return a.Spec != ""
}
