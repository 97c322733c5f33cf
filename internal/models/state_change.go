package models

// StateChange is the payload broadcast after each persisted state mutation
type StateChange struct {
	Revision uint64          `json:"revision"`
	Reason   string          `json:"reason"`
	State    *SchedulerState `json:"state"`
	Stats    QueueStats      `json:"stats"`
}

// JobFinished is the payload broadcast when one extraction job completes
type JobFinished struct {
	Key           string     `json:"key"`
	MarketplaceID string     `json:"marketplaceId"`
	Status        ItemStatus `json:"status"`
	ResultCount   int        `json:"resultCount"`
	Remote        bool       `json:"remote"`
	Error         string     `json:"error,omitempty"`
}
