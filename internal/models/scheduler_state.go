package models

import "time"

// SchedulerState is the process-wide extraction state. It is persisted as a single
// record after every mutation and rehydrated on process start.
type SchedulerState struct {
	Queue               []QueueItem `json:"queue"`
	IsRunning           bool        `json:"isRunning"`
	CurrentIndex        int         `json:"currentIndex"` // -1 when idle
	ActivePageSessionID string      `json:"activePageSessionId,omitempty"`
	RemotePollEnabled   bool        `json:"remotePollEnabled"`
	RemotePollBusy      bool        `json:"remotePollBusy"`
	RemoteItem          *RemoteItem `json:"remoteItem,omitempty"` // In-flight remote job while RemotePollBusy
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// QueueStats summarises the queue by status
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Error      int `json:"error"`
	Partial    int `json:"partial"` // error items carrying recovered results
}

// NewSchedulerState creates an empty idle state
func NewSchedulerState() *SchedulerState {
	return &SchedulerState{
		Queue:        []QueueItem{},
		CurrentIndex: -1,
	}
}

// Clone returns a deep copy of the state
func (s *SchedulerState) Clone() *SchedulerState {
	c := *s
	c.Queue = make([]QueueItem, len(s.Queue))
	for i, item := range s.Queue {
		c.Queue[i] = item.Clone()
	}
	if s.RemoteItem != nil {
		ri := *s.RemoteItem
		c.RemoteItem = &ri
	}
	return &c
}

// IndexOf returns the queue index of the item with the given key and marketplace, or -1
func (s *SchedulerState) IndexOf(key, marketplaceID string) int {
	for i := range s.Queue {
		if s.Queue[i].Matches(key, marketplaceID) {
			return i
		}
	}
	return -1
}

// NextPendingFrom returns the index of the first pending item at or after start, or -1
func (s *SchedulerState) NextPendingFrom(start int) int {
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.Queue); i++ {
		if s.Queue[i].Status == ItemStatusPending {
			return i
		}
	}
	return -1
}

// FirstPendingIndex returns the index of the oldest pending item, or -1
func (s *SchedulerState) FirstPendingIndex() int {
	return s.NextPendingFrom(0)
}

// HasPending reports whether any item is pending
func (s *SchedulerState) HasPending() bool {
	return s.FirstPendingIndex() >= 0
}

// Stats counts items per status
func (s *SchedulerState) Stats() QueueStats {
	stats := QueueStats{Total: len(s.Queue)}
	for _, item := range s.Queue {
		switch item.Status {
		case ItemStatusPending:
			stats.Pending++
		case ItemStatusProcessing:
			stats.Processing++
		case ItemStatusDone:
			stats.Done++
		case ItemStatusError:
			stats.Error++
			if len(item.Results) > 0 {
				stats.Partial++
			}
		}
	}
	return stats
}
