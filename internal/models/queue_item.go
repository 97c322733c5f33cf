package models

import "time"

// ItemStatus is the lifecycle status of a queue item
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusDone       ItemStatus = "done"
	ItemStatusError      ItemStatus = "error"
)

// QAPair is a single extracted question with its answer
type QAPair struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// QueueItem is one unit of extraction work: a target page identified by key and marketplace
type QueueItem struct {
	Key           string     `json:"key" yaml:"key"`
	MarketplaceID string     `json:"marketplaceId" yaml:"marketplace_id"`
	Status        ItemStatus `json:"status" yaml:"status"`
	Results       []QAPair   `json:"results" yaml:"results"`
	Progress      string     `json:"progress,omitempty" yaml:"-"`
	Error         string     `json:"error,omitempty" yaml:"error,omitempty"`
	Fatal         bool       `json:"fatal,omitempty" yaml:"-"` // Error halted the whole run (login required)

	Exhausted       bool   `json:"exhausted" yaml:"exhausted"`
	SentToBackend   bool   `json:"sentToBackend" yaml:"sent_to_backend"`
	BackendNewCount int    `json:"backendNewCount" yaml:"backend_new_count"`
	BackendError    string `json:"backendError,omitempty" yaml:"backend_error,omitempty"`

	AddedAt    time.Time  `json:"addedAt" yaml:"added_at"`
	StartedAt  *time.Time `json:"startedAt,omitempty" yaml:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" yaml:"finished_at,omitempty"`
}

// Matches reports whether the item has the given key and marketplace
func (i *QueueItem) Matches(key, marketplaceID string) bool {
	return i.Key == key && i.MarketplaceID == marketplaceID
}

// IsFinished reports whether the item reached a terminal status (done or error)
func (i *QueueItem) IsFinished() bool {
	return i.Status == ItemStatusDone || i.Status == ItemStatusError
}

// ResetToPending returns the item to the pending state, discarding all outcome data
func (i *QueueItem) ResetToPending() {
	i.Status = ItemStatusPending
	i.Results = nil
	i.Progress = ""
	i.Error = ""
	i.Fatal = false
	i.Exhausted = false
	i.SentToBackend = false
	i.BackendNewCount = 0
	i.BackendError = ""
	i.StartedAt = nil
	i.FinishedAt = nil
}

// Clone returns a deep copy of the item
func (i QueueItem) Clone() QueueItem {
	c := i
	if i.Results != nil {
		c.Results = make([]QAPair, len(i.Results))
		copy(c.Results, i.Results)
	}
	if i.StartedAt != nil {
		t := *i.StartedAt
		c.StartedAt = &t
	}
	if i.FinishedAt != nil {
		t := *i.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
