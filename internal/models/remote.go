package models

// RemoteItem is a job handed out by the backend remote-queue API
type RemoteItem struct {
	ItemID        string `json:"itemId"`
	Key           string `json:"key"`
	MarketplaceID string `json:"marketplaceId"`
	MaxResults    int    `json:"maxResults"`
}

// RemoteStatus is the completion status reported back for a remote item
type RemoteStatus string

const (
	RemoteStatusCompleted RemoteStatus = "completed"
	RemoteStatusFailed    RemoteStatus = "failed"
)

// RemoteReport is the body posted to the backend when a remote item finishes
type RemoteReport struct {
	ItemID       string       `json:"itemId"`
	Status       RemoteStatus `json:"status"`
	ResultsFound int          `json:"resultsFound"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// Submission is the body posted to the backend extraction-submission API
type Submission struct {
	Key           string   `json:"key"`
	MarketplaceID string   `json:"marketplaceId"`
	Results       []QAPair `json:"results"`
}

// SubmissionResult is the backend's answer to a Submission
type SubmissionResult struct {
	NewResultsAdded int `json:"newResultsAdded"`
}
