package models

// ExtractSettings are passed to the page agent with every EXTRACT command
type ExtractSettings struct {
	MaxResults   int               `json:"maxResults"`
	ClickDelayMs int               `json:"clickDelayMs"`
	Selectors    map[string]string `json:"selectors,omitempty"`
}

// ExtractResponse is the page agent's answer to EXTRACT and EXTRACT_SNAPSHOT_ONLY
type ExtractResponse struct {
	Success       bool     `json:"success"`
	Results       []QAPair `json:"results"`
	Exhausted     bool     `json:"exhausted"`
	LoginRequired bool     `json:"loginRequired,omitempty"`
	Error         string   `json:"error,omitempty"`
}
