package queue

import "errors"

var (
	ErrAlreadyRunning  = errors.New("processor already running")
	ErrNothingPending  = errors.New("no pending items in queue")
	ErrLocalRunActive  = errors.New("local queue run in progress")
	ErrRemoteBusy      = errors.New("remote job in progress")
	ErrBackendDisabled = errors.New("backend not configured")

	// Job outcomes
	ErrLoginRequired     = errors.New("login required")
	ErrPageLoadTimeout   = errors.New("page load timeout")
	ErrAgentUnresponsive = errors.New("agent unresponsive")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrExtractionTimeout = errors.New("extraction timed out")

	// errNoChange aborts a Mutate without persisting or broadcasting
	errNoChange = errors.New("no change")
)

// Alarm names owned by this package
const (
	AlarmAdvance    = "queue.advance"
	AlarmRemotePoll = "remote.poll"
)
