package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoSession       = errors.New("no active page session")
	ErrSessionMismatch = errors.New("page session is not the active session")
	ErrLoadTimeout     = errors.New("page load timeout")
)

// PageEvaluator runs JavaScript in a page session and decodes the result into out
type PageEvaluator interface {
	Evaluate(ctx context.Context, sessionID, expression string, out interface{}) error
}

// PageSessionController owns the single managed page session
type PageSessionController interface {
	PageEvaluator

	// OpenFresh closes any previous session and starts navigating a new one to url
	OpenFresh(ctx context.Context, url string) (string, error)

	// WaitForLoad blocks until the page load event fired or timeout elapsed
	WaitForLoad(ctx context.Context, sessionID string, timeout time.Duration) error

	// Close is idempotent; closing an unknown session is not an error
	Close(sessionID string) error

	ActiveSessionID() string
}
