package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/qaharvest/internal/models"
)

// ErrAgentUnavailable is returned when the page has no agent script to receive commands
var ErrAgentUnavailable = errors.New("page agent not available")

// PageAgent exchanges commands with the agent script embedded in a page session.
// Timeouts are the caller's concern.
type PageAgent interface {
	Ping(ctx context.Context, sessionID string) (bool, error)
	Extract(ctx context.Context, sessionID string, settings models.ExtractSettings) (*models.ExtractResponse, error)
	Snapshot(ctx context.Context, sessionID string) (*models.ExtractResponse, error)
	Abort(sessionID string)
}
