package handlers

import (
	"context"

	"github.com/ternarybob/qaharvest/internal/models"
)

// QueueService is the queue surface the HTTP API drives
type QueueService interface {
	Snapshot() *models.SchedulerState
	Enqueue(ctx context.Context, keys []string, marketplaceID string) (int, error)
	Remove(ctx context.Context, key, marketplaceID string) (bool, error)
	ClearAll(ctx context.Context) error
	ClearFinished(ctx context.Context) (int, error)
	RetryFailed(ctx context.Context) (int, error)
	ExportFinished() []models.QueueItem
}

// RunController starts and stops the local queue run
type RunController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RemoteController toggles remote queue polling
type RemoteController interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}
