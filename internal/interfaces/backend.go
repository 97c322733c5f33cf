package interfaces

import (
	"context"

	"github.com/ternarybob/qaharvest/internal/models"
)

// BackendClient talks to the result-submission and remote-queue APIs
type BackendClient interface {
	// Enabled reports whether an API key is configured
	Enabled() bool
	SubmitResults(ctx context.Context, submission models.Submission) (*models.SubmissionResult, error)

	// NextRemoteItem returns nil when the remote queue is empty
	NextRemoteItem(ctx context.Context) (*models.RemoteItem, error)
	ReportRemote(ctx context.Context, report models.RemoteReport) error
}
