package queue

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// RecoveryReport describes what the bootstrapper found and did
type RecoveryReport struct {
	Created       bool // No state was persisted before
	ResetItems    int  // Processing items returned to pending
	ResumedRun    bool
	FinalizedRun  bool
	ResumedPoll   bool
	AbortedRemote *models.RemoteItem // Remote job lost to the restart
}

// Recoverer rehydrates the scheduler state on process start and re-arms the
// wake-ups that were live before the process died.
type Recoverer struct {
	manager      *Manager
	processor    *Processor
	poller       *Poller
	scheduler    interfaces.WakeupScheduler
	backend      interfaces.BackendClient
	enableRemote bool // Enable polling when no state existed yet
	logger       arbor.ILogger
}

// NewRecoverer creates the startup bootstrapper
func NewRecoverer(manager *Manager, processor *Processor, poller *Poller, scheduler interfaces.WakeupScheduler, backend interfaces.BackendClient, enableRemote bool, logger arbor.ILogger) *Recoverer {
	return &Recoverer{
		manager:      manager,
		processor:    processor,
		poller:       poller,
		scheduler:    scheduler,
		backend:      backend,
		enableRemote: enableRemote,
		logger:       logger,
	}
}

// Run loads the persisted state and repairs anything in flight. It must run
// before the wake-up scheduler starts so restored alarms see the repaired state.
func (r *Recoverer) Run(ctx context.Context) (*RecoveryReport, error) {
	created, err := r.manager.Load(ctx)
	if err != nil {
		return nil, err
	}
	report := &RecoveryReport{Created: created}
	backendEnabled := r.backend != nil && r.backend.Enabled()

	err = r.manager.Mutate(ctx, "recovered", func(s *models.SchedulerState) error {
		if created && r.enableRemote && backendEnabled {
			s.RemotePollEnabled = true
		}

		// The browser does not outlive the process
		s.ActivePageSessionID = ""

		for i := range s.Queue {
			if s.Queue[i].Status == models.ItemStatusProcessing {
				s.Queue[i].Status = models.ItemStatusPending
				s.Queue[i].Progress = ""
				s.Queue[i].StartedAt = nil
				report.ResetItems++
			}
		}

		if s.IsRunning {
			if first := s.FirstPendingIndex(); first >= 0 {
				s.CurrentIndex = first - 1
				report.ResumedRun = true
			} else {
				s.IsRunning = false
				s.CurrentIndex = -1
				report.FinalizedRun = true
			}
		} else {
			s.CurrentIndex = -1
		}

		if s.RemotePollBusy {
			report.AbortedRemote = s.RemoteItem
			s.RemotePollBusy = false
			s.RemoteItem = nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to repair scheduler state: %w", err)
	}

	if report.AbortedRemote != nil && backendEnabled {
		err := r.backend.ReportRemote(ctx, models.RemoteReport{
			ItemID:       report.AbortedRemote.ItemID,
			Status:       models.RemoteStatusFailed,
			ErrorMessage: "interrupted by restart",
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("item_id", report.AbortedRemote.ItemID).Msg("Failed to report interrupted remote item")
		}
	}

	if report.ResumedRun {
		if err := r.processor.Resume(ctx); err != nil {
			return nil, err
		}
	} else if err := r.scheduler.Cancel(ctx, AlarmAdvance); err != nil {
		return nil, fmt.Errorf("failed to cancel stale processor wake-up: %w", err)
	}

	state := r.manager.Snapshot()
	if state.RemotePollEnabled && backendEnabled {
		if err := r.poller.Resume(ctx); err != nil {
			return nil, fmt.Errorf("failed to resume remote polling: %w", err)
		}
		report.ResumedPoll = true
	} else if err := r.scheduler.Cancel(ctx, AlarmRemotePoll); err != nil {
		return nil, fmt.Errorf("failed to cancel stale poll wake-up: %w", err)
	}

	r.logger.Info().
		Bool("created", report.Created).
		Int("reset_items", report.ResetItems).
		Bool("resumed_run", report.ResumedRun).
		Bool("finalized_run", report.FinalizedRun).
		Bool("resumed_poll", report.ResumedPoll).
		Bool("aborted_remote", report.AbortedRemote != nil).
		Msg("Scheduler state recovered")
	return report, nil
}
