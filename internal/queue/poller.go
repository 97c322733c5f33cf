package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// Poller pulls single items from the backend remote queue and runs them through
// the same executor as the local queue, whenever the page session is free.
type Poller struct {
	manager    *Manager
	executor   *Executor
	processor  *Processor
	scheduler  interfaces.WakeupScheduler
	backend    interfaces.BackendClient
	events     interfaces.EventService
	interval   time.Duration
	maxResults int
	logger     arbor.ILogger

	polling atomic.Bool
}

// NewPoller creates a poller and registers its wake-up handler
func NewPoller(
	manager *Manager,
	executor *Executor,
	processor *Processor,
	scheduler interfaces.WakeupScheduler,
	backend interfaces.BackendClient,
	events interfaces.EventService,
	interval time.Duration,
	maxResults int,
	logger arbor.ILogger,
) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p := &Poller{
		manager:    manager,
		executor:   executor,
		processor:  processor,
		scheduler:  scheduler,
		backend:    backend,
		events:     events,
		interval:   interval,
		maxResults: maxResults,
		logger:     logger,
	}
	scheduler.Register(AlarmRemotePoll, p.poll)
	return p
}

func (p *Poller) spec() string {
	return "@every " + p.interval.String()
}

func (p *Poller) backendEnabled() bool {
	return p.backend != nil && p.backend.Enabled()
}

// Enable turns remote polling on and polls immediately
func (p *Poller) Enable(ctx context.Context) error {
	if !p.backendEnabled() {
		return ErrBackendDisabled
	}
	err := p.manager.Mutate(ctx, "remote polling enabled", func(s *models.SchedulerState) error {
		if s.RemotePollEnabled {
			return errNoChange
		}
		s.RemotePollEnabled = true
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.scheduler.SchedulePeriodic(ctx, AlarmRemotePoll, p.spec(), 0); err != nil {
		return fmt.Errorf("failed to schedule remote polling: %w", err)
	}
	p.logger.Info().Str("interval", p.interval.String()).Msg("Remote polling enabled")
	return nil
}

// Disable turns remote polling off. A remote job already running is left to finish.
func (p *Poller) Disable(ctx context.Context) error {
	err := p.manager.Mutate(ctx, "remote polling disabled", func(s *models.SchedulerState) error {
		if !s.RemotePollEnabled {
			return errNoChange
		}
		s.RemotePollEnabled = false
		return nil
	})
	if err != nil {
		return err
	}
	if err := p.scheduler.Cancel(ctx, AlarmRemotePoll); err != nil {
		return fmt.Errorf("failed to cancel remote polling: %w", err)
	}
	p.logger.Info().Msg("Remote polling disabled")
	return nil
}

// Resume re-arms polling after a restart
func (p *Poller) Resume(ctx context.Context) error {
	return p.scheduler.SchedulePeriodic(ctx, AlarmRemotePoll, p.spec(), 0)
}

// poll is the AlarmRemotePoll handler
func (p *Poller) poll(ctx context.Context) error {
	if !p.polling.CompareAndSwap(false, true) {
		return nil
	}
	defer p.polling.Store(false)

	state := p.manager.Snapshot()
	switch {
	case !state.RemotePollEnabled:
		return nil
	case state.RemotePollBusy:
		p.logger.Debug().Msg("Remote job already in progress, skipping poll")
		return nil
	case state.IsRunning || p.processor.Busy():
		p.logger.Debug().Msg("Local queue run holds the page session, skipping poll")
		return nil
	case !p.backendEnabled():
		p.logger.Warn().Msg("Remote polling enabled without a configured backend")
		return nil
	}

	item, err := p.backend.NextRemoteItem(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to fetch next remote item")
		return nil
	}
	if item == nil {
		return nil
	}

	logger := p.logger.WithCorrelationId(item.ItemID)
	key, ok := NormalizeKey(item.Key)
	if !ok {
		logger.Warn().Str("key", item.Key).Msg("Remote item has an invalid key")
		p.reportRemote(ctx, *item, models.RemoteStatusFailed, 0, fmt.Sprintf("invalid key %q", item.Key))
		return nil
	}
	item.Key = key
	item.MarketplaceID = NormalizeMarketplace(item.MarketplaceID)

	if err := p.manager.AcquireRemote(ctx, *item); err != nil {
		logger.Info().Err(err).Msg("Page session taken, returning remote item")
		p.reportRemote(ctx, *item, models.RemoteStatusFailed, 0, err.Error())
		return nil
	}

	maxResults := item.MaxResults
	if maxResults <= 0 {
		maxResults = p.maxResults
	}

	logger.Info().Str("key", item.Key).Str("marketplace", item.MarketplaceID).Msg("Processing remote item")
	outcome := p.executor.Run(ctx, Job{
		Key:           item.Key,
		MarketplaceID: item.MarketplaceID,
		MaxResults:    maxResults,
		Remote:        true,
	}, Hooks{
		OnSession: func(sessionID string) {
			if err := p.manager.SetActiveSession(ctx, sessionID); err != nil {
				logger.Warn().Err(err).Msg("Failed to record active session")
			}
		},
	})

	if outcome.Cancelled {
		// Shutdown: the busy flag stays set and recovery reports the item as failed
		logger.Info().Msg("Remote job interrupted by shutdown")
		return nil
	}

	p.complete(ctx, logger, *item, outcome)

	// After a login failure the page stays open so the operator can sign in
	if !outcome.Fatal {
		releaseSession(ctx, p.executor.browser, p.manager, logger, outcome.SessionID)
	}

	if err := p.manager.ReleaseRemote(ctx, outcome.Fatal); err != nil {
		return fmt.Errorf("failed to release remote job: %w", err)
	}
	if outcome.Fatal {
		logger.Warn().Err(outcome.Err).Msg("Remote polling halted")
		return p.scheduler.Cancel(ctx, AlarmRemotePoll)
	}

	if p.manager.Snapshot().RemotePollEnabled {
		delay := p.executor.Timings().JobDelay
		if err := p.scheduler.SchedulePeriodic(ctx, AlarmRemotePoll, p.spec(), delay); err != nil {
			return fmt.Errorf("failed to schedule next poll: %w", err)
		}
	}
	return nil
}

// complete submits results and reports the remote item's final status
func (p *Poller) complete(ctx context.Context, logger arbor.ILogger, item models.RemoteItem, outcome Outcome) {
	if len(outcome.Results) > 0 {
		_, err := p.backend.SubmitResults(ctx, models.Submission{
			Key:           item.Key,
			MarketplaceID: item.MarketplaceID,
			Results:       outcome.Results,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to submit remote results")
		}
	}

	status := models.RemoteStatusCompleted
	if outcome.Status != models.ItemStatusDone {
		status = models.RemoteStatusFailed
	}
	p.reportRemote(ctx, item, status, len(outcome.Results), outcome.ErrorMessage())
	publishJobFinished(ctx, p.events, logger, item.Key, item.MarketplaceID, outcome, true)
}

func (p *Poller) reportRemote(ctx context.Context, item models.RemoteItem, status models.RemoteStatus, found int, message string) {
	err := p.backend.ReportRemote(ctx, models.RemoteReport{
		ItemID:       item.ItemID,
		Status:       status,
		ResultsFound: found,
		ErrorMessage: message,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn().Err(err).Str("item_id", item.ItemID).Msg("Failed to report remote item")
	}
}
