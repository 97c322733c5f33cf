package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// inflightJob is the local job currently holding the page session
type inflightJob struct {
	runID     uint64
	cancel    context.CancelFunc
	sessionID string
}

// Processor runs the local queue one item at a time. Each step is driven by the
// durable AlarmAdvance wake-up so a run survives process restarts.
type Processor struct {
	manager    *Manager
	executor   *Executor
	scheduler  interfaces.WakeupScheduler
	browser    interfaces.PageSessionController
	agent      interfaces.PageAgent
	backend    interfaces.BackendClient
	events     interfaces.EventService
	maxResults int
	logger     arbor.ILogger

	mu       sync.Mutex
	runID    uint64 // Bumped by Start, Stop and Resume; jobs from an older run are discarded
	inflight *inflightJob
}

// NewProcessor creates a processor and registers its wake-up handler
func NewProcessor(
	manager *Manager,
	executor *Executor,
	scheduler interfaces.WakeupScheduler,
	browser interfaces.PageSessionController,
	agent interfaces.PageAgent,
	backend interfaces.BackendClient,
	events interfaces.EventService,
	maxResults int,
	logger arbor.ILogger,
) *Processor {
	p := &Processor{
		manager:    manager,
		executor:   executor,
		scheduler:  scheduler,
		browser:    browser,
		agent:      agent,
		backend:    backend,
		events:     events,
		maxResults: maxResults,
		logger:     logger,
	}
	scheduler.Register(AlarmAdvance, p.advance)
	return p
}

func (p *Processor) currentRun() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID
}

func (p *Processor) bumpRun() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID++
	return p.runID
}

// Busy reports whether a local job currently holds the page session
func (p *Processor) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight != nil
}

// Start begins a run from the first pending item
func (p *Processor) Start(ctx context.Context) error {
	err := p.manager.Mutate(ctx, "run started", func(s *models.SchedulerState) error {
		if s.IsRunning {
			return ErrAlreadyRunning
		}
		first := s.FirstPendingIndex()
		if first < 0 {
			return ErrNothingPending
		}
		s.IsRunning = true
		s.CurrentIndex = first - 1
		return nil
	})
	if err != nil {
		return err
	}
	p.bumpRun()

	p.logger.Info().Int("pending", p.manager.Stats().Pending).Msg("Queue run started")
	if err := p.scheduler.Schedule(ctx, AlarmAdvance, 0); err != nil {
		return fmt.Errorf("failed to schedule first job: %w", err)
	}
	return nil
}

// Stop halts the run: no further job is dispatched, the current extraction is
// asked to abort and a processing item goes back to pending.
func (p *Processor) Stop(ctx context.Context) error {
	p.bumpRun()

	reset := 0
	err := p.manager.Mutate(ctx, "run stopped", func(s *models.SchedulerState) error {
		for i := range s.Queue {
			if s.Queue[i].Status == models.ItemStatusProcessing {
				s.Queue[i].Status = models.ItemStatusPending
				s.Queue[i].Progress = ""
				s.Queue[i].StartedAt = nil
				reset++
			}
		}
		if !s.IsRunning && reset == 0 && s.CurrentIndex == -1 {
			return errNoChange
		}
		s.IsRunning = false
		s.CurrentIndex = -1
		return nil
	})
	if err != nil {
		return err
	}

	if err := p.scheduler.Cancel(ctx, AlarmAdvance); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to cancel processor wake-up")
	}

	p.mu.Lock()
	job := p.inflight
	p.mu.Unlock()
	if job != nil {
		if job.sessionID != "" {
			p.agent.Abort(job.sessionID)
		}
		if job.cancel != nil {
			job.cancel()
		}
	}

	p.logger.Info().Int("reset", reset).Msg("Queue run stopped")
	return nil
}

// Resume continues a run that was active before a restart
func (p *Processor) Resume(ctx context.Context) error {
	p.bumpRun()
	if err := p.scheduler.Schedule(ctx, AlarmAdvance, 0); err != nil {
		return fmt.Errorf("failed to schedule resumed run: %w", err)
	}
	return nil
}

// advance is the AlarmAdvance handler: pick the next pending item and run it
func (p *Processor) advance(ctx context.Context) error {
	p.mu.Lock()
	if p.inflight != nil {
		// The running job schedules the next advance when it finishes
		p.mu.Unlock()
		return nil
	}
	run := p.runID
	job := &inflightJob{runID: run}
	p.inflight = job
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		if p.inflight == job {
			p.inflight = nil
		}
		p.mu.Unlock()
	}
	defer release()

	var (
		item      models.QueueItem
		picked    bool
		finalized bool
		remote    bool
	)
	err := p.manager.Mutate(ctx, "job started", func(s *models.SchedulerState) error {
		if !s.IsRunning || p.currentRun() != run {
			return errNoChange
		}
		if s.RemotePollBusy {
			remote = true
			return errNoChange
		}

		idx := s.NextPendingFrom(s.CurrentIndex + 1)
		if idx < 0 {
			idx = s.FirstPendingIndex()
		}
		if idx < 0 {
			s.IsRunning = false
			s.CurrentIndex = -1
			finalized = true
			return nil
		}

		now := time.Now()
		s.CurrentIndex = idx
		s.Queue[idx].Status = models.ItemStatusProcessing
		s.Queue[idx].StartedAt = &now
		s.Queue[idx].Progress = ""
		item = s.Queue[idx].Clone()
		picked = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to select next item: %w", err)
	}

	switch {
	case remote:
		p.logger.Debug().Msg("Remote job holds the page session, deferring local run")
		return p.scheduler.Schedule(ctx, AlarmAdvance, p.executor.Timings().JobDelay)
	case finalized:
		p.logger.Info().Msg("Queue run complete")
		p.closeSession(ctx)
		return nil
	case !picked:
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	job.cancel = cancel
	stale := p.runID != run
	p.mu.Unlock()
	if stale {
		// Stop raced with dispatch; its reset already returned the item to pending
		cancel()
	}

	outcome := p.executor.Run(jobCtx, Job{
		Key:           item.Key,
		MarketplaceID: item.MarketplaceID,
		MaxResults:    p.maxResults,
	}, Hooks{
		OnSession: func(sessionID string) {
			p.mu.Lock()
			job.sessionID = sessionID
			p.mu.Unlock()
			if err := p.manager.SetActiveSession(ctx, sessionID); err != nil {
				p.logger.Warn().Err(err).Msg("Failed to record active session")
			}
		},
		OnProgress: func(progress string) {
			p.setProgress(ctx, item, progress)
		},
	})

	// The session is free again; finish may schedule the next advance immediately
	release()
	return p.finish(ctx, run, item, outcome)
}

func (p *Processor) setProgress(ctx context.Context, item models.QueueItem, progress string) {
	err := p.manager.Mutate(ctx, "job progress", func(s *models.SchedulerState) error {
		idx := s.IndexOf(item.Key, item.MarketplaceID)
		if idx < 0 || s.Queue[idx].Status != models.ItemStatusProcessing {
			return errNoChange
		}
		s.Queue[idx].Progress = progress
		return nil
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to record job progress")
	}
}

// finish applies a job outcome, reports it and schedules the next step
func (p *Processor) finish(ctx context.Context, run uint64, item models.QueueItem, outcome Outcome) error {
	logger := p.logger.WithCorrelationId(item.MarketplaceID + "/" + item.Key)

	if p.currentRun() != run {
		logger.Debug().Msg("Discarding outcome of stopped run")
		// A new run may have started while this job was winding down
		if p.manager.Snapshot().IsRunning {
			return p.scheduler.Schedule(ctx, AlarmAdvance, 0)
		}
		return nil
	}
	if outcome.Cancelled {
		// Shutdown: leave the item processing so recovery requeues it
		logger.Info().Msg("Job interrupted by shutdown")
		return nil
	}

	applied := false
	err := p.manager.Mutate(ctx, "job finished", func(s *models.SchedulerState) error {
		idx := s.IndexOf(item.Key, item.MarketplaceID)
		if idx < 0 || s.Queue[idx].Status != models.ItemStatusProcessing {
			return errNoChange
		}
		now := time.Now()
		it := &s.Queue[idx]
		it.Status = outcome.Status
		it.Results = outcome.Results
		it.Exhausted = outcome.Exhausted
		it.Error = outcome.ErrorMessage()
		it.Fatal = outcome.Fatal
		it.Progress = ""
		it.FinishedAt = &now
		if outcome.Fatal {
			s.IsRunning = false
			s.CurrentIndex = -1
		}
		applied = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record job outcome: %w", err)
	}
	if !applied {
		logger.Debug().Msg("Item no longer processing, outcome discarded")
		return p.cooldown(ctx, run, false)
	}

	p.publishFinished(ctx, item, outcome, false)

	if outcome.Fatal {
		logger.Warn().Err(outcome.Err).Msg("Queue run halted")
	} else {
		p.report(ctx, item, outcome.Results)
	}

	return p.cooldown(ctx, run, outcome.Fatal)
}

// report submits results to the backend and records the call's outcome on the item
func (p *Processor) report(ctx context.Context, item models.QueueItem, results []models.QAPair) {
	if p.backend == nil || !p.backend.Enabled() || len(results) == 0 {
		return
	}

	res, submitErr := p.backend.SubmitResults(ctx, models.Submission{
		Key:           item.Key,
		MarketplaceID: item.MarketplaceID,
		Results:       results,
	})
	if submitErr != nil {
		p.logger.Warn().Err(submitErr).Str("key", item.Key).Msg("Failed to submit results to backend")
	}

	err := p.manager.Mutate(ctx, "results reported", func(s *models.SchedulerState) error {
		idx := s.IndexOf(item.Key, item.MarketplaceID)
		if idx < 0 {
			return errNoChange
		}
		it := &s.Queue[idx]
		if submitErr != nil {
			it.SentToBackend = false
			it.BackendError = submitErr.Error()
			return nil
		}
		it.SentToBackend = true
		it.BackendError = ""
		if res != nil {
			it.BackendNewCount = res.NewResultsAdded
		}
		return nil
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to record backend submission")
	}
}

// cooldown schedules the next advance or finalizes the run
func (p *Processor) cooldown(ctx context.Context, run uint64, fatal bool) error {
	if fatal {
		// The page stays open so the user can sign in
		return nil
	}
	if p.currentRun() != run {
		return nil
	}

	state := p.manager.Snapshot()
	if !state.IsRunning {
		return nil
	}
	if state.HasPending() {
		delay := p.executor.Timings().JobDelay
		if err := p.scheduler.Schedule(ctx, AlarmAdvance, delay); err != nil {
			return fmt.Errorf("failed to schedule next job: %w", err)
		}
		return nil
	}

	err := p.manager.Mutate(ctx, "run finished", func(s *models.SchedulerState) error {
		if !s.IsRunning || s.HasPending() {
			return errNoChange
		}
		s.IsRunning = false
		s.CurrentIndex = -1
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.Info().Msg("Queue run complete")
	p.closeSession(ctx)
	return nil
}

func (p *Processor) closeSession(ctx context.Context) {
	releaseSession(ctx, p.browser, p.manager, p.logger, p.browser.ActiveSessionID())
}

// releaseSession closes the page session and forgets it in the persisted state.
// The controller does not report sessions it closes itself through OnClosed.
func releaseSession(ctx context.Context, browser interfaces.PageSessionController, manager *Manager, logger arbor.ILogger, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := browser.Close(sessionID); err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to close page session")
		return
	}
	if err := manager.ClearActiveSession(context.WithoutCancel(ctx), sessionID); err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to clear closed page session")
	}
}

func (p *Processor) publishFinished(ctx context.Context, item models.QueueItem, outcome Outcome, remote bool) {
	publishJobFinished(ctx, p.events, p.logger, item.Key, item.MarketplaceID, outcome, remote)
}

func publishJobFinished(ctx context.Context, events interfaces.EventService, logger arbor.ILogger, key, marketplaceID string, outcome Outcome, remote bool) {
	if events == nil {
		return
	}
	err := events.Publish(context.WithoutCancel(ctx), interfaces.Event{
		Type: interfaces.EventJobFinished,
		Payload: models.JobFinished{
			Key:           key,
			MarketplaceID: marketplaceID,
			Status:        outcome.Status,
			ResultCount:   len(outcome.Results),
			Remote:        remote,
			Error:         outcome.ErrorMessage(),
		},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to publish job finished event")
	}
}
