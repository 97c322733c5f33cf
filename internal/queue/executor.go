package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// Timings bounds each phase of a single extraction job
type Timings struct {
	LoadTimeout     time.Duration
	SettleDelay     time.Duration
	PingAttempts    int
	PingInterval    time.Duration
	ExtractTimeout  time.Duration
	SnapshotTimeout time.Duration
	ClickDelay      time.Duration
	JobDelay        time.Duration
}

// TimingsFromConfig resolves the extraction durations, falling back to defaults
func TimingsFromConfig(cfg common.ExtractionConfig) Timings {
	attempts := cfg.PingAttempts
	if attempts < 1 {
		attempts = 5
	}
	return Timings{
		LoadTimeout:     common.ParseDurationOr(cfg.LoadTimeout, 30*time.Second),
		SettleDelay:     common.ParseDurationOr(cfg.SettleDelay, 2*time.Second),
		PingAttempts:    attempts,
		PingInterval:    common.ParseDurationOr(cfg.PingInterval, time.Second),
		ExtractTimeout:  common.ParseDurationOr(cfg.ExtractTimeout, 10*time.Minute),
		SnapshotTimeout: common.ParseDurationOr(cfg.SnapshotTimeout, 10*time.Second),
		ClickDelay:      common.ParseDurationOr(cfg.ClickDelay, 1500*time.Millisecond),
		JobDelay:        common.ParseDurationOr(cfg.JobDelay, 5*time.Second),
	}
}

// Job identifies one page to extract
type Job struct {
	Key           string
	MarketplaceID string
	MaxResults    int
	Remote        bool
}

// Hooks lets the caller observe a running job
type Hooks struct {
	OnSession  func(sessionID string)
	OnProgress func(progress string)
}

// Outcome is the result of a single job
type Outcome struct {
	Status    models.ItemStatus
	Results   []models.QAPair
	Exhausted bool
	Err       error
	Fatal     bool // The run must halt (login required)
	Cancelled bool // The job was interrupted by its context
	SessionID string
}

// ErrorMessage returns the outcome error text, or empty
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Executor drives one extraction job: open a fresh page, wait for load,
// handshake with the agent and extract under a deadline.
type Executor struct {
	browser    interfaces.PageSessionController
	agent      interfaces.PageAgent
	timings    Timings
	itemPath   string
	maxResults int
	selectors  map[string]string
	logger     arbor.ILogger
}

// ExecutorConfig carries the executor's page and agent settings
type ExecutorConfig struct {
	Timings    Timings
	ItemPath   string // Format string with one %s for the escaped key
	MaxResults int    // Used when a job does not set its own limit
	Selectors  map[string]string
}

// NewExecutor creates an executor
func NewExecutor(browser interfaces.PageSessionController, agent interfaces.PageAgent, config ExecutorConfig, logger arbor.ILogger) *Executor {
	itemPath := config.ItemPath
	if itemPath == "" {
		itemPath = "/item/%s"
	}
	maxResults := config.MaxResults
	if maxResults <= 0 {
		maxResults = 100
	}
	return &Executor{
		browser:    browser,
		agent:      agent,
		timings:    config.Timings,
		itemPath:   itemPath,
		maxResults: maxResults,
		selectors:  config.Selectors,
		logger:     logger,
	}
}

// Timings returns the executor's phase timings
func (e *Executor) Timings() Timings {
	return e.timings
}

// ItemURL builds the page URL for a key on a marketplace
func (e *Executor) ItemURL(key, marketplaceID string) string {
	return models.MarketplaceBaseURL(marketplaceID) + fmt.Sprintf(e.itemPath, url.PathEscape(key))
}

// Run executes job and never returns an error directly; failures are carried in the Outcome
func (e *Executor) Run(ctx context.Context, job Job, hooks Hooks) (outcome Outcome) {
	logger := e.logger.WithCorrelationId(job.MarketplaceID + "/" + job.Key)
	started := time.Now()

	defer common.RecoverPanic(logger, "queue.executor", func(r interface{}) {
		outcome = Outcome{
			Status:    models.ItemStatusError,
			Err:       fmt.Errorf("extraction panicked: %v", r),
			SessionID: outcome.SessionID,
		}
	})

	progress := func(p string) {
		if hooks.OnProgress != nil {
			hooks.OnProgress(p)
		}
	}

	target := e.ItemURL(job.Key, job.MarketplaceID)
	logger.Info().Str("url", target).Bool("remote", job.Remote).Msg("Starting extraction")

	progress("opening page")
	sessionID, err := e.browser.OpenFresh(ctx, target)
	if err != nil {
		return e.fail(ctx, fmt.Errorf("failed to open page: %w", err), "")
	}
	outcome.SessionID = sessionID
	if hooks.OnSession != nil {
		hooks.OnSession(sessionID)
	}

	progress("waiting for page load")
	if err := e.browser.WaitForLoad(ctx, sessionID, e.timings.LoadTimeout); err != nil {
		if errors.Is(err, interfaces.ErrLoadTimeout) {
			err = ErrPageLoadTimeout
		}
		return e.fail(ctx, err, sessionID)
	}

	if e.timings.SettleDelay > 0 {
		select {
		case <-time.After(e.timings.SettleDelay):
		case <-ctx.Done():
			return e.fail(ctx, ctx.Err(), sessionID)
		}
	}

	progress("connecting to page agent")
	if err := e.handshake(ctx, sessionID); err != nil {
		return e.fail(ctx, err, sessionID)
	}

	maxResults := job.MaxResults
	if maxResults <= 0 {
		maxResults = e.maxResults
	}
	settings := models.ExtractSettings{
		MaxResults:   maxResults,
		ClickDelayMs: int(e.timings.ClickDelay / time.Millisecond),
		Selectors:    e.selectors,
	}

	progress("extracting")
	result := e.extract(ctx, logger, sessionID, settings)
	result.SessionID = sessionID

	logger.Info().
		Str("status", string(result.Status)).
		Int("results", len(result.Results)).
		Bool("exhausted", result.Exhausted).
		Bool("fatal", result.Fatal).
		Dur("elapsed", time.Since(started)).
		Msg("Extraction finished")
	return result
}

// handshake pings the agent until it answers alive
func (e *Executor) handshake(ctx context.Context, sessionID string) error {
	var lastErr error
	for attempt := 1; attempt <= e.timings.PingAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timings.PingInterval)
		alive, err := e.agent.Ping(attemptCtx, sessionID)
		if err == nil && alive {
			cancel()
			return nil
		}
		if err != nil {
			lastErr = err
		}

		// Wait out the remainder of the interval before the next attempt
		<-attemptCtx.Done()
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	e.logger.Warn().
		Str("session_id", sessionID).
		Int("attempts", e.timings.PingAttempts).
		Err(lastErr).
		Msg("Page agent did not answer")
	return ErrAgentUnresponsive
}

type extractResult struct {
	resp *models.ExtractResponse
	err  error
}

func (e *Executor) extract(ctx context.Context, logger arbor.ILogger, sessionID string, settings models.ExtractSettings) Outcome {
	extractCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan extractResult, 1)
	common.SafeGo(logger, "queue.extract", func() {
		defer common.RecoverPanic(logger, "queue.extract", func(r interface{}) {
			done <- extractResult{err: fmt.Errorf("extract panicked: %v", r)}
		})
		resp, err := e.agent.Extract(extractCtx, sessionID, settings)
		done <- extractResult{resp: resp, err: err}
	})

	timer := time.NewTimer(e.timings.ExtractTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return e.interpret(ctx, r, sessionID)

	case <-timer.C:
		cancel()
		return e.recoverPartial(ctx, logger, sessionID)

	case <-ctx.Done():
		e.agent.Abort(sessionID)
		return Outcome{
			Status:    models.ItemStatusError,
			Err:       ctx.Err(),
			Cancelled: true,
		}
	}
}

func (e *Executor) interpret(ctx context.Context, r extractResult, sessionID string) Outcome {
	if r.err != nil {
		if ctx.Err() != nil {
			return Outcome{Status: models.ItemStatusError, Err: ctx.Err(), Cancelled: true}
		}
		return Outcome{
			Status: models.ItemStatusError,
			Err:    fmt.Errorf("%w: %v", ErrExtractionFailed, r.err),
		}
	}
	resp := r.resp
	if resp == nil {
		return Outcome{Status: models.ItemStatusError, Err: fmt.Errorf("%w: empty agent response", ErrExtractionFailed)}
	}
	if resp.LoginRequired {
		err := ErrLoginRequired
		if resp.Error != "" {
			err = fmt.Errorf("%w: %s", ErrLoginRequired, resp.Error)
		}
		return Outcome{
			Status:  models.ItemStatusError,
			Results: resp.Results,
			Err:     err,
			Fatal:   true,
		}
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return Outcome{
			Status:    models.ItemStatusError,
			Results:   resp.Results,
			Exhausted: resp.Exhausted,
			Err:       fmt.Errorf("%w: %s", ErrExtractionFailed, msg),
		}
	}
	return Outcome{
		Status:    models.ItemStatusDone,
		Results:   resp.Results,
		Exhausted: resp.Exhausted,
	}
}

// recoverPartial asks the agent for whatever it collected so far, then aborts it
func (e *Executor) recoverPartial(ctx context.Context, logger arbor.ILogger, sessionID string) Outcome {
	snapCtx, cancel := context.WithTimeout(ctx, e.timings.SnapshotTimeout)
	resp, err := e.agent.Snapshot(snapCtx, sessionID)
	cancel()
	e.agent.Abort(sessionID)

	var results []models.QAPair
	if err != nil {
		logger.Warn().Err(err).Msg("Snapshot after extraction timeout failed")
	} else if resp != nil {
		results = resp.Results
	}

	var msg error
	if len(results) > 0 {
		msg = fmt.Errorf("%w after %s; recovered %d partial results", ErrExtractionTimeout, e.timings.ExtractTimeout, len(results))
	} else {
		msg = fmt.Errorf("%w after %s; no results recovered", ErrExtractionTimeout, e.timings.ExtractTimeout)
	}
	logger.Warn().Int("recovered", len(results)).Msg("Extraction timed out")

	return Outcome{
		Status:  models.ItemStatusError,
		Results: results,
		Err:     msg,
	}
}

// fail builds an error outcome, marking it cancelled when ctx ended
func (e *Executor) fail(ctx context.Context, err error, sessionID string) Outcome {
	return Outcome{
		Status:    models.ItemStatusError,
		Err:       err,
		Cancelled: ctx.Err() != nil,
		SessionID: sessionID,
	}
}
