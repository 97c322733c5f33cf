package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/handlers"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/queue"
	"github.com/ternarybob/qaharvest/internal/services/agent"
	"github.com/ternarybob/qaharvest/internal/services/backend"
	"github.com/ternarybob/qaharvest/internal/services/browser"
	"github.com/ternarybob/qaharvest/internal/services/events"
	"github.com/ternarybob/qaharvest/internal/services/wakeup"
	"github.com/ternarybob/qaharvest/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	InstanceID     string
	StorageManager interfaces.StorageManager

	// Infrastructure
	EventService  interfaces.EventService
	Wakeup        *wakeup.Service
	NATSForwarder *events.NATSForwarder

	// Page session and agent
	Browser *browser.Controller
	Agent   *agent.Client
	Backend *backend.Client

	// Scheduling
	QueueManager *queue.Manager
	Executor     *queue.Executor
	Processor    *queue.Processor
	Poller       *queue.Poller
	Recoverer    *queue.Recoverer

	// HTTP handlers
	APIHandler   *handlers.APIHandler
	QueueHandler *handlers.QueueHandler
	WSHandler    *handlers.WebSocketHandler
}

// New initializes the application with all dependencies. Nothing is started until Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config:     cfg,
		Logger:     logger,
		InstanceID: common.NewInstanceID(),
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("instance_id", app.InstanceID).
		Str("storage", cfg.Storage.Type).
		Bool("backend", app.Backend.Enabled()).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the configured state/alarm store
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.StorageManager = storageManager
	return nil
}

// initServices wires the scheduling components
func (a *App) initServices() error {
	cfg := a.Config

	a.EventService = events.NewService(a.Logger)
	a.Wakeup = wakeup.NewService(a.StorageManager.AlarmStorage(), a.Logger)

	var script string
	if cfg.Browser.AgentScript != "" {
		data, err := os.ReadFile(cfg.Browser.AgentScript)
		if err != nil {
			return fmt.Errorf("failed to read agent script %s: %w", cfg.Browser.AgentScript, err)
		}
		script = string(data)
	} else {
		a.Logger.Warn().Msg("No agent script configured - pages must provide the agent themselves")
	}

	a.Browser = browser.NewController(browser.Config{
		Headless:    cfg.Browser.Headless,
		NoSandbox:   cfg.Browser.NoSandbox,
		UserAgent:   cfg.Browser.UserAgent,
		UserDataDir: cfg.Browser.UserDataDir,
		AgentScript: script,
	}, a.Logger)
	a.Agent = agent.NewClient(a.Browser, cfg.Browser.AgentGlobal, a.Logger)
	a.Backend = backend.NewClient(cfg.Backend, a.Logger)

	a.QueueManager = queue.NewManager(a.StorageManager.StateStorage(), a.Wakeup, a.EventService, a.Logger)
	a.Executor = queue.NewExecutor(a.Browser, a.Agent, queue.ExecutorConfig{
		Timings:    queue.TimingsFromConfig(cfg.Extraction),
		ItemPath:   cfg.Browser.ItemPath,
		MaxResults: cfg.Extraction.MaxResults,
		Selectors:  cfg.Extraction.Selectors,
	}, a.Logger)
	a.Processor = queue.NewProcessor(a.QueueManager, a.Executor, a.Wakeup, a.Browser, a.Agent, a.Backend, a.EventService, cfg.Extraction.MaxResults, a.Logger)
	a.Poller = queue.NewPoller(
		a.QueueManager, a.Executor, a.Processor, a.Wakeup, a.Backend, a.EventService,
		common.ParseDurationOr(cfg.Remote.PollInterval, 15*time.Second),
		cfg.Extraction.MaxResults,
		a.Logger,
	)
	a.Recoverer = queue.NewRecoverer(a.QueueManager, a.Processor, a.Poller, a.Wakeup, a.Backend, cfg.Remote.Enabled, a.Logger)

	// A tab closed outside our control must not leave a dangling handle in the persisted state
	a.Browser.OnClosed(func(sessionID string) {
		ctx := context.Background()
		if err := a.QueueManager.ClearActiveSession(ctx, sessionID); err != nil {
			a.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to clear closed session")
		}
		if err := a.EventService.Publish(ctx, interfaces.Event{Type: interfaces.EventSessionClosed, Payload: sessionID}); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to publish session closed event")
		}
	})

	if cfg.Events.NATSURL != "" {
		forwarder, err := events.NewNATSForwarder(
			cfg.Events.NATSURL, cfg.Events.NATSSubject, a.InstanceID, a.EventService, a.Logger,
			interfaces.EventStateChanged, interfaces.EventJobFinished, interfaces.EventSessionClosed,
		)
		if err != nil {
			// Forwarding is observability only; the scheduler runs without it
			a.Logger.Warn().Err(err).Msg("NATS event forwarding disabled")
		} else {
			a.NATSForwarder = forwarder
		}
	}

	return nil
}

// initHandlers creates the HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Browser, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(a.QueueManager, a.Processor, a.Poller, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.QueueManager, a.Logger, &a.Config.WebSocket)
}

// Start launches the browser, repairs persisted state and arms the durable wake-ups.
// Recovery runs before the wake-up scheduler so restored alarms see the repaired state.
func (a *App) Start(ctx context.Context) error {
	if err := a.Browser.Start(); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}

	report, err := a.Recoverer.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover scheduler state: %w", err)
	}
	if report.ResumedRun {
		a.Logger.Info().Int("reset_items", report.ResetItems).Msg("Resuming interrupted queue run")
	}

	if err := a.Wakeup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start wakeup scheduler: %w", err)
	}
	return nil
}

// Close stops background work and releases resources
func (a *App) Close() error {
	if a.Wakeup != nil {
		a.Wakeup.Stop()
	}

	if a.Browser != nil {
		a.Browser.Stop()
	}

	if a.NATSForwarder != nil {
		if err := a.NATSForwarder.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close NATS forwarder")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
