// Package browser owns the single managed page session: one headless Chrome
// tab that is replaced for every extraction job.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/interfaces"
)

// ErrNotStarted is returned when a session is requested before Start
var ErrNotStarted = errors.New("browser not started")

// Config holds the Chrome launch options
type Config struct {
	Headless       bool
	NoSandbox      bool
	UserAgent      string
	UserDataDir    string
	AgentScript    string // JavaScript source injected into every new document
	StartupTimeout time.Duration
}

type session struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	targetID target.ID

	loaded    chan struct{}
	loadOnce  sync.Once
	navFailed chan struct{}
	navErr    error
	failOnce  sync.Once
	goneOnce  sync.Once
	mu        sync.Mutex
	closing   bool
	openedAt  time.Time
}

func (s *session) markLoaded() {
	s.loadOnce.Do(func() { close(s.loaded) })
}

func (s *session) markFailed(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.navErr = err
		s.mu.Unlock()
		close(s.navFailed)
	})
}

func (s *session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *session) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
}

// Controller implements interfaces.PageSessionController on top of chromedp
type Controller struct {
	config Config
	logger arbor.ILogger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	active        *session
	onClosed      []func(sessionID string)
}

var _ interfaces.PageSessionController = (*Controller)(nil)

// NewController creates a controller; call Start before opening sessions
func NewController(config Config, logger arbor.ILogger) *Controller {
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 30 * time.Second
	}
	return &Controller{
		config: config,
		logger: logger,
	}
}

// Start launches Chrome and verifies it responds
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browserCtx != nil {
		return fmt.Errorf("browser already started")
	}

	startTime := time.Now()

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.config.Headless),
		chromedp.Flag("no-sandbox", c.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
	)
	if c.config.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(c.config.UserAgent))
	}
	if c.config.UserDataDir != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserDataDir(c.config.UserDataDir))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// First Run on browserCtx launches Chrome; it must not carry a timeout or the
	// browser would close when the timeout context is released.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	testCtx, testCancel := context.WithTimeout(browserCtx, c.config.StartupTimeout)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("browser failed startup test: %w", err)
	}

	chromedp.ListenBrowser(browserCtx, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok {
			c.targetGone(e.TargetID)
		}
	})

	c.allocCancel = allocatorCancel
	c.browserCtx = browserCtx
	c.browserCancel = browserCancel

	c.logger.Info().
		Bool("headless", c.config.Headless).
		Bool("agent_script", c.config.AgentScript != "").
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser started")

	return nil
}

// Stop closes the active session and shuts Chrome down
func (c *Controller) Stop() {
	c.mu.Lock()
	active := c.active
	c.active = nil
	browserCancel, allocCancel := c.browserCancel, c.allocCancel
	c.browserCtx, c.browserCancel, c.allocCancel = nil, nil, nil
	c.mu.Unlock()

	if active != nil {
		active.close()
	}
	if browserCancel != nil {
		browserCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
	c.logger.Info().Msg("Browser stopped")
}

// OnClosed registers fn to run when the active session disappears without Close being called
func (c *Controller) OnClosed(fn func(sessionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = append(c.onClosed, fn)
}

// ActiveSessionID returns the current session handle or ""
func (c *Controller) ActiveSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.id
}

// OpenFresh closes the previous tab, opens a new one with the agent script
// registered for new documents, and starts navigation without waiting for it.
func (c *Controller) OpenFresh(ctx context.Context, url string) (string, error) {
	c.mu.Lock()
	browserCtx := c.browserCtx
	prev := c.active
	c.active = nil
	c.mu.Unlock()

	if prev != nil {
		prev.close()
		c.logger.Debug().Str("session_id", prev.id).Msg("Previous page session closed")
	}
	if browserCtx == nil {
		return "", ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	sess := &session{
		id:        common.NewSessionID(),
		ctx:       tabCtx,
		cancel:    tabCancel,
		loaded:    make(chan struct{}),
		navFailed: make(chan struct{}),
		openedAt:  time.Now(),
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch ev.(type) {
		case *page.EventLoadEventFired:
			sess.markLoaded()
		case *inspector.EventDetached, *inspector.EventTargetCrashed:
			common.SafeGo(c.logger, "browser:session-gone", func() { c.sessionGone(sess) })
		}
	})

	// First Run creates the tab; like the browser, it must run on the undecorated tab context.
	var actions []chromedp.Action
	if c.config.AgentScript != "" {
		script := c.config.AgentScript
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			return err
		}))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		tabCancel()
		return "", fmt.Errorf("failed to open page session: %w", err)
	}

	if t := chromedp.FromContext(tabCtx).Target; t != nil {
		sess.targetID = t.TargetID
	}

	c.mu.Lock()
	c.active = sess
	c.mu.Unlock()

	common.SafeGo(c.logger, "browser:navigate", func() {
		if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
			if sess.isClosing() {
				return
			}
			c.logger.Warn().Err(err).Str("session_id", sess.id).Str("url", url).Msg("Navigation failed")
			sess.markFailed(err)
			return
		}
		sess.markLoaded()
	})

	c.logger.Debug().
		Str("session_id", sess.id).
		Str("target_id", string(sess.targetID)).
		Str("url", url).
		Msg("Page session opened")

	return sess.id, nil
}

// WaitForLoad blocks until the session's load event fired, navigation failed or timeout elapsed
func (c *Controller) WaitForLoad(ctx context.Context, sessionID string, timeout time.Duration) error {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sess.loaded:
		c.logger.Debug().Str("session_id", sessionID).Dur("load_time", time.Since(sess.openedAt)).Msg("Page loaded")
		return nil
	case <-sess.navFailed:
		sess.mu.Lock()
		navErr := sess.navErr
		sess.mu.Unlock()
		return fmt.Errorf("navigation failed: %w", navErr)
	case <-timer.C:
		return interfaces.ErrLoadTimeout
	case <-sess.ctx.Done():
		return interfaces.ErrNoSession
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate runs expression in the session, awaiting a returned promise, and
// JSON-decodes the result into out (which may be nil)
func (c *Controller) Evaluate(ctx context.Context, sessionID, expression string, out interface{}) error {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}

	evalCtx, cancel := context.WithCancel(sess.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = chromedp.Run(evalCtx, chromedp.Evaluate(expression, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if sess.ctx.Err() != nil {
			return interfaces.ErrNoSession
		}
		return fmt.Errorf("evaluate failed: %w", err)
	}
	return nil
}

// Close closes the session if it is the active one. Unknown or already closed sessions are ignored.
func (c *Controller) Close(sessionID string) error {
	c.mu.Lock()
	sess := c.active
	if sess == nil || sess.id != sessionID {
		c.mu.Unlock()
		return nil
	}
	c.active = nil
	c.mu.Unlock()

	sess.close()
	c.logger.Debug().Str("session_id", sessionID).Msg("Page session closed")
	return nil
}

func (c *Controller) lookup(sessionID string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, interfaces.ErrNoSession
	}
	if c.active.id != sessionID {
		return nil, interfaces.ErrSessionMismatch
	}
	return c.active, nil
}

func (c *Controller) targetGone(id target.ID) {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess != nil && sess.targetID == id {
		common.SafeGo(c.logger, "browser:target-destroyed", func() { c.sessionGone(sess) })
	}
}

// sessionGone handles a tab that vanished underneath us (user closed it, renderer crash)
func (c *Controller) sessionGone(sess *session) {
	if sess.isClosing() {
		return
	}
	sess.goneOnce.Do(func() {
		c.mu.Lock()
		if c.active == sess {
			c.active = nil
		}
		callbacks := make([]func(string), len(c.onClosed))
		copy(callbacks, c.onClosed)
		c.mu.Unlock()

		sess.close()

		c.logger.Warn().Str("session_id", sess.id).Msg("Page session closed unexpectedly")
		for _, fn := range callbacks {
			fn(sess.id)
		}
	})
}
