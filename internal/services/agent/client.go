// Package agent speaks the message protocol of the agent script embedded in
// the managed page. Every command is a JSON envelope passed to
// window.<global>.handle(msg); the agent answers with a JSON object (or a
// promise of one).
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// DefaultGlobal is the window property the agent script installs itself under
const DefaultGlobal = "__qaAgent"

const abortTimeout = 5 * time.Second

// Client implements interfaces.PageAgent over a PageEvaluator
type Client struct {
	evaluator interfaces.PageEvaluator
	global    string
	logger    arbor.ILogger
}

var _ interfaces.PageAgent = (*Client)(nil)

// NewClient creates an agent client. An empty global selects DefaultGlobal.
func NewClient(evaluator interfaces.PageEvaluator, global string, logger arbor.ILogger) *Client {
	if global == "" {
		global = DefaultGlobal
	}
	return &Client{
		evaluator: evaluator,
		global:    global,
		logger:    logger,
	}
}

// reply wraps the agent's answer so a missing agent is distinguishable from an empty answer
type reply struct {
	Unavailable bool            `json:"__unavailable"`
	Error       string          `json:"__error"`
	Value       json.RawMessage `json:"value"`
}

// expression builds the JS that delivers msg to the agent
func (c *Client) expression(msg []byte) string {
	global, _ := json.Marshal(c.global)
	return fmt.Sprintf(`(async () => {
  const agent = window[%s];
  if (!agent || typeof agent.handle !== "function") { return { __unavailable: true }; }
  try {
    const value = await agent.handle(%s);
    return { value: value === undefined ? null : value };
  } catch (e) {
    return { __error: String((e && e.message) || e) };
  }
})()`, global, msg)
}

func (c *Client) send(ctx context.Context, sessionID string, cmd Command, out interface{}) error {
	msg, err := Encode(cmd)
	if err != nil {
		return err
	}

	var r reply
	if err := c.evaluator.Evaluate(ctx, sessionID, c.expression(msg), &r); err != nil {
		return err
	}
	if r.Unavailable {
		return interfaces.ErrAgentUnavailable
	}
	if r.Error != "" {
		return fmt.Errorf("agent %s failed: %s", cmd.commandType(), r.Error)
	}
	if out == nil || len(r.Value) == 0 || string(r.Value) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Value, out); err != nil {
		return fmt.Errorf("failed to decode agent %s response: %w", cmd.commandType(), err)
	}
	return nil
}

// Ping reports whether the agent is loaded. A missing agent is not an error.
func (c *Client) Ping(ctx context.Context, sessionID string) (bool, error) {
	var resp PingResponse
	err := c.send(ctx, sessionID, Ping{}, &resp)
	if errors.Is(err, interfaces.ErrAgentUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Alive, nil
}

// Extract runs a full extraction and blocks until the agent answers or ctx ends
func (c *Client) Extract(ctx context.Context, sessionID string, settings models.ExtractSettings) (*models.ExtractResponse, error) {
	var resp models.ExtractResponse
	if err := c.send(ctx, sessionID, Extract{Settings: settings}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot returns the results currently visible on the page
func (c *Client) Snapshot(ctx context.Context, sessionID string) (*models.ExtractResponse, error) {
	var resp models.ExtractResponse
	if err := c.send(ctx, sessionID, SnapshotOnly{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abort is fire-and-forget; failures are only logged
func (c *Client) Abort(sessionID string) {
	common.SafeGo(c.logger, "agent:abort", func() {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()
		if err := c.send(ctx, sessionID, Abort{}, nil); err != nil {
			c.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Abort not delivered")
		}
	})
}
