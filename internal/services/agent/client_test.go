package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
	"github.com/ternarybob/qaharvest/internal/models"
)

// mockEvaluator answers Evaluate with a canned JSON document
type mockEvaluator struct {
	mock.Mock
	mu    sync.Mutex
	exprs []string
}

func (m *mockEvaluator) Evaluate(ctx context.Context, sessionID, expression string, out interface{}) error {
	m.mu.Lock()
	m.exprs = append(m.exprs, expression)
	m.mu.Unlock()

	args := m.Called(sessionID)
	if err := args.Error(1); err != nil {
		return err
	}
	return json.Unmarshal([]byte(args.String(0)), out)
}

func (m *mockEvaluator) lastExpr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.exprs) == 0 {
		return ""
	}
	return m.exprs[len(m.exprs)-1]
}

func TestEncode(t *testing.T) {
	data, err := Encode(Extract{Settings: models.ExtractSettings{MaxResults: 50, ClickDelayMs: 1500}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"EXTRACT","settings":{"maxResults":50,"clickDelayMs":1500}}`, string(data))

	for cmd, want := range map[Command]string{
		Ping{}:         `{"type":"PING"}`,
		SnapshotOnly{}: `{"type":"EXTRACT_SNAPSHOT_ONLY"}`,
		Abort{}:        `{"type":"ABORT"}`,
	} {
		data, err := Encode(cmd)
		require.NoError(t, err)
		assert.JSONEq(t, want, string(data))
	}

	_, err = Encode(nil)
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	ev := &mockEvaluator{}
	ev.On("Evaluate", "ps_alive").Return(`{"value":{"alive":true}}`, nil)
	ev.On("Evaluate", "ps_missing").Return(`{"__unavailable":true}`, nil)
	ev.On("Evaluate", "ps_gone").Return("", interfaces.ErrNoSession)
	client := NewClient(ev, "", arbor.NewLogger())
	ctx := context.Background()

	alive, err := client.Ping(ctx, "ps_alive")
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Contains(t, ev.lastExpr(), `window["__qaAgent"]`)
	assert.Contains(t, ev.lastExpr(), `{"type":"PING"}`)

	alive, err = client.Ping(ctx, "ps_missing")
	require.NoError(t, err)
	assert.False(t, alive)

	_, err = client.Ping(ctx, "ps_gone")
	assert.ErrorIs(t, err, interfaces.ErrNoSession)
}

func TestExtract(t *testing.T) {
	ev := &mockEvaluator{}
	ev.On("Evaluate", "ps_1").Return(`{"value":{"success":true,"exhausted":true,"results":[{"question":"Q1","answer":"A1"}]}}`, nil).Once()
	ev.On("Evaluate", "ps_1").Return(`{"value":{"success":false,"loginRequired":true}}`, nil).Once()
	ev.On("Evaluate", "ps_1").Return(`{"__error":"selector not found"}`, nil).Once()
	client := NewClient(ev, "customAgent", arbor.NewLogger())
	ctx := context.Background()

	resp, err := client.Extract(ctx, "ps_1", models.ExtractSettings{MaxResults: 10})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.Exhausted)
	assert.Equal(t, []models.QAPair{{Question: "Q1", Answer: "A1"}}, resp.Results)
	assert.Contains(t, ev.lastExpr(), `window["customAgent"]`)
	assert.Contains(t, ev.lastExpr(), `"maxResults":10`)

	resp, err = client.Extract(ctx, "ps_1", models.ExtractSettings{})
	require.NoError(t, err)
	assert.True(t, resp.LoginRequired)

	_, err = client.Extract(ctx, "ps_1", models.ExtractSettings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "selector not found")
}

func TestSnapshot_AgentMissing(t *testing.T) {
	ev := &mockEvaluator{}
	ev.On("Evaluate", "ps_1").Return(`{"__unavailable":true}`, nil)
	client := NewClient(ev, "", arbor.NewLogger())

	_, err := client.Snapshot(context.Background(), "ps_1")
	assert.True(t, errors.Is(err, interfaces.ErrAgentUnavailable))
}

func TestAbort_FireAndForget(t *testing.T) {
	ev := &mockEvaluator{}
	ev.On("Evaluate", "ps_1").Return("", errors.New("tab gone"))
	client := NewClient(ev, "", arbor.NewLogger())

	client.Abort("ps_1")
	require.Eventually(t, func() bool {
		return strings.Contains(ev.lastExpr(), `{"type":"ABORT"}`)
	}, time.Second, 5*time.Millisecond)
}
