package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/common"
	"github.com/ternarybob/qaharvest/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	config := common.NewDefaultConfig().Backend
	config.BaseURL = srv.URL + "/"
	config.APIKey = "k1"
	return NewClient(config, arbor.NewLogger())
}

func TestEnabled(t *testing.T) {
	config := common.NewDefaultConfig().Backend
	assert.False(t, NewClient(config, arbor.NewLogger()).Enabled())

	config.BaseURL = "http://localhost:1"
	assert.False(t, NewClient(config, arbor.NewLogger()).Enabled(), "no api key")

	config.APIKey = "k"
	assert.True(t, NewClient(config, arbor.NewLogger()).Enabled())
}

func TestSubmitResults(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/extractions", r.URL.Path)
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))

		var sub models.Submission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		assert.Equal(t, "B000000001", sub.Key)
		assert.Equal(t, "UK", sub.MarketplaceID)
		assert.Len(t, sub.Results, 2)

		_, _ = w.Write([]byte(`{"newResultsAdded":1}`))
	})

	res, err := client.SubmitResults(context.Background(), models.Submission{
		Key:           "B000000001",
		MarketplaceID: "UK",
		Results:       []models.QAPair{{Question: "a", Answer: "b"}, {Question: "c", Answer: "d"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewResultsAdded)
}

func TestSubmitResults_Non2xx(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})

	_, err := client.SubmitResults(context.Background(), models.Submission{Key: "B000000001"})
	require.Error(t, err)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestNextRemoteItem(t *testing.T) {
	responses := []func(w http.ResponseWriter){
		func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) },
		func(w http.ResponseWriter) { w.WriteHeader(http.StatusOK) },
		func(w http.ResponseWriter) { _, _ = w.Write([]byte("null")) },
		func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"itemId":"r-9","key":"B000000009","marketplaceId":"DE","maxResults":25}`))
		},
	}
	call := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/remote-queue/next", r.URL.Path)
		responses[call](w)
		call++
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		item, err := client.NextRemoteItem(ctx)
		require.NoError(t, err)
		assert.Nil(t, item, "response %d means empty queue", i)
	}

	item, err := client.NextRemoteItem(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, models.RemoteItem{ItemID: "r-9", Key: "B000000009", MarketplaceID: "DE", MaxResults: 25}, *item)
}

func TestReportRemote(t *testing.T) {
	var got models.RemoteReport
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/remote-queue/report", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	err := client.ReportRemote(context.Background(), models.RemoteReport{
		ItemID:       "r-1",
		Status:       models.RemoteStatusFailed,
		ErrorMessage: "page load timeout",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RemoteStatusFailed, got.Status)
	assert.Equal(t, "page load timeout", got.ErrorMessage)
}

func TestDisabledClientRefusesCalls(t *testing.T) {
	client := NewClient(common.NewDefaultConfig().Backend, arbor.NewLogger())
	_, err := client.NextRemoteItem(context.Background())
	assert.Error(t, err)
}
