package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseline/internal/domain"
	"pulseline/internal/engine"
)

var like = engine.ActionRequest{IntentID: "i1", BotID: "b1", TargetType: domain.TargetPost, TargetID: "p1", Type: domain.EngagementLike}

func TestClientPerformSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/bots/b1/engagements", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "i1", r.Header.Get("Idempotency-Key"))
		var req engine.ActionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, domain.EngagementLike, req.Type)
		_, _ = w.Write([]byte(`{"success":true,"metadata":{"platform_id":"x1"}}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL+"/", "tok").Perform(context.Background(), like)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "x1", res.Metadata["platform_id"])
}

func TestClientDoesNotRetryServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Perform(context.Background(), like)
	var se StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientRejectedAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "").Perform(context.Background(), like)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestClientHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL, "").Perform(ctx, like)
	require.Error(t, err)
}

func TestDryRun(t *testing.T) {
	fixed := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	res, err := DryRun{Now: func() time.Time { return fixed }}.Perform(context.Background(), like)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, true, res.Metadata["dry_run"])
	assert.Equal(t, "2024-01-03T12:00:00Z", res.Metadata["performed_at"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DryRun{}.Perform(ctx, like)
	require.ErrorIs(t, err, context.Canceled)
}
