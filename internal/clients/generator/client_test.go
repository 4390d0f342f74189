package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/opportunities/opp-1/drafts", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "opp-1", req.OpportunityID)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"drafts":[{
			"type":"TASK",
			"details":{"title":"Send contract"},
			"reasoning":"They asked for it",
			"sourceActivities":[{"activityId":"em-1","activityModel":"EmailActivity"}]
		}]}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, APIKey: "secret"}, zerolog.Nop())
	drafts, err := client.Generate(context.Background(), "opp-1")
	require.NoError(t, err)
	require.Len(t, drafts, 1)

	assert.Equal(t, domain.ActionTask, drafts[0].Type)
	assert.JSONEq(t, `{"title":"Send contract"}`, string(drafts[0].Details))
	assert.Equal(t, []domain.ActivityRef{domain.NewActivityRef("em-1", domain.ModelEmailActivity)}, drafts[0].SourceActivities)
}

func TestGenerate_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, zerolog.Nop())
	_, err := client.Generate(context.Background(), "opp-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "overloaded")
}

func TestGenerate_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, zerolog.Nop())
	_, err := client.Generate(context.Background(), "opp-1")
	assert.Error(t, err)
}

func TestGenerate_RateLimitHonoursContext(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"drafts":[]}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, RPS: 0.001}, zerolog.Nop())
	_, err := client.Generate(context.Background(), "opp-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Generate(ctx, "opp-1")
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
