package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmlens/backend/internal/domain"
)

func TestSearch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/web/search", r.URL.Path)
		assert.Equal(t, "acme pan pfoa", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		assert.Equal(t, "test-token", r.Header.Get("X-Subscription-Token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"Acme <strong>pan</strong> recall","url":"https://news.example.com/1","description":"PFOA &amp; PFOS found","extra_snippets":["Lab tested in 2024."]},
			{"title":"Second","url":"https://news.example.com/2","description":"More"},
			{"title":"Third","url":"https://news.example.com/3","description":"Ignored"}
		]}}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL + "/", APIKey: "test-token", MaxResults: 2})

	results, err := client.Search(context.Background(), "  acme pan pfoa ")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, domain.SearchResult{
		Title:   "Acme pan recall",
		Snippet: "PFOA & PFOS found Lab tested in 2024.",
		URL:     "https://news.example.com/1",
	}, results[0])
}

func TestSearch_NoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"query":{"original":"zzz"}}`))
	}))
	defer server.Close()

	results, err := NewClient(Config{BaseURL: server.URL}).Search(context.Background(), "zzz")
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearch_EmptyQuery(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})

	_, err := client.Search(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
		wantErr   error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantCalls: 1, wantErr: domain.ErrRateLimited},
		{name: "server error retried", status: http.StatusBadGateway, wantCalls: maxAttempts, wantErr: domain.ErrSearchAPIFailure},
		{name: "forbidden", status: http.StatusForbidden, wantCalls: 1, wantErr: domain.ErrSearchAPIFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewClient(Config{BaseURL: server.URL}).Search(context.Background(), "acme")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, domain.ErrSearchAPIFailure)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestSearch_RecoversAfterServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"web":{"results":[{"title":"ok","url":"https://example.com","description":"d"}]}}`))
	}))
	defer server.Close()

	results, err := NewClient(Config{BaseURL: server.URL}).Search(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStripTags(t *testing.T) {
	assert.Equal(t, "PFOA & friends", stripTags(" <b>PFOA</b> &amp; friends "))
	assert.Equal(t, "plain", stripTags("plain"))
}
