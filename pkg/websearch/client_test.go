package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantErr     string
		wantText    string
		wantSources int
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"choices": [{"message": {"role": "assistant", "content": "Der Bosch GSR 12V wiegt 1,1 kg."}}],
				"citations": ["https://bosch.de/gsr12v", "https://example.com/review"],
				"search_results": [{"title": "GSR 12V Datenblatt", "url": "https://bosch.de/gsr12v", "snippet": "Technische Daten"}]
			}`,
			wantText:    "Der Bosch GSR 12V wiegt 1,1 kg.",
			wantSources: 2,
		},
		{
			name:    "client_error",
			status:  http.StatusBadRequest,
			body:    `{"error": "bad request"}`,
			wantErr: "unexpected status 400",
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL))

			resp, err := client.Search(context.Background(), SearchRequest{Query: "Bosch GSR 12V Datenblatt"})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, resp.Text)
			assert.Len(t, resp.Sources, tt.wantSources)
		})
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	client := NewClient("test-key")

	_, err := client.Search(context.Background(), SearchRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty query")
}

func TestSearch_RateLimitNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limit exceeded"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))

	_, err := client.Search(context.Background(), SearchRequest{Query: "Bosch GSR 12V"})
	require.Error(t, err)

	rle, ok := IsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, rle.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseSources_StructuredPreferred(t *testing.T) {
	resp := chatResponse{
		Citations: []string{"https://a.de", "https://b.de"},
		SearchResults: []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		}{
			{Title: "A", URL: "https://a.de", Snippet: "Beschreibung A"},
			{Title: "", URL: "", Snippet: "leer"},
		},
	}

	sources := parseSources(resp)
	require.Len(t, sources, 2)
	assert.Equal(t, "A", sources[0].Title)
	assert.Equal(t, "Beschreibung A", sources[0].Description)
	assert.Equal(t, "https://b.de", sources[1].URL)
	assert.Empty(t, sources[1].Title)
}
