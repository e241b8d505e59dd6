package flow

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/item-flow/pkg/anthropic"
	"github.com/sells-group/item-flow/pkg/catalog"
	"github.com/sells-group/item-flow/pkg/websearch"
)

type mockChatClient struct {
	mock.Mock
}

func (m *mockChatClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

// fakeSearchClient records queries and replays canned responses in order.
// When the script is exhausted it keeps returning the last entry.
type fakeSearchClient struct {
	mu        sync.Mutex
	queries   []string
	responses []*websearch.SearchResponse
	err       error
}

func (f *fakeSearchClient) Search(_ context.Context, req websearch.SearchRequest) (*websearch.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req.Query)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &websearch.SearchResponse{Text: "keine Ergebnisse"}, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeSearchClient) recordedQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

type fakeCatalogClient struct {
	resp *catalog.SearchResponse
	err  error
}

func (f *fakeCatalogClient) SearchProducts(context.Context, string, int) (*catalog.SearchResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return &catalog.SearchResponse{}, nil
	}
	return f.resp, nil
}

func newTestScheduler() *Scheduler {
	return NewScheduler(time.Millisecond)
}

func fptr(v float64) *float64 { return &v }

func iptr(v int) *int { return &v }
