package webhook

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"content-engine/internal/engine"
)

type fakeEvents struct {
	mu     sync.Mutex
	hashes map[string]bool
	failed bool
}

func newFakeEvents() *fakeEvents { return &fakeEvents{hashes: map[string]bool{}} }

func (f *fakeEvents) InsertWebhookEvent(_ context.Context, _ string, _ map[string]any, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return false, io.ErrUnexpectedEOF
	}
	if f.hashes[hash] {
		return false, nil
	}
	f.hashes[hash] = true
	return true, nil
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hashes)
}

type fakeResolver struct {
	mu      sync.Mutex
	outcome engine.Outcome
	err     error
	calls   []engine.ProviderEvent
}

func (f *fakeResolver) Resolve(_ context.Context, ev engine.ProviderEvent) (engine.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ev)
	return f.outcome, f.err
}

func (f *fakeResolver) resolved() []engine.ProviderEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.ProviderEvent(nil), f.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func postWebhook(h http.Handler, url string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIngestorStateMachine(t *testing.T) {
	cases := []struct {
		name       string
		secret     string
		url        string
		body       []byte
		outcome    engine.Outcome
		wantCode   int
		wantStored int
		wantCalls  int
	}{
		{
			name:       "happy path applies",
			secret:     "s3cret",
			url:        "/webhooks/video?token=s3cret",
			body:       []byte(`{"task_id":"t-1","status":"completed","video_url":"https://cdn/v.mp4"}`),
			outcome:    engine.OutcomeApplied,
			wantCode:   http.StatusOK,
			wantStored: 1,
			wantCalls:  1,
		},
		{
			name:       "wrong token",
			secret:     "s3cret",
			url:        "/webhooks/video?token=wrong",
			body:       []byte(`{"task_id":"t-1"}`),
			wantCode:   http.StatusUnauthorized,
			wantStored: 0,
			wantCalls:  0,
		},
		{
			name:       "missing token",
			secret:     "s3cret",
			url:        "/webhooks/video",
			body:       []byte(`{"task_id":"t-1"}`),
			wantCode:   http.StatusUnauthorized,
			wantStored: 0,
			wantCalls:  0,
		},
		{
			name:   "unset secret fails closed",
			secret: "",
			// even an empty token must not match an empty secret
			url:        "/webhooks/video?token=",
			body:       []byte(`{"task_id":"t-1"}`),
			wantCode:   http.StatusUnauthorized,
			wantStored: 0,
			wantCalls:  0,
		},
		{
			name:       "malformed json",
			secret:     "s3cret",
			url:        "/webhooks/video?token=s3cret",
			body:       []byte(`{"task_id":`),
			wantCode:   http.StatusBadRequest,
			wantStored: 0,
			wantCalls:  0,
		},
		{
			name:       "schema violation",
			secret:     "s3cret",
			url:        "/webhooks/video?token=s3cret",
			body:       []byte(`{"status":"completed"}`),
			wantCode:   http.StatusBadRequest,
			wantStored: 0,
			wantCalls:  0,
		},
		{
			name:       "unmatched still acknowledged",
			secret:     "s3cret",
			url:        "/webhooks/video?token=s3cret",
			body:       []byte(`{"task_id":"t-2","status":"completed"}`),
			outcome:    engine.OutcomeUnmatched,
			wantCode:   http.StatusOK,
			wantStored: 1,
			wantCalls:  1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := newFakeEvents()
			resolver := &fakeResolver{outcome: tc.outcome}
			h := NewIngestor(VideoProvider(tc.secret), events, resolver, discardLogger())

			rr := postWebhook(h, tc.url, tc.body)
			if rr.Code != tc.wantCode {
				t.Fatalf("status %d, want %d (body %s)", rr.Code, tc.wantCode, rr.Body.String())
			}
			if events.count() != tc.wantStored {
				t.Fatalf("stored %d events, want %d", events.count(), tc.wantStored)
			}
			if len(resolver.resolved()) != tc.wantCalls {
				t.Fatalf("resolver called %d times, want %d", len(resolver.resolved()), tc.wantCalls)
			}
		})
	}
}

func TestIngestorDuplicateDelivery(t *testing.T) {
	events := newFakeEvents()
	resolver := &fakeResolver{outcome: engine.OutcomeApplied}
	h := NewIngestor(VideoProvider("s3cret"), events, resolver, discardLogger())

	body := []byte(`{"task_id":"t-1","status":"completed","video_url":"https://cdn/v.mp4"}`)

	first := postWebhook(h, "/webhooks/video?token=s3cret", body)
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", first.Code)
	}
	second := postWebhook(h, "/webhooks/video?token=s3cret", body)
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate must be a successful no-op, got %d", second.Code)
	}

	if events.count() != 1 {
		t.Fatalf("expected exactly one stored event, got %d", events.count())
	}
	if len(resolver.resolved()) != 1 {
		t.Fatalf("transition applied %d times, want 1", len(resolver.resolved()))
	}
}

func TestIngestorConcurrentIdenticalBodies(t *testing.T) {
	events := newFakeEvents()
	resolver := &fakeResolver{outcome: engine.OutcomeApplied}
	h := NewIngestor(VideoProvider("s3cret"), events, resolver, discardLogger())

	body := []byte(`{"task_id":"t-9","status":"completed"}`)

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = postWebhook(h, "/webhooks/video?token=s3cret", body).Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if events.count() != 1 {
		t.Fatalf("expected one event row, got %d", events.count())
	}
	if len(resolver.resolved()) != 1 {
		t.Fatalf("job transitioned %d times, want exactly once", len(resolver.resolved()))
	}
}

func TestIngestorStorageFailure(t *testing.T) {
	events := newFakeEvents()
	events.failed = true
	h := NewIngestor(VideoProvider("s3cret"), events, &fakeResolver{}, discardLogger())

	rr := postWebhook(h, "/webhooks/video?token=s3cret", []byte(`{"task_id":"t-1"}`))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("storage failure must be 5xx, got %d", rr.Code)
	}
}

func TestIngestorHashCoversRawBytes(t *testing.T) {
	events := newFakeEvents()
	resolver := &fakeResolver{outcome: engine.OutcomeApplied}
	h := NewIngestor(VideoProvider("s3cret"), events, resolver, discardLogger())

	// semantically identical, byte-different framings are distinct deliveries
	postWebhook(h, "/webhooks/video?token=s3cret", []byte(`{"task_id":"t-1","status":"completed"}`))
	postWebhook(h, "/webhooks/video?token=s3cret", []byte(`{"status":"completed","task_id":"t-1"}`))

	if events.count() != 2 {
		t.Fatalf("expected two event rows for distinct framings, got %d", events.count())
	}
}
