package callback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"content-engine/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func terminalJob(url string) models.Job {
	errMsg := "provider timeout"
	return models.Job{
		ID:          "job-1",
		Type:        models.TypeVideoGenerate,
		Status:      models.StatusFailed,
		Error:       &errMsg,
		CallbackURL: &url,
		UpdatedAt:   time.Now().UTC(),
	}
}

func TestDeliverPostsSummary(t *testing.T) {
	var got Summary
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := New(2*time.Second, discardLogger())
	if err := d.Deliver(context.Background(), terminalJob(srv.URL)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if got.JobID != "job-1" || got.Status != "failed" {
		t.Fatalf("summary %+v", got)
	}
	if got.Error == nil || *got.Error != "provider timeout" {
		t.Fatalf("error %v", got.Error)
	}
	if got.OutputAssets == nil {
		t.Fatal("output_assets must always be present")
	}
}

func TestDeliverReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := New(2*time.Second, discardLogger())
	if err := d.Deliver(context.Background(), terminalJob(srv.URL)); err == nil {
		t.Fatal("expected error for 5xx callback endpoint")
	}
}

func TestDispatchSkipsJobsWithoutURL(t *testing.T) {
	d := New(time.Second, discardLogger())
	// must not panic or spawn anything
	d.Dispatch(models.Job{ID: "job-2", Status: models.StatusCompleted})
}
