package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MuzzleThing/triaxus-ingest/internal/config"
)

func TestDataRefreshedPosts(t *testing.T) {
	var got refreshEvent
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewHTTP(config.NotifyConfig{
		Enabled: true,
		URL:     srv.URL,
		Timeout: config.Duration(5 * time.Second),
	})

	n.DataRefreshed(context.Background(), 2, 240)

	if calls.Load() != 1 {
		t.Fatalf("got %d calls, want 1", calls.Load())
	}
	if got.Event != "data_refreshed" || got.Files != 2 || got.Rows != 240 {
		t.Errorf("event = %+v, want data_refreshed with 2 files, 240 rows", got)
	}
	if got.At.IsZero() {
		t.Error("event timestamp is zero")
	}
}

func TestDeliveryFailureDoesNotBlock(t *testing.T) {
	n := NewHTTP(config.NotifyConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1", // nothing listens here
		Timeout: config.Duration(500 * time.Millisecond),
	})

	done := make(chan struct{})
	go func() {
		n.DataRefreshed(context.Background(), 1, 10)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("DataRefreshed hung on an unreachable endpoint")
	}
}

func TestNopNotifier(t *testing.T) {
	// Must be a no-op, not a nil-pointer hazard.
	NopNotifier{}.DataRefreshed(context.Background(), 1, 1)
}
