// Package notify tells the plot-generation collaborator that fresh data
// landed. Delivery is best effort: a failed notification is logged and
// dropped, never retried, because the collaborator polls the database on
// its own schedule anyway.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MuzzleThing/triaxus-ingest/internal/config"
	"github.com/MuzzleThing/triaxus-ingest/internal/logging"
)

var log = logging.Component("notify")

// Notifier announces that the data set changed.
type Notifier interface {
	// DataRefreshed reports that files were ingested and rows written.
	DataRefreshed(ctx context.Context, files, rows int)
}

// NopNotifier discards notifications. Used when notify is disabled.
type NopNotifier struct{}

// DataRefreshed implements Notifier.
func (NopNotifier) DataRefreshed(context.Context, int, int) {}

// HTTPNotifier POSTs a small JSON event to the configured URL. Concurrent
// ticks coalesce through singleflight: while one POST is in flight, further
// refreshes share its result instead of stacking requests.
type HTTPNotifier struct {
	url    string
	client *http.Client
	group  singleflight.Group
}

// NewHTTP builds an HTTPNotifier from validated configuration.
func NewHTTP(cfg config.NotifyConfig) *HTTPNotifier {
	return &HTTPNotifier{
		url: cfg.URL,
		client: &http.Client{
			Timeout: cfg.Timeout.Duration(),
		},
	}
}

type refreshEvent struct {
	Event string    `json:"event"`
	Files int       `json:"files"`
	Rows  int       `json:"rows"`
	At    time.Time `json:"at"`
}

// DataRefreshed implements Notifier.
func (n *HTTPNotifier) DataRefreshed(ctx context.Context, files, rows int) {
	_, _, _ = n.group.Do("refresh", func() (any, error) {
		n.post(ctx, files, rows)
		return nil, nil
	})
}

func (n *HTTPNotifier) post(ctx context.Context, files, rows int) {
	body, err := json.Marshal(refreshEvent{
		Event: "data_refreshed",
		Files: files,
		Rows:  rows,
		At:    time.Now().UTC(),
	})
	if err != nil {
		log.Error("encode notification", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Error("build notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn("notification delivery failed", "url", n.url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn("notification rejected", "url", n.url, "status", resp.StatusCode)
		return
	}
	log.Debug("notification delivered", "url", n.url, "files", files, "rows", rows)
}
