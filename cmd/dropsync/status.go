package main

import (
	"net/http"
	"time"

	"github.com/fruitsalade/dropsync/internal/events"
	"github.com/fruitsalade/dropsync/internal/ledger"
	"github.com/fruitsalade/dropsync/internal/metrics"
	"github.com/fruitsalade/dropsync/internal/stability"
)

const readHeaderTimeout = 10 * time.Second

type healthResponse struct {
	Status      string `json:"status"`
	Pending     int    `json:"pending"`
	Uploaded    int    `json:"uploaded"`
	Subscribers int    `json:"subscribers"`
}

// newStatusHandler serves /metrics, /healthz, the live ledger records and
// the /events outcome stream.
func newStatusHandler(tracker *stability.Tracker, led *ledger.Ledger, b *events.Broadcaster) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /events", b)
	mux.HandleFunc("GET /ledger", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, led.Records())
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, healthResponse{
			Status:      "ok",
			Pending:     tracker.Len(),
			Uploaded:    led.Len(),
			Subscribers: b.Count(),
		})
	})
	return mux
}
