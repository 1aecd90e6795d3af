// Command agentrun-server exposes a minimal HTTP surface over the turn
// engine's event bus: a health check and a server-sent-events projection of
// every session/message/tool event published during a run. It carries no
// REST CRUD handlers — sessions and turns are driven by the agentrun CLI or
// the autonomous supervisor; this binary only lets an external process watch
// what's happening.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/opencode-ai/agentrun/internal/event"
	"github.com/opencode-ai/agentrun/internal/logging"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:4096", "address to listen on")
	flag.Parse()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Get("/events", handleEvents)

	logging.Info().Str("addr", *addr).Msg("agentrun-server listening")
	if err := http.ListenAndServe(*addr, r); err != nil {
		logging.Fatal().Err(err).Msg("server exited")
	}
}

// handleEvents streams every event published on the global bus to the
// client as an SSE feed until the request is canceled.
func handleEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan event.Event, 64)
	unsubscribe := event.SubscribeAll(func(e event.Event) {
		select {
		case events <- e:
		default:
			// Slow client: drop the event rather than block publishers.
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-req.Context().Done():
			return
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}
