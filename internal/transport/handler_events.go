package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edict-hq/edict/internal/run"
	"github.com/edict-hq/edict/internal/stream"
	"github.com/edict-hq/edict/model"
)

// sseKeepAlive is the interval between comment frames that keep idle
// connections from being reaped by intermediaries.
const sseKeepAlive = 15 * time.Second

// handleRunEvents serves a run's live event stream over Server-Sent Events.
// The feed opens with a snapshot of the current state, then carries one event
// per step and status change. Delivery is at-least-once; clients deduplicate
// by the event sequence, which is also the SSE event id.
func handleRunEvents(machine *run.Machine, streamer *stream.Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, model.NewBadRequestError("streaming not supported by connection"))
			return
		}

		// Subscribe before reading the snapshot so no event published in
		// between can slip past both the backlog and the live feed. Events
		// the snapshot already covers may arrive again; clients dedup by
		// sequence.
		runID := chi.URLParam(r, "runID")
		sub := streamer.Subscribe(runID, nil)
		defer streamer.Unsubscribe(sub)

		snapshot, err := machine.Get(r.Context(), rctx.TenantID, runID)
		if err != nil {
			WriteError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for _, ev := range run.Backlog(snapshot) {
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
		}
		flusher.Flush()

		// A run that is already terminal gets its snapshot and a close.
		if model.RunStatusTerminal(snapshot.Status) {
			streamer.CloseRun(runID)
		}

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case ev := <-sub.Events:
				if err := writeSSEEvent(w, ev); err != nil {
					return
				}
				flusher.Flush()
			case <-sub.Closed:
				// Drain buffered events before ending the feed.
				for {
					select {
					case ev := <-sub.Events:
						if err := writeSSEEvent(w, ev); err != nil {
							return
						}
					default:
						fmt.Fprint(w, "event: end\ndata: {}\n\n")
						flusher.Flush()
						return
					}
				}
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev model.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, data)
	return err
}
