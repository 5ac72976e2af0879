package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/events"
)

const (
	// replayLimit bounds how many rows a reconnect may replay inline.
	replayLimit = 100
	// replayMaxAge bounds how stale a replayed row may be.
	replayMaxAge = 5 * time.Minute

	heartbeatInterval = 30 * time.Second

	// streamBuffer is the per-connection live buffer. A consumer that falls
	// this far behind is told to refresh instead of silently losing frames.
	streamBuffer = 256
)

// StreamHandler serves the SSE event stream. Each connection replays missed
// events from the log, then follows the live bus for the user's projects.
type StreamHandler struct {
	store  *db.Store
	bus    events.Bus
	logger *slog.Logger

	// heartbeat is overridable in tests; zero means heartbeatInterval.
	heartbeat time.Duration
}

// NewStreamHandler wires the stream endpoint.
func NewStreamHandler(store *db.Store, bus events.Bus, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{store: store, bus: bus, logger: logger}
}

// ServeHTTP runs one stream connection until the client disconnects.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		JSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	projects, err := h.store.ListProjectsForUser(user.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	projectIDs := make([]string, len(projects))
	for i, p := range projects {
		projectIDs[i] = p.ID
	}

	// Subscribe before replaying so no event can fall between the replay
	// query and the live feed. Anything delivered twice is collapsed by the
	// sequence guard below.
	live := make(chan events.Envelope, streamBuffer)
	overflow := make(chan struct{}, 1)
	var sub *events.Subscription
	if len(projectIDs) > 0 {
		sub, err = h.bus.Subscribe(r.Context(), projectIDs, func(env events.Envelope) {
			select {
			case live <- env:
			default:
				select {
				case overflow <- struct{}{}:
				default:
				}
			}
		})
		if err != nil {
			HandleError(w, err)
			return
		}
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if sub != nil {
				sub.Unsubscribe()
			}
		})
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay. A missing or malformed Last-Event-ID means a fresh client;
	// those start live with no catch-up.
	var lastSeen int64 = -1
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			lastSeen = n
		}
	}
	if lastSeen >= 0 && len(projectIDs) > 0 {
		rows, err := h.store.QueryStreamEventsForReplay(lastSeen, projectIDs, replayLimit+1)
		switch {
		case err != nil:
			h.logger.Error("stream replay query failed", "user_id", user.ID, "error", err)
			h.writeRefresh(w, lastSeen)
		case len(rows) > replayLimit || (len(rows) > 0 && time.Since(rows[0].CreatedAt) > replayMaxAge):
			h.writeRefresh(w, lastSeen)
		default:
			for _, rec := range rows {
				if err := h.writeEvent(w, events.NewEnvelope(rec)); err != nil {
					return
				}
				lastSeen = rec.Sequence
			}
		}
		flusher.Flush()
	}

	hb := h.heartbeat
	if hb <= 0 {
		hb = heartbeatInterval
	}
	ticker := time.NewTicker(hb)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			cleanup()
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env := <-live:
			// Replay already covered everything up to lastSeen; the guard
			// also makes delivery exactly-once per connection.
			if env.Sequence <= lastSeen {
				continue
			}
			lastSeen = env.Sequence
			if err := h.writeEvent(w, env); err != nil {
				return
			}
			flusher.Flush()
		case <-overflow:
			// The live buffer dropped frames, so a gap may exist. Tell the
			// client to refetch rather than pretend continuity.
			h.writeRefresh(w, lastSeen)
			flusher.Flush()
		}
	}
}

func (h *StreamHandler) writeEvent(w http.ResponseWriter, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal stream event", "sequence", env.Sequence, "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", env.Sequence, data)
	return err
}

func (h *StreamHandler) writeRefresh(w http.ResponseWriter, since int64) {
	_, _ = fmt.Fprintf(w, "data: {\"kind\":\"refresh_required\",\"since\":%d}\n\n", since)
}
