package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tutu-network/pit/internal/app/bout"
	"github.com/tutu-network/pit/internal/domain"
)

// ─── Bout Stream ────────────────────────────────────────────────────────────
// POST /api/run-bout validates synchronously, so rejections are ordinary
// JSON errors. Once the bout is prepared the response switches to an SSE
// stream of bout events ending with a done event.

// sseWriter writes events as SSE data lines. The first write error marks
// the client gone, calls gone and discards later events.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	gone    func()
	broken  bool
}

func (s *sseWriter) Emit(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return
	}
	for _, chunk := range [][]byte{[]byte("data: "), data, []byte("\n\n")} {
		if _, err := s.w.Write(chunk); err != nil {
			s.broken = true
			if s.gone != nil {
				s.gone()
			}
			return
		}
	}
	s.flusher.Flush()
}

func (s *Server) handleRunBout(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req domain.BoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}

	bc, err := s.engine.Prepare(r.Context(), req, caller)
	if err != nil {
		s.writeBoutError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.engine.Release(r.Context(), bc)
		writeError(w, http.StatusInternalServerError, "Streaming not supported.")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.announceStart(bc)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stream := &sseWriter{w: w, flusher: flusher, gone: cancel}
	d := bout.NewDispatcher(stream, s.cfg.StreamBuffer)
	res, err := s.engine.Run(ctx, bc, d)
	d.Close()
	stream.Emit(domain.Event{Type: domain.EventDone})

	if dropped := d.Dropped(); dropped > 0 {
		s.log.Warn("stream events dropped",
			slog.String("bout_id", bc.BoutID),
			slog.Int64("dropped", dropped))
	}
	s.publish(bc, res, err)
}

// writeBoutError maps engine errors to responses. Unclassified errors never
// reach the caller.
func (s *Server) writeBoutError(w http.ResponseWriter, err error) {
	be, ok := bout.AsError(err)
	if !ok {
		s.log.Error("bout request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	if be.Status == http.StatusTooManyRequests && be.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(be.Limit))
		w.Header().Set("X-RateLimit-Remaining", "0")
		if !be.ResetAt.IsZero() {
			secs := int(time.Until(be.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		}
	}
	msg := be.Message
	if be.Status >= http.StatusInternalServerError && be.Reason == string(bout.FailureInternal) {
		msg = "Internal server error."
	}
	writeError(w, be.Status, msg)
}

// announceStart tells the live feed a prepared bout is about to run.
func (s *Server) announceStart(bc *domain.BoutContext) {
	s.feed.Broadcast(FeedEvent{
		Type:      "bout_started",
		BoutID:    bc.BoutID,
		PresetID:  bc.PresetID,
		Timestamp: time.Now().Unix(),
	})
}

// publish announces a finished bout on the live feed.
func (s *Server) publish(bc *domain.BoutContext, res bout.Result, err error) {
	ev := FeedEvent{
		Type:      "bout_completed",
		BoutID:    bc.BoutID,
		PresetID:  bc.PresetID,
		Turns:     len(res.Transcript),
		ShareLine: res.ShareLine,
		Timestamp: time.Now().Unix(),
	}
	if err != nil {
		ev.Type = "bout_failed"
		var be *bout.Error
		if errors.As(err, &be) {
			ev.Reason = be.Reason
		}
	}
	s.feed.Broadcast(ev)
}

// ─── Live Feed ──────────────────────────────────────────────────────────────
// GET /api/bouts/live streams bout lifecycle announcements to spectators.

// FeedHub fans feed events out to SSE subscribers. Slow subscribers miss
// events instead of blocking bouts.
type FeedHub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewFeedHub creates a new feed hub.
func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients: make(map[chan []byte]struct{}),
	}
}

// FeedEvent is one live feed entry.
type FeedEvent struct {
	Type      string `json:"type"` // "bout_started", "bout_completed" or "bout_failed"
	BoutID    string `json:"bout_id"`
	PresetID  string `json:"preset_id"`
	Turns     int    `json:"turns"`
	ShareLine string `json:"share_line,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcast sends an event to all connected clients.
func (h *FeedHub) Broadcast(event FeedEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribe registers a new client. Returns the channel and an unsubscribe func.
func (h *FeedHub) Subscribe() (chan []byte, func()) {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		close(ch)
	}
}

// ClientCount returns the number of connected clients.
func (h *FeedHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleFeedSSE serves the live feed via Server-Sent Events.
func (h *FeedHub) HandleFeedSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsub := h.Subscribe()
	defer unsub()
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

// decodeJSON decodes a bounded request body.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}
