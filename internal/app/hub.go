package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/wordwatch/internal/keyword"
)

const (
	// clientBuffer is how many events a slow subscriber may fall behind
	// before events are dropped for it.
	clientBuffer = 16

	writeTimeout = 5 * time.Second
)

// MatchEvent is the JSON document pushed to /ws/matches subscribers.
type MatchEvent struct {
	Word       string    `json:"word"`
	Text       string    `json:"text"`
	Heard      string    `json:"heard,omitempty"`
	Method     string    `json:"method"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

func newMatchEvent(m keyword.Match, at time.Time) MatchEvent {
	ev := MatchEvent{
		Word:       m.Word,
		Text:       m.Text,
		Method:     string(m.Method),
		Confidence: m.Confidence,
		At:         at.UTC(),
	}
	if m.Heard != m.Word {
		ev.Heard = m.Heard
	}
	return ev
}

type subscriber struct {
	send chan []byte
}

// hub fans match events out to websocket subscribers.
type hub struct {
	log     *slog.Logger
	origins []string

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	done   chan struct{}
	conns  sync.WaitGroup
}

func newHub(log *slog.Logger, origins []string) *hub {
	return &hub{
		log:     log,
		origins: origins,
		subs:    make(map[*subscriber]struct{}),
		done:    make(chan struct{}),
	}
}

// Subscribers returns the number of connected clients.
func (h *hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast queues ev for every subscriber. Subscribers whose queue is full
// miss the event.
func (h *hub) Broadcast(ev MatchEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("hub: marshal event", "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- payload:
		default:
			h.log.Debug("hub: subscriber too slow, event dropped", "word", ev.Word)
		}
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s := &subscriber{send: make(chan []byte, clientBuffer)}
	h.subs[s] = struct{}{}
	h.conns.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		h.conns.Done()
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("hub: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Subscribers only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())
	h.log.Debug("hub: subscriber connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			return
		case payload := <-s.send:
			if err := h.write(ctx, conn, payload); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.log.Debug("hub: write failed", "remote", r.RemoteAddr, "err", err)
				}
				return
			}
		}
	}
}

func (h *hub) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

// Close disconnects every subscriber and waits for their handlers.
func (h *hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()
	h.conns.Wait()
}
