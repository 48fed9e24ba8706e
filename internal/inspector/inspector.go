// Package inspector implements the optional loopback debug inspector
// mentioned in SPEC_FULL.md section 4.12: a websocket mirror of the wire
// protocol's request/response traffic, for a browser-based viewer attached
// during development. It is never part of the daemon's control path — the
// daemon works identically with no inspector attached.
package inspector

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is one observed wire-protocol message: a request is published
// before it is dispatched, a response just before it is written back to the
// real caller.
type Event struct {
	Direction string          `json:"direction"` // "request" or "response"
	Method    string          `json:"method,omitempty"`
	ID        json.RawMessage `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// Hub fans Events out to every currently-connected websocket viewer.
// Publishing never blocks on a slow or absent viewer.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}

	server   *http.Server
	listener net.Listener
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Publish hands ev to every connected subscriber. A subscriber whose buffer
// is full drops the event rather than stall the daemon's own request loop.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

// Serve starts the websocket listener on addr (e.g. "127.0.0.1:9797") and
// blocks until ctx is cancelled. addr is used as given; it is not checked to
// be a loopback address.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", h.handleStream)
	h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		_ = h.server.Close()
	}()

	if err := h.server.Serve(ln); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (h *Hub) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "daemon shutting down")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("inspector: marshal event: %v", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
