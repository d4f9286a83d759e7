package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reviewpilot/reviewpilot/internal/queue"
)

// EventHub fans queue lifecycle events out to WebSocket subscribers. It
// implements queue.Publisher; slow clients get dropped events rather than
// stalling job processing.
type EventHub struct {
	mu    sync.RWMutex
	subs  map[chan queue.Event]struct{}
	check func(r *http.Request) bool
}

func NewEventHub() *EventHub {
	return &EventHub{
		subs:  make(map[chan queue.Event]struct{}),
		check: func(*http.Request) bool { return true },
	}
}

func (h *EventHub) Publish(evt queue.Event) {
	h.mu.RLock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.RUnlock()
}

func (h *EventHub) subscribe() (chan queue.Event, func()) {
	ch := make(chan queue.Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}
}

func (h *EventHub) serveWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: h.check}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[EVENTS] upgrade: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ch, cancel := h.subscribe()
	defer cancel()

	// drain reads so close frames and pings are handled
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
