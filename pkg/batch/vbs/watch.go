// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package vbs

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qqbatch/qq/pkg/state"
)

// jobEvent is published every time a virtual job's state changes.
type jobEvent struct {
	JobID string           `json:"job_id"`
	State state.BatchState `json:"state"`
}

// hub fans a single internal publish channel out to any number of
// subscribers (websocket connections, in-process watchers), mirroring
// the teacher's WebSocketServer but sourced from VBS's own state
// transitions instead of a polling loop.
type hub struct {
	mu          sync.Mutex
	in          chan jobEvent
	subscribers map[chan jobEvent]struct{}
}

func newHub() *hub {
	h := &hub{
		in:          make(chan jobEvent, 64),
		subscribers: make(map[chan jobEvent]struct{}),
	}
	go h.loop()
	return h
}

func (h *hub) loop() {
	for ev := range h.in {
		h.mu.Lock()
		for sub := range h.subscribers {
			select {
			case sub <- ev:
			default:
			}
		}
		h.mu.Unlock()
	}
}

func (h *hub) publishCh() chan<- jobEvent {
	return h.in
}

func (h *hub) subscribe() chan jobEvent {
	ch := make(chan jobEvent, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan jobEvent) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
	close(ch)
}

// WatchServer exposes the virtual backend's job-event stream over
// WebSocket, the same shape the teacher's streaming.WebSocketServer
// wraps around its polling-based Watch calls — except here the events
// are pushed straight from state transitions rather than polled.
type WatchServer struct {
	hub      *hub
	upgrader websocket.Upgrader
}

// NewWatchServer builds a WatchServer backed by backend's event hub.
func NewWatchServer(backend *Backend) *WatchServer {
	return &WatchServer{
		hub: backend.sys.watchers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the connection and streams job events as
// JSON messages until the client disconnects.
func (w *WatchServer) HandleWebSocket(resp http.ResponseWriter, req *http.Request) {
	conn, err := w.upgrader.Upgrade(resp, req, nil)
	if err != nil {
		log.Printf("vbs watch: upgrade error: %v", err)
		return
	}
	defer conn.Close()

	sub := w.hub.subscribe()
	defer w.hub.unsubscribe(sub)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
