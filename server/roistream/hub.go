// Package roistream sends detection results to websocket clients.
package roistream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roidetect/pkg/nn"
)

// When we send a message on the websocket, it's a TEXT frame containing this.
// SYNC-ROISTREAM-STRING-MESSAGE
type resultMessage struct {
	Type   string          `json:"type"` // Only type of message is "result"
	Result *nn.FrameResult `json:"result"`
}

// Hub is a pipeline listener that broadcasts every result to all connected clients.
type Hub struct {
	log logs.Log

	lock     sync.Mutex
	clients  map[*client]struct{}
	nResults int64
}

// HubStats is reported by the stats API
type HubStats struct {
	Clients         int   `json:"clients"`
	ResultsSeen     int64 `json:"resultsSeen"`
	MessagesSent    int64 `json:"messagesSent"`    // Summed over current clients
	MessagesDropped int64 `json:"messagesDropped"` // Summed over current clients
}

func NewHub(log logs.Log) *Hub {
	return &Hub{
		log:     log,
		clients: map[*client]struct{}{},
	}
}

// OnResult implements pipeline.Listener.
// It runs on the pipeline's goroutine, so it never blocks on a client.
func (h *Hub) OnResult(r *nn.FrameResult) {
	msg, err := json.Marshal(&resultMessage{Type: "result", Result: r})
	if err != nil {
		h.log.Errorf("Failed to encode result: %v", err)
		return
	}
	now := time.Now()
	h.lock.Lock()
	defer h.lock.Unlock()
	h.nResults++
	for c := range h.clients {
		if c.closed.Load() {
			continue
		}
		if !c.enqueue(msg) && now.Sub(c.lastDrop) > 5*time.Second {
			c.infof("Dropped %v/%v results", c.nDropped.Load(), c.nDropped.Load()+c.nSent.Load())
			c.lastDrop = now
		}
	}
}

func (h *Hub) Stats() HubStats {
	h.lock.Lock()
	defer h.lock.Unlock()
	s := HubStats{
		Clients:     len(h.clients),
		ResultsSeen: h.nResults,
	}
	for c := range h.clients {
		s.MessagesSent += c.nSent.Load()
		s.MessagesDropped += c.nDropped.Load()
	}
	return s
}

func (h *Hub) add(c *client) {
	h.lock.Lock()
	h.clients[c] = struct{}{}
	h.lock.Unlock()
}

func (h *Hub) remove(c *client) {
	h.lock.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.sendQueue)
	}
	h.lock.Unlock()
}

// Close disconnects all clients
func (h *Hub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		c.closed.Store(true)
		close(c.sendQueue)
		delete(h.clients, c)
	}
}
