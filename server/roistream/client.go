package roistream

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Sent by client over websocket
// SYNC-ROISTREAM-JSON-MSG
type webSocketJSON struct {
	Command string `json:"command"`
}

// Number of results that we will buffer for a client, before dropping results for that client
const SendQueueSize = 16

var nextClientID int64

// client is one websocket connection that receives results
type client struct {
	log       logs.Log
	id        int64
	sendQueue chan []byte
	done      chan struct{} // Closed by the reader when the connection dies
	closed    atomic.Bool
	paused    atomic.Bool
	nSent     atomic.Int64
	nDropped  atomic.Int64
	lastDrop  time.Time // Only accessed by the hub, under its lock
}

func (c *client) infof(format string, args ...any) {
	c.log.Infof("ROI WebSocket %v: %v", c.id, fmt.Sprintf(format, args...))
}

func newClient(log logs.Log) *client {
	id := atomic.AddInt64(&nextClientID, 1)
	return &client{
		log:       log,
		id:        id,
		sendQueue: make(chan []byte, SendQueueSize),
		done:      make(chan struct{}),
	}
}

// Queue a message without blocking. Returns false if the queue is full.
func (c *client) enqueue(msg []byte) bool {
	if c.paused.Load() {
		return true
	}
	select {
	case c.sendQueue <- msg:
		return true
	default:
		c.nDropped.Add(1)
		return false
	}
}

// Run until the websocket is closed by the other side, or until the hub closes our queue
func (c *client) run(conn *websocket.Conn) {
	defer conn.Close()
	go c.webSocketReader(conn)
	c.webSocketWriter(conn)
}

// Read commands from the websocket. When the connection dies, mark ourselves closed,
// so that the writer exits.
func (c *client) webSocketReader(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg := webSocketJSON{}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.infof("Failed to decode JSON: %v", err)
			continue
		}
		// SYNC-ROISTREAM-COMMANDS
		switch msg.Command {
		case "pause":
			c.paused.Store(true)
		case "resume":
			c.paused.Store(false)
		default:
			c.infof("Unknown websocket message from client: '%v'", msg.Command)
		}
	}
	c.closed.Store(true)
	close(c.done)
}

// Write queued messages. This runs on its own goroutine, so a slow client
// never blocks the pipeline's listener.
func (c *client) webSocketWriter(conn *websocket.Conn) {
	for {
		var msg []byte
		more := false
		select {
		case msg, more = <-c.sendQueue:
		case <-c.done:
		}
		if !more || c.closed.Load() {
			break
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.infof("Write failed: %v", err)
			break
		}
		c.nSent.Add(1)
	}
	c.closed.Store(true)
}
