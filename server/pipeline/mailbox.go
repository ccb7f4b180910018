package pipeline

import (
	"sync"
	"time"

	"github.com/cyclopcam/roidetect/pkg/nn"
)

// A frame waiting to be analyzed
type queuedFrame struct {
	seq       uint64
	frame     nn.Frame
	submitted time.Time
}

// A mailbox item is either a command or a frame
type mailItem struct {
	command func()
	frame   *queuedFrame
}

// mailbox is the queue in front of the consumer goroutine.
// Commands are kept in FIFO order. There is at most one frame in the queue:
// a new frame replaces a frame that has not yet been started, and it takes
// its place at the back of the queue. This keeps latency low when analysis
// is slower than the camera, because we always work on the freshest frame.
type mailbox struct {
	lock    sync.Mutex
	cond    *sync.Cond
	items   []mailItem
	busy    bool // Consumer is processing an item
	closed  bool
	nextSeq uint64
	dropped int64
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.lock)
	return m
}

// Add a frame, replacing any frame that is still waiting.
// Returns the frame's sequence number, and false if the mailbox is closed.
func (m *mailbox) putFrame(f nn.Frame) (uint64, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0, false
	}
	m.nextSeq++
	for i := range m.items {
		if m.items[i].frame != nil {
			m.items = append(m.items[:i], m.items[i+1:]...)
			m.dropped++
			break
		}
	}
	m.items = append(m.items, mailItem{frame: &queuedFrame{
		seq:       m.nextSeq,
		frame:     f,
		submitted: time.Now(),
	}})
	m.cond.Broadcast()
	return m.nextSeq, true
}

// Add a command. Returns false if the mailbox is closed.
func (m *mailbox) putCommand(cmd func()) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, mailItem{command: cmd})
	m.cond.Broadcast()
	return true
}

// Wait for the next item. Returns false when the mailbox is closed.
// The caller must call done() when it has finished processing the item.
func (m *mailbox) next() (mailItem, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return mailItem{}, false
	}
	item := m.items[0]
	m.items[0] = mailItem{}
	m.items = m.items[1:]
	m.busy = true
	return item, true
}

func (m *mailbox) done() {
	m.lock.Lock()
	m.busy = false
	m.cond.Broadcast()
	m.lock.Unlock()
}

// Block until the queue is empty and the consumer is idle, or the mailbox is closed
func (m *mailbox) waitIdle() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for (len(m.items) != 0 || m.busy) && !m.closed {
		m.cond.Wait()
	}
}

// Close the mailbox. Items that have not been started are discarded.
func (m *mailbox) close() {
	m.lock.Lock()
	m.closed = true
	m.items = nil
	m.cond.Broadcast()
	m.lock.Unlock()
}

func (m *mailbox) droppedFrames() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.dropped
}
