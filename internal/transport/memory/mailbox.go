package memory

import (
	"sync"

	"github.com/kiliankoe/quizsync/internal/transport"
)

// mailbox is an unbounded FIFO in front of a peer's event channel, so a slow
// reader never blocks the sender and nothing is dropped.
type mailbox struct {
	mu     sync.Mutex
	queue  []transport.Event
	closed bool

	signal chan struct{}
	stop   chan struct{}
	out    chan transport.Event
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan transport.Event, 16),
	}
	go m.pump()
	return m
}

func (m *mailbox) push(ev transport.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()
	m.wake()
}

// finish delivers whatever is queued and then closes the channel.
func (m *mailbox) finish() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

// discard closes the channel without delivering pending events.
func (m *mailbox) discard() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.mu.Unlock()
}

func (m *mailbox) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			select {
			case <-m.signal:
			case <-m.stop:
				return
			}
			m.mu.Lock()
		}
		ev := m.queue[0]
		m.queue[0] = transport.Event{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-m.stop:
			return
		}
	}
}
