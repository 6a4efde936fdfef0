// Package broadcast implements the client buffer manager: per-client
// outbound frame queues with bus-wide fan-out. The emulated bus is a shared
// medium, so every reply and every storm frame goes to every connected
// client's buffer; a writer that cannot keep up is cut loose rather than
// allowed to stall the bus.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultQueueCap is the soft cap on buffered frames per client.
const DefaultQueueCap = 512

// Client is one registered consumer. The owner drains Send and watches
// Done; when the queue overflows the manager closes Done and the owner
// tears the connection down.
type Client struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	Delivered atomic.Int64
	Dropped   atomic.Int64

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send is the frame queue the owner drains.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Done closes when the client has been kicked or unregistered.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Manager owns the client registry. All mutation happens under one mutex;
// Broadcast never blocks on a slow consumer.
type Manager struct {
	queueCap int
	log      *log.Logger

	Broadcasts atomic.Int64
	Drops      atomic.Int64

	mu      sync.Mutex
	clients map[string]*Client

	// onOverflow runs outside the lock after a client is kicked.
	onOverflow func(*Client)
}

// NewManager returns a manager with the given per-client queue cap. Zero or
// negative selects the default.
func NewManager(queueCap int, logger *log.Logger) *Manager {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	if logger == nil {
		logger = log.Default().WithPrefix("broadcast")
	}
	return &Manager{
		queueCap: queueCap,
		log:      logger,
		clients:  make(map[string]*Client),
	}
}

// SetOverflowHandler installs a callback invoked after a slow client is
// kicked. Install before clients register.
func (m *Manager) SetOverflowHandler(fn func(*Client)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOverflow = fn
}

// Register adds a client and returns its buffer. The buffer only sees
// frames broadcast after this call.
func (m *Manager) Register(id, remoteAddr string) *Client {
	c := &Client{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, m.queueCap),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	m.clients[id] = c
	n := len(m.clients)
	m.mu.Unlock()

	m.log.Debug("client registered", "id", id, "addr", remoteAddr, "clients", n)
	return c
}

// Unregister removes a client and releases its buffer. Unknown ids are a
// no-op, so owners can defer this unconditionally.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	n := len(m.clients)
	m.mu.Unlock()

	if ok {
		c.close()
		m.log.Debug("client unregistered", "id", id, "clients", n)
	}
}

// Broadcast copies frame into every client buffer. A client whose buffer is
// full takes the frame as dropped, is kicked, and its overflow callback
// runs; the remaining clients are unaffected. Returns the delivery count.
func (m *Manager) Broadcast(frame []byte) int {
	buf := append([]byte(nil), frame...)

	m.mu.Lock()
	targets := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, c)
	}
	onOverflow := m.onOverflow
	m.mu.Unlock()

	m.Broadcasts.Add(1)

	delivered := 0
	var kicked []*Client
	for _, c := range targets {
		select {
		case c.send <- buf:
			c.Delivered.Add(1)
			delivered++
		default:
			c.Dropped.Add(1)
			m.Drops.Add(1)
			c.close()
			kicked = append(kicked, c)
			m.log.Warn("kicking slow client", "id", c.ID, "addr", c.RemoteAddr,
				"delivered", c.Delivered.Load())
		}
	}

	if onOverflow != nil {
		for _, c := range kicked {
			onOverflow(c)
		}
	}
	return delivered
}

// Clients returns a snapshot of the registry for the admin surface.
func (m *Manager) Clients() []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered clients.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
