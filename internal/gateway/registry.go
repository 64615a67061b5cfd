// Package gateway implements the client-facing edge of spec.md §4.8: a
// TCP listener accepting external client connections, a two-index
// client registry (client_id and connection), a reply-route cache for
// client-to-client delivery, and disconnect retention with a periodic
// cleanup agent.
//
// Its registry shape generalizes the teacher's coordinator `server`
// type (cmd/coordinator/main.go): a mutex-guarded slice of known peers
// indexed by id, refreshed by registration calls — here indexed two
// ways (by client id and by live connection) because a client's
// connection identity changes across reconnects while its client id
// does not.
package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/dreamware/silomesh/internal/wire"
)

// ClientState is one client's registry entry: its current connection
// (nil between reconnects), messages queued while disconnected, and
// the moment it last disconnected (zero while connected).
type ClientState struct {
	mu sync.Mutex

	id             wire.ClientID
	conn           net.Conn
	send           func(wire.Frame) error
	pending        []wire.Frame
	lastDisconnect time.Time
}

// ID returns this client's stable identity.
func (c *ClientState) ID() wire.ClientID { return c.id }

// Connected reports whether a live connection currently backs this
// client state.
func (c *ClientState) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Enqueue appends f to this client's pending-to-send queue, used while
// the client is disconnected and messages for it keep arriving.
func (c *ClientState) Enqueue(f wire.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, f)
}

// drainPending returns and clears the pending queue.
func (c *ClientState) drainPending() []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

func (c *ClientState) setConn(nc net.Conn, send func(wire.Frame) error) {
	c.mu.Lock()
	c.conn = nc
	c.send = send
	c.lastDisconnect = time.Time{}
	c.mu.Unlock()
}

func (c *ClientState) clearConn(now time.Time) {
	c.mu.Lock()
	c.conn = nil
	c.send = nil
	c.lastDisconnect = now
	c.mu.Unlock()
}

// Send writes f directly to this client's live connection, returning
// false if it is currently disconnected (the caller should then
// Enqueue instead).
func (c *ClientState) Send(f wire.Frame) (bool, error) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return false, nil
	}
	return true, send(f)
}

func (c *ClientState) disconnectedFor(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil || c.lastDisconnect.IsZero() {
		return 0, false
	}
	return now.Sub(c.lastDisconnect), true
}

// Registry holds the two indexes spec.md §4.8 names: client_id →
// client_state and connection → client_state.
type Registry struct {
	mu       sync.RWMutex
	byClient map[wire.ClientID]*ClientState
	byConn   map[net.Conn]*ClientState
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byClient: map[wire.ClientID]*ClientState{},
		byConn:   map[net.Conn]*ClientState{},
	}
}

// Connect records nc as id's live connection, creating a ClientState on
// first contact or resuming an existing one across a reconnect. send
// writes one frame to nc; stored so deliverToLocalClient can push to an
// already-connected client without needing to thread nc's write mutex
// through the registry.
func (r *Registry) Connect(id wire.ClientID, nc net.Conn, send func(wire.Frame) error) *ClientState {
	r.mu.Lock()
	cs, ok := r.byClient[id]
	if !ok {
		cs = &ClientState{id: id}
		r.byClient[id] = cs
	}
	r.byConn[nc] = cs
	r.mu.Unlock()

	cs.setConn(nc, send)
	return cs
}

// Disconnect marks nc's client as disconnected (retaining its state for
// client_drop_timeout) and removes the connection index entry.
func (r *Registry) Disconnect(nc net.Conn, now time.Time) {
	r.mu.Lock()
	cs, ok := r.byConn[nc]
	delete(r.byConn, nc)
	r.mu.Unlock()
	if ok {
		cs.clearConn(now)
	}
}

// ByClient looks up a client by id.
func (r *Registry) ByClient(id wire.ClientID) (*ClientState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.byClient[id]
	return cs, ok
}

// ByConn looks up a client by its live connection.
func (r *Registry) ByConn(nc net.Conn) (*ClientState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.byConn[nc]
	return cs, ok
}

// Drop removes a client whose disconnect window has expired, aborting
// any messages still queued for it.
func (r *Registry) Drop(id wire.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byClient, id)
}

// ExpiredDisconnects returns every client disconnected for longer than
// dropTimeout, for the periodic cleanup agent to drop.
func (r *Registry) ExpiredDisconnects(now time.Time, dropTimeout time.Duration) []wire.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []wire.ClientID
	for id, cs := range r.byClient {
		if age, disconnected := cs.disconnectedFor(now); disconnected && age >= dropTimeout {
			out = append(out, id)
		}
	}
	return out
}

// Len reports the number of tracked clients, for tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClient)
}
