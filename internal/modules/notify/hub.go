// README: Room-per-order hub; fans events out to subscribed connections without blocking.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trackline/internal/metrics"
	"trackline/internal/types"
)

var (
	ErrHubUnavailable = errors.New("notification hub unavailable")
	ErrUnknownConn    = errors.New("unknown connection")
	ErrDuplicateConn  = errors.New("connection already registered")
)

// Publisher is the single dispatch point used by the state machine, the
// webhook bridge and the location relay.
type Publisher interface {
	Publish(ctx context.Context, orderID types.ID, ev Event) error
}

type ConnID string

// Sender writes one event to a client. Send must return once ctx is done.
type Sender interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// Mirror receives a copy of every published event. It must return promptly.
type Mirror interface {
	Mirror(ev Event)
}

type Config struct {
	QueueSize   int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	return c
}

type Option func(*Hub)

func WithMirror(m Mirror) Option {
	return func(h *Hub) { h.mirror = m }
}

type conn struct {
	id     ConnID
	sender Sender
	queue  chan Event
	rooms  map[types.ID]struct{}

	// ctx is cancelled on disconnect, aborting any in-flight send.
	ctx    context.Context
	cancel context.CancelFunc
}

type room struct {
	mu   sync.Mutex
	subs map[ConnID]*conn
}

type Hub struct {
	cfg    Config
	mirror Mirror

	mu     sync.RWMutex
	conns  map[ConnID]*conn
	rooms  map[types.ID]*room
	closed bool

	wg sync.WaitGroup
}

func NewHub(cfg Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:   cfg.withDefaults(),
		conns: make(map[ConnID]*conn),
		rooms: make(map[types.ID]*room),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a connection and starts its writer.
func (h *Hub) Connect(id ConnID, s Sender) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubUnavailable
	}
	if _, ok := h.conns[id]; ok {
		return ErrDuplicateConn
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     id,
		sender: s,
		queue:  make(chan Event, h.cfg.QueueSize),
		rooms:  make(map[types.ID]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	h.conns[id] = c
	metrics.HubConnections.Inc()
	h.wg.Add(1)
	go h.pump(c)
	return nil
}

// Disconnect drops every subscription of id and stops its writer. Queued
// events that were not yet written are discarded.
func (h *Hub) Disconnect(id ConnID) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		h.detachLocked(c)
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if ok {
		c.cancel()
		metrics.HubConnections.Dec()
	}
}

func (h *Hub) Join(id ConnID, orderID types.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubUnavailable
	}
	c, ok := h.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	r, ok := h.rooms[orderID]
	if !ok {
		r = &room{subs: make(map[ConnID]*conn)}
		h.rooms[orderID] = r
	}
	r.mu.Lock()
	r.subs[id] = c
	r.mu.Unlock()
	c.rooms[orderID] = struct{}{}
	return nil
}

func (h *Hub) Leave(id ConnID, orderID types.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	if !ok {
		return
	}
	h.leaveLocked(c, orderID)
}

// LeaveAll removes every subscription held by id but keeps the connection.
func (h *Hub) LeaveAll(id ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[id]; ok {
		h.detachLocked(c)
	}
}

func (h *Hub) detachLocked(c *conn) {
	for orderID := range c.rooms {
		h.leaveLocked(c, orderID)
	}
}

func (h *Hub) leaveLocked(c *conn, orderID types.ID) {
	delete(c.rooms, orderID)
	r, ok := h.rooms[orderID]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.subs, c.id)
	empty := len(r.subs) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, orderID)
	}
}

// Publish enqueues ev for every subscriber of orderID. It never waits on a
// subscriber: a connection whose queue is full is disconnected instead.
func (h *Hub) Publish(ctx context.Context, orderID types.ID, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev.OrderID = orderID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubUnavailable
	}
	r := h.rooms[orderID]
	var slow []ConnID
	if r != nil {
		// The room lock keeps enqueue order identical for every subscriber.
		r.mu.Lock()
		for id, c := range r.subs {
			select {
			case c.queue <- ev:
			default:
				slow = append(slow, id)
			}
		}
		r.mu.Unlock()
	}
	h.mu.RUnlock()

	metrics.HubEventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	for _, id := range slow {
		slog.Warn("hub: evicting slow connection", "conn_id", id, "order_id", orderID)
		metrics.HubEvictionsTotal.Inc()
		h.Disconnect(id)
	}
	if h.mirror != nil {
		h.mirror.Mirror(ev)
	}
	return nil
}

func (h *Hub) pump(c *conn) {
	defer h.wg.Done()
	defer func() {
		if err := c.sender.Close(); err != nil {
			slog.Debug("hub: close sender", "conn_id", c.id, "error", err)
		}
	}()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.queue:
			ctx, cancel := context.WithTimeout(c.ctx, h.cfg.SendTimeout)
			err := c.sender.Send(ctx, ev)
			cancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				slog.Info("hub: send failed, dropping connection", "conn_id", c.id, "error", err)
				h.Disconnect(c.id)
				return
			}
		}
	}
}

// RoomSize returns the number of connections subscribed to orderID.
func (h *Hub) RoomSize(orderID types.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[orderID]
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Rooms returns the orders currently subscribed to by conn id.
func (h *Hub) Rooms(id ConnID) []types.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	if !ok {
		return nil
	}
	out := make([]types.ID, 0, len(c.rooms))
	for orderID := range c.rooms {
		out = append(out, orderID)
	}
	return out
}

// Close disconnects everyone and makes further publishes fail with
// ErrHubUnavailable. It waits for writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ids := make([]ConnID, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
	h.wg.Wait()
}
