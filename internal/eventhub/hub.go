// Package eventhub pushes debugger events to websocket subscribers.
//
// A Hub runs one goroutine that owns the set of connections. Debugger events
// are converted to JSON frames of the form {"type", "sessionId", "data"} and
// broadcast to every subscriber. A subscriber that cannot keep up is dropped
// instead of stalling the debugger.
package eventhub

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ctagard/adbg/internal/dap"
	"github.com/ctagard/adbg/internal/debugger"
	"github.com/ctagard/adbg/pkg/types"
)

const (
	connectionSendBufferSize = 256
	eventBufferSize          = 256
)

type Hub struct {
	connections map[*Connection]struct{}
	mu          sync.RWMutex

	register   chan *Connection
	unregister chan *Connection
	events     chan types.EventFrame
	done       chan struct{}

	upgrader websocket.Upgrader
	log      logr.Logger
}

type Option func(*Hub)

func WithLogger(log logr.Logger) Option {
	return func(h *Hub) { h.log = log }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		connections: make(map[*Connection]struct{}),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		events:      make(chan types.EventFrame, eventBufferSize),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logr.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns the connection set until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.connections {
				delete(h.connections, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.connections[c] = struct{}{}
			n := len(h.connections)
			h.mu.Unlock()
			h.log.V(1).Info("subscriber connected", "id", c.id, "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
				h.log.V(1).Info("subscriber disconnected", "id", c.id, "remaining", len(h.connections))
			}
			h.mu.Unlock()

		case frame := <-h.events:
			h.mu.Lock()
			for c := range h.connections {
				select {
				case c.send <- frame:
				default:
					h.log.Info("dropping slow subscriber", "id", c.id)
					delete(h.connections, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a connection. It reports false once the hub has stopped.
func (h *Hub) Register(c *Connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues a frame for every subscriber. Frames sent after the hub
// stopped are discarded.
func (h *Hub) Broadcast(frame types.EventFrame) {
	select {
	case h.events <- frame:
	case <-h.done:
	}
}

// Publish broadcasts a debugger event. Events with a DAP counterpart carry
// the DAP event name and body.
func (h *Hub) Publish(sessionID string, ev debugger.Event) {
	h.Broadcast(Frame(sessionID, ev))
}

// Subscribe publishes every event of d under sessionID until the returned
// func is called.
func (h *Hub) Subscribe(sessionID string, d *debugger.Debugger) (cancel func()) {
	return d.OnEvent(func(ev debugger.Event) { h.Publish(sessionID, ev) })
}

// Count returns the number of connected subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ServeHTTP upgrades the request to a websocket and streams frames to it
// until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.V(1).Info("websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	c := newConnection(ws, h, uuid.New().String())
	if !h.Register(c) {
		_ = ws.Close()
		return
	}
	go c.writePump()
	c.readPump()
}

// Frame converts a debugger event into an event-stream frame
func Frame(sessionID string, ev debugger.Event) types.EventFrame {
	if name, body, ok := dap.Event(ev); ok {
		return types.EventFrame{Type: name, SessionID: sessionID, Data: body}
	}
	frame := types.EventFrame{Type: ev.EventType(), SessionID: sessionID}
	if e, ok := ev.(debugger.Connected); ok {
		frame.Data = map[string]any{"serial": e.Target.Serial, "pid": e.Target.PID, "port": e.Port}
	}
	return frame
}
