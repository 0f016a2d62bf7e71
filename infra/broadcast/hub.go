// Package broadcast pushes engine envelopes to WebSocket clients.
//
// Each client first receives a snapshot envelope carrying the current
// sequence number, then every envelope committed after it. Clients that
// fall behind are disconnected and are expected to reconnect for a fresh
// snapshot.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tozahudud/patrol/core/dispatch"
	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/logger"
	"github.com/tozahudud/patrol/core/model"
)

// Source is the engine surface used by the hub.
type Source interface {
	Snapshot(ctx context.Context) (dispatch.Snapshot, error)
	Subscribe() <-chan events.Envelope
	Unsubscribe(ch <-chan events.Envelope)
	HandleSensor(ctx context.Context, r model.SensorReading) error
	HandleBinStatus(ctx context.Context, binID, status string) error
}

// Hub fans one engine subscription out to many clients.
type Hub struct {
	src      Source
	log      logger.Logger
	upgrader websocket.Upgrader
	sub      <-chan events.Envelope

	mu      sync.Mutex
	clients map[*Client]struct{}
	lastSeq uint64
	closed  bool
}

// NewHub subscribes to src. Origins restricts the accepted Origin headers;
// none allows every origin.
func NewHub(src Source, log logger.Logger, origins ...string) (*Hub, error) {
	if src == nil {
		return nil, errors.New("broadcast: nil source")
	}
	h := &Hub{
		src:     src,
		log:     logger.OrNop(log),
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return slices.Contains(origins, r.Header.Get("Origin"))
		},
	}
	h.sub = src.Subscribe()
	return h, nil
}

// Run forwards envelopes until ctx is done or the engine closes its bus.
// Every client is disconnected on return.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-h.sub:
			if !ok {
				return nil
			}
			h.broadcast(env)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Errorf("encode envelope %d: %v", env.Seq, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastSeq != 0 && env.Seq > h.lastSeq+1 {
		// The hub subscription missed envelopes. Clients whose snapshot
		// predates the gap cannot converge and must resync.
		h.log.Warnf("sequence gap %d -> %d, resyncing clients", h.lastSeq, env.Seq)
		for c := range h.clients {
			if c.floor+1 < env.Seq {
				broadcastDrops.WithLabelValues("gap").Inc()
				h.removeLocked(c)
			}
		}
	}
	if env.Seq > h.lastSeq {
		h.lastSeq = env.Seq
	}

	for c := range h.clients {
		if env.Seq <= c.floor {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warnf("client %s too slow, disconnecting", c.ID)
			broadcastDrops.WithLabelValues("slow").Inc()
			h.removeLocked(c)
		}
	}
}

// ServeHTTP upgrades the connection and registers a client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade: %v", err)
		return
	}
	c := newClient(h, conn)
	if err := h.register(r.Context(), c); err != nil {
		h.log.Errorf("register client: %v", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "snapshot unavailable"))
		_ = conn.Close()
		return
	}
	h.log.Infof("client %s connected from %s", c.ID, r.RemoteAddr)
	go c.writePump()
	go c.readPump()
}

// register captures the snapshot while holding the hub lock so no
// envelope is broadcast between the snapshot and the registration.
func (h *Hub) register(ctx context.Context, c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("broadcast: hub closed")
	}
	snap, err := h.src.Snapshot(ctx)
	if err != nil {
		return err
	}
	env, err := events.New(events.Snapshot, snap.Seq, events.SnapshotEvent{
		Vehicles: snap.Vehicles,
		Bins:     snap.Bins,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.floor = snap.Seq
	c.send <- data
	h.clients[c] = struct{}{}
	connectedClients.Inc()
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	connectedClients.Dec()
}

func (h *Hub) shutdown() {
	h.src.Unsubscribe(h.sub)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
