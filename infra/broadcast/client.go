package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBuffer = 256
)

// Client is one WebSocket connection.
type Client struct {
	ID    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	floor uint64
}

type inbound struct {
	Type events.Type     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		c.hub.log.Infof("client %s disconnected", c.ID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnf("client %s read: %v", c.ID, err)
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			c.hub.log.Debugf("client %s sent invalid message: %v", c.ID, err)
			continue
		}
		if err := c.handle(in); err != nil {
			c.hub.log.Warnf("client %s %s: %v", c.ID, in.Type, err)
		}
	}
}

func (c *Client) handle(in inbound) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	switch in.Type {
	case events.SensorData:
		var ev events.SensorDataEvent
		if err := json.Unmarshal(in.Data, &ev); err != nil {
			return err
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		return c.hub.src.HandleSensor(ctx, model.SensorReading{BinID: ev.BinID, DistanceCm: ev.Distance, Timestamp: ts})
	case events.BinStatus:
		var ev events.BinStatusEvent
		if err := json.Unmarshal(in.Data, &ev); err != nil {
			return err
		}
		return c.hub.src.HandleBinStatus(ctx, ev.BinID, ev.Status)
	default:
		c.hub.log.Debugf("client %s: ignoring %q", c.ID, in.Type)
		return nil
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
