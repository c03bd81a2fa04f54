package main

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blockpilot/worker/common/events"
	"github.com/blockpilot/worker/common/logger"
	"github.com/blockpilot/worker/common/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum frame size allowed from peer (clients only send pongs)
	maxMessageSize = 512
)

// client is one WebSocket subscriber to an execution's event room.
type client struct {
	conn        *websocket.Conn
	sub         *events.Subscription
	executionID string
	log         *logger.Logger
}

func newClient(conn *websocket.Conn, sub *events.Subscription, executionID string, log *logger.Logger) *client {
	return &client{
		conn:        conn,
		sub:         sub,
		executionID: executionID,
		log:         log,
	}
}

// readPump discards inbound frames; it exists to answer pings and to
// notice disconnects so the room subscription is released.
func (c *client) readPump() {
	defer func() {
		c.sub.Unsubscribe()
		c.conn.Close()
		metrics.FanoutConnections.Dec()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error",
					"execution_id", c.executionID,
					"error", err)
			}
			return
		}
	}
}

// writePump relays event batches from the room to the peer. Each event
// goes out as its own text frame so clients can parse every frame as a
// single JSON object.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case batch, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The bus closed the subscription
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			for _, event := range batch {
				payload, err := json.Marshal(event)
				if err != nil {
					c.log.Warn("failed to encode event",
						"kind", event.Kind,
						"error", err)
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
