package notify

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/healthbridge/internal/reminder"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one browser tab connected to the hub
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	hub *Hub
	// guarded by hub.mu
	permission reminder.Permission
}

// enqueue must be called with hub.mu held so Send is not closed underneath
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.Send <- data:
		return true
	default:
		c.hub.logger.Warn("Failed to send to client, buffer full", "client", c.ID)
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket error", "client", c.ID, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.hub.logger.Warn("Failed to parse frame", "client", c.ID, "error", err)
			continue
		}

		switch frame.Type {
		case FramePermission:
			c.hub.setPermission(c, reminder.ParsePermission(string(frame.State)))
		default:
			c.hub.logger.Debug("Unknown frame type", "type", frame.Type)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("Failed to write message", "client", c.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
