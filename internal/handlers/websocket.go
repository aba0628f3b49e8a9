package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/healthbridge/internal/middleware"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/signaling"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	appendWait   = 5 * time.Second
	maxFrameSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// relayPeer is one browser connected to a session's signaling relay
type relayPeer struct {
	ID        string
	SessionID string
	UserID    string
	Conn      *websocket.Conn
	Send      chan []byte

	sub    *signaling.Subscription
	cancel context.CancelFunc
	logger *log.Logger
	// the browser announced a join and has not left yet
	joined bool
}

// Signal relays signaling messages between a browser and the session log.
// Inbound frames are appended with the authenticated sender; the backlog
// from other senders and every later message are forwarded.
func (h *SessionHandler) Signal(c *gin.Context) {
	sessionID := c.Param("sessionId")
	userID := middleware.UserID(c)

	sess, ok := h.member(c)
	if !ok {
		return
	}
	if sess.Status == models.SessionStatusEnded {
		c.JSON(http.StatusGone, gin.H{"error": "Session has ended"})
		return
	}

	// the relay outlives the request
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.log.Subscribe(ctx, sessionID)
	if err != nil {
		cancel()
		respondError(c, h.logger, "subscribe to signaling", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		cancel()
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	peer := &relayPeer{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		Conn:      conn,
		Send:      make(chan []byte, 64),
		sub:       sub,
		cancel:    cancel,
		logger:    h.logger.With("session", sessionID, "user", userID),
	}

	if err := h.presence.Join(ctx, sessionID, userID); err != nil {
		peer.logger.Warn("Failed to record presence", "error", err)
	}
	if n, err := h.presence.Count(ctx, sessionID); err == nil && n >= 2 {
		if _, err := h.sessions.MarkActive(ctx, sessionID); err != nil {
			peer.logger.Warn("Failed to activate session", "error", err)
		}
	}

	peer.logger.Info("Peer joined relay", "peer", peer.ID)

	go peer.writePump()
	go peer.feedPump(ctx, h.log)
	go peer.readPump(ctx, h)
}

// feedPump is the only writer of Send. It forwards the backlog first, then
// live messages, skipping the peer's own and anything already forwarded.
func (p *relayPeer) feedPump(ctx context.Context, l signaling.Log) {
	defer close(p.Send)

	backlog, err := l.List(ctx, p.SessionID, p.UserID)
	if err != nil {
		p.logger.Error("Failed to load signaling backlog", "error", err)
		return
	}
	seen := make(map[string]struct{}, len(backlog))
	for _, m := range backlog {
		seen[m.ID] = struct{}{}
		if !p.forward(m) {
			return
		}
	}

	for m := range p.sub.Messages() {
		if m.SenderID == p.UserID {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		if !p.forward(m) {
			return
		}
	}
	if err := p.sub.Err(); err != nil && !errors.Is(err, signaling.ErrClosed) && !errors.Is(err, context.Canceled) {
		p.logger.Warn("Signaling feed ended", "error", err)
	}
}

func (p *relayPeer) forward(m models.SignalingMessage) bool {
	data, err := json.Marshal(m)
	if err != nil {
		p.logger.Error("Failed to marshal message", "error", err)
		return true
	}
	select {
	case p.Send <- data:
		return true
	case <-p.sub.Done():
		return false
	}
}

func (p *relayPeer) readPump(ctx context.Context, h *SessionHandler) {
	defer func() {
		p.sub.Close()
		p.Conn.Close()

		cleanup, cancel := context.WithTimeout(context.Background(), appendWait)
		defer cancel()
		if p.joined {
			// tell the other side the browser went away
			leave := models.NewMessage(p.SessionID, p.UserID, models.LeavePayload{UserID: p.UserID})
			if _, err := h.log.Append(cleanup, leave); err != nil {
				p.logger.Warn("Failed to append leave", "error", err)
			}
		}
		if err := h.presence.Leave(cleanup, p.SessionID, p.UserID); err != nil {
			p.logger.Warn("Failed to clear presence", "error", err)
		}
		p.cancel()

		p.logger.Info("Peer left relay", "peer", p.ID)
	}()

	p.Conn.SetReadLimit(maxFrameSize)
	p.Conn.SetReadDeadline(time.Now().Add(pongWait))
	p.Conn.SetPongHandler(func(string) error {
		p.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := p.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				p.logger.Warn("WebSocket error", "error", err)
			}
			return
		}

		var msg models.SignalingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			p.logger.Warn("Failed to parse message", "error", err)
			continue
		}

		// the sender is always the authenticated user
		msg.ID = ""
		msg.SessionID = p.SessionID
		msg.SenderID = p.UserID
		msg.CreatedAt = time.Time{}

		appendCtx, cancel := context.WithTimeout(ctx, appendWait)
		_, err = h.log.Append(appendCtx, msg)
		cancel()
		if err != nil {
			p.logger.Error("Failed to append message", "type", msg.Type, "error", err)
			continue
		}
		switch msg.Type {
		case models.MessageTypeJoin:
			p.joined = true
		case models.MessageTypeLeave:
			p.joined = false
		}
	}
}

func (p *relayPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.Send:
			p.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := p.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				p.logger.Warn("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			p.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
