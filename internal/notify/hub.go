// Package notify delivers reminder notifications to browsers over
// WebSocket. Each browser tab reports its notification permission; the
// hub aggregates them per user.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/healthbridge/internal/reminder"
)

// ErrNoRecipient is returned by Show when no connected client of the user
// has granted notifications
var ErrNoRecipient = errors.New("no client accepts notifications")

// Frame types exchanged with clients
const (
	FrameNotification      = "notification"
	FramePermission        = "permission"
	FramePermissionRequest = "permission-request"
)

// Frame is the JSON envelope of every WebSocket message
type Frame struct {
	Type         string                 `json:"type"`
	State        reminder.Permission    `json:"state,omitempty"`
	Notification *reminder.Notification `json:"notification,omitempty"`
}

// Hub tracks the notification clients of every user
type Hub struct {
	logger *log.Logger

	mu           sync.RWMutex
	users        map[string]map[string]*Client
	onPermission func(userID string, p reminder.Permission)
	closed       bool
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		logger: logger.With("component", "notify"),
		users:  make(map[string]map[string]*Client),
	}
}

// OnPermissionChange registers fn to be called whenever a user's
// aggregated permission changes
func (h *Hub) OnPermissionChange(fn func(userID string, p reminder.Permission)) {
	h.mu.Lock()
	h.onPermission = fn
	h.mu.Unlock()
}

// Serve registers conn as a client of userID and starts its pumps. The
// hub owns conn afterwards.
func (h *Hub) Serve(conn *websocket.Conn, userID string) *Client {
	client := &Client{
		ID:         uuid.New().String(),
		UserID:     userID,
		Conn:       conn,
		Send:       make(chan []byte, 32),
		hub:        h,
		permission: reminder.PermissionDefault,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return client
	}
	clients, ok := h.users[userID]
	if !ok {
		clients = make(map[string]*Client)
		h.users[userID] = clients
	}
	clients[client.ID] = client
	h.mu.Unlock()

	h.logger.Info("Notification client connected", "user", userID, "client", client.ID)

	go client.writePump()
	go client.readPump()
	return client
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	before := h.permissionLocked(c.UserID)
	clients := h.users[c.UserID]
	if _, ok := clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(clients, c.ID)
	if len(clients) == 0 {
		delete(h.users, c.UserID)
	}
	close(c.Send)
	after := h.permissionLocked(c.UserID)
	fn := h.onPermission
	h.mu.Unlock()

	h.logger.Info("Notification client disconnected", "user", c.UserID, "client", c.ID)
	if before != after && fn != nil {
		fn(c.UserID, after)
	}
}

func (h *Hub) setPermission(c *Client, p reminder.Permission) {
	h.mu.Lock()
	before := h.permissionLocked(c.UserID)
	c.permission = p
	after := h.permissionLocked(c.UserID)
	fn := h.onPermission
	h.mu.Unlock()

	h.logger.Debug("Client permission", "user", c.UserID, "client", c.ID, "state", p)
	if before != after && fn != nil {
		fn(c.UserID, after)
	}
}

// permissionLocked is granted if any client granted, denied if any client
// denied and none granted, default otherwise
func (h *Hub) permissionLocked(userID string) reminder.Permission {
	result := reminder.PermissionDefault
	for _, c := range h.users[userID] {
		switch c.permission {
		case reminder.PermissionGranted:
			return reminder.PermissionGranted
		case reminder.PermissionDenied:
			result = reminder.PermissionDenied
		}
	}
	return result
}

// Permission returns the aggregated permission of userID
func (h *Hub) Permission(userID string) reminder.Permission {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.permissionLocked(userID)
}

// RequestPermission asks every client of userID to prompt for permission.
// The answer arrives later as a permission frame; the current state is
// returned.
func (h *Hub) RequestPermission(ctx context.Context, userID string) (reminder.Permission, error) {
	if err := ctx.Err(); err != nil {
		return reminder.PermissionDefault, err
	}
	data, err := json.Marshal(Frame{Type: FramePermissionRequest})
	if err != nil {
		return reminder.PermissionDefault, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.users[userID] {
		c.enqueue(data)
	}
	return h.permissionLocked(userID), nil
}

// Show delivers n to every client of userID that granted notifications
func (h *Hub) Show(ctx context.Context, userID string, n reminder.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Frame{Type: FrameNotification, Notification: &n})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.users[userID] {
		if c.permission != reminder.PermissionGranted {
			continue
		}
		if c.enqueue(data) {
			delivered++
		}
	}
	if delivered == 0 {
		return ErrNoRecipient
	}
	return nil
}

// Clients returns how many clients userID has connected
func (h *Hub) Clients(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Notifier adapts the hub to one user's reminder.Notifier
func (h *Hub) Notifier(userID string) reminder.Notifier {
	return userNotifier{hub: h, userID: userID}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var clients []*Client
	for _, byID := range h.users {
		for _, c := range byID {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Conn.Close()
	}
}

type userNotifier struct {
	hub    *Hub
	userID string
}

func (n userNotifier) Permission() reminder.Permission { return n.hub.Permission(n.userID) }

func (n userNotifier) RequestPermission(ctx context.Context) (reminder.Permission, error) {
	return n.hub.RequestPermission(ctx, n.userID)
}

func (n userNotifier) Show(ctx context.Context, note reminder.Notification) error {
	return n.hub.Show(ctx, n.userID, note)
}
