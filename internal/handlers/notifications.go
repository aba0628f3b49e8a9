package handlers

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/healthbridge/internal/middleware"
	"github.com/mossy-p/healthbridge/internal/notify"
)

// NotificationHandler connects browsers to the notification hub
type NotificationHandler struct {
	hub    *notify.Hub
	logger *log.Logger
}

func NewNotificationHandler(hub *notify.Hub, logger *log.Logger) *NotificationHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &NotificationHandler{hub: hub, logger: logger.With("component", "notifications")}
}

// Connect upgrades to a WebSocket owned by the hub
func (h *NotificationHandler) Connect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}
	h.hub.Serve(conn, middleware.UserID(c))
}

// RequestPermission asks the user's connected browsers to prompt for
// notification permission
func (h *NotificationHandler) RequestPermission(c *gin.Context) {
	userID := middleware.UserID(c)
	if h.hub.Clients(userID) == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "No notification client connected"})
		return
	}
	state, err := h.hub.RequestPermission(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to request permission"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"permission": state})
}
