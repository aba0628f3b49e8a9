package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/healthbridge/internal/middleware"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/signaling"
)

// SessionRegistry stores video call sessions
type SessionRegistry interface {
	FindOrCreateWaiting(ctx context.Context, appointmentID string) (models.VideoCallSession, error)
	Get(ctx context.Context, id string) (models.VideoCallSession, error)
	MarkActive(ctx context.Context, id string) (models.VideoCallSession, error)
	End(ctx context.Context, id string) (models.VideoCallSession, error)
	AddParticipant(ctx context.Context, sessionID, userID string) error
	IsParticipant(ctx context.Context, sessionID, userID string) (bool, error)
}

// PresenceTracker counts the users connected to a session's relay
type PresenceTracker interface {
	Join(ctx context.Context, sessionID, userID string) error
	Leave(ctx context.Context, sessionID, userID string) error
	Count(ctx context.Context, sessionID string) (int, error)
	Clear(ctx context.Context, sessionID string) error
}

// SessionHandler serves the session API and the signaling relay
type SessionHandler struct {
	sessions  SessionRegistry
	presence  PresenceTracker
	log       signaling.Log
	retention time.Duration
	logger    *log.Logger
}

func NewSessionHandler(sessions SessionRegistry, presence PresenceTracker, l signaling.Log, retention time.Duration, logger *log.Logger) *SessionHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &SessionHandler{
		sessions:  sessions,
		presence:  presence,
		log:       l,
		retention: retention,
		logger:    logger.With("component", "sessions"),
	}
}

// Create returns the appointment's waiting session, creating it if needed
func (h *SessionHandler) Create(c *gin.Context) {
	appointmentID := c.Param("appointmentId")
	if appointmentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "appointmentId is required"})
		return
	}

	ctx := c.Request.Context()
	sess, err := h.sessions.FindOrCreateWaiting(ctx, appointmentID)
	if err != nil {
		respondError(c, h.logger, "create session", err)
		return
	}
	if err := h.sessions.AddParticipant(ctx, sess.ID, middleware.UserID(c)); err != nil {
		respondError(c, h.logger, "create session", err)
		return
	}

	h.logger.Info("Session ready", "session", sess.ID, "appointment", appointmentID)
	c.JSON(http.StatusOK, sess)
}

// member loads the session named in the path and checks that the caller
// joined it through Create. It writes the error response itself.
func (h *SessionHandler) member(c *gin.Context) (models.VideoCallSession, bool) {
	ctx := c.Request.Context()
	sess, err := h.sessions.Get(ctx, c.Param("sessionId"))
	if err != nil {
		respondError(c, h.logger, "get session", err)
		return sess, false
	}

	ok, err := h.sessions.IsParticipant(ctx, sess.ID, middleware.UserID(c))
	if err != nil {
		respondError(c, h.logger, "check participant", err)
		return sess, false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this session"})
		return sess, false
	}
	return sess, true
}

// Get returns the session with its participant count
func (h *SessionHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	sess, ok := h.member(c)
	if !ok {
		return
	}

	count, err := h.presence.Count(ctx, sess.ID)
	if err != nil {
		h.logger.Warn("Failed to count participants", "session", sess.ID, "error", err)
	}

	c.JSON(http.StatusOK, models.SessionInfo{
		VideoCallSession: sess,
		Participants:     count,
	})
}

// End marks the session ended, compacts its signaling log and clears
// presence. Ending twice is not an error.
func (h *SessionHandler) End(c *gin.Context) {
	ctx := c.Request.Context()
	if _, ok := h.member(c); !ok {
		return
	}
	sess, err := h.sessions.End(ctx, c.Param("sessionId"))
	if err != nil {
		respondError(c, h.logger, "end session", err)
		return
	}

	if compactor, ok := h.log.(signaling.Compactor); ok && h.retention > 0 {
		if err := compactor.Compact(ctx, sess.ID, h.retention); err != nil {
			h.logger.Warn("Failed to compact signaling log", "session", sess.ID, "error", err)
		}
	}
	if err := h.presence.Clear(ctx, sess.ID); err != nil {
		h.logger.Warn("Failed to clear presence", "session", sess.ID, "error", err)
	}

	h.logger.Info("Session ended", "session", sess.ID, "by", middleware.UserID(c))
	c.JSON(http.StatusOK, sess)
}
