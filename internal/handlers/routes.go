package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/healthbridge/internal/middleware"
)

// Routes wires the handlers into a router
type Routes struct {
	JWTSecret      string
	AllowedOrigins []string
	Sessions       *SessionHandler
	Medications    *MedicationHandler
	Notifications  *NotificationHandler
}

func (r Routes) Register(router *gin.Engine) {
	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(r.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(r.JWTSecret)

	api := router.Group("/api")
	{
		// Login endpoint (public)
		api.POST("/auth/login", Login(r.JWTSecret))

		protected := api.Group("", auth)

		if r.Sessions != nil {
			protected.POST("/appointments/:appointmentId/session", r.Sessions.Create)
			protected.GET("/sessions/:sessionId", r.Sessions.Get)
			protected.POST("/sessions/:sessionId/end", r.Sessions.End)
		}

		if r.Medications != nil {
			protected.GET("/medications", r.Medications.List)
			protected.POST("/medications", r.Medications.Create)
			protected.PATCH("/medications/:id", r.Medications.Update)
			protected.DELETE("/medications/:id", r.Medications.Delete)
			protected.POST("/medications/:id/reminders", r.Medications.AddReminder)
			protected.POST("/medications/:id/logs", r.Medications.LogDose)
			protected.PATCH("/reminders/:id", r.Medications.UpdateReminder)
			protected.DELETE("/reminders/:id", r.Medications.DeleteReminder)
			protected.GET("/reminders/status", r.Medications.ReminderStatus)
			protected.GET("/medication-logs", r.Medications.History)
			protected.GET("/medication-logs/today", r.Medications.TodayLogs)
		}

		if r.Notifications != nil {
			protected.POST("/notifications/permission-request", r.Notifications.RequestPermission)
		}
	}

	// WebSocket endpoints take the token as a query parameter
	ws := router.Group("/ws", auth)
	{
		if r.Sessions != nil {
			ws.GET("/signal/:sessionId", r.Sessions.Signal)
		}
		if r.Notifications != nil {
			ws.GET("/notifications", r.Notifications.Connect)
		}
	}
}
