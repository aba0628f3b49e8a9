package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/healthbridge/internal/middleware"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/reminder"
)

// MedicationRepository stores a user's medications, reminders and logs.
// Every method is scoped to userID.
type MedicationRepository interface {
	ActiveMedications(ctx context.Context, userID string) ([]models.Medication, error)
	Medications(ctx context.Context, userID string) ([]models.Medication, error)
	CreateMedication(ctx context.Context, userID string, req models.CreateMedicationRequest) (models.Medication, error)
	UpdateMedication(ctx context.Context, userID, id string, req models.UpdateMedicationRequest) (models.Medication, error)
	DeleteMedication(ctx context.Context, userID, id string) error
	AddReminder(ctx context.Context, userID, medicationID string, in models.ReminderInput) (models.Reminder, error)
	UpdateReminder(ctx context.Context, userID, reminderID string, req models.UpdateReminderRequest) (models.Reminder, error)
	DeleteReminder(ctx context.Context, userID, reminderID string) error
	LogMedication(ctx context.Context, userID, medicationID string, req models.LogMedicationRequest) (models.MedicationLog, error)
	TodayLogs(ctx context.Context, userID string, now time.Time, loc *time.Location) ([]models.MedicationLog, error)
	Logs(ctx context.Context, userID string, f models.LogFilter) ([]models.MedicationLog, error)
}

// ReminderService recomputes a user's reminders after a change
type ReminderService interface {
	InvalidateAsync(userID string)
	Status(userID string) reminder.Status
}

// MedicationHandler serves the medication API
type MedicationHandler struct {
	store     MedicationRepository
	reminders ReminderService
	loc       *time.Location
	now       func() time.Time
	logger    *log.Logger
}

func NewMedicationHandler(store MedicationRepository, reminders ReminderService, loc *time.Location, logger *log.Logger) *MedicationHandler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MedicationHandler{
		store:     store,
		reminders: reminders,
		loc:       loc,
		now:       time.Now,
		logger:    logger.With("component", "medications"),
	}
}

// List returns the active medications by name, or every medication newest
// first with ?all=true
func (h *MedicationHandler) List(c *gin.Context) {
	var (
		meds []models.Medication
		err  error
	)
	if all, _ := strconv.ParseBool(c.Query("all")); all {
		meds, err = h.store.Medications(c.Request.Context(), middleware.UserID(c))
	} else {
		meds, err = h.store.ActiveMedications(c.Request.Context(), middleware.UserID(c))
	}
	if err != nil {
		respondError(c, h.logger, "list medications", err)
		return
	}
	if meds == nil {
		meds = []models.Medication{}
	}
	c.JSON(http.StatusOK, meds)
}

func (h *MedicationHandler) Create(c *gin.Context) {
	var req models.CreateMedicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	med, err := h.store.CreateMedication(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, h.logger, "create medication", err)
		return
	}

	h.reminders.InvalidateAsync(userID)
	c.JSON(http.StatusCreated, med)
}

func (h *MedicationHandler) Update(c *gin.Context) {
	var req models.UpdateMedicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	med, err := h.store.UpdateMedication(c.Request.Context(), userID, c.Param("id"), req)
	if err != nil {
		respondError(c, h.logger, "update medication", err)
		return
	}

	h.reminders.InvalidateAsync(userID)
	c.JSON(http.StatusOK, med)
}

func (h *MedicationHandler) Delete(c *gin.Context) {
	userID := middleware.UserID(c)
	if err := h.store.DeleteMedication(c.Request.Context(), userID, c.Param("id")); err != nil {
		respondError(c, h.logger, "delete medication", err)
		return
	}

	h.reminders.InvalidateAsync(userID)
	c.Status(http.StatusNoContent)
}

func (h *MedicationHandler) AddReminder(c *gin.Context) {
	var in models.ReminderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	r, err := h.store.AddReminder(c.Request.Context(), userID, c.Param("id"), in)
	if err != nil {
		respondError(c, h.logger, "add reminder", err)
		return
	}

	h.reminders.InvalidateAsync(userID)
	c.JSON(http.StatusCreated, r)
}

func (h *MedicationHandler) UpdateReminder(c *gin.Context) {
	var req models.UpdateReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := middleware.UserID(c)
	r, err := h.store.UpdateReminder(c.Request.Context(), userID, c.Param("id"), req)
	if err != nil {
		respondError(c, h.logger, "update reminder", err)
		return
	}

	h.reminders.InvalidateAsync(userID)
	c.JSON(http.StatusOK, r)
}

func (h *MedicationHandler) DeleteReminder(c *gin.Context) {
	userID := middleware.UserID(c)
	if err := h.store.DeleteReminder(c.Request.Context(), userID, c.Param("id")); err != nil {
		respondError(c, h.logger, "delete reminder", err)
		return
	}

	h.reminders.InvalidateAsync(userID)
	c.Status(http.StatusNoContent)
}

// LogDose records a dose; the status defaults to taken
func (h *MedicationHandler) LogDose(c *gin.Context) {
	var req models.LogMedicationRequest
	// an empty body is a plain "taken"
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	l, err := h.store.LogMedication(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		respondError(c, h.logger, "log medication", err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *MedicationHandler) TodayLogs(c *gin.Context) {
	logs, err := h.store.TodayLogs(c.Request.Context(), middleware.UserID(c), h.now(), h.loc)
	if err != nil {
		respondError(c, h.logger, "list today's logs", err)
		return
	}
	if logs == nil {
		logs = []models.MedicationLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// History lists dose logs newest first. Optional filters: medication_id,
// from and to as YYYY-MM-DD days in the service timezone, both inclusive.
func (h *MedicationHandler) History(c *gin.Context) {
	f, err := h.logFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logs, err := h.store.Logs(c.Request.Context(), middleware.UserID(c), f)
	if err != nil {
		respondError(c, h.logger, "list logs", err)
		return
	}
	if logs == nil {
		logs = []models.MedicationLog{}
	}
	c.JSON(http.StatusOK, logs)
}

func (h *MedicationHandler) logFilter(c *gin.Context) (models.LogFilter, error) {
	var f models.LogFilter
	if id := c.Query("medication_id"); id != "" {
		if _, err := uuid.Parse(id); err != nil {
			return f, fmt.Errorf("invalid medication_id %q", id)
		}
		f.MedicationID = id
	}
	if from := c.Query("from"); from != "" {
		day, err := time.ParseInLocation(time.DateOnly, from, h.loc)
		if err != nil {
			return f, fmt.Errorf("invalid from date %q", from)
		}
		f.From = day
	}
	if to := c.Query("to"); to != "" {
		day, err := time.ParseInLocation(time.DateOnly, to, h.loc)
		if err != nil {
			return f, fmt.Errorf("invalid to date %q", to)
		}
		f.To = day.AddDate(0, 0, 1)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, fmt.Errorf("from must not be after to")
	}
	return f, nil
}

// ReminderStatus reports notification permission and today's pending
// reminders
func (h *MedicationHandler) ReminderStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.reminders.Status(middleware.UserID(c)))
}
