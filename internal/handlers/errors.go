package handlers

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/store"
)

// respondError maps store and validation errors to a JSON error response
func respondError(c *gin.Context, logger *log.Logger, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, models.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error("Request failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + op})
	}
}
