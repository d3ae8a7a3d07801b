package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/signaling"
)

// GetCall returns a call session to one of its invited participants
func (s *Server) GetCall(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	callID := c.Param("callId")

	ctx, cancel := s.opContext(c.Request.Context())
	defer cancel()

	call, err := s.transport.GetSession(ctx, callID)
	if errors.Is(err, signaling.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return
	}
	if err != nil {
		s.logger.Error("Failed to load call", zap.String("session_id", callID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load call"})
		return
	}

	if !call.IsParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this call"})
		return
	}

	c.JSON(http.StatusOK, call)
}
