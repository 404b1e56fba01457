package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/dbmigrator/internal/migrator"
)

// statusHandler godoc
// @Summary Migration status
// @Description List applied migrations from the ledger and forward scripts still pending
// @Tags migrations
// @Produce json
// @Security ApiKeyAuth
// @Security BearerAuth
// @Success 200 {object} migrator.Status
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/migrations/status [get]
func (s *Server) statusHandler(c *gin.Context) {
	status, err := s.migrations.Status(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// applyHandler godoc
// @Summary Apply pending scripts
// @Description Run every pending forward script in one transaction
// @Tags migrations
// @Produce json
// @Security ApiKeyAuth
// @Security BearerAuth
// @Success 200 {object} MessageResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/migrations/apply [post]
func (s *Server) applyHandler(c *gin.Context) {
	s.logger.Info().
		Str("auth_type", getAuthType(c)).
		Str("subject", c.GetString(subjectKey)).
		Msg("Apply requested")

	if err := s.migrations.ApplyPendingScripts(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "Pending scripts applied"})
}

// rollbackHandler godoc
// @Summary Roll back migrations
// @Description Undo every migration applied after target, most recent first. Use "all" to undo everything.
// @Tags migrations
// @Produce json
// @Security ApiKeyAuth
// @Security BearerAuth
// @Param target path string true "Migration to roll back to, or all"
// @Success 200 {object} MessageResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/migrations/rollback/{target} [post]
func (s *Server) rollbackHandler(c *gin.Context) {
	target := c.Param("target")

	s.logger.Info().
		Str("target", target).
		Str("auth_type", getAuthType(c)).
		Str("subject", c.GetString(subjectKey)).
		Msg("Rollback requested")

	if err := s.migrations.RollbackToMigration(c.Request.Context(), target); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "Rollback completed", Target: target})
}

// writeError maps engine error kinds to HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Migration request failed")
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case migrator.IsConnectivityError(err):
		return http.StatusServiceUnavailable
	case migrator.IsNothingToRollBack(err), migrator.IsMissingReverseScript(err):
		return http.StatusConflict
	case migrator.IsUnknownTarget(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
