package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zaqqye/seb_integrity/internal/session"
)

var kindStatus = map[string]int{
	"session_not_found":       http.StatusNotFound,
	"policy_not_found":        http.StatusNotFound,
	"session_not_resumable":   http.StatusConflict,
	"max_violations_exceeded": http.StatusConflict,
	"not_started":             http.StatusConflict,
	"session_locked":          http.StatusConflict,
	"invalid_transition":      http.StatusConflict,
	"webcam_required":         http.StatusPreconditionFailed,
	"client_outdated":         http.StatusPreconditionFailed,
	"violation_type_disabled": http.StatusUnprocessableEntity,
	"unknown_violation_type":  http.StatusUnprocessableEntity,
}

// respondError writes {"error": kind, "message": ...} with the status for that kind.
func respondError(c *gin.Context, err error) {
	kind := session.Kind(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": kind, "message": err.Error()})
}
