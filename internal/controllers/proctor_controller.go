package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zaqqye/seb_integrity/internal/audit"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/session"
)

type ProctorController struct {
	Sessions *session.Machine
	Audit    *audit.Recorder
}

type lockSessionRequest struct {
	Reason string `json:"reason" binding:"max=48"`
}

// ListSessions returns the sessions of an exam, optionally filtered by ?status=.
// ?all=true disables paging.
func (pc *ProctorController) ListSessions(c *gin.Context) {
	all := strings.EqualFold(c.Query("all"), "true") || c.Query("all") == "1"
	limit := 20
	page := 1
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.Query("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	status := models.SessionStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))

	sessions, err := pc.Sessions.List(c.Request.Context(), c.Param("exam_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	rows := make([]models.ExamSession, 0, len(sessions))
	for _, s := range sessions {
		if status == "" || s.Status == status {
			rows = append(rows, s)
		}
	}

	total := len(rows)
	meta := gin.H{"total": total, "all": all}
	if !all {
		from := (page - 1) * limit
		if from > total {
			from = total
		}
		to := from + limit
		if to > total {
			to = total
		}
		rows = rows[from:to]
		meta["limit"] = limit
		meta["page"] = page
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "meta": meta})
}

// Lock locks a running session on a proctor's decision.
func (pc *ProctorController) Lock(c *gin.Context) {
	var req lockSessionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reason := session.LockReasonProctor
	if r := strings.TrimSpace(req.Reason); r != "" {
		reason = session.LockReasonProctor + ":" + r
	}
	s, err := pc.Sessions.Lock(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s})
}

func (pc *ProctorController) Complete(c *gin.Context) {
	s, err := pc.Sessions.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s})
}

// AuditTrail returns the persisted audit events of a session, oldest first.
func (pc *ProctorController) AuditTrail(c *gin.Context) {
	if _, err := pc.Sessions.Get(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	events, err := pc.Audit.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "meta": gin.H{"total": len(events)}})
}
