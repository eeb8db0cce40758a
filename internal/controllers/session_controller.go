package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/zaqqye/seb_integrity/internal/ledger"
	"github.com/zaqqye/seb_integrity/internal/middleware"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/session"
)

type SessionController struct {
	Sessions *session.Machine
	Ledger   *ledger.Ledger
}

type startSessionRequest struct {
	CameraAvailable bool   `json:"camera_available"`
	ClientVersion   string `json:"client_version" binding:"max=32"`
}

type reportViolationRequest struct {
	Type     string          `json:"type" binding:"required"`
	Details  json.RawMessage `json:"details"`
	Sequence *int64          `json:"sequence" binding:"required,gte=0"`
}

type submitSessionRequest struct {
	AutoSubmitted bool `json:"auto_submitted"`
}

// bindOptionalJSON binds the body when one was sent.
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ownSession loads the session and checks it belongs to the caller. Proctors and admins
// may read any session when readOnly is set.
func (sc *SessionController) ownSession(c *gin.Context, readOnly bool) (*models.ExamSession, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	s, err := sc.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if s.UserID == user.UserID {
		return s, true
	}
	if readOnly && (user.Role == middleware.RoleProctor || user.Role == middleware.RoleAdmin) {
		return s, true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	return nil, false
}

// Start begins or resumes the caller's attempt at an exam.
func (sc *SessionController) Start(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req startSessionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := sc.Sessions.Start(c.Request.Context(), session.StartRequest{
		ExamID:          c.Param("exam_id"),
		UserID:          user.UserID,
		CameraAvailable: req.CameraAvailable,
		ClientVersion:   req.ClientVersion,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s})
}

// ReportViolation records a client-detected violation. Retries with the same sequence
// return the original outcome.
func (sc *SessionController) ReportViolation(c *gin.Context) {
	var req reportViolationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *req.Sequence >= ledger.ServerSequenceBase {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence out of range"})
		return
	}
	s, ok := sc.ownSession(c, false)
	if !ok {
		return
	}
	var details datatypes.JSON
	if len(req.Details) > 0 && string(req.Details) != "null" {
		if !json.Valid(req.Details) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "details must be JSON"})
			return
		}
		details = datatypes.JSON(req.Details)
	}
	out, err := sc.Sessions.RecordViolation(c.Request.Context(), session.Report{
		SessionID: s.ID,
		Type:      models.ViolationType(req.Type),
		Details:   details,
		Sequence:  *req.Sequence,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (sc *SessionController) Submit(c *gin.Context) {
	var req submitSessionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := sc.ownSession(c, false)
	if !ok {
		return
	}
	s, err := sc.Sessions.Submit(c.Request.Context(), s.ID, req.AutoSubmitted)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s})
}

func (sc *SessionController) Get(c *gin.Context) {
	s, ok := sc.ownSession(c, true)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s})
}

func (sc *SessionController) ListViolations(c *gin.Context) {
	s, ok := sc.ownSession(c, true)
	if !ok {
		return
	}
	rows, err := sc.Ledger.List(c.Request.Context(), s.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "meta": gin.H{"total": len(rows)}})
}
