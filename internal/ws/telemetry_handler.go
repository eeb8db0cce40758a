package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zaqqye/seb_integrity/internal/middleware"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/monitor"
	"github.com/zaqqye/seb_integrity/internal/policy"
	"github.com/zaqqye/seb_integrity/internal/session"
	"github.com/zaqqye/seb_integrity/internal/telemetry"
)

// TelemetryHandler upgrades the student's connection for a running session, opens the
// session's monitor and pipes telemetry into it.
func TelemetryHandler(sessions *session.Machine, policies policy.Provider, monitors *monitor.Manager, hub *StudentHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hub == nil || monitors == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "realtime not available"})
			return
		}
		user, ok := middleware.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if user.Role != middleware.RoleStudent {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		ctx := c.Request.Context()
		s, err := sessions.Get(ctx, c.Param("id"))
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if s.UserID != user.UserID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		if s.Status != models.StatusInProgress {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session_not_running", "status": s.Status})
			return
		}
		if err := openMonitor(ctx, sessions, policies, monitors, s); err != nil {
			if errors.Is(err, monitor.ErrNotRunning) {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session_not_running"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			monitors.Close(s.ID)
			return
		}
		client := &studentClient{
			hub:       hub,
			conn:      conn,
			send:      make(chan []byte, 64),
			sessionID: s.ID,
			onLeave:   func() { monitors.Close(s.ID) },
		}
		if !hub.add(client) {
			conn.Close()
			monitors.Close(s.ID)
			return
		}

		go writePump(conn, client.send)
		client.readPump(func(msg telemetry.Message) error {
			err := monitors.Deliver(s.ID, msg)
			if !errors.Is(err, monitor.ErrNoMonitor) {
				return err
			}
			// An older connection for this session closed the monitor on its way out.
			fresh, err := sessions.Get(ctx, s.ID)
			if err != nil {
				return err
			}
			if err := openMonitor(ctx, sessions, policies, monitors, fresh); err != nil {
				return err
			}
			return monitors.Deliver(s.ID, msg)
		})
	}
}

// openMonitor starts the session's monitor and re-reads the session afterwards, so a
// transition that landed between the status check and the start cannot leave an actor behind.
func openMonitor(ctx context.Context, sessions *session.Machine, policies policy.Provider, monitors *monitor.Manager, s *models.ExamSession) error {
	if s.Status != models.StatusInProgress {
		return fmt.Errorf("%w: %s", monitor.ErrNotRunning, s.Status)
	}
	p, err := policies.Lookup(ctx, s.ExamID)
	if err != nil {
		return err
	}
	if _, err := monitors.Open(ctx, s, p); err != nil {
		return err
	}
	current, err := sessions.Get(ctx, s.ID)
	if err != nil {
		monitors.Close(s.ID)
		return err
	}
	if current.Status != models.StatusInProgress {
		monitors.Close(s.ID)
		return fmt.Errorf("%w: %s", monitor.ErrNotRunning, current.Status)
	}
	return nil
}
