package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zaqqye/seb_integrity/internal/audit"
	"github.com/zaqqye/seb_integrity/internal/controllers"
	"github.com/zaqqye/seb_integrity/internal/ledger"
	"github.com/zaqqye/seb_integrity/internal/middleware"
	"github.com/zaqqye/seb_integrity/internal/monitor"
	"github.com/zaqqye/seb_integrity/internal/policy"
	"github.com/zaqqye/seb_integrity/internal/session"
	"github.com/zaqqye/seb_integrity/internal/ws"
)

type Deps struct {
	JWTSecret string
	Sessions  *session.Machine
	Ledger    *ledger.Ledger
	Policies  policy.Provider
	Monitors  *monitor.Manager
	Audit     *audit.Recorder
	Hubs      *ws.Hubs
}

func Register(r *gin.Engine, d Deps) {
	sessionCtrl := &controllers.SessionController{Sessions: d.Sessions, Ledger: d.Ledger}
	proctorCtrl := &controllers.ProctorController{Sessions: d.Sessions, Audit: d.Audit}

	// Public
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	authMW := middleware.AuthMiddleware(middleware.AuthConfig{JWTSecret: d.JWTSecret})
	api := r.Group("/api/v1", authMW)
	{
		student := api.Group("", middleware.RequireRoles(middleware.RoleStudent))
		{
			student.POST("/exams/:exam_id/sessions/start", sessionCtrl.Start)
			student.POST("/sessions/:id/violations", sessionCtrl.ReportViolation)
			student.POST("/sessions/:id/submit", sessionCtrl.Submit)
		}

		// Owners, proctors and admins
		api.GET("/sessions/:id", sessionCtrl.Get)
		api.GET("/sessions/:id/violations", sessionCtrl.ListViolations)

		var proctorHub *ws.ProctorHub
		var studentHub *ws.StudentHub
		if d.Hubs != nil {
			proctorHub, studentHub = d.Hubs.Proctor, d.Hubs.Student
		}
		api.GET("/sessions/:id/telemetry", ws.TelemetryHandler(d.Sessions, d.Policies, d.Monitors, studentHub))

		proctor := api.Group("/proctor", middleware.RequireRoles(middleware.RoleProctor))
		{
			proctor.GET("/exams/:exam_id/sessions", proctorCtrl.ListSessions)
			proctor.POST("/sessions/:id/lock", proctorCtrl.Lock)
			proctor.POST("/sessions/:id/complete", proctorCtrl.Complete)
			proctor.GET("/sessions/:id/audit", proctorCtrl.AuditTrail)
			proctor.GET("/ws", ws.ProctorHandler(proctorHub))
		}
	}
}
