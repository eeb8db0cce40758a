package routes

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaqqye/seb_integrity/internal/audit"
	"github.com/zaqqye/seb_integrity/internal/ledger"
	"github.com/zaqqye/seb_integrity/internal/middleware"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/policy"
	"github.com/zaqqye/seb_integrity/internal/session"
	"github.com/zaqqye/seb_integrity/internal/testutil"
)

const testSecret = "test-secret"

type api struct {
	t      *testing.T
	router *gin.Engine
}

func newAPI(t *testing.T, policies ...models.MonitoringPolicy) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.OpenDB(t)
	for _, p := range policies {
		testutil.SeedPolicy(t, db, p)
	}
	store := policy.NewStore(db)
	l := ledger.New(db)
	m := session.NewMachine(db, l, store, "1.2.0", nil)
	rec := audit.NewRecorder(db, nil, nil, nil)
	m.Subscribe(rec)

	r := gin.New()
	Register(r, Deps{JWTSecret: testSecret, Sessions: m, Ledger: l, Policies: store, Audit: rec})
	return &api{t: t, router: r}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	claims := middleware.Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (a *api) do(method, path, tok string, body interface{}) (int, map[string]interface{}) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (a *api) start(tok string) string {
	a.t.Helper()
	code, body := a.do(http.MethodPost, "/api/v1/exams/exam-1/sessions/start", tok,
		gin.H{"camera_available": true, "client_version": "1.4.0"})
	require.Equal(a.t, http.StatusOK, code, body)
	data := body["data"].(map[string]interface{})
	assert.Equal(a.t, "IN_PROGRESS", data["status"])
	return data["id"].(string)
}

func TestHealthz(t *testing.T) {
	a := newAPI(t)
	code, body := a.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestMissingTokenIsRejected(t *testing.T) {
	a := newAPI(t, policy.Default("exam-1"))
	code, _ := a.do(http.MethodPost, "/api/v1/exams/exam-1/sessions/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestViolationsLockSessionAtThreshold(t *testing.T) {
	a := newAPI(t, policy.Default("exam-1"))
	student := token(t, "u1", middleware.RoleStudent)
	id := a.start(student)

	for seq := 1; seq <= 3; seq++ {
		code, body := a.do(http.MethodPost, "/api/v1/sessions/"+id+"/violations", student,
			gin.H{"type": "TAB_SWITCH", "sequence": seq, "details": gin.H{"url": "about:blank"}})
		require.Equal(t, http.StatusOK, code, body)
		assert.EqualValues(t, seq, body["violation_count"])
		assert.Equal(t, seq == 3, body["locked"])
	}

	code, body := a.do(http.MethodPost, "/api/v1/sessions/"+id+"/submit", student, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "session_locked", body["error"])

	code, body = a.do(http.MethodPost, "/api/v1/exams/exam-1/sessions/start", student, gin.H{"camera_available": true, "client_version": "1.4.0"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "max_violations_exceeded", body["error"])

	code, body = a.do(http.MethodGet, "/api/v1/sessions/"+id+"/violations", student, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 3)
}

func TestDuplicateSequenceIsNotCountedTwice(t *testing.T) {
	a := newAPI(t, policy.Default("exam-1"))
	student := token(t, "u1", middleware.RoleStudent)
	id := a.start(student)

	report := gin.H{"type": "RIGHT_CLICK", "sequence": 7}
	_, first := a.do(http.MethodPost, "/api/v1/sessions/"+id+"/violations", student, report)
	code, again := a.do(http.MethodPost, "/api/v1/sessions/"+id+"/violations", student, report)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, first["duplicate"])
	assert.Equal(t, true, again["duplicate"])
	assert.EqualValues(t, 1, again["violation_count"])
}

func TestReportValidation(t *testing.T) {
	a := newAPI(t, policy.Default("exam-1"))
	student := token(t, "u1", middleware.RoleStudent)
	id := a.start(student)
	path := "/api/v1/sessions/" + id + "/violations"

	code, body := a.do(http.MethodPost, path, student, gin.H{"type": "TELEPORT", "sequence": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "unknown_violation_type", body["error"])

	code, _ = a.do(http.MethodPost, path, student, gin.H{"type": "TAB_SWITCH"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(http.MethodPost, path, student, gin.H{"type": "TAB_SWITCH", "sequence": ledger.ServerSequenceBase})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(http.MethodPost, "/api/v1/sessions/missing/violations", student, gin.H{"type": "TAB_SWITCH", "sequence": 1})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "session_not_found", body["error"])
}

func TestStudentsCannotTouchOtherSessions(t *testing.T) {
	a := newAPI(t, policy.Default("exam-1"))
	id := a.start(token(t, "u1", middleware.RoleStudent))
	other := token(t, "u2", middleware.RoleStudent)

	code, _ := a.do(http.MethodPost, "/api/v1/sessions/"+id+"/violations", other, gin.H{"type": "TAB_SWITCH", "sequence": 1})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = a.do(http.MethodGet, "/api/v1/sessions/"+id, other, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = a.do(http.MethodGet, "/api/v1/proctor/exams/exam-1/sessions", other, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = a.do(http.MethodGet, "/api/v1/sessions/"+id, token(t, "p1", middleware.RoleProctor), nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestWebcamRequiredPrecondition(t *testing.T) {
	p := policy.Default("exam-1")
	p.WebcamRequired = true
	a := newAPI(t, p)

	code, body := a.do(http.MethodPost, "/api/v1/exams/exam-1/sessions/start", token(t, "u1", middleware.RoleStudent),
		gin.H{"camera_available": false, "client_version": "1.4.0"})
	assert.Equal(t, http.StatusPreconditionFailed, code)
	assert.Equal(t, "webcam_required", body["error"])
}

func TestOutdatedClientIsRejected(t *testing.T) {
	a := newAPI(t, policy.Default("exam-1"))
	code, body := a.do(http.MethodPost, "/api/v1/exams/exam-1/sessions/start", token(t, "u1", middleware.RoleStudent),
		gin.H{"camera_available": true, "client_version": "1.1.9"})
	assert.Equal(t, http.StatusPreconditionFailed, code)
	assert.Equal(t, "client_outdated", body["error"])
}

func TestProctorFlow(t *testing.T) {
	a := newAPI(t, policy.Default("exam-1"))
	student := token(t, "u1", middleware.RoleStudent)
	proctor := token(t, "p1", middleware.RoleProctor)
	id := a.start(student)
	a.start(token(t, "u2", middleware.RoleStudent))

	code, body := a.do(http.MethodGet, "/api/v1/proctor/exams/exam-1/sessions?limit=1", proctor, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"], 1)
	assert.EqualValues(t, 2, body["meta"].(map[string]interface{})["total"])

	code, body = a.do(http.MethodPost, "/api/v1/proctor/sessions/"+id+"/lock", proctor, gin.H{"reason": "phone on desk"})
	require.Equal(t, http.StatusOK, code, body)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "LOCKED", data["status"])
	assert.Equal(t, "proctor:phone on desk", data["lock_reason"])

	code, body = a.do(http.MethodPost, "/api/v1/proctor/sessions/"+id+"/complete", proctor, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", body["error"])

	code, body = a.do(http.MethodGet, "/api/v1/proctor/sessions/"+id+"/audit", proctor, nil)
	require.Equal(t, http.StatusOK, code)
	events := body["data"].([]interface{})
	require.Len(t, events, 2)
	assert.Equal(t, models.TransitionStarted, events[0].(map[string]interface{})["kind"])
	assert.Equal(t, models.TransitionLocked, events[1].(map[string]interface{})["kind"])
}

func TestSubmitThenComplete(t *testing.T) {
	a := newAPI(t, policy.Default("exam-1"))
	student := token(t, "u1", middleware.RoleStudent)
	id := a.start(student)

	code, body := a.do(http.MethodPost, "/api/v1/sessions/"+id+"/submit", student, gin.H{"auto_submitted": true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SUBMITTED", body["data"].(map[string]interface{})["status"])

	code, body = a.do(http.MethodPost, "/api/v1/sessions/"+id+"/submit", student, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["data"].(map[string]interface{})["auto_submitted"])

	code, body = a.do(http.MethodPost, "/api/v1/proctor/sessions/"+id+"/complete", token(t, "admin1", middleware.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "COMPLETED", body["data"].(map[string]interface{})["status"])
}

func TestRealtimeUnavailableWithoutHubs(t *testing.T) {
	a := newAPI(t, policy.Default("exam-1"))
	code, _ := a.do(http.MethodGet, "/api/v1/proctor/ws", token(t, "p1", middleware.RoleProctor), nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
