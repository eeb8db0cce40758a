package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zaqqye/seb_integrity/internal/ledger"
	"github.com/zaqqye/seb_integrity/internal/middleware"
	"github.com/zaqqye/seb_integrity/internal/models"
	"github.com/zaqqye/seb_integrity/internal/monitor"
	"github.com/zaqqye/seb_integrity/internal/policy"
	"github.com/zaqqye/seb_integrity/internal/session"
	"github.com/zaqqye/seb_integrity/internal/telemetry"
	"github.com/zaqqye/seb_integrity/internal/testutil"
)

const testSecret = "ws-secret"

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

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// readLoop forwards every frame from conn until it fails.
func readLoop(conn *websocket.Conn) (<-chan []byte, <-chan error) {
	msgs := make(chan []byte, 64)
	errc := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			msgs <- data
		}
	}()
	return msgs, errc
}

func TestProctorStreamFiltersByExam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewProctorHub(zap.NewNop())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", middleware.AuthMiddleware(middleware.AuthConfig{JWTSecret: testSecret}), ProctorHandler(hub))
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?exam_id=exam-1&access_token="+token(t, "p1", middleware.RoleProctor)), nil)
	require.NoError(t, err)
	defer conn.Close()
	msgs, _ := readLoop(conn)

	// The client registers after the upgrade completes, so publish until it is listening.
	var got models.AuditEvent
	require.Eventually(t, func() bool {
		hub.Publish(models.AuditEvent{ExamID: "exam-2", SessionID: "s2", Kind: "TAB_SWITCH"})
		hub.Publish(models.AuditEvent{ExamID: "exam-1", SessionID: "s1", Kind: "TAB_SWITCH"})
		select {
		case data := <-msgs:
			return json.Unmarshal(data, &got) == nil
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "exam-1", got.ExamID)
	assert.Equal(t, "s1", got.SessionID)
}

func TestProctorHandlerRejectsStudents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewProctorHub(zap.NewNop())
	r := gin.New()
	r.GET("/ws", middleware.AuthMiddleware(middleware.AuthConfig{JWTSecret: testSecret}), ProctorHandler(hub))

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token(t, "u1", middleware.RoleStudent), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

type telemetryStack struct {
	sessions *session.Machine
	monitors *monitor.Manager
	ledger   *ledger.Ledger
	srv      *httptest.Server
}

func newTelemetryStack(t *testing.T) *telemetryStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.OpenDB(t)
	p := policy.Default("exam-1")
	p.CheckIntervalMs = 100
	p.InactivityTimeoutMs = 300
	testutil.SeedPolicy(t, db, p)

	store := policy.NewStore(db)
	l := ledger.New(db)
	machine := session.NewMachine(db, l, store, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewStudentHub(zap.NewNop())
	go hub.Run(ctx)
	monitors := monitor.NewManager(machine, l, hub, nil, monitor.DefaultOptions())
	machine.Subscribe(monitors)

	r := gin.New()
	r.GET("/sessions/:id/telemetry",
		middleware.AuthMiddleware(middleware.AuthConfig{JWTSecret: testSecret}),
		TelemetryHandler(machine, store, monitors, hub))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		monitors.Shutdown()
		cancel()
	})
	return &telemetryStack{sessions: machine, monitors: monitors, ledger: l, srv: srv}
}

func TestTelemetryStreamsStatusUntilSessionEnds(t *testing.T) {
	st := newTelemetryStack(t)
	s, err := st.sessions.Start(context.Background(), session.StartRequest{ExamID: "exam-1", UserID: "u1", CameraAvailable: true})
	require.NoError(t, err)

	url := wsURL(st.srv, "/sessions/"+s.ID+"/telemetry?access_token="+token(t, "u1", middleware.RoleStudent))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	msgs, errc := readLoop(conn)

	hello, err := telemetry.Encode(string(telemetry.MsgInit), telemetry.Init{CameraAvailable: true})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))

	deadline := time.After(3 * time.Second)
	for statusSeen := false; !statusSeen; {
		select {
		case data := <-msgs:
			var env telemetry.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			statusSeen = env.Type == monitor.MsgStatusUpdate
		case err := <-errc:
			t.Fatalf("connection closed early: %v", err)
		case <-deadline:
			t.Fatal("no STATUS_UPDATE received")
		}
	}

	_, err = st.sessions.Submit(context.Background(), s.ID, false)
	require.NoError(t, err)

	activity, err := telemetry.Encode(string(telemetry.MsgUserActivity), telemetry.UserActivity{Kind: "keydown", At: time.Now()})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, activity))

	select {
	case err := <-errc:
		var ne net.Error
		assert.False(t, errors.As(err, &ne) && ne.Timeout(), "expected the server to close, got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("server kept the connection open after submit")
	}
}

func TestTelemetryRejectsForeignAndIdleSessions(t *testing.T) {
	st := newTelemetryStack(t)
	ctx := context.Background()
	running, err := st.sessions.Start(ctx, session.StartRequest{ExamID: "exam-1", UserID: "u1", CameraAvailable: true})
	require.NoError(t, err)

	get := func(id, tok string) int {
		resp, err := http.Get(st.srv.URL + "/sessions/" + id + "/telemetry?access_token=" + tok)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, get(running.ID, token(t, "u2", middleware.RoleStudent)))
	assert.Equal(t, http.StatusForbidden, get(running.ID, token(t, "p1", middleware.RoleProctor)))
	assert.Equal(t, http.StatusNotFound, get("missing", token(t, "u1", middleware.RoleStudent)))

	_, err = st.sessions.Submit(ctx, running.ID, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, get(running.ID, token(t, "u1", middleware.RoleStudent)))
}

// dialTelemetry connects as the session owner, sends INIT and waits for the first status push.
func dialTelemetry(t *testing.T, st *telemetryStack, sessionID string) *websocket.Conn {
	t.Helper()
	url := wsURL(st.srv, "/sessions/"+sessionID+"/telemetry?access_token="+token(t, "u1", middleware.RoleStudent))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	msgs, errc := readLoop(conn)

	hello, err := telemetry.Encode(string(telemetry.MsgInit), telemetry.Init{CameraAvailable: true})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hello))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case data := <-msgs:
			var env telemetry.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			if env.Type == monitor.MsgStatusUpdate {
				return conn
			}
		case err := <-errc:
			t.Fatalf("connection closed early: %v", err)
		case <-deadline:
			t.Fatal("no STATUS_UPDATE received")
		}
	}
}

func TestTelemetryDisconnectStopsMonitor(t *testing.T) {
	st := newTelemetryStack(t)
	ctx := context.Background()
	s, err := st.sessions.Start(ctx, session.StartRequest{ExamID: "exam-1", UserID: "u1", CameraAvailable: true})
	require.NoError(t, err)

	conn := dialTelemetry(t, st, s.ID)
	require.Equal(t, 1, st.monitors.Len())
	activity, err := telemetry.Encode(string(telemetry.MsgUserActivity), telemetry.UserActivity{Kind: "keydown", At: time.Now()})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, activity))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return st.monitors.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	before, err := st.ledger.List(ctx, s.ID)
	require.NoError(t, err)

	// Long enough for the inactivity detector to fire had the monitor survived.
	time.Sleep(700 * time.Millisecond)
	after, err := st.ledger.List(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	again := dialTelemetry(t, st, s.ID)
	defer again.Close()
	assert.Equal(t, 1, st.monitors.Len())
}

func TestTelemetryReplacedConnectionKeepsMonitor(t *testing.T) {
	st := newTelemetryStack(t)
	s, err := st.sessions.Start(context.Background(), session.StartRequest{ExamID: "exam-1", UserID: "u1", CameraAvailable: true})
	require.NoError(t, err)

	first := dialTelemetry(t, st, s.ID)
	defer first.Close()
	second := dialTelemetry(t, st, s.ID)
	defer second.Close()

	// The hub drops the first connection when the second registers; that must not stop the monitor.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, st.monitors.Len())
}
