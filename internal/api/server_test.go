package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agent-dashboard/internal/health"
	"github.com/p-blackswan/agent-dashboard/internal/requestid"
	"github.com/p-blackswan/agent-dashboard/internal/state"
	"github.com/p-blackswan/agent-dashboard/internal/store"
)

type staticState struct{ snap state.Snapshot }

func (s staticState) Snapshot() state.Snapshot { return s.snap }

type fakeHistory struct {
	sessions []store.Session
	details  map[int64]*store.SessionDetail
	err      error
}

func (f *fakeHistory) ListSessions(context.Context) ([]store.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sessions, nil
}

func (f *fakeHistory) GetSession(_ context.Context, id int64) (*store.SessionDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.details[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return d, nil
}

func testApp(t *testing.T, history History, checker *health.Checker, cfg ServerConfig) *fiber.App {
	t.Helper()
	snap := state.Snapshot{
		Teams:       []state.Team{{Name: "alpha", Members: []state.Member{{Name: "reviewer", Status: "active"}}, Status: "active"}},
		Tasks:       []state.Task{},
		Messages:    []state.Message{},
		GeneratedAt: time.Now().UTC(),
	}
	srv := NewServer(cfg, staticState{snap: snap}, history, checker, zerolog.Nop())
	t.Cleanup(srv.cancel)
	return srv.App()
}

func get(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeProblem(t *testing.T, resp *http.Response) ProblemDetail {
	t.Helper()
	assert.Equal(t, problemContentType, resp.Header.Get(fiber.HeaderContentType))
	var p ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func TestServer_HealthzEndpoint(t *testing.T) {
	app := testApp(t, &fakeHistory{}, nil, ServerConfig{})

	resp := get(t, app, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body LivenessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestServer_ReadyzEndpoint(t *testing.T) {
	checker := health.NewChecker(zerolog.Nop())
	checker.Register("store", func(context.Context) health.Status { return health.StatusOK })
	app := testApp(t, &fakeHistory{}, checker, ServerConfig{})

	resp := get(t, app, "/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ReadyzDown(t *testing.T) {
	checker := health.NewChecker(zerolog.Nop())
	checker.Register("watcher", func(context.Context) health.Status { return health.StatusDown })
	app := testApp(t, &fakeHistory{}, checker, ServerConfig{})

	resp := get(t, app, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var report health.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "not_ready", report.Status)
	assert.Equal(t, health.StatusDown, report.Checks["watcher"])
}

func TestServer_State(t *testing.T) {
	app := testApp(t, &fakeHistory{}, nil, ServerConfig{})

	resp := get(t, app, "/api/state")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap state.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Teams, 1)
	assert.Equal(t, "alpha", snap.Teams[0].Name)
	assert.NotNil(t, snap.Tasks)
}

func TestServer_ListHistory(t *testing.T) {
	end := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	history := &fakeHistory{sessions: []store.Session{
		{ID: 2, TeamName: "beta", EndTime: end, Status: store.StatusArchived},
		{ID: 1, TeamName: "alpha", EndTime: end.Add(-time.Hour), Status: store.StatusArchived},
	}}
	app := testApp(t, history, nil, ServerConfig{})

	resp := get(t, app, "/api/history")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []store.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, "beta", sessions[0].TeamName)
}

func TestServer_ListHistoryEmptyIsArray(t *testing.T) {
	app := testApp(t, &fakeHistory{sessions: []store.Session{}}, nil, ServerConfig{})

	resp := get(t, app, "/api/history")
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.JSONEq(t, `[]`, string(raw))
}

func TestServer_ListHistoryFailure(t *testing.T) {
	app := testApp(t, &fakeHistory{err: errors.New("database is locked")}, nil, ServerConfig{})

	resp := get(t, app, "/api/history")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	p := decodeProblem(t, resp)
	assert.Equal(t, "history_unavailable", p.Type)
	assert.NotContains(t, p.Detail, "locked")
}

func TestServer_GetHistory(t *testing.T) {
	history := &fakeHistory{details: map[int64]*store.SessionDetail{
		7: {
			Session:  store.Session{ID: 7, TeamName: "alpha", TaskCount: 1},
			Agents:   []store.Agent{},
			Tasks:    []store.Task{{TaskID: "t1", Status: "pending", Blocks: []string{}, BlockedBy: []string{}}},
			Messages: []store.Message{},
		},
	}}
	app := testApp(t, history, nil, ServerConfig{})

	resp := get(t, app, "/api/history/7")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var detail store.SessionDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Equal(t, "alpha", detail.Session.TeamName)
	require.Len(t, detail.Tasks, 1)
	assert.Equal(t, "t1", detail.Tasks[0].TaskID)
}

func TestServer_GetHistoryNotFound(t *testing.T) {
	app := testApp(t, &fakeHistory{details: map[int64]*store.SessionDetail{}}, nil, ServerConfig{})

	for _, path := range []string{"/api/history/99", "/api/history/abc", "/api/history/-1", "/api/history/0"} {
		t.Run(path, func(t *testing.T) {
			resp := get(t, app, path)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			p := decodeProblem(t, resp)
			assert.Equal(t, "session_not_found", p.Type)
			assert.Equal(t, path, p.Instance)
		})
	}
}

func TestServer_UnknownRouteIsProblem(t *testing.T) {
	app := testApp(t, &fakeHistory{}, nil, ServerConfig{})

	resp := get(t, app, "/api/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	p := decodeProblem(t, resp)
	assert.Equal(t, "not_found", p.Type)
}

func TestServer_RequestID(t *testing.T) {
	app := testApp(t, &fakeHistory{}, nil, ServerConfig{})

	resp := get(t, app, "/healthz")
	assert.NotEmpty(t, resp.Header.Get(requestid.Header))

	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestid.Header, "trace-abc")
	resp2, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "trace-abc", resp2.Header.Get(requestid.Header))
}

func TestServer_CORS(t *testing.T) {
	app := testApp(t, &fakeHistory{}, nil, ServerConfig{CORSOrigins: []string{"http://localhost:3000", "https://dash.example.com"}})

	req, _ := http.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	resp2, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "https://dash.example.com", resp2.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	resp3, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Empty(t, resp3.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimit(t *testing.T) {
	app := testApp(t, &fakeHistory{}, nil, ServerConfig{RateLimit: RateLimitConfig{RPS: 1, Burst: 2}})

	assert.Equal(t, http.StatusOK, get(t, app, "/api/state").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, app, "/api/state").StatusCode)

	resp := get(t, app, "/api/state")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", decodeProblem(t, resp).Type)

	// Probes are never limited.
	assert.Equal(t, http.StatusOK, get(t, app, "/healthz").StatusCode)
}
