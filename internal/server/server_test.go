package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	"kse/internal/config"
	"kse/internal/db"
	"kse/internal/domain"
	"kse/internal/engine"
	"kse/internal/executor"
	"kse/internal/migrate"
)

const testManifest = `templates: [service-base]
specs:
  - id: A
    risk: low
  - id: B
    depends_on: [A]
    risk: medium
`

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer runs one handoff with B failing so the store holds a
// gated session before the API is queried.
func newTestServer(t *testing.T, secret string) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	manifest := filepath.Join(workspace, "handoff-manifest.yaml")
	if err := os.WriteFile(manifest, []byte(testManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	cfg := config.Default("proj-1")
	cfg.Gate.RequireOntologyValidation = false
	e := engine.New(conn, cfg, workspace, zaptest.NewLogger(t))
	e.NewID = func() string { return "session-1" }
	e.Runner = executor.RunnerFunc(func(_ context.Context, spec domain.Spec) (executor.Outcome, error) {
		if spec.ID == "B" {
			return executor.Outcome{Output: "boom"}, errors.New("exit status 1")
		}
		return executor.Outcome{Output: "ok"}, nil
	})
	if _, err := e.Run(context.Background(), e.DefaultRunOptions(manifest)); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: secret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestListAndGetSessions(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list SessionListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Total != 1 || len(list.Items) != 1 {
		t.Fatalf("expected one session, got %+v", list)
	}
	item := list.Items[0]
	if item.SessionID != "session-1" || item.Succeeded != 1 || item.Failed != 1 {
		t.Fatalf("unexpected summary %+v", item)
	}
	if item.GatePassed == nil || *item.GatePassed {
		t.Fatalf("expected a failed gate on the summary, got %+v", item.GatePassed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/latest", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get latest status %d: %s", res.StatusCode, string(data))
	}
	var rep domain.RunReport
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if rep.SessionID != "session-1" || len(rep.Specs) != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if apiErr.Error.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", apiErr.Error.Code)
	}
}

func TestEvaluateGate(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()

	// Half the specs succeeded; a 50% floor passes the stored session.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/gate/evaluate", map[string]any{
		"session_id": "session-1",
		"policy":     map[string]any{"min_spec_success_rate": 50},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %s", res.StatusCode, string(data))
	}
	var g domain.GateReport
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("unmarshal gate: %v", err)
	}
	if !g.Passed || g.SuccessRate != 50 {
		t.Fatalf("expected passing gate at 50%%, got %+v", g)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gate/evaluate", map[string]any{
		"specs": []map[string]any{
			{"spec_id": "x", "tier": 0, "status": "success", "risk": "high", "attempts": 1, "duration_ms": 10},
			{"spec_id": "y", "tier": 0, "status": "success", "risk": "low", "attempts": 1, "duration_ms": 10},
		},
		"policy": map[string]any{"max_risk_level": "medium"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate raw status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &g); err != nil {
		t.Fatalf("unmarshal gate: %v", err)
	}
	if g.Passed || g.RiskLevel != domain.RiskHigh {
		t.Fatalf("expected risk violation, got %+v", g)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gate/evaluate", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty request, got %d: %s", res.StatusCode, string(data))
	}
}

func TestGateIndexAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/gate-index?window=5", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gate index status %d: %s", res.StatusCode, string(data))
	}
	var idx GateIndexResponse
	if err := json.Unmarshal(data, &idx); err != nil {
		t.Fatalf("unmarshal index: %v", err)
	}
	if idx.Sessions != 1 || idx.Failed != 1 {
		t.Fatalf("unexpected index %+v", idx)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?session_id=session-1&entity_kind=spec&limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one event and a cursor, got %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?session_id=session-1&entity_kind=spec&limit=1&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(next.Items) != 1 || next.Items[0].ID >= page.Items[0].ID {
		t.Fatalf("expected an older event on page 2, got %+v", next)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "kse_handoff_runs_total") {
		t.Fatalf("expected run counter in metrics output:\n%s", string(data))
	}
}

func TestJWTRequiredWhenSecretSet(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, secret)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ci-bot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", res.StatusCode, string(data))
	}

	evaluate := map[string]any{"session_id": "session-1"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gate/evaluate", evaluate, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without gate scope, got %d: %s", res.StatusCode, string(data))
	}
	scoped, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ci-bot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: []string{ScopeGateEvaluate},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/gate/evaluate", evaluate, map[string]string{"Authorization": "Bearer " + scoped})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with gate scope, got %d: %s", res.StatusCode, string(data))
	}
}
