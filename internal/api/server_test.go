package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/seolan-project/seolan/internal/audit"
	"github.com/seolan-project/seolan/internal/char"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/events"
)

func newTestAPI(t *testing.T, store *audit.Store) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	dir := char.NewServer(cfg, nil, bus)
	return NewServer(cfg, dir, store)
}

func perform(t *testing.T, router http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()

	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("response did not decode: %v (body %q)", err, w.Body.String())
	}
}

func TestPing(t *testing.T) {
	router := newTestAPI(t, nil).buildRouter()

	w := perform(t, router, http.MethodGet, "/api/ping")
	if w.Code != http.StatusOK {
		t.Fatalf("ping status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status string `json:"status"`
		Role   string `json:"role"`
	}
	decode(t, w, &body)
	if body.Status != "ok" || body.Role != "char" {
		t.Fatalf("ping body = %+v, want ok/char", body)
	}
}

func TestStatusReportsDirectory(t *testing.T) {
	router := newTestAPI(t, nil).buildRouter()

	w := perform(t, router, http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]interface{}
	decode(t, w, &body)

	if body["role"] != "char" {
		t.Fatalf("role = %v, want char", body["role"])
	}
	if body["login_link_up"] != false {
		t.Fatalf("login_link_up = %v, want false", body["login_link_up"])
	}
	if body["workers"] != float64(0) || body["online"] != float64(0) {
		t.Fatalf("counts = %v/%v, want 0/0", body["workers"], body["online"])
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Fatal("status is missing uptime_seconds")
	}
	if _, ok := body["host"]; !ok {
		t.Fatal("status is missing host info")
	}
}

func TestWorkersAndOnlineStartEmpty(t *testing.T) {
	router := newTestAPI(t, nil).buildRouter()

	for _, path := range []string{"/api/workers", "/api/online"} {
		w := perform(t, router, http.MethodGet, path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want %d", path, w.Code, http.StatusOK)
		}

		var body struct {
			Total int `json:"total"`
		}
		decode(t, w, &body)
		if body.Total != 0 {
			t.Fatalf("%s total = %d, want 0", path, body.Total)
		}
	}
}

func TestEventsWithoutAuditStore(t *testing.T) {
	router := newTestAPI(t, nil).buildRouter()

	w := perform(t, router, http.MethodGet, "/api/events")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("events status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestEventsTailsAuditLog(t *testing.T) {
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, typ := range []events.EventType{
		events.EventServerStarted,
		events.EventWorkerAttached,
		events.EventPlayerOnline,
	} {
		if err := store.Record(ctx, events.Event{Type: typ, Source: "char"}); err != nil {
			t.Fatalf("Record(%s): %v", typ, err)
		}
	}

	router := newTestAPI(t, store).buildRouter()

	w := perform(t, router, http.MethodGet, "/api/events?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("events status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Events []audit.Entry `json:"events"`
		Total  int           `json:"total"`
	}
	decode(t, w, &body)

	if body.Total != 2 || len(body.Events) != 2 {
		t.Fatalf("events returned %d/%d entries, want 2", body.Total, len(body.Events))
	}
	if body.Events[0].Type != string(events.EventPlayerOnline) {
		t.Fatalf("newest entry = %q, want %q", body.Events[0].Type, events.EventPlayerOnline)
	}
	if body.Events[1].Type != string(events.EventWorkerAttached) {
		t.Fatalf("second entry = %q, want %q", body.Events[1].Type, events.EventWorkerAttached)
	}
}

func TestEventsRejectsBadLimit(t *testing.T) {
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	router := newTestAPI(t, store).buildRouter()

	for _, limit := range []string{"abc", "0", "-3"} {
		w := perform(t, router, http.MethodGet, "/api/events?limit="+limit)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("limit %q status = %d, want %d", limit, w.Code, http.StatusBadRequest)
		}
	}
}

func TestKickUnknownCharacter(t *testing.T) {
	router := newTestAPI(t, nil).buildRouter()

	w := perform(t, router, http.MethodPost, "/api/control/kick/99")
	if w.Code != http.StatusNotFound {
		t.Fatalf("kick status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	if body.Error == "" {
		t.Fatal("kick refusal carried no error")
	}
}

func TestKickRejectsBadID(t *testing.T) {
	router := newTestAPI(t, nil).buildRouter()

	w := perform(t, router, http.MethodPost, "/api/control/kick/abc")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("kick status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestUnknownRouteAnswersJSON(t *testing.T) {
	router := newTestAPI(t, nil).buildRouter()

	w := perform(t, router, http.MethodGet, "/api/nope")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	if body.Error == "" {
		t.Fatal("404 carried no error body")
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	router := newTestAPI(t, nil).buildRouter()

	w := perform(t, router, http.MethodGet, "/api/ping")
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("Server"); got != "seolan" {
		t.Fatalf("Server header = %q, want seolan", got)
	}
}

func TestRateLimiterCutsOff(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewRateLimiter(1).Middleware())
	router.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })

	var limited bool
	for i := 0; i < 10; i++ {
		w := perform(t, router, http.MethodGet, "/probe")
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("rate limiter never engaged at 1 rps")
	}
}
