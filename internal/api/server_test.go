package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetworks/fleetcore/internal/fleet"
	"github.com/fleetworks/fleetcore/internal/graph"
	"github.com/fleetworks/fleetcore/internal/traffic"
)

const testGraph = `{"levels": {"test": {
	"vertices": [
		[0, 0, {"name": "m_a"}],
		[1, 0, {}],
		[1, 1, {"is_charger": true}]
	],
	"lanes": [
		[0, 1, {"speed_limit": 0}],
		[1, 2, {"speed_limit": 0}]
	]
}}}`

func setupManager(t *testing.T) *fleet.Manager {
	t.Helper()
	g, err := graph.Parse([]byte(testGraph))
	if err != nil {
		t.Fatalf("parse graph: %v", err)
	}
	m := fleet.NewManager(g, traffic.NewStore(), fleet.DefaultParams(), time.Second)
	SetManager(m)
	t.Cleanup(func() {
		SetManager(nil)
		m.Stop()
	})
	return m
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	healthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Service != "fleetd" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestGraphHandler(t *testing.T) {
	setupManager(t)

	req := httptest.NewRequest(http.MethodGet, "/graph", nil)
	w := httptest.NewRecorder()
	graphHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp GraphResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Level != "test" {
		t.Errorf("expected level test, got %s", resp.Level)
	}
	if len(resp.Vertices) != 3 || len(resp.Lanes) != 2 {
		t.Errorf("expected 3 vertices / 2 lanes, got %d / %d", len(resp.Vertices), len(resp.Lanes))
	}
}

func TestSpawnAndListAgents(t *testing.T) {
	setupManager(t)

	w := postJSON(t, spawnHandler, SpawnRequest{VertexID: "0", Speed: 1, Battery: 80})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ControlResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Agent == nil {
		t.Fatalf("expected spawned agent in response: %+v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	lw := httptest.NewRecorder()
	agentsHandler(lw, req)

	var agents []fleet.AgentStatus
	if err := json.NewDecoder(lw.Body).Decode(&agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	if agents[0].Vertex != "0" || agents[0].Battery != 80 {
		t.Errorf("unexpected agent snapshot: %+v", agents[0])
	}
}

func TestSpawnDefaultsToSpawnPoint(t *testing.T) {
	setupManager(t)
	SetSpawnPrefix("m_")
	t.Cleanup(func() { SetSpawnPrefix("") })

	w := postJSON(t, spawnHandler, SpawnRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ControlResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	agent, ok := resp.Agent.(map[string]any)
	if !ok {
		t.Fatalf("expected agent object in response: %+v", resp)
	}
	// Only vertex 0 is named with the m_ prefix.
	if agent["vertex"] != "0" {
		t.Errorf("expected spawn at vertex 0, got %v", agent["vertex"])
	}
	if agent["speed"] != 1.0 || agent["battery"] != 100.0 {
		t.Errorf("expected default speed/battery, got %+v", agent)
	}
}

func TestSpawnUnknownVertex(t *testing.T) {
	setupManager(t)

	w := postJSON(t, spawnHandler, SpawnRequest{VertexID: "99", Speed: 1, Battery: 100})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown vertex, got %d", w.Code)
	}
}

func TestSpawnRejectsGet(t *testing.T) {
	setupManager(t)

	req := httptest.NewRequest(http.MethodGet, "/agents/spawn", nil)
	w := httptest.NewRecorder()
	spawnHandler(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestAssignAndDespawnFlow(t *testing.T) {
	m := setupManager(t)

	a, err := m.Spawn("0", 50, 100)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	w := postJSON(t, assignHandler, AgentRequest{AgentID: a.ID, VertexID: "1"})
	if w.Code != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = postJSON(t, assignHandler, AgentRequest{AgentID: "nobody", VertexID: "1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("assign unknown agent: expected 404, got %d", w.Code)
	}

	w = postJSON(t, assignHandler, AgentRequest{AgentID: a.ID, VertexID: "77"})
	if w.Code != http.StatusNotFound {
		t.Errorf("assign unknown vertex: expected 404, got %d", w.Code)
	}

	w = postJSON(t, despawnHandler, AgentRequest{AgentID: a.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("despawn: expected 200, got %d", w.Code)
	}

	w = postJSON(t, despawnHandler, AgentRequest{AgentID: a.ID})
	if w.Code != http.StatusNotFound {
		t.Errorf("second despawn: expected 404, got %d", w.Code)
	}
}

func TestHandlersRejectInvalidJSON(t *testing.T) {
	setupManager(t)

	for name, handler := range map[string]http.HandlerFunc{
		"spawn":   spawnHandler,
		"despawn": despawnHandler,
		"assign":  assignHandler,
	} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{nope"))
		w := httptest.NewRecorder()
		handler(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400 for invalid JSON, got %d", name, w.Code)
		}
	}
}

func TestEventsHandlerDBSourceUnavailable(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?source=db", nil)
	w := httptest.NewRecorder()
	eventsHandler(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without audit database, got %d", w.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := setupManager(t)
	InitMetrics()
	SetFleetName("test-fleet")

	if _, err := m.Spawn("0", 1, 100); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	metricsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{
		"fleet_uptime_seconds",
		"fleet_events_total",
		`fleet_agents{fleet="test-fleet"`,
		"fleet_reservations_granted_total",
		"fleet_reservations_denied_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if !strings.Contains(body, `state="idle"`+"} 1") {
		t.Errorf("expected 1 idle agent in metrics:\n%s", body)
	}
}

func TestMetricsRejectsPost(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w := httptest.NewRecorder()
	metricsHandler(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}
