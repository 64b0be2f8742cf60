package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fleetworks/fleetcore/internal/events"
	"github.com/fleetworks/fleetcore/internal/fleet"
	"github.com/fleetworks/fleetcore/internal/graph"
)

var manager *fleet.Manager

// SetManager sets the fleet manager used by the control endpoints.
func SetManager(m *fleet.Manager) {
	manager = m
}

var spawnPrefix string

// SetSpawnPrefix sets the vertex-name prefix used to pick a spawn point
// when a spawn request names no vertex.
func SetSpawnPrefix(prefix string) {
	spawnPrefix = prefix
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	resp := HealthResponse{
		Status:    "ok",
		Service:   "fleetd",
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// eventsHandler returns the in-memory event buffer, or the persisted audit
// log when ?source=db is given and a database is configured.
func eventsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Query().Get("source") == "db" {
		pg := events.GetPostgresClient()
		if pg == nil {
			writeError(w, http.StatusServiceUnavailable, "event audit database not configured")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows, err := pg.Query(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		_ = json.NewEncoder(w).Encode(rows)
		return
	}

	_ = json.NewEncoder(w).Encode(events.Snapshot())
}

type GraphResponse struct {
	Level    string          `json:"level"`
	Vertices []*graph.Vertex `json:"vertices"`
	Lanes    []graph.Lane    `json:"lanes"`
}

func graphHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if manager == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	g := manager.Graph()
	_ = json.NewEncoder(w).Encode(GraphResponse{
		Level:    g.LevelName,
		Vertices: g.Vertices(),
		Lanes:    g.Lanes(),
	})
}

func agentsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if manager == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	_ = json.NewEncoder(w).Encode(manager.Snapshot())
}

type SpawnRequest struct {
	VertexID string  `json:"vertex_id"`
	Speed    float64 `json:"speed"`
	Battery  float64 `json:"battery"`
}

type AgentRequest struct {
	AgentID  string `json:"agent_id"`
	VertexID string `json:"vertex_id,omitempty"`
}

type ControlResponse struct {
	OK    bool   `json:"ok"`
	Agent any    `json:"agent,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ControlResponse{OK: false, Error: msg})
}

// statusFor maps the core error taxonomy to HTTP statuses: unknown ids are
// 404, everything else a caller can fix is 400.
func statusFor(err error) int {
	if errors.Is(err, graph.ErrNotFound) || errors.Is(err, fleet.ErrAgentNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func spawnHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if manager == nil {
		writeError(w, http.StatusServiceUnavailable, "fleet not running")
		return
	}

	var req SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.VertexID == "" {
		// No vertex named: pick one of the configured spawn points.
		points := manager.Graph().SpawnPoints(spawnPrefix)
		if len(points) == 0 {
			writeError(w, http.StatusBadRequest, "graph has no spawn points")
			return
		}
		req.VertexID = points[rand.Intn(len(points))]
	}
	if req.Speed <= 0 {
		req.Speed = 1.0
	}
	if req.Battery <= 0 {
		req.Battery = 100
	}

	a, err := manager.Spawn(req.VertexID, req.Speed, req.Battery)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(ControlResponse{OK: true, Agent: a.Status()})
}

func despawnHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if manager == nil {
		writeError(w, http.StatusServiceUnavailable, "fleet not running")
		return
	}

	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id required")
		return
	}

	if err := manager.Despawn(req.AgentID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(ControlResponse{OK: true})
}

func assignHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if manager == nil {
		writeError(w, http.StatusServiceUnavailable, "fleet not running")
		return
	}

	var req AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AgentID == "" || req.VertexID == "" {
		writeError(w, http.StatusBadRequest, "agent_id and vertex_id required")
		return
	}

	if err := manager.AssignGoal(req.AgentID, req.VertexID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(ControlResponse{OK: true})
}

// NewMux builds the API routing table.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/graph", graphHandler)
	mux.HandleFunc("/agents", agentsHandler)
	mux.HandleFunc("/agents/spawn", spawnHandler)
	mux.HandleFunc("/agents/despawn", despawnHandler)
	mux.HandleFunc("/agents/assign", assignHandler)
	mux.HandleFunc("/events", eventsHandler)
	mux.HandleFunc("/metrics", metricsHandler)
	mux.HandleFunc("/ws/events", wsEventsHandler)
	mux.HandleFunc("/ws/telemetry", wsTelemetryHandler)
	return mux
}

// ListenAndServe starts the API server on the given port.
// It blocks until the server exits.
func ListenAndServe(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("API listening on %s\n", addr)
	return http.ListenAndServe(addr, NewMux())
}

// Start starts the API server in a goroutine.
// Errors are logged but do not stop the caller.
func Start(port int) {
	go func() {
		if err := ListenAndServe(port); err != nil {
			log.Printf("api server error: %v", err)
		}
	}()
}
