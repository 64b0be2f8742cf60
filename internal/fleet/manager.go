package fleet

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetworks/fleetcore/internal/events"
	"github.com/fleetworks/fleetcore/internal/graph"
	"github.com/fleetworks/fleetcore/internal/search"
	"github.com/fleetworks/fleetcore/internal/traffic"
)

// ErrAgentNotFound reports an unknown agent id.
var ErrAgentNotFound = fmt.Errorf("agent not found")

// Manager owns the fleet: it spawns and despawns agents, assigns goals,
// drives the shared simulation clock, and produces telemetry snapshots.
type Manager struct {
	graph   *graph.Graph
	store   *traffic.Store
	planner *search.Planner
	sched   *Scheduler
	params  Params

	start time.Time

	mu     sync.Mutex
	agents map[string]*Agent

	tickInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewManager creates a manager over a loaded graph. Zero fields of params
// fall back to DefaultParams values.
func NewManager(g *graph.Graph, store *traffic.Store, params Params, tickInterval time.Duration) *Manager {
	def := DefaultParams()
	if params.RouteRetryInterval <= 0 {
		params.RouteRetryInterval = def.RouteRetryInterval
	}
	if params.WaitPollInterval <= 0 {
		params.WaitPollInterval = def.WaitPollInterval
	}
	if params.ChargeInterval <= 0 {
		params.ChargeInterval = def.ChargeInterval
	}
	if params.MaxWaitAttempts <= 0 {
		params.MaxWaitAttempts = def.MaxWaitAttempts
	}
	if params.LowBatteryThreshold <= 0 {
		params.LowBatteryThreshold = def.LowBatteryThreshold
	}
	if params.BatteryDrainRate <= 0 {
		params.BatteryDrainRate = def.BatteryDrainRate
	}
	if params.ChargeRate <= 0 {
		params.ChargeRate = def.ChargeRate
	}
	if tickInterval <= 0 {
		tickInterval = time.Second
	}

	return &Manager{
		graph:        g,
		store:        store,
		planner:      search.NewPlanner(g, store),
		sched:        NewScheduler(),
		params:       params,
		start:        time.Now(),
		agents:       make(map[string]*Agent),
		tickInterval: tickInterval,
		stopCh:       make(chan struct{}),
	}
}

// Clock returns seconds elapsed since the manager was created. This is the
// fleet's logical time base; it is monotonically non-decreasing.
func (m *Manager) Clock() float64 {
	return time.Since(m.start).Seconds()
}

// Graph returns the navigation graph the fleet runs on.
func (m *Manager) Graph() *graph.Graph { return m.graph }

// Store returns the shared reservation store.
func (m *Manager) Store() *traffic.Store { return m.store }

// Start runs the clock loop: once per tick the store time advances and
// expired reservations are pruned. Blocks until Stop; most callers run it
// in a goroutine.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.store.AdvanceClock(m.Clock)
			}
		}
	}()
}

// Stop tears down the clock loop and cancels all agent work.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.sched.Close()
}

// Spawn creates an agent at a vertex with the given speed multiplier and
// initial battery level.
func (m *Manager) Spawn(vertexID string, speed, battery float64) (*Agent, error) {
	if !m.graph.HasVertex(vertexID) {
		return nil, fmt.Errorf("spawn vertex %s: %w", vertexID, graph.ErrNotFound)
	}
	if speed <= 0 {
		return nil, fmt.Errorf("spawn speed must be positive, got %f", speed)
	}

	id := uuid.NewString()
	a := newAgent(id, vertexID, speed, battery, m.graph, m.store, m.planner, m.sched, m.Clock, m.params)

	m.mu.Lock()
	m.agents[id] = a
	m.mu.Unlock()

	_, _ = events.Emit("info", "agent.spawned", "", map[string]interface{}{
		"agent_id": id,
		"vertex":   vertexID,
		"speed":    speed,
		"battery":  a.Battery(),
	})
	return a, nil
}

// Despawn removes an agent. All of its scheduled work is cancelled and its
// reservations and wait-queue entries are released.
func (m *Manager) Despawn(agentID string) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("despawn %s: %w", agentID, ErrAgentNotFound)
	}

	a.despawn()
	_, _ = events.Emit("info", "agent.despawned", "", map[string]interface{}{
		"agent_id": agentID,
	})
	return nil
}

// AssignGoal directs an agent toward a goal vertex.
func (m *Manager) AssignGoal(agentID, vertexID string) error {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("assign %s: %w", agentID, ErrAgentNotFound)
	}
	return a.AssignGoal(vertexID)
}

// Agent returns the agent with the given id.
func (m *Manager) Agent(agentID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return a, nil
}

// Snapshot returns a telemetry snapshot of every agent, ordered by id.
func (m *Manager) Snapshot() []AgentStatus {
	m.mu.Lock()
	list := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		list = append(list, a)
	}
	m.mu.Unlock()

	out := make([]AgentStatus, 0, len(list))
	for _, a := range list {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByState returns the number of agents in each motion state.
func (m *Manager) CountByState() map[State]int {
	counts := make(map[State]int)
	for _, st := range m.Snapshot() {
		counts[st.State]++
	}
	return counts
}
