package fleet

import (
	"fmt"
	"sync"
	"time"

	"github.com/fleetworks/fleetcore/internal/events"
	"github.com/fleetworks/fleetcore/internal/graph"
	"github.com/fleetworks/fleetcore/internal/search"
	"github.com/fleetworks/fleetcore/internal/traffic"
)

// Params tunes the agent state machine. Zero values are replaced by
// DefaultParams values at manager construction.
type Params struct {
	RouteRetryInterval time.Duration
	WaitPollInterval   time.Duration
	ChargeInterval     time.Duration

	// MaxRouteRetries bounds retries of a failed route request.
	// Zero means retry indefinitely.
	MaxRouteRetries int

	// MaxWaitAttempts bounds lane-wait polls before the agent abandons
	// its held route and replans from its current vertex.
	MaxWaitAttempts int

	LowBatteryThreshold float64
	BatteryDrainRate    float64
	ChargeRate          float64
}

// DefaultParams returns the default tuning.
func DefaultParams() Params {
	return Params{
		RouteRetryInterval:  time.Second,
		WaitPollInterval:    500 * time.Millisecond,
		ChargeInterval:      100 * time.Millisecond,
		MaxRouteRetries:     0,
		MaxWaitAttempts:     20,
		LowBatteryThreshold: 20,
		BatteryDrainRate:    0.1,
		ChargeRate:          2,
	}
}

// Agent drives one robot through the graph: it requests routes, reserves
// lanes, advances position over time, and manages battery and charging.
// Every delayed step is a scheduler task owned by the agent id, so despawn
// and preemption cancel cleanly.
type Agent struct {
	ID string

	mu        sync.Mutex
	gen       int // bumped on preemption/despawn to invalidate callbacks
	despawned bool

	graph   *graph.Graph
	store   *traffic.Store
	planner *search.Planner
	sched   *Scheduler
	clock   func() float64
	params  Params

	state   State
	vertex  string
	speed   float64
	battery float64
	seeking bool // en route to a charger
	strand  bool // battery.empty already reported

	goal        string
	pendingGoal string
	route       search.Route
	hop         int // index into route.Path of the current vertex

	// In-flight traversal, for position interpolation and re-scheduling.
	traversing bool
	nextVertex string
	moveStart  float64
	moveDur    float64
	arriveAt   time.Time

	waitAttempts int
}

func newAgent(id, vertexID string, speed, battery float64,
	g *graph.Graph, store *traffic.Store, planner *search.Planner,
	sched *Scheduler, clock func() float64, params Params) *Agent {

	return &Agent{
		ID:      id,
		graph:   g,
		store:   store,
		planner: planner,
		sched:   sched,
		clock:   clock,
		params:  params,
		state:   StateIdle,
		vertex:  vertexID,
		speed:   speed,
		battery: clamp(battery, 0, 100),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// after schedules fn under the agent's id, capturing the current generation
// so callbacks outlived by a preemption or despawn become no-ops.
// Caller must hold a.mu.
func (a *Agent) after(d time.Duration, fn func()) {
	gen := a.gen
	a.sched.After(a.ID, d, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.despawned || a.gen != gen {
			return
		}
		a.store.AdvanceClock(a.clock)
		fn()
	})
}

func (a *Agent) emit(level, name string, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["agent_id"] = a.ID
	_, _ = events.Emit(level, name, "", fields)
}

// releaseLanes drops every reservation the agent holds (optionally keeping
// the lane protecting an in-flight hop) and reports the release when any
// claims were actually dropped. Caller must hold a.mu.
func (a *Agent) releaseLanes(keepLane string) {
	var n int
	if keepLane == "" {
		n = a.store.ReleaseHolder(a.ID)
	} else {
		n = a.store.ReleaseHolderExcept(a.ID, keepLane)
	}
	if n > 0 {
		a.emit("info", "lane.released", map[string]interface{}{"lanes": n})
	}
}

// movingState returns the state an agent in motion should report.
func (a *Agent) movingState() State {
	if a.seeking {
		return StateSeekingCharger
	}
	return StateMoving
}

// AssignGoal directs the agent to a goal vertex. A goal assigned while the
// agent is mid-lane takes effect at the next vertex; any other state is
// preempted immediately. Reservations for lanes the agent will no longer
// use are released.
func (a *Agent) AssignGoal(goal string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.despawned {
		return fmt.Errorf("agent %s: %w", a.ID, ErrAgentNotFound)
	}
	if !a.graph.HasVertex(goal) {
		return fmt.Errorf("goal %s: %w", goal, graph.ErrNotFound)
	}

	a.emit("info", "agent.assigned", map[string]interface{}{"goal": goal})

	a.gen++
	a.seeking = false

	if a.traversing {
		// Let the in-flight hop finish; replan on arrival.
		a.pendingGoal = goal
		a.goal = goal
		a.releaseLanes(traffic.LaneID(a.vertex, a.nextVertex))
		next := a.nextVertex
		remaining := time.Until(a.arriveAt)
		if remaining < 0 {
			remaining = 0
		}
		a.after(remaining, func() { a.arrive(next) })
		return nil
	}

	a.releaseLanes("")
	a.store.DequeueWait(a.vertex, a.ID)
	a.pendingGoal = ""
	a.goal = goal
	a.requestRoute(goal, 0)
	return nil
}

// requestRoute plans and commits a route to goal, entering Waiting with a
// scheduled retry when no feasible route exists. Caller must hold a.mu.
func (a *Agent) requestRoute(goal string, attempt int) {
	if a.vertex == goal {
		a.route = search.Route{Path: []string{goal}, Arrivals: []float64{a.clock()}}
		a.hop = 0
		a.routeDone()
		return
	}

	route, err := a.planner.FindRoute(a.ID, a.vertex, goal, a.store.Now(), a.speed)
	if err == nil && !a.planner.CommitRoute(a.ID, route) {
		// Reservation state changed between search and commit.
		err = search.ErrRouteInfeasible
	}
	if err != nil {
		a.emit("info", "route.infeasible", map[string]interface{}{
			"goal":    goal,
			"attempt": attempt + 1,
		})
		if a.params.MaxRouteRetries > 0 && attempt+1 >= a.params.MaxRouteRetries {
			a.emit("warn", "route.abandoned", map[string]interface{}{"goal": goal})
			a.state = StateIdle
			a.goal = ""
			a.seeking = false
			return
		}
		a.state = StateWaiting
		a.after(a.params.RouteRetryInterval, func() { a.requestRoute(goal, attempt+1) })
		return
	}

	a.route = route
	a.hop = 0
	a.goal = goal
	a.state = a.movingState()
	a.emit("info", "route.planned", map[string]interface{}{
		"goal": goal,
		"path": route.Path,
		"cost": route.Cost,
	})
	a.startHop()
}

// startHop begins the traversal of the next lane in the route.
// Caller must hold a.mu.
func (a *Agent) startHop() {
	if a.hop+1 >= len(a.route.Path) {
		a.routeDone()
		return
	}
	if a.halted() {
		return
	}

	next := a.route.Path[a.hop+1]
	nb, ok := a.neighbor(a.vertex, next)
	if !ok {
		a.emit("error", "system.error", map[string]interface{}{
			"error": fmt.Sprintf("route hop %s -> %s has no lane", a.vertex, next),
		})
		a.state = StateIdle
		return
	}

	now := a.store.Now()
	travel := nb.Cost / search.EffectiveSpeed(a.speed, nb.SpeedLimit)
	laneID := traffic.LaneID(a.vertex, next)

	if !a.store.Reserve(laneID, a.ID, now, now+travel) {
		a.emit("info", "lane.denied", map[string]interface{}{"lane": laneID})
		a.emit("info", "agent.waiting", map[string]interface{}{"vertex": a.vertex, "lane": laneID})
		a.state = StateWaiting
		a.store.EnqueueWait(a.vertex, a.ID, now)
		a.waitAttempts = 0
		a.after(a.params.WaitPollInterval, a.pollLane)
		return
	}

	a.beginTraversal(next, nb.Cost, travel, laneID)
}

// pollLane re-attempts the pending lane reservation while Waiting. After
// MaxWaitAttempts denials the agent abandons the held route and replans
// from its current vertex, which breaks mutual-block cycles.
func (a *Agent) pollLane() {
	if a.hop+1 >= len(a.route.Path) || a.halted() {
		return
	}

	next := a.route.Path[a.hop+1]
	nb, ok := a.neighbor(a.vertex, next)
	if !ok {
		a.state = StateIdle
		return
	}

	now := a.store.Now()
	travel := nb.Cost / search.EffectiveSpeed(a.speed, nb.SpeedLimit)
	laneID := traffic.LaneID(a.vertex, next)

	if a.store.Reserve(laneID, a.ID, now, now+travel) {
		a.store.DequeueWait(a.vertex, a.ID)
		a.emit("info", "agent.resumed", map[string]interface{}{"lane": laneID})
		a.state = a.movingState()
		a.beginTraversal(next, nb.Cost, travel, laneID)
		return
	}

	a.waitAttempts++
	if a.waitAttempts >= a.params.MaxWaitAttempts {
		a.store.DequeueWait(a.vertex, a.ID)
		a.gen++
		a.releaseLanes("")
		a.emit("info", "route.replanned", map[string]interface{}{
			"vertex": a.vertex,
			"goal":   a.goal,
		})
		a.requestRoute(a.goal, 0)
		return
	}
	a.after(a.params.WaitPollInterval, a.pollLane)
}

// beginTraversal drains battery for the lane and schedules the arrival.
// Caller must hold a.mu.
func (a *Agent) beginTraversal(next string, length, travel float64, laneID string) {
	a.battery = clamp(a.battery-length*a.params.BatteryDrainRate, 0, 100)
	a.emit("info", "lane.reserved", map[string]interface{}{
		"lane":    laneID,
		"battery": a.battery,
	})

	if a.battery < a.params.LowBatteryThreshold && !a.seeking {
		if charger, ok := a.graph.ClosestCharger(a.vertex); ok && charger != a.vertex {
			a.emit("warn", "battery.low", map[string]interface{}{"battery": a.battery})
			a.emit("info", "charger.seeking", map[string]interface{}{
				"charger":        charger,
				"abandoned_goal": a.goal,
			})
			a.seeking = true
			a.gen++
			a.releaseLanes("")
			a.state = StateSeekingCharger
			a.requestRoute(charger, 0)
			return
		}
		// No charger in the graph, or already at the nearest one:
		// keep going in the current motion state.
	}

	now := a.store.Now()
	dur := time.Duration(travel * float64(time.Second))
	a.traversing = true
	a.nextVertex = next
	a.moveStart = now
	a.moveDur = travel
	a.arriveAt = time.Now().Add(dur)
	a.state = a.movingState()
	a.after(dur, func() { a.arrive(next) })
}

// arrive completes a lane traversal. Caller must hold a.mu.
func (a *Agent) arrive(next string) {
	a.traversing = false
	a.vertex = next
	a.hop++

	if a.pendingGoal != "" {
		goal := a.pendingGoal
		a.pendingGoal = ""
		a.releaseLanes("")
		a.requestRoute(goal, 0)
		return
	}

	if a.hop+1 < len(a.route.Path) {
		a.startHop()
		return
	}
	a.routeDone()
}

// routeDone handles arrival at the final vertex of the active route.
// Caller must hold a.mu.
func (a *Agent) routeDone() {
	a.emit("info", "agent.arrived", map[string]interface{}{"vertex": a.vertex})
	a.goal = ""
	a.route = search.Route{}
	a.hop = 0
	a.seeking = false

	if v, err := a.graph.Vertex(a.vertex); err == nil && v.IsCharger && a.battery < 100 {
		a.state = StateCharging
		a.emit("info", "charge.started", map[string]interface{}{"battery": a.battery})
		a.after(a.params.ChargeInterval, a.chargeTick)
		return
	}
	a.state = StateIdle
}

// chargeTick restores battery by ChargeRate per tick until full.
func (a *Agent) chargeTick() {
	a.battery = clamp(a.battery+a.params.ChargeRate, 0, 100)
	if a.battery >= 100 {
		a.state = StateIdle
		a.strand = false
		a.emit("info", "charge.completed", nil)
		return
	}
	a.after(a.params.ChargeInterval, a.chargeTick)
}

// halted reports whether the agent is out of battery. A drained agent
// cannot reserve further lanes: it holds position in Waiting until
// despawned or recharged in place.
func (a *Agent) halted() bool {
	if a.battery > 0 {
		return false
	}
	if !a.strand {
		a.strand = true
		a.state = StateWaiting
		a.emit("warn", "battery.empty", map[string]interface{}{"vertex": a.vertex})
		a.emit("warn", "agent.stranded", map[string]interface{}{"vertex": a.vertex})
	}
	return true
}

func (a *Agent) neighbor(from, to string) (graph.Neighbor, bool) {
	for _, nb := range a.graph.Neighbors(from) {
		if nb.To == to {
			return nb, true
		}
	}
	return graph.Neighbor{}, false
}

// despawn cancels all pending work and releases every reservation and
// wait-queue entry held by the agent.
func (a *Agent) despawn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	a.sched.Cancel(a.ID)
	a.releaseLanes("")
	a.despawned = true
}

// Status returns a telemetry snapshot. Position interpolates along the
// current lane while the agent is mid-traversal.
func (a *Agent) Status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	status := AgentStatus{
		ID:          a.ID,
		State:       a.state,
		Vertex:      a.vertex,
		Goal:        a.goal,
		Speed:       a.speed,
		Battery:     a.battery,
		BatteryBand: batteryBand(a.battery),
	}
	if len(a.route.Path) > 1 {
		status.Route = append([]string{}, a.route.Path...)
	}

	v, err := a.graph.Vertex(a.vertex)
	if err != nil {
		return status
	}
	status.X, status.Y = v.X, v.Y

	if a.traversing && a.moveDur > 0 {
		if n, err := a.graph.Vertex(a.nextVertex); err == nil {
			frac := clamp((a.clock()-a.moveStart)/a.moveDur, 0, 1)
			status.X = v.X + (n.X-v.X)*frac
			status.Y = v.Y + (n.Y-v.Y)*frac
		}
	}
	return status
}

// State returns the agent's current motion state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Battery returns the agent's current battery level.
func (a *Agent) Battery() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.battery
}

// Vertex returns the agent's current (or most recently departed) vertex.
func (a *Agent) Vertex() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vertex
}
