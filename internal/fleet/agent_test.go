package fleet

import (
	"testing"
	"time"

	"github.com/fleetworks/fleetcore/internal/graph"
	"github.com/fleetworks/fleetcore/internal/traffic"
)

// squareGraph is a 4-vertex cycle, side length 1.
const squareGraph = `{"levels": {"square": {
	"vertices": [
		[0, 0, {"name": "m_home"}],
		[1, 0, {}],
		[1, 1, {}],
		[0, 1, {}]
	],
	"lanes": [
		[0, 1, {"speed_limit": 0}],
		[1, 2, {"speed_limit": 0}],
		[2, 3, {"speed_limit": 0}],
		[3, 0, {"speed_limit": 0}]
	]
}}}`

// chargerLine is a straight corridor ending in a charger.
const chargerLine = `{"levels": {"line": {
	"vertices": [
		[0, 0, {}],
		[1, 0, {}],
		[2, 0, {"name": "c1", "is_charger": true}]
	],
	"lanes": [
		[0, 1, {"speed_limit": 0}],
		[1, 2, {"speed_limit": 0}],
		[1, 0, {"speed_limit": 0}],
		[2, 1, {"speed_limit": 0}]
	]
}}}`

func testParams() Params {
	return Params{
		RouteRetryInterval:  30 * time.Millisecond,
		WaitPollInterval:    20 * time.Millisecond,
		ChargeInterval:      10 * time.Millisecond,
		MaxWaitAttempts:     5,
		LowBatteryThreshold: 20,
		BatteryDrainRate:    0.1,
		ChargeRate:          50,
	}
}

func newTestManager(t *testing.T, doc string) *Manager {
	t.Helper()
	g, err := graph.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse graph: %v", err)
	}
	m := NewManager(g, traffic.NewStore(), testParams(), 50*time.Millisecond)
	t.Cleanup(m.Stop)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawnValidation(t *testing.T) {
	m := newTestManager(t, squareGraph)

	if _, err := m.Spawn("99", 1, 100); err == nil {
		t.Errorf("expected error for unknown spawn vertex")
	}
	if _, err := m.Spawn("0", 0, 100); err == nil {
		t.Errorf("expected error for zero speed")
	}

	a, err := m.Spawn("0", 1, 150)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if a.Battery() != 100 {
		t.Errorf("expected battery clamped to 100, got %f", a.Battery())
	}
	if a.State() != StateIdle {
		t.Errorf("expected initial state idle, got %s", a.State())
	}
}

func TestAgentTravelsToGoal(t *testing.T) {
	m := newTestManager(t, squareGraph)

	a, err := m.Spawn("0", 20, 100)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.AssignGoal(a.ID, "2"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	waitFor(t, 3*time.Second, "arrival at 2", func() bool {
		return a.State() == StateIdle && a.Vertex() == "2"
	})

	// Two lanes of length 1 at drain 0.1 each.
	if got := a.Battery(); got < 99.7 || got > 99.9 {
		t.Errorf("expected battery 99.8, got %f", got)
	}
}

func TestAssignGoalUnknownVertex(t *testing.T) {
	m := newTestManager(t, squareGraph)

	a, _ := m.Spawn("0", 1, 100)
	if err := m.AssignGoal(a.ID, "42"); err == nil {
		t.Errorf("expected error for unknown goal")
	}
	if err := m.AssignGoal("nobody", "1"); err == nil {
		t.Errorf("expected error for unknown agent")
	}
}

func TestGoalPreemption(t *testing.T) {
	m := newTestManager(t, squareGraph)

	a, err := m.Spawn("0", 5, 100)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.AssignGoal(a.ID, "2"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// Preempt mid-route: the new goal wins.
	time.Sleep(50 * time.Millisecond)
	if err := m.AssignGoal(a.ID, "3"); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	waitFor(t, 5*time.Second, "arrival at 3", func() bool {
		return a.State() == StateIdle && a.Vertex() == "3"
	})
}

func TestContendedLaneRetry(t *testing.T) {
	m := newTestManager(t, squareGraph)

	// Another holder owns the only outgoing lane for a while; the agent
	// must wait and finish once the reservation expires.
	m.Store().Reserve("0-1", "blocker", 0, 0.4)

	a, err := m.Spawn("0", 20, 100)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.AssignGoal(a.ID, "1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if a.State() == StateIdle && a.Vertex() == "1" {
		t.Fatalf("agent cannot have arrived while lane is blocked")
	}

	waitFor(t, 5*time.Second, "arrival at 1 after blocker expires", func() bool {
		return a.State() == StateIdle && a.Vertex() == "1"
	})
}

func TestBatteryClampsAtZero(t *testing.T) {
	doc := `{"levels": {"strip": {
		"vertices": [[0, 0, {}], [10, 0, {}]],
		"lanes": [[0, 1, {"speed_limit": 0}], [1, 0, {"speed_limit": 0}]]
	}}}`
	g, err := graph.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	params := testParams()
	params.BatteryDrainRate = 1 // lane length 10 drains 10
	m := NewManager(g, traffic.NewStore(), params, 50*time.Millisecond)
	t.Cleanup(m.Stop)

	a, err := m.Spawn("0", 100, 5)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.AssignGoal(a.ID, "1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	waitFor(t, 3*time.Second, "arrival with drained battery", func() bool {
		return a.Vertex() == "1"
	})
	if got := a.Battery(); got != 0 {
		t.Errorf("expected battery clamped to 0, got %f", got)
	}

	// A drained agent cannot start another traversal.
	if err := m.AssignGoal(a.ID, "0"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	waitFor(t, 2*time.Second, "stranded state", func() bool {
		return a.State() == StateWaiting
	})
	if a.Vertex() != "1" {
		t.Errorf("stranded agent should hold position, got vertex %s", a.Vertex())
	}
}

func TestLowBatteryWithoutChargerKeepsMoving(t *testing.T) {
	m := newTestManager(t, squareGraph)

	a, err := m.Spawn("0", 20, 10) // already below threshold
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.AssignGoal(a.ID, "2"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// No charger exists: the trigger must not derail the route.
	waitFor(t, 3*time.Second, "arrival despite low battery", func() bool {
		return a.State() == StateIdle && a.Vertex() == "2"
	})
}

func TestLowBatterySeeksChargerAndCharges(t *testing.T) {
	g, err := graph.Parse([]byte(chargerLine))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	params := testParams()
	params.BatteryDrainRate = 5 // first hop drops 25 -> 20 -> below threshold next hop
	m := NewManager(g, traffic.NewStore(), params, 50*time.Millisecond)
	t.Cleanup(m.Stop)

	a, err := m.Spawn("0", 20, 22)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// Goal is back home, but battery runs low on the way; the agent
	// abandons the goal and heads for the charger at 2.
	if err := m.AssignGoal(a.ID, "1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	waitFor(t, 5*time.Second, "fully recharged at charger", func() bool {
		return a.Vertex() == "2" && a.State() == StateIdle && a.Battery() == 100
	})
}

func TestDespawnReleasesEverything(t *testing.T) {
	m := newTestManager(t, squareGraph)

	a, err := m.Spawn("0", 0.5, 100) // slow: hops take 2s
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.AssignGoal(a.ID, "2"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	waitFor(t, 2*time.Second, "route committed", func() bool {
		return len(m.Store().Reservations("0-1")) > 0
	})

	if err := m.Despawn(a.ID); err != nil {
		t.Fatalf("despawn: %v", err)
	}

	for _, lane := range []string{"0-1", "1-2"} {
		for _, r := range m.Store().Reservations(lane) {
			if r.Holder == a.ID {
				t.Errorf("despawn left reservation on %s", lane)
			}
		}
	}
	if err := m.Despawn(a.ID); err == nil {
		t.Errorf("second despawn should report unknown agent")
	}
	if err := m.AssignGoal(a.ID, "1"); err == nil {
		t.Errorf("assigning a despawned agent should fail")
	}
}

func TestSpawnIDsUnique(t *testing.T) {
	m := newTestManager(t, squareGraph)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		a, err := m.Spawn("0", 1, 100)
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		if _, dup := seen[a.ID]; dup {
			t.Fatalf("duplicate agent id %s", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
}

func TestSnapshotOrdering(t *testing.T) {
	m := newTestManager(t, squareGraph)

	if _, err := m.Spawn("0", 1, 100); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := m.Spawn("1", 1, 60); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 agents in snapshot, got %d", len(snap))
	}
	if snap[0].ID > snap[1].ID {
		t.Errorf("snapshot not ordered by id")
	}
	for _, st := range snap {
		if st.BatteryBand == "" {
			t.Errorf("expected battery band for agent %s", st.ID)
		}
	}

	counts := m.CountByState()
	if counts[StateIdle] != 2 {
		t.Errorf("expected 2 idle agents, got %d", counts[StateIdle])
	}
}

func TestBatteryBand(t *testing.T) {
	if got := batteryBand(80); got != "green" {
		t.Errorf("expected green, got %s", got)
	}
	if got := batteryBand(35); got != "orange" {
		t.Errorf("expected orange, got %s", got)
	}
	if got := batteryBand(5); got != "red" {
		t.Errorf("expected red, got %s", got)
	}
}
