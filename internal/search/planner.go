package search

import (
	"container/heap"
	"fmt"

	"github.com/fleetworks/fleetcore/internal/graph"
	"github.com/fleetworks/fleetcore/internal/traffic"
)

// ErrRouteInfeasible reports that no feasible route currently exists. It is
// a soft failure: callers retry or requeue rather than abort.
var ErrRouteInfeasible = fmt.Errorf("no feasible route")

// Route is an ordered vertex sequence with its total distance cost and the
// projected arrival time at each vertex. Arrivals[0] is the departure time.
type Route struct {
	Path     []string  `json:"path"`
	Cost     float64   `json:"cost"`
	Arrivals []float64 `json:"arrivals"`
}

// Empty reports whether the route has no hops.
func (r Route) Empty() bool { return len(r.Path) < 2 }

// Planner runs time-aware A* over a navigation graph, pruning expansions
// the reservation store would deny. Search is read-only against the store;
// claims are written only when the chosen route is committed.
type Planner struct {
	graph *graph.Graph
	store *traffic.Store
}

// NewPlanner creates a planner over the given graph and reservation store.
func NewPlanner(g *graph.Graph, store *traffic.Store) *Planner {
	return &Planner{graph: g, store: store}
}

// EffectiveSpeed caps an agent's speed by a lane's speed limit. A
// non-positive limit means the lane is unrestricted.
func EffectiveSpeed(agentSpeed, laneLimit float64) float64 {
	if laneLimit > 0 && laneLimit < agentSpeed {
		return laneLimit
	}
	return agentSpeed
}

// searchNode is one open-set entry.
type searchNode struct {
	vertex   string
	path     []string
	arrivals []float64
	g        float64 // distance cost so far
	f        float64 // g + heuristic
	seq      int     // insertion order, stable tie-break
}

type searchHeap []*searchNode

func (h searchHeap) Len() int { return len(h) }
func (h searchHeap) Less(i, j int) bool {
	if h[i].f != h[j].f {
		return h[i].f < h[j].f
	}
	return h[i].seq < h[j].seq
}
func (h searchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *searchHeap) Push(x any)   { *h = append(*h, x.(*searchNode)) }
func (h *searchHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// FindRoute searches for the minimum-cost route from start to goal that the
// reservation store admits for the given agent, departing at startTime.
// It returns ErrRouteInfeasible when the open set empties without reaching
// the goal; graph.ErrNotFound when start or goal is unknown.
func (p *Planner) FindRoute(agentID, start, goal string, startTime, speed float64) (Route, error) {
	if !p.graph.HasVertex(start) {
		return Route{}, fmt.Errorf("start %s: %w", start, graph.ErrNotFound)
	}
	if !p.graph.HasVertex(goal) {
		return Route{}, fmt.Errorf("goal %s: %w", goal, graph.ErrNotFound)
	}
	if speed <= 0 {
		return Route{}, fmt.Errorf("speed must be positive, got %f", speed)
	}

	h0, err := p.graph.Heuristic(start, goal)
	if err != nil {
		return Route{}, err
	}

	open := &searchHeap{}
	heap.Init(open)
	seq := 0
	heap.Push(open, &searchNode{
		vertex:   start,
		path:     []string{start},
		arrivals: []float64{startTime},
		g:        0,
		f:        h0,
		seq:      seq,
	})

	closed := make(map[string]bool)
	gScore := map[string]float64{start: 0}

	for open.Len() > 0 {
		node := heap.Pop(open).(*searchNode)

		if node.vertex == goal {
			return Route{Path: node.path, Cost: node.g, Arrivals: node.arrivals}, nil
		}
		if closed[node.vertex] {
			continue
		}
		closed[node.vertex] = true

		departure := node.arrivals[len(node.arrivals)-1]

		for _, nb := range p.graph.Neighbors(node.vertex) {
			if closed[nb.To] {
				continue
			}

			travel := nb.Cost / EffectiveSpeed(speed, nb.SpeedLimit)
			arrival := departure + travel
			laneID := traffic.LaneID(node.vertex, nb.To)

			if !p.store.CanReserve(laneID, agentID, departure, arrival) {
				continue
			}

			cost := node.g + nb.Cost
			if best, ok := gScore[nb.To]; ok && cost >= best {
				continue
			}
			gScore[nb.To] = cost

			h, err := p.graph.Heuristic(nb.To, goal)
			if err != nil {
				return Route{}, err
			}

			seq++
			next := &searchNode{
				vertex:   nb.To,
				path:     append(append([]string{}, node.path...), nb.To),
				arrivals: append(append([]float64{}, node.arrivals...), arrival),
				g:        cost,
				f:        cost + h,
				seq:      seq,
			}
			heap.Push(open, next)
		}
	}

	return Route{}, ErrRouteInfeasible
}

// CommitRoute claims every lane of the route for the agent, atomically.
// It returns false when the reservation state changed since the search and
// any lane of the route is no longer feasible; no claims are recorded in
// that case.
func (p *Planner) CommitRoute(agentID string, route Route) bool {
	if route.Empty() {
		return false
	}
	requests := make([]traffic.LaneRequest, 0, len(route.Path)-1)
	for i := 0; i+1 < len(route.Path); i++ {
		requests = append(requests, traffic.LaneRequest{
			LaneID: traffic.LaneID(route.Path[i], route.Path[i+1]),
			Start:  route.Arrivals[i],
			End:    route.Arrivals[i+1],
		})
	}
	return p.store.ReserveAll(agentID, requests)
}
