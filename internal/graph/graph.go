package graph

import (
	"fmt"
	"math"
	"strings"
)

// Vertex is a navigable waypoint. Vertices are created at load time and
// never mutated afterwards.
type Vertex struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Name      string  `json:"name,omitempty"`
	IsCharger bool    `json:"is_charger"`
}

// Lane is a directed connection between two vertices. Traversal cost is the
// Euclidean distance between the endpoints; SpeedLimit caps the effective
// speed of any agent traversing the lane when positive.
type Lane struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	SpeedLimit float64 `json:"speed_limit"`
	Length     float64 `json:"length"`
}

// Neighbor is one outgoing hop from a vertex.
type Neighbor struct {
	To         string
	Cost       float64
	SpeedLimit float64
}

// Graph is the immutable navigation graph for one level.
type Graph struct {
	LevelName string

	vertices map[string]*Vertex
	order    []string // vertex ids in document order
	lanes    []Lane
	adjacent map[string][]Neighbor
}

// ErrNotFound reports an unknown vertex id.
var ErrNotFound = fmt.Errorf("vertex not found")

// Vertex returns the vertex with the given id.
func (g *Graph) Vertex(id string) (*Vertex, error) {
	v, ok := g.vertices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v, nil
}

// HasVertex reports whether the id names a vertex in the graph.
func (g *Graph) HasVertex(id string) bool {
	_, ok := g.vertices[id]
	return ok
}

// VertexIDs returns all vertex ids in document order.
func (g *Graph) VertexIDs() []string {
	return append([]string{}, g.order...)
}

// Vertices returns all vertices in document order.
func (g *Graph) Vertices() []*Vertex {
	out := make([]*Vertex, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.vertices[id])
	}
	return out
}

// Lanes returns every directed lane in the graph.
func (g *Graph) Lanes() []Lane {
	return append([]Lane{}, g.lanes...)
}

// Distance returns the Euclidean distance between two vertices.
func (g *Graph) Distance(from, to string) (float64, error) {
	a, err := g.Vertex(from)
	if err != nil {
		return 0, err
	}
	b, err := g.Vertex(to)
	if err != nil {
		return 0, err
	}
	return math.Hypot(a.X-b.X, a.Y-b.Y), nil
}

// Heuristic returns the straight-line distance from node to goal. It is
// admissible: a lane's cost equals the straight-line distance between its
// endpoints, so no multi-hop path can be shorter than this estimate.
func (g *Graph) Heuristic(node, goal string) (float64, error) {
	return g.Distance(node, goal)
}

// Neighbors returns the outgoing hops from a vertex. The slice is empty for
// a vertex with no outgoing lanes.
func (g *Graph) Neighbors(id string) []Neighbor {
	return g.adjacent[id]
}

// SpawnPoints returns the ids of vertices whose name starts with prefix.
// When no vertex matches, every vertex is an eligible spawn point.
func (g *Graph) SpawnPoints(prefix string) []string {
	var out []string
	for _, id := range g.order {
		if prefix != "" && strings.HasPrefix(g.vertices[id].Name, prefix) {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return g.VertexIDs()
	}
	return out
}

// ClosestCharger returns the charger vertex nearest to from by straight-line
// distance. The second return value is false when the graph has no charger.
func (g *Graph) ClosestCharger(from string) (string, bool) {
	origin, ok := g.vertices[from]
	if !ok {
		return "", false
	}

	best := ""
	bestDist := math.Inf(1)
	for _, id := range g.order {
		v := g.vertices[id]
		if !v.IsCharger {
			continue
		}
		d := math.Hypot(origin.X-v.X, origin.Y-v.Y)
		if d < bestDist {
			best = id
			bestDist = d
		}
	}
	return best, best != ""
}
