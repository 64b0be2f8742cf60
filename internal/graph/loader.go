package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
)

// ValidationError reports a malformed record in a level document. Load is
// all-or-nothing: the first validation failure aborts construction.
type ValidationError struct {
	Record string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid level document: %s: %s", e.Record, e.Reason)
}

// levelDocument is the on-disk shape: one or more named levels, each with a
// positional vertex list and a lane list referencing vertices by index.
type levelDocument struct {
	Levels map[string]levelData `json:"levels"`
}

type levelData struct {
	Vertices []json.RawMessage `json:"vertices"`
	Lanes    []json.RawMessage `json:"lanes"`
}

// Load reads and parses a level document from a file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read level file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Graph from a level document. The first level in the
// document is used. Positional vertex indices become string vertex ids.
func Parse(data []byte) (*Graph, error) {
	var doc levelDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse level JSON: %w", err)
	}

	if len(doc.Levels) == 0 {
		return nil, &ValidationError{Record: "levels", Reason: "document contains no levels"}
	}

	// Maps iterate in random order but a document carries one level in
	// practice; take whichever comes first.
	var name string
	var level levelData
	for n, l := range doc.Levels {
		name, level = n, l
		break
	}

	if level.Vertices == nil {
		return nil, &ValidationError{Record: name, Reason: "level has no vertices"}
	}
	if level.Lanes == nil {
		return nil, &ValidationError{Record: name, Reason: "level has no lanes"}
	}

	g := &Graph{
		LevelName: name,
		vertices:  make(map[string]*Vertex, len(level.Vertices)),
		adjacent:  make(map[string][]Neighbor),
	}

	for idx, raw := range level.Vertices {
		v, err := parseVertex(idx, raw)
		if err != nil {
			return nil, err
		}
		g.vertices[v.ID] = v
		g.order = append(g.order, v.ID)
	}

	for idx, raw := range level.Lanes {
		lane, err := parseLane(idx, raw, g)
		if err != nil {
			return nil, err
		}
		g.lanes = append(g.lanes, lane)
		g.adjacent[lane.From] = append(g.adjacent[lane.From], Neighbor{
			To:         lane.To,
			Cost:       lane.Length,
			SpeedLimit: lane.SpeedLimit,
		})
	}

	return g, nil
}

// vertexMeta is the third element of a vertex record.
type vertexMeta struct {
	Name      string `json:"name"`
	IsCharger bool   `json:"is_charger"`
}

func parseVertex(idx int, raw json.RawMessage) (*Vertex, error) {
	record := fmt.Sprintf("vertex %d", idx)

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 3 {
		return nil, &ValidationError{Record: record, Reason: "expected [x, y, meta]"}
	}

	var x, y float64
	if err := json.Unmarshal(parts[0], &x); err != nil {
		return nil, &ValidationError{Record: record, Reason: "x coordinate must be a number"}
	}
	if err := json.Unmarshal(parts[1], &y); err != nil {
		return nil, &ValidationError{Record: record, Reason: "y coordinate must be a number"}
	}

	var meta vertexMeta
	if err := json.Unmarshal(parts[2], &meta); err != nil {
		return nil, &ValidationError{Record: record, Reason: "meta must be an object"}
	}

	return &Vertex{
		ID:        strconv.Itoa(idx),
		X:         x,
		Y:         y,
		Name:      meta.Name,
		IsCharger: meta.IsCharger,
	}, nil
}

// laneMeta is the third element of a lane record.
type laneMeta struct {
	SpeedLimit *float64 `json:"speed_limit"`
}

func parseLane(idx int, raw json.RawMessage, g *Graph) (Lane, error) {
	record := fmt.Sprintf("lane %d", idx)

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 3 {
		return Lane{}, &ValidationError{Record: record, Reason: "expected [from, to, {speed_limit}]"}
	}

	var fromIdx, toIdx int
	if err := json.Unmarshal(parts[0], &fromIdx); err != nil {
		return Lane{}, &ValidationError{Record: record, Reason: "from vertex id must be an integer"}
	}
	if err := json.Unmarshal(parts[1], &toIdx); err != nil {
		return Lane{}, &ValidationError{Record: record, Reason: "to vertex id must be an integer"}
	}

	var meta laneMeta
	if err := json.Unmarshal(parts[2], &meta); err != nil {
		return Lane{}, &ValidationError{Record: record, Reason: "meta must be an object"}
	}
	if meta.SpeedLimit == nil {
		return Lane{}, &ValidationError{Record: record, Reason: "meta must contain speed_limit"}
	}

	from := strconv.Itoa(fromIdx)
	to := strconv.Itoa(toIdx)
	a, okA := g.vertices[from]
	b, okB := g.vertices[to]
	if !okA || !okB {
		return Lane{}, &ValidationError{Record: record, Reason: "lane references unknown vertex"}
	}

	return Lane{
		From:       from,
		To:         to,
		SpeedLimit: *meta.SpeedLimit,
		Length:     math.Hypot(a.X-b.X, a.Y-b.Y),
	}, nil
}
