package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// agent lifecycle
	"agent.spawned":   {},
	"agent.despawned": {},
	"agent.assigned":  {},
	"agent.arrived":   {},
	"agent.waiting":   {},
	"agent.resumed":   {},
	"agent.stranded":  {},

	// routing
	"route.planned":    {},
	"route.infeasible": {},
	"route.replanned":  {},
	"route.abandoned":  {},

	// lanes
	"lane.reserved": {},
	"lane.denied":   {},
	"lane.released": {},

	// battery
	"battery.low":      {},
	"battery.empty":    {},
	"charger.seeking":  {},
	"charge.started":   {},
	"charge.completed": {},

	// graph
	"graph.loaded": {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
