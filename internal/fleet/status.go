package fleet

// State is the motion state of an agent.
type State string

const (
	StateIdle           State = "idle"
	StateMoving         State = "moving"
	StateWaiting        State = "waiting"
	StateCharging       State = "charging"
	StateSeekingCharger State = "seeking_charger"
)

// AgentStatus is a point-in-time telemetry snapshot of one agent.
type AgentStatus struct {
	ID          string   `json:"id"`
	State       State    `json:"state"`
	Vertex      string   `json:"vertex"`
	Goal        string   `json:"goal,omitempty"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Speed       float64  `json:"speed"`
	Battery     float64  `json:"battery"`
	BatteryBand string   `json:"battery_band"`
	Route       []string `json:"route,omitempty"`
}

// batteryBand maps a battery level to the display band used by the
// visualization layer: green above 50, orange above 20, red at or below.
func batteryBand(level float64) string {
	switch {
	case level > 50:
		return "green"
	case level > 20:
		return "orange"
	default:
		return "red"
	}
}
