package api

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fleetworks/fleetcore/internal/events"
	"github.com/fleetworks/fleetcore/internal/fleet"
	"github.com/fleetworks/fleetcore/internal/version"
)

var metricsState = &MetricsState{}

// MetricsState holds runtime metrics for the /metrics endpoint.
type MetricsState struct {
	mu        sync.RWMutex
	startTime time.Time
	fleetName string

	mqttConnected     bool
	postgresConnected bool
}

// InitMetrics initializes the metrics system. Must be called at startup.
func InitMetrics() {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	metricsState.startTime = time.Now()
}

// SetFleetName sets the fleet name for metrics labels.
func SetFleetName(name string) {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	metricsState.fleetName = name
}

// SetMQTTConnected records broker connectivity for /metrics.
func SetMQTTConnected(connected bool) {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	metricsState.mqttConnected = connected
}

// SetPostgresConnected records audit-sink connectivity for /metrics.
func SetPostgresConnected(connected bool) {
	metricsState.mu.Lock()
	defer metricsState.mu.Unlock()
	metricsState.postgresConnected = connected
}

func boolVal(b bool) int {
	if b {
		return 1
	}
	return 0
}

// metricsHandler returns Prometheus-compatible metrics in text format.
func metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	metricsState.mu.RLock()
	startTime := metricsState.startTime
	fleetName := metricsState.fleetName
	mqttConnected := metricsState.mqttConnected
	postgresConnected := metricsState.postgresConnected
	metricsState.mu.RUnlock()

	uptime := time.Since(startTime).Seconds()
	eventsTotal := events.TotalCount()
	wsClients := events.SubscriberCount()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	writeMetric := func(name, mtype, help string, value interface{}, labels string) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		if labels != "" {
			fmt.Fprintf(w, "%s{%s} %v\n", name, labels, value)
		} else {
			fmt.Fprintf(w, "%s %v\n", name, value)
		}
	}

	labels := fmt.Sprintf(`fleet="%s",instance="%s",version="%s"`, fleetName, hostname, version.Version)

	writeMetric("fleet_uptime_seconds", "gauge",
		"Number of seconds since fleetd started", uptime, labels)

	writeMetric("fleet_events_total", "counter",
		"Total number of events emitted since startup", eventsTotal, labels)

	writeMetric("fleet_ws_clients", "gauge",
		"Number of active WebSocket client connections", wsClients, labels)

	writeMetric("fleet_mqtt_connected", "gauge",
		"Whether the MQTT broker is connected (1) or not (0)", boolVal(mqttConnected), labels)

	writeMetric("fleet_postgres_connected", "gauge",
		"Whether the event audit database is connected (1) or not (0)", boolVal(postgresConnected), labels)

	if manager != nil {
		counts := manager.CountByState()
		fmt.Fprintf(w, "# HELP fleet_agents Number of agents by motion state\n")
		fmt.Fprintf(w, "# TYPE fleet_agents gauge\n")
		for _, state := range []fleet.State{
			fleet.StateIdle, fleet.StateMoving, fleet.StateWaiting,
			fleet.StateCharging, fleet.StateSeekingCharger,
		} {
			fmt.Fprintf(w, "fleet_agents{%s,state=\"%s\"} %d\n", labels, state, counts[state])
		}

		granted, denied := manager.Store().Counters()
		writeMetric("fleet_reservations_granted_total", "counter",
			"Total lane reservations granted since startup", granted, labels)
		writeMetric("fleet_reservations_denied_total", "counter",
			"Total lane reservations denied since startup", denied, labels)
	}
}
