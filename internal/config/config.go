package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FleetConfig is the fleet.yaml document.
type FleetConfig struct {
	Version int `yaml:"version"`
	Fleet   struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"fleet"`
	Network struct {
		APIPort         int    `yaml:"api_port"`
		MQTTEnabled     bool   `yaml:"mqtt_enabled"`
		MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
	} `yaml:"network"`
	Graph struct {
		Path        string `yaml:"path"`
		SpawnPrefix string `yaml:"spawn_prefix"`
	} `yaml:"graph"`
	Simulation struct {
		TickIntervalMS      int     `yaml:"tick_interval_ms"`
		TelemetryIntervalMS int     `yaml:"telemetry_interval_ms"`
		RouteRetryMS        int     `yaml:"route_retry_ms"`
		WaitPollMS          int     `yaml:"wait_poll_ms"`
		MaxRouteRetries     int     `yaml:"max_route_retries"`
		MaxWaitAttempts     int     `yaml:"max_wait_attempts"`
		LowBatteryThreshold float64 `yaml:"low_battery_threshold"`
		BatteryDrainRate    float64 `yaml:"battery_drain_rate"`
		ChargeRate          float64 `yaml:"charge_rate"`
		ChargeIntervalMS    int     `yaml:"charge_interval_ms"`
	} `yaml:"simulation"`
}

// APIPort returns the configured API port, defaulting to 8080 if not set.
func (c *FleetConfig) APIPort() int {
	if c.Network.APIPort == 0 {
		return 8080
	}
	return c.Network.APIPort
}

// MQTTTopicPrefix returns the topic prefix, defaulting to "fleet".
func (c *FleetConfig) MQTTTopicPrefix() string {
	if c.Network.MQTTTopicPrefix == "" {
		return "fleet"
	}
	return c.Network.MQTTTopicPrefix
}

// FleetID returns the fleet id, defaulting to "fleet-local".
func (c *FleetConfig) FleetID() string {
	if c.Fleet.ID == "" {
		return "fleet-local"
	}
	return c.Fleet.ID
}

// SpawnPrefix returns the spawn-point name prefix, defaulting to "m".
func (c *FleetConfig) SpawnPrefix() string {
	if c.Graph.SpawnPrefix == "" {
		return "m"
	}
	return c.Graph.SpawnPrefix
}

func msOrDefault(ms, def int) time.Duration {
	if ms <= 0 {
		return time.Duration(def) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// TickInterval returns the simulation clock tick interval (default 1s).
func (c *FleetConfig) TickInterval() time.Duration {
	return msOrDefault(c.Simulation.TickIntervalMS, 1000)
}

// TelemetryInterval returns the telemetry publish interval (default 1s).
func (c *FleetConfig) TelemetryInterval() time.Duration {
	return msOrDefault(c.Simulation.TelemetryIntervalMS, 1000)
}

// RouteRetryInterval returns the delay before retrying a failed route
// request (default 1s).
func (c *FleetConfig) RouteRetryInterval() time.Duration {
	return msOrDefault(c.Simulation.RouteRetryMS, 1000)
}

// WaitPollInterval returns the delay between lane reservation re-attempts
// while waiting (default 500ms).
func (c *FleetConfig) WaitPollInterval() time.Duration {
	return msOrDefault(c.Simulation.WaitPollMS, 500)
}

// ChargeInterval returns the delay between charge ticks (default 100ms).
func (c *FleetConfig) ChargeInterval() time.Duration {
	return msOrDefault(c.Simulation.ChargeIntervalMS, 100)
}

// MaxWaitAttempts returns the bound on lane-wait polls before the agent
// abandons the held route and replans (default 20).
func (c *FleetConfig) MaxWaitAttempts() int {
	if c.Simulation.MaxWaitAttempts <= 0 {
		return 20
	}
	return c.Simulation.MaxWaitAttempts
}

// LowBatteryThreshold returns the battery level below which an agent seeks
// a charger (default 20).
func (c *FleetConfig) LowBatteryThreshold() float64 {
	if c.Simulation.LowBatteryThreshold <= 0 {
		return 20
	}
	return c.Simulation.LowBatteryThreshold
}

// BatteryDrainRate returns battery units drained per distance unit
// travelled (default 0.1).
func (c *FleetConfig) BatteryDrainRate() float64 {
	if c.Simulation.BatteryDrainRate <= 0 {
		return 0.1
	}
	return c.Simulation.BatteryDrainRate
}

// ChargeRate returns battery units restored per charge tick (default 2).
func (c *FleetConfig) ChargeRate() float64 {
	if c.Simulation.ChargeRate <= 0 {
		return 2
	}
	return c.Simulation.ChargeRate
}

// Load reads and parses fleet.yaml.
func Load(path string) (*FleetConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg FleetConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported fleet.yaml version: %d", cfg.Version)
	}

	return &cfg, nil
}
