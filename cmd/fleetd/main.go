package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetworks/fleetcore/internal/api"
	"github.com/fleetworks/fleetcore/internal/config"
	"github.com/fleetworks/fleetcore/internal/events"
	"github.com/fleetworks/fleetcore/internal/fleet"
	"github.com/fleetworks/fleetcore/internal/graph"
	"github.com/fleetworks/fleetcore/internal/mqtt"
	"github.com/fleetworks/fleetcore/internal/storage/postgres"
	"github.com/fleetworks/fleetcore/internal/traffic"
)

func main() {
	configPath := flag.String("config", "fleet.yaml", "path to fleet.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load %s: %v", *configPath, err)
	}

	g, err := graph.Load(cfg.Graph.Path)
	if err != nil {
		log.Fatalf("failed to load graph: %v", err)
	}

	// Event audit sink is optional: run without persistence when the
	// database is unreachable.
	var pg *postgres.Client
	if client, err := postgres.New(cfg.FleetID()); err != nil {
		log.Printf("postgres unavailable, running without event audit: %v", err)
	} else {
		pg = client
		events.SetPostgresClient(pg)
	}

	hostname, _ := os.Hostname()
	_, _ = events.Emit("info", "system.startup", "fleetd starting", map[string]interface{}{
		"service":  "fleetd",
		"fleet_id": cfg.FleetID(),
		"hostname": hostname,
		"pid":      os.Getpid(),
	})
	_, _ = events.Emit("info", "graph.loaded", "", map[string]interface{}{
		"level":    g.LevelName,
		"vertices": len(g.VertexIDs()),
		"lanes":    len(g.Lanes()),
	})

	store := traffic.NewStore()
	params := fleet.Params{
		RouteRetryInterval:  cfg.RouteRetryInterval(),
		WaitPollInterval:    cfg.WaitPollInterval(),
		ChargeInterval:      cfg.ChargeInterval(),
		MaxRouteRetries:     cfg.Simulation.MaxRouteRetries,
		MaxWaitAttempts:     cfg.MaxWaitAttempts(),
		LowBatteryThreshold: cfg.LowBatteryThreshold(),
		BatteryDrainRate:    cfg.BatteryDrainRate(),
		ChargeRate:          cfg.ChargeRate(),
	}
	manager := fleet.NewManager(g, store, params, cfg.TickInterval())
	manager.Start()

	api.InitMetrics()
	api.SetFleetName(cfg.Fleet.Name)
	api.SetManager(manager)
	api.SetSpawnPrefix(cfg.SpawnPrefix())
	api.SetTelemetryInterval(cfg.TelemetryInterval())
	api.SetPostgresConnected(pg != nil)
	api.Start(cfg.APIPort())

	var broker *mqtt.Client
	var publisher *mqtt.Publisher
	if cfg.Network.MQTTEnabled {
		client := mqtt.NewClient("fleetd-" + cfg.FleetID())
		if err := client.Connect(); err != nil {
			log.Printf("mqtt connect failed, telemetry publishing disabled: %v", err)
		} else {
			broker = client
			api.SetMQTTConnected(true)
			publisher = mqtt.NewPublisher(client, manager, cfg.MQTTTopicPrefix(), cfg.FleetID(), cfg.TelemetryInterval())
			publisher.Start()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	_, _ = events.Emit("info", "system.shutdown", "fleetd stopping", map[string]interface{}{
		"signal": sig.String(),
	})

	if publisher != nil {
		publisher.Stop()
	}
	if broker != nil {
		broker.Disconnect()
	}
	manager.Stop()
	if pg != nil {
		pg.Close()
	}
}
