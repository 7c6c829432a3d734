// automationd runs the Gray Logic automation execution engine.
//
// It loads automation definitions, accepts signals over the HTTP API, runs
// the matching automations step by step and records every run. Run
// lifecycle events are relayed to WebSocket clients and, when configured,
// to MQTT and InfluxDB.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-automation/internal/actions"
	"github.com/nerrad567/gray-logic-automation/internal/api"
	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/events"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the service together and blocks until ctx is cancelled.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Startup wiring is linear but long
	log := logging.Default()
	log.Info("starting automationd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Run store
	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing run store", "driver", cfg.Database.Driver)
		st.close()
	}()

	checks := map[string]api.HealthChecker{}
	if st.health != nil {
		checks["database"] = st.health
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
			"events_prefix", mqttClient.Topics().Prefix(),
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Actions
	actionRegistry := automation.NewActionRegistry()
	builtinDeps := actions.Deps{
		Logger:  log.Component("actions"),
		Webhook: cfg.Actions.Webhook,
	}
	if mqttClient != nil {
		builtinDeps.MQTT = mqttClient
	}
	if influxClient != nil {
		builtinDeps.Metrics = influxClient
	}
	registered, err := actions.RegisterBuiltins(actionRegistry, builtinDeps)
	if err != nil {
		return fmt.Errorf("registering actions: %w", err)
	}
	log.Info("actions registered", "actions", registered)

	// Definitions
	registry := automation.NewRegistry(st.store, actionRegistry)
	registry.SetLogger(log.Component("definitions"))
	if err := registry.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading definitions: %w", err)
	}
	if cfg.Engine.DefinitionsFile != "" {
		if err := seedDefinitions(ctx, registry, cfg.Engine.DefinitionsFile, log); err != nil {
			return err
		}
	}
	log.Info("definition registry initialised", "definitions", registry.DefinitionCount())

	// Observers
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	engineOpts := []automation.Option{
		automation.WithLogger(log.Component("engine")),
		automation.WithStepTimeout(cfg.Engine.StepTimeout),
		automation.WithRunTimeout(cfg.Engine.RunTimeout),
		automation.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		automation.WithObserver(hub),
	}
	if influxClient != nil {
		engineOpts = append(engineOpts, automation.WithObserver(events.NewMetricsObserver(influxClient, cfg.Site.ID)))
	}
	if mqttClient != nil {
		mqttObserver := events.NewMQTTObserver(mqttClient, mqttClient.Topics(), log.Component("events"))
		defer func() {
			log.Info("draining MQTT event queue")
			mqttObserver.Close()
		}()
		engineOpts = append(engineOpts, automation.WithObserver(mqttObserver))
	}

	engine := automation.NewEngine(
		automation.StaticGate(cfg.Features.AutomationEngine),
		automation.StoresFrom(st.store, registry),
		actionRegistry,
		engineOpts...,
	)
	log.Info("automation engine ready",
		"enabled", engine.Enabled(),
		"step_timeout", cfg.Engine.StepTimeout,
		"run_timeout", cfg.Engine.RunTimeout,
		"max_concurrency", cfg.Engine.MaxConcurrency,
	)

	// API
	apiDeps := api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log,
		Engine:      engine,
		Definitions: registry,
		Runs:        st.store,
		Actions:     actionRegistry,
		Hub:         hub,
		Checks:      checks,
		Version:     version,
	}
	if mqttClient != nil {
		apiDeps.MQTT = mqttClient
	}
	if st.stats != nil {
		apiDeps.DB = st.stats
	}
	server, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// seedDefinitions upserts the definitions file into the store.
func seedDefinitions(ctx context.Context, registry *automation.Registry, path string, log *logging.Logger) error {
	defs, err := automation.LoadDefinitionsFile(path)
	if err != nil {
		return fmt.Errorf("loading definitions file: %w", err)
	}
	result, err := automation.SeedDefinitions(ctx, registry, defs)
	if err != nil {
		return fmt.Errorf("seeding definitions from %s: %w", path, err)
	}
	log.Info("definitions seeded",
		"path", path,
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
	)
	return nil
}

// healthCheck verifies every configured dependency once at startup.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
