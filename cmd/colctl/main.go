// Command colctl boots a standalone Cognitive Operating Layer process: the
// governance orchestrator plus the agent coordination fabric (registry,
// sessions, router, mesh), wired from environment variables and an optional
// YAML manifest.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/itsneelabh/col/checkpoint"
	"github.com/itsneelabh/col/coordinator"
	"github.com/itsneelabh/col/core"
	"github.com/itsneelabh/col/economy"
	"github.com/itsneelabh/col/orchestrator"
	"github.com/itsneelabh/col/telemetry"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to a YAML deployment manifest (groups, subscriptions)")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP collector endpoint; telemetry stays no-op when empty")
	flag.Parse()

	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("colctl: config: %v", err)
	}
	logger := cfg.Logger()

	var tel core.Telemetry = &core.NoOpTelemetry{}
	if *otlpEndpoint != "" {
		provider, err := telemetry.NewOTelProvider(cfg.ServiceName, *otlpEndpoint)
		if err != nil {
			logger.Error("telemetry init failed, continuing without it", map[string]interface{}{"error": err.Error()})
		} else {
			tel = provider
			defer provider.Shutdown(context.Background())
		}
	}

	cpDir := filepath.Join(cfg.StateDir, "checkpoints")
	if err := os.MkdirAll(cpDir, 0o755); err != nil {
		log.Fatalf("colctl: checkpoint dir: %v", err)
	}
	policy := checkpoint.Policy{
		Enabled:              true,
		MaxCheckpoints:       cfg.Checkpoint.MaxCheckpoints,
		MaxAge:               cfg.Checkpoint.MaxAge,
		CompressAfter:        cfg.Checkpoint.CompressAfter,
		AutoInterval:         cfg.Checkpoint.AutoInterval,
		CheckpointOnError:    cfg.Checkpoint.CheckpointOnErr,
		CheckpointOnHighRisk: cfg.Checkpoint.CheckpointOnRisk,
		KeepMinimum:          cfg.Checkpoint.KeepMinimum,
	}
	cpManager, err := checkpoint.New(cpDir, policy, logger)
	if err != nil {
		log.Fatalf("colctl: checkpoint manager: %v", err)
	}

	econ := economy.New(cfg.DailySupply)

	orch := orchestrator.NewOrchestrator(
		orchestrator.WithLogger(logger),
		orchestrator.WithTelemetry(tel),
		orchestrator.WithEconomy(econ),
		orchestrator.WithCheckpointManager(cpManager),
	)
	orch.StartGovernanceLoop(func() float64 { return 0 }, func() float64 { return 0 })
	defer orch.Shutdown()

	coordConfig := coordinator.DefaultConfig()
	coordConfig.HeartbeatTimeout = cfg.HeartbeatTimeout
	coordConfig.StaleAgentTimeout = cfg.StaleAgentTimeout
	coord := coordinator.New(coordConfig, logger)
	coord.Start()
	defer coord.Shutdown(10 * time.Second)

	if *manifestPath != "" {
		manifest, err := LoadManifest(*manifestPath)
		if err != nil {
			log.Fatalf("colctl: %v", err)
		}
		applyManifest(coord, manifest)
	}

	echo := func(ctx *orchestrator.OperationContext, args ...interface{}) (interface{}, error) {
		return args, nil
	}
	result := orch.Submit("startup_probe", orchestrator.GovernanceOptions{Priority: 5, RiskThreshold: cfg.RiskThreshold}, echo, "ping")
	logger.Info("startup probe completed", map[string]interface{}{
		"success":         result.Success,
		"tokens_consumed": result.TokensConsumed,
		"duration_ms":     result.DurationMS,
	})

	logger.Info("colctl started", map[string]interface{}{"service": cfg.ServiceName, "state_dir": cfg.StateDir})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("colctl shutting down", nil)
}

func applyManifest(coord *coordinator.Coordinator, manifest *Manifest) {
	for group, members := range manifest.Groups {
		for _, agentID := range members {
			coord.JoinGroup(group, agentID)
		}
	}
	for _, sub := range manifest.subscriptions() {
		coord.Subscribe(sub)
	}
}
