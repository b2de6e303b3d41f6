package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"arena-sync/internal/api"
	"arena-sync/internal/config"
	"arena-sync/internal/sim"
	"arena-sync/internal/telemetry"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("🎮 ================================")
	log.Println("🎮  ARENA SYNC - SERVER")
	log.Println("🎮  Snapshots + Visibility Culling")
	log.Println("🎮 ================================")

	appConfig := config.Load()
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	syncCfg := appConfig.Sync
	serverCfg := appConfig.Server

	log.Printf("🎮 Config: %d TPS, %d event / %d update snapshots, history %d",
		syncCfg.TickRate, syncCfg.MaxEventSnapshots, syncCfg.MaxUpdateSnapshots, syncCfg.HistorySize)
	log.Printf("👁️ Culling: threshold %.0f, hysteresis %.0f", syncCfg.CullingThreshold, syncCfg.CullingHysteresis)
	if syncCfg.StrictMode {
		log.Println("⚠️ Strict mode ENABLED: failed history lookups abort the tick")
	}

	engine := sim.NewEngine(sim.EngineConfig{
		Sync:       syncCfg,
		MaxClients: serverCfg.MaxClients,
	})
	log.Printf("🛡️ Resource limits: %d clients, %d inbound events queued",
		serverCfg.MaxClients, syncCfg.InboundQueueSize)

	// Start audit journal
	if err := engine.StartJournal(serverCfg.EventLogPath); err != nil {
		log.Printf("⚠️ Journal disabled: %v", err)
	} else if serverCfg.EventLogPath != "" {
		log.Printf("📝 Journal: %s", serverCfg.EventLogPath)
	}

	// Start debug server
	if serverCfg.DebugServer {
		if err := telemetry.StartDebugServer(telemetry.DefaultObservabilityConfig()); err != nil {
			log.Printf("⚠️ Debug server disabled: %v", err)
		}
	}

	server := api.NewServer(engine)

	engine.Start()
	log.Println("✅ Sync Engine started")

	go func() {
		addr := ":" + strconv.Itoa(serverCfg.Port)
		log.Printf("🌐 API server on http://localhost%s", addr)
		if err := server.Start(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	engine.Stop()
	engine.StopJournal()
	log.Println("👋 Goodbye!")
}
