// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for sync, server and client settings.
//
// IMPORTANT: When changing values, only modify this file.
// All other parts of the codebase should reference these values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// =============================================================================
// SYNC CONFIGURATION
// =============================================================================

// SyncConfig holds the snapshot, culling and tick settings shared by the
// server engine and the headless client.
type SyncConfig struct {
	TickRate            int     // Server ticks per second
	MaxEventSnapshots   int     // Per-entity fire history capacity
	MaxUpdateSnapshots  int     // Per-entity movement history capacity
	HistorySize         int     // Per-entity position history capacity
	CullingThreshold    float32 // Distance at or beyond which a subject is hidden
	CullingHysteresis   float32 // Half-width of the dead band around the threshold (0 = off)
	StrictMode          bool    // Panic on history lookup failures instead of skipping
	BaseSpeed           float32 // Units per second for movement integration
	EventsPerSecond     float64 // Per-client ingest rate (0 = unlimited)
	EventBurst          int     // Per-client ingest burst
	InboundQueueSize    int     // Engine inbound queue capacity
	CleanUpOnDisconnect bool    // Despawn owned entities when a client leaves
	RelevancyGroups     int     // Players only see their own group (0 or 1 = one shared group)
}

// DefaultSync returns the default sync configuration.
func DefaultSync() SyncConfig {
	return SyncConfig{
		TickRate:            30,
		MaxEventSnapshots:   16,
		MaxUpdateSnapshots:  64,
		HistorySize:         64,
		CullingThreshold:    250,
		CullingHysteresis:   0,
		StrictMode:          false,
		BaseSpeed:           120,
		EventsPerSecond:     120,
		EventBurst:          30,
		InboundQueueSize:    4096,
		CleanUpOnDisconnect: true,
		RelevancyGroups:     2,
	}
}

// SyncFromEnv returns sync configuration with environment variable overrides.
func SyncFromEnv() SyncConfig {
	cfg := DefaultSync()

	if v := getEnvInt("TICK_RATE", 0); v > 0 {
		cfg.TickRate = v
	}
	// Capacities accept 0 so Validate can reject them explicitly.
	cfg.MaxEventSnapshots = getEnvInt("MAX_EVENT_SNAPSHOTS", cfg.MaxEventSnapshots)
	cfg.MaxUpdateSnapshots = getEnvInt("MAX_UPDATE_SNAPSHOTS", cfg.MaxUpdateSnapshots)
	cfg.HistorySize = getEnvInt("HISTORY_SIZE", cfg.HistorySize)

	if v := getEnvFloat("CULLING_THRESHOLD", -1); v > 0 {
		cfg.CullingThreshold = float32(v)
	}
	if v := getEnvFloat("CULLING_HYSTERESIS", -1); v >= 0 {
		cfg.CullingHysteresis = float32(v)
	}
	if os.Getenv("STRICT_MODE") == "true" {
		cfg.StrictMode = true
	}
	if v := getEnvFloat("BASE_SPEED", -1); v > 0 {
		cfg.BaseSpeed = float32(v)
	}
	if v := getEnvFloat("EVENTS_PER_SECOND", -1); v >= 0 {
		cfg.EventsPerSecond = v
	}
	if v := getEnvInt("EVENT_BURST", 0); v > 0 {
		cfg.EventBurst = v
	}
	if v := getEnvInt("INBOUND_QUEUE_SIZE", 0); v > 0 {
		cfg.InboundQueueSize = v
	}
	if os.Getenv("CLEAN_UP_ON_DISCONNECT") == "false" {
		cfg.CleanUpOnDisconnect = false
	}
	cfg.RelevancyGroups = getEnvInt("RELEVANCY_GROUPS", cfg.RelevancyGroups)

	return cfg
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int
	MaxClients   int
	EventLogPath string // Audit journal path ("" = in-memory only)
	DebugServer  bool
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:         3000,
		MaxClients:   100,
		EventLogPath: "",
		DebugServer:  true,
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if mc := getEnvInt("MAX_CLIENTS", 0); mc > 0 {
		cfg.MaxClients = mc
	}
	if path := os.Getenv("EVENT_LOG_PATH"); path != "" {
		cfg.EventLogPath = path
	}
	if os.Getenv("DISABLE_DEBUG_SERVER") == "true" {
		cfg.DebugServer = false
	}

	return cfg
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds headless client settings.
type ClientConfig struct {
	ServerURL string // ws:// endpoint of the server
	SendRate  int    // Movement samples per second
}

// DefaultClient returns the default client configuration.
func DefaultClient() ClientConfig {
	return ClientConfig{
		ServerURL: "ws://localhost:3000/ws",
		SendRate:  20,
	}
}

// ClientFromEnv returns client configuration with environment variable overrides.
func ClientFromEnv() ClientConfig {
	cfg := DefaultClient()

	if u := os.Getenv("SERVER_URL"); u != "" {
		cfg.ServerURL = u
	}
	if r := getEnvInt("SEND_RATE", 0); r > 0 {
		cfg.SendRate = r
	}

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Sync   SyncConfig
	Server ServerConfig
	Client ClientConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Sync:   SyncFromEnv(),
		Server: ServerFromEnv(),
		Client: ClientFromEnv(),
	}
}

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate rejects settings the engine cannot run with.
func (c AppConfig) Validate() error {
	s := c.Sync
	switch {
	case s.MaxEventSnapshots <= 0:
		return fmt.Errorf("%w: MAX_EVENT_SNAPSHOTS must be positive, got %d", ErrInvalidConfig, s.MaxEventSnapshots)
	case s.MaxUpdateSnapshots <= 0:
		return fmt.Errorf("%w: MAX_UPDATE_SNAPSHOTS must be positive, got %d", ErrInvalidConfig, s.MaxUpdateSnapshots)
	case s.HistorySize <= 0:
		return fmt.Errorf("%w: HISTORY_SIZE must be positive, got %d", ErrInvalidConfig, s.HistorySize)
	case s.TickRate <= 0:
		return fmt.Errorf("%w: TICK_RATE must be positive, got %d", ErrInvalidConfig, s.TickRate)
	case s.CullingHysteresis < 0:
		return fmt.Errorf("%w: CULLING_HYSTERESIS must not be negative, got %.2f", ErrInvalidConfig, s.CullingHysteresis)
	case s.CullingHysteresis >= s.CullingThreshold:
		return fmt.Errorf("%w: CULLING_HYSTERESIS %.2f must be below CULLING_THRESHOLD %.2f",
			ErrInvalidConfig, s.CullingHysteresis, s.CullingThreshold)
	case s.RelevancyGroups < 0:
		return fmt.Errorf("%w: RELEVANCY_GROUPS must not be negative, got %d", ErrInvalidConfig, s.RelevancyGroups)
	}
	if c.Server.MaxClients <= 0 {
		return fmt.Errorf("%w: MAX_CLIENTS must be positive, got %d", ErrInvalidConfig, c.Server.MaxClients)
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
