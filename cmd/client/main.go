// =============================================================================
// ARENA SYNC - HEADLESS CLIENT
// =============================================================================
// Connects one session to the server, wanders around sending movement
// samples at SEND_RATE, fires now and then, and logs what it can see.
//
// USAGE:
//   1. Start the server first: go run ./cmd/server
//   2. Then start one or more clients: go run ./cmd/client
// =============================================================================
package main

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"arena-sync/internal/client"
	"arena-sync/internal/config"

	"github.com/joho/godotenv"
)

const (
	fireEvery  = 3 * time.Second
	statsEvery = 5 * time.Second
)

func main() {
	if err := godotenv.Load("../.env"); err != nil {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	}

	log.Println("================================")
	log.Println("  ARENA SYNC - HEADLESS CLIENT")
	log.Println("================================")

	appConfig := config.Load()
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	clientCfg := appConfig.Client
	log.Printf("🌐 Server: %s", clientCfg.ServerURL)
	log.Printf("📡 Send rate: %d samples/s", clientCfg.SendRate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(clientCfg, appConfig.Sync, client.Options{})

	go wander(ctx, c, clientCfg.SendRate)

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Client stopped: %v", err)
	}
	frames, reconnects := c.Stats()
	log.Printf("👋 Goodbye! (%d frames, %d reconnects)", frames, reconnects)
}

// wander drives a slowly turning heading and reports visibility.
func wander(ctx context.Context, c *client.Client, rate int) {
	send := time.NewTicker(time.Second / time.Duration(rate))
	defer send.Stop()
	fire := time.NewTicker(fireEvery)
	defer fire.Stop()
	stats := time.NewTicker(statsEvery)
	defer stats.Stop()

	heading := rand.Float64() * 2 * math.Pi
	for {
		select {
		case <-ctx.Done():
			return
		case <-send.C:
			if !c.Connected() {
				continue
			}
			heading += (rand.Float64() - 0.5) * 0.3
			if err := c.Move(float32(math.Cos(heading)), float32(math.Sin(heading))); err != nil {
				log.Printf("⚠️ move: %v", err)
			}
		case <-fire.C:
			if c.Connected() {
				if err := c.Fire(); err != nil {
					log.Printf("⚠️ fire: %v", err)
				}
			}
		case <-stats.C:
			frames, _ := c.Stats()
			log.Printf("📊 tick %d: %d entities visible, %d frames",
				c.ConfirmedTick(), len(c.Entities()), frames)
		}
	}
}
