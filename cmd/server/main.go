package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loftpress/newsletter-engine/internal/api"
	"github.com/loftpress/newsletter-engine/internal/compiler"
	"github.com/loftpress/newsletter-engine/internal/config"
	"github.com/loftpress/newsletter-engine/internal/delivery"
	"github.com/loftpress/newsletter-engine/internal/newsletter"
	"github.com/loftpress/newsletter-engine/internal/pkg/distlock"
	"github.com/loftpress/newsletter-engine/internal/ratelimit"
	"github.com/loftpress/newsletter-engine/internal/reconciler"
	"github.com/loftpress/newsletter-engine/internal/scheduler"
	"github.com/loftpress/newsletter-engine/internal/sendgrid"
	"github.com/loftpress/newsletter-engine/internal/ses"
	"github.com/loftpress/newsletter-engine/internal/template"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in
// use, so a stale process does not silently shadow this one.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Newsletter engine starting (cmd/server)")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	// Database
	if cfg.Database.URL == "" {
		log.Fatal("database url is not configured")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Database unreachable: %v", err)
	}
	cancelPing()
	log.Println("Database connected")

	store := newsletter.NewStore(db)

	// Redis (optional: rate limiting + cross-host send locks)
	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unreachable, falling back to PG advisory locks: %v", err)
			redisClient = nil
		} else {
			log.Println("Redis connected")
		}
	}

	// Compiler: liquid engine + hosted MJML renderer
	engine := template.NewEngine()
	converter := compiler.NewMJMLClient(cfg.MJML.BaseURL, cfg.MJML.AppID, cfg.MJML.SecretKey, cfg.MJML.Timeout())
	comp := compiler.New(engine, converter)

	// Transport selection
	var transport delivery.Transport
	switch cfg.Delivery.Transport {
	case "ses":
		transport, err = ses.NewTransport(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
		if err != nil {
			log.Fatalf("Failed to initialize SES transport: %v", err)
		}
		log.Printf("Delivery transport: ses (%s)", cfg.SES.Region)
	default:
		if cfg.SendGrid.APIKey == "" {
			log.Fatal("sendgrid api key is not configured")
		}
		transport = sendgrid.NewClient(cfg.SendGrid.APIKey, cfg.SendGrid.BaseURL, cfg.SendGrid.Timeout())
		log.Println("Delivery transport: sendgrid")
	}

	// Delivery pipeline
	signer := delivery.NewLinkSigner(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey)
	dispatcher := delivery.NewDispatcher(transport, store, signer, cfg.Delivery.BatchSize, cfg.Delivery.InterBatchDelay())
	resolver := delivery.NewResolver(store)
	lockFor := func(key string) delivery.Locker {
		return distlock.NewLock(redisClient, db, key, cfg.Delivery.LockTTL())
	}
	pipeline := delivery.NewPipeline(store, resolver, dispatcher, scheduler.New(), lockFor, nil)

	// Test-send throttle (Redis only)
	var limiter api.RateLimiter
	if redisClient != nil {
		limiter = ratelimit.New(redisClient, "test-send", cfg.RateLimit.TestSendPerHour, time.Hour)
	}

	events := reconciler.New(store)

	handlers := api.NewHandlers(store, comp, pipeline, transport, limiter, signer, events, cfg.SendGrid.WebhookSecret)
	health := api.NewHealthChecker(db, redisClient)
	router := api.SetupRoutes(handlers, health, nil)

	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	server := api.NewServer(addr, router)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	db.Close()
	if redisClient != nil {
		redisClient.Close()
	}

	log.Println("Server stopped")
}
