package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/manpreetbhatti/codestream/internal/api"
	"github.com/manpreetbhatti/codestream/internal/autosave"
	"github.com/manpreetbhatti/codestream/internal/config"
	"github.com/manpreetbhatti/codestream/internal/docsync"
	"github.com/manpreetbhatti/codestream/internal/execution"
	"github.com/manpreetbhatti/codestream/internal/patch"
	"github.com/manpreetbhatti/codestream/internal/policy"
	"github.com/manpreetbhatti/codestream/internal/presence"
	"github.com/manpreetbhatti/codestream/internal/ratelimit"
	"github.com/manpreetbhatti/codestream/internal/registry"
	"github.com/manpreetbhatti/codestream/internal/session"
	"github.com/manpreetbhatti/codestream/internal/store"
	"github.com/manpreetbhatti/codestream/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	log.Printf("🌊 CodeStream server starting on :%d", cfg.Port)
	log.Printf("📁 Store: %s", cfg.StoreDriver)

	// Room store
	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		DBPath:      cfg.DBPath,
		MongoURL:    cfg.MongoURL,
		MongoDBName: cfg.MongoDBName,
	})
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	// Optional shared presence
	var directory *presence.Directory
	var regOpts []registry.Option
	if cfg.RedisURL != "" {
		directory, err = presence.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect presence directory: %v", err)
		}
		regOpts = append(regOpts, registry.WithObserver(directory))
	}
	reg := registry.New(regOpts...)

	codec := patch.New()
	docs := docsync.New(st, codec)
	docs.Start()

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}
	runner, err := execution.NewRunner(cfg.ExecutionTimeout, execution.WithPolicy(policyEngine))
	if err != nil {
		log.Fatalf("Failed to initialize code runner: %v", err)
	}

	sessions := session.NewHandler(reg, docs, codec, runner, session.WithDebug(cfg.Debug()))

	presenceStores := []autosave.PresenceStore{st}
	if directory != nil {
		presenceStores = append(presenceStores, directory)
	}
	saver := autosave.New(reg, docs, autosave.Config{
		Interval:    cfg.AutoSaveInterval,
		RoomTimeout: cfg.AutoSaveInterval,
	}, presenceStores...)
	saver.Start()

	runLimiter := ratelimit.NewClientLimiters(1, 5)
	apiOpts := []api.Option{api.WithRunLimiter(runLimiter)}
	if directory != nil {
		apiOpts = append(apiOpts, api.WithPresenceDirectory(directory))
	}
	apiHandler := api.NewHandler(st, reg, docs, sessions, codec, runner, apiOpts...)
	wsServer := ws.NewServer(sessions, ws.Config{
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowCredentials: true,
	}))

	apiHandler.RegisterRoutes(e)
	wsServer.RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Println("Endpoints:")
	log.Println("  - WebSocket:   /ws/{room_id}?user_id=&username=")
	log.Println("  - Health:      GET / and GET /health")
	log.Println("  - Stats:       GET /api/stats")
	log.Println("  - Rooms:       GET/POST /rooms, GET/DELETE /rooms/{room_id}")
	log.Println("  - Checkpoints: GET/POST /rooms/{room_id}/checkpoints")
	log.Println("  - Checkpoint:  GET/DELETE /checkpoints/{id}, POST /checkpoints/{id}/restore")
	log.Println("  - Diff:        GET /checkpoints/diff?from=X&to=Y")
	log.Println("  - Run:         POST /run")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: websocket clients did not close in time: %v", err)
	}
	sessions.Wait()
	if err := saver.Stop(shutdownCtx); err != nil {
		log.Printf("WARN: auto-save did not stop cleanly: %v", err)
	}

	docs.Close()

	// writes dropped from a full queue are still only in memory
	finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if n := docs.SaveAll(finalCtx); n > 0 {
		log.Printf("💾 Saved %d rooms on shutdown", n)
	}
	finalCancel()

	runLimiter.Stop()

	if err := directory.Close(); err != nil {
		log.Printf("Failed to close presence directory: %v", err)
	}
	if err := runner.Close(); err != nil {
		log.Printf("Failed to remove execution scratch dir: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Failed to close store: %v", err)
	}

	log.Println("Server stopped")
}
