package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/open-ode/broker/internal/commands"
	"github.com/open-ode/broker/internal/config"
	"github.com/open-ode/broker/internal/database"
	"github.com/open-ode/broker/internal/handlers"
	"github.com/open-ode/broker/internal/logging"
	"github.com/open-ode/broker/internal/middleware"
	"github.com/open-ode/broker/internal/registry"
	"github.com/open-ode/broker/internal/sandbox"
	"github.com/open-ode/broker/internal/token"
	"github.com/open-ode/broker/internal/ws"
)

func main() {
	config.Load()

	// Startup preconditions: missing secrets are configuration errors,
	// not runtime faults.
	if config.Cfg.TokenSecret == "" {
		log.Fatal("ODE_TOKEN_SECRET must be set")
	}
	if config.Cfg.AnthropicAPIKey == "" {
		log.Fatal("ODE_ANTHROPIC_API_KEY must be set")
	}

	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Printf("WARNING: database init failed, session records disabled: %v", err)
	} else {
		database.MarkInterrupted()
	}

	ctx := context.Background()
	backend, err := sandbox.InitBackend(ctx)
	if err != nil {
		log.Fatalf("Sandbox backend init: %v", err)
	}

	whitelist, err := commands.Load(config.Cfg.CommandsPath)
	if err != nil {
		log.Fatalf("Command whitelist: %v", err)
	}

	reg := registry.New()
	verifier := token.NewVerifier(config.Cfg.TokenSecret)

	wsHandler := &ws.Handler{
		Verifier:      verifier,
		Registry:      reg,
		Backend:       backend,
		Recorder:      database.SessionRecorder{},
		AgentCommand:  strings.Fields(config.Cfg.AgentCommand),
		SandboxImage:  config.Cfg.SandboxImage,
		CPULimit:      config.Cfg.SandboxCPULimit,
		MemoryLimit:   config.Cfg.SandboxMemoryLimit,
		WorkspaceRoot: config.Cfg.WorkspaceRoot,
		SandboxEnv: map[string]string{
			"ANTHROPIC_API_KEY": config.Cfg.AnthropicAPIKey,
		},
		HeartbeatInterval: config.Cfg.HeartbeatInterval,
		StopTimeout:       config.Cfg.StopGracePeriod + 5*time.Second,
	}

	handlers.Reg = reg
	handlers.Sandbox = backend
	handlers.Commands = whitelist
	handlers.Sessions = wsHandler

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Discovery and health, no auth.
	r.Get("/api/config", handlers.GetConfig)
	r.Get("/api/health", handlers.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(verifier))

		r.Get("/api/user/sessions", handlers.ListSessions)
		r.Post("/api/user/sessions/{id}/stop", handlers.StopSession)
		r.Post("/api/run-command", handlers.RunCommand)
	})

	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.HTTPPort),
		Handler: r,
	}

	// The session websocket listens on its own port so the REST surface
	// can sit behind a different proxy policy.
	wsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.WSPort),
		Handler: wsHandler,
	}

	reaper := startReaper(ctx, reg, backend, wsHandler)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("API server starting on :%d", config.Cfg.HTTPPort)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()
	go func() {
		log.Printf("Session websocket starting on :%d", config.Cfg.WSPort)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("WS server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	reaperCtx := reaper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WS shutdown: %v", err)
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}

	// Every live session is torn down before exit; no sandbox outlives
	// the broker.
	for _, s := range reg.All() {
		wsHandler.TeardownSession(s, "stopped")
	}

	<-reaperCtx.Done()
	log.Println("Server stopped")
}
