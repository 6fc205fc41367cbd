// Package main is the entry point for the zagal agent task runner.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aluengo/zagal/internal/agent"
	"github.com/aluengo/zagal/internal/config"
	"github.com/aluengo/zagal/internal/orchestrator"
	"github.com/aluengo/zagal/internal/server"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	// Parse flags
	var (
		configPath  = flag.String("config", "", "Path to config file")
		host        = flag.String("host", "", "Server host (default: 127.0.0.1)")
		port        = flag.Int("port", 0, "Server port (default: 8765)")
		storePath   = flag.String("store", "", "Path to task store file")
		sessionDir  = flag.String("session-dir", "", "Base directory for task workspaces")
		maxParallel = flag.Int("max-parallel", 0, "Maximum parallel agents")
		agentBinary = flag.String("agent", "", "Agent CLI binary (default: auto-discover claude)")
		showVersion = flag.Bool("version", false, "Show version and exit")
		initConfig  = flag.Bool("init", false, "Initialize default config and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("zagal %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override with flags
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *storePath != "" {
		cfg.Orchestrator.StorePath = *storePath
	}
	if *sessionDir != "" {
		cfg.Orchestrator.SessionDir = *sessionDir
	}
	if *maxParallel != 0 {
		cfg.Orchestrator.MaxParallel = *maxParallel
	}
	if *agentBinary != "" {
		cfg.Agent.Binary = *agentBinary
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		fmt.Println("Configuration initialized")
		os.Exit(0)
	}

	// Credentials enter here, once; the core performs no ambient env
	// lookups of its own.
	if cfg.Agent.GitToken == "" {
		cfg.Agent.GitToken = os.Getenv("GH_TOKEN")
	}
	if cfg.Agent.AnthropicAPIKey == "" {
		cfg.Agent.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = agent.FindBinary()
	}

	baseEnv := os.Environ()
	if cfg.Agent.AnthropicAPIKey != "" {
		baseEnv = append(baseEnv, "ANTHROPIC_API_KEY="+cfg.Agent.AnthropicAPIKey)
	}

	// Create orchestrator
	orch, err := orchestrator.New(orchestrator.Config{
		StorePath:      cfg.Orchestrator.StorePath,
		SessionDir:     cfg.Orchestrator.SessionDir,
		MaxParallel:    cfg.Orchestrator.MaxParallel,
		AgentBinary:    cfg.Agent.Binary,
		BaseEnv:        baseEnv,
		DefaultTimeout: cfg.ParsedDefaultTimeout(),
		GitToken:       cfg.Agent.GitToken,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Create server
	srv := server.New(server.Config{
		Addr:         cfg.Address(),
		Orchestrator: orch,
		Version:      version,
		Commit:       commit,
	})

	// Handle shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		if err := orch.Shutdown(); err != nil {
			log.Printf("Orchestrator shutdown error: %v", err)
		}
	}()

	// Print startup info
	log.Printf("zagal %s starting", version)
	log.Printf("API endpoint:    http://%s/api/tasks", cfg.Address())
	log.Printf("Stream endpoint: http://%s/api/tasks/:id/stream", cfg.Address())
	log.Printf("WS endpoint:     ws://%s/ws/tasks/:id", cfg.Address())
	log.Printf("Health check:    http://%s/health", cfg.Address())
	log.Printf("Agent binary:    %s", cfg.Agent.Binary)

	// Start server
	if err := srv.Start(); err != nil {
		select {
		case <-ctx.Done():
			// Expected shutdown
		default:
			log.Fatalf("Server error: %v", err)
		}
	}
}
