package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/capacity"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/client"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/config"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/db"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/http"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/lifecycle"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/orchestrator"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/placement"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/registry"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/remote"
	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/repository"
)

func main() {
	log.Println("Starting Fleet Orchestrator...")

	// .env 文件可选，容器环境直接注入环境变量
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database
	pool, err := db.NewPool(cfg.Database.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Initialize repositories
	serverRepo := repository.NewServerRepository(pool)
	accountRepo := repository.NewAccountRepository(pool)
	jobRepo := repository.NewJobRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	// Fleet registry, capacity view and placement
	reg := registry.NewRegistry(serverRepo, auditRepo)
	tracker := capacity.NewTracker(reg, accountRepo)
	placer := placement.NewEngine(tracker)

	// Remote mutation over SSH
	keyPEM, err := os.ReadFile(cfg.SSH.KeyPath)
	if err != nil {
		log.Fatalf("Failed to read SSH key %s: %v", cfg.SSH.KeyPath, err)
	}
	sshTimeout := time.Duration(cfg.SSH.TimeoutSeconds) * time.Second
	runner, err := remote.NewSSHRunner(keyPEM, cfg.SSH.DefaultUser, cfg.SSH.DefaultPort, sshTimeout)
	if err != nil {
		log.Fatalf("Failed to initialize SSH runner: %v", err)
	}
	mutator := remote.NewMutator(runner, auditRepo, cfg.Node.ConfigDir, cfg.Node.Service, sshTimeout)
	prober := lifecycle.NewServiceProber(runner, cfg.Node.Service, sshTimeout)

	// Notification client (best effort delivery)
	notifyClient := client.NewNotifyClient(cfg.Services.NotificationServiceURL, cfg.InternalSecret)

	// Orchestrator worker pool
	orch := orchestrator.NewOrchestrator(
		accountRepo,
		jobRepo,
		placer,
		reg,
		mutator,
		auditRepo,
		notifyClient,
		orchestrator.Options{
			Workers:     cfg.Orchestrator.Workers,
			MaxAttempts: cfg.Orchestrator.MaxAttempts,
			Backoff:     time.Duration(cfg.Orchestrator.BackoffSeconds) * time.Second,
		},
	)
	orch.Start()

	// Lifecycle maintenance loop
	manager := lifecycle.NewManager(
		accountRepo,
		reg,
		orch,
		mutator,
		prober,
		auditRepo,
		lifecycle.Options{
			Interval:      time.Duration(cfg.Lifecycle.IntervalSeconds) * time.Second,
			RenewalWindow: time.Duration(cfg.Lifecycle.RenewalWindowHrs) * time.Hour,
			ScanLimit:     cfg.Lifecycle.ReconcileSample,
		},
	)
	manager.Start()

	// Initialize HTTP server
	handler := http.NewHandler(cfg, orch, reg, accountRepo, jobRepo, auditRepo)
	server := http.NewServer(cfg, handler)

	// Start server in goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		log.Printf("Server starting on %s", addr)
		if err := server.Run(addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	// Stop 等待在途任务完成，超时由外部进程管理器兜底
	done := make(chan struct{})
	go func() {
		manager.Stop()
		orch.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Println("Shutdown timed out, exiting with jobs in flight")
	}

	log.Println("Server exited")
}
