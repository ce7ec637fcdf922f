package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/silfer/silferbot/internal/admin"
	"github.com/silfer/silferbot/internal/api"
	"github.com/silfer/silferbot/internal/cluster"
	"github.com/silfer/silferbot/internal/config"
	"github.com/silfer/silferbot/internal/conversation"
	"github.com/silfer/silferbot/internal/gemini"
	"github.com/silfer/silferbot/internal/knowledge"
	"github.com/silfer/silferbot/internal/learning"
	"github.com/silfer/silferbot/internal/menu"
	"github.com/silfer/silferbot/internal/router"
	"github.com/silfer/silferbot/internal/schedule"
	"github.com/silfer/silferbot/internal/storage"
	"github.com/silfer/silferbot/internal/transport"
	"github.com/silfer/silferbot/internal/users"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the silferbot server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running silferbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show silferbot system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "silferbot.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "silferbot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	logger := slog.Default()

	apiToken, err := config.EnsureAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("silferbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("silferbot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// The shared dir is a git clone replicated across devices; it holds the
	// cluster record and the knowledge base.
	if err := os.MkdirAll(cfg.Cluster.SharedDir, 0o755); err != nil {
		return fmt.Errorf("creating shared dir: %w", err)
	}

	model, err := gemini.NewClient(cfg.GeminiKeys(), logger, gemini.WithModel(cfg.Gemini.Model))
	if err != nil {
		return fmt.Errorf("initializing Gemini client: %w", err)
	}

	svc := learning.NewService(store, logger)
	registry := users.NewRegistry(store, logger)
	history := conversation.NewHistory()
	scheduler := schedule.NewScheduler(logger)
	takeover := schedule.NewTakeover(schedule.DefaultTakeoverWindow)

	base, err := knowledge.OpenBase(cfg.KnowledgePath())
	if err != nil {
		return fmt.Errorf("opening knowledge base: %w", err)
	}
	worker := knowledge.NewWorker(store, base, 2*time.Second, logger)

	catalog, err := menu.LoadCatalog(cfg.MenuPath())
	if err != nil {
		return fmt.Errorf("loading menu catalog: %w", err)
	}
	responder := menu.NewResponder(catalog)

	gateway := transport.NewGateway(cfg.WhatsApp.GatewayURL, cfg.WhatsApp.GatewayToken, logger)
	pipeline := admin.NewPipeline(svc, gateway, model, cfg.WhatsApp.AdminGroup, cfg.AdminJIDs(), logger)

	// The promotion hook fires after the router exists; the coordinator is
	// only started further down.
	var rt *router.Router
	coord := cluster.NewCoordinator(cluster.Config{
		DeviceID:   cfg.Cluster.DeviceID,
		Priority:   cfg.Cluster.Priority,
		RecordPath: cfg.ClusterRecordPath(),
		SharedDir:  cfg.Cluster.SharedDir,
		OnBecomeMaster: func() {
			if rt != nil {
				rt.OnPromotion()
			}
		},
	}, cluster.NewGitSyncer(cfg.Cluster.SharedDir), logger)

	rt = router.New(router.Config{
		Cluster:   coord,
		Learning:  svc,
		Pipeline:  pipeline,
		Registry:  registry,
		History:   history,
		Scheduler: scheduler,
		Takeover:  takeover,
		Sender:    gateway,
		Model:     model,
		Knowledge: base,
		Menu:      responder,
		Logger:    logger,
	})

	webhook := transport.NewWebhook(cfg.WhatsApp.WebhookToken, rt.Handle, logger)
	appHandler := api.NewAppHandler(api.AppDeps{
		Cluster:   coord,
		Learning:  svc,
		Knowledge: base,
		Importer:  worker,
		Token:     apiToken,
	})

	// Compose top-level router: gateway webhook + management routes.
	topRouter := chi.NewRouter()
	topRouter.Mount("/webhook", webhook.Router())
	topRouter.Mount("/", appHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// Join the cluster before accepting messages.
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("starting cluster coordinator: %w", err)
	}

	// Start knowledge import worker.
	go worker.Run(ctx)

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Cluster:   coord,
		Learning:  svc,
		Knowledge: base,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "silferbot listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout. The coordinator hands off mastership
	// before the HTTP server closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	coord.Stop(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("silferbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop silferbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to silferbot (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	apiToken, tokenErr := config.EnsureAPIToken(cfg.Storage.DataDir)
	if tokenErr == nil {
		statusResp, err := apiGet(client, serverURL+"/status", apiToken)
		if err == nil {
			var status struct {
				Cluster struct {
					DeviceID string `json:"device"`
					Priority int    `json:"priority"`
					IsMaster bool   `json:"isMaster"`
				} `json:"cluster"`
				PendingQuestions int `json:"pendingQuestions"`
				LearnedResponses int `json:"learnedResponses"`
			}
			if json.NewDecoder(statusResp.Body).Decode(&status) == nil {
				role := "standby"
				if status.Cluster.IsMaster {
					role = "master"
				}
				printStatus("Device", "%s (priority %d, %s)", status.Cluster.DeviceID, status.Cluster.Priority, role)
				printStatus("Pending questions", "%d", status.PendingQuestions)
				printStatus("Learned responses", "%d", status.LearnedResponses)
			}
			statusResp.Body.Close()
		}
	}

	printStatus("Gemini model", "%s", cfg.Gemini.Model)
	printStatus("Gateway", "%s", cfg.WhatsApp.GatewayURL)
	printStatus("Shared dir", "%s", cfg.Cluster.SharedDir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
