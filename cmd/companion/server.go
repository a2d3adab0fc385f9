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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/companion/internal/api"
	"github.com/kalambet/companion/internal/chat"
	"github.com/kalambet/companion/internal/composer"
	"github.com/kalambet/companion/internal/config"
	"github.com/kalambet/companion/internal/engine"
	"github.com/kalambet/companion/internal/history"
	"github.com/kalambet/companion/internal/ingest"
	"github.com/kalambet/companion/internal/memory"
	"github.com/kalambet/companion/internal/ratelimit"
	"github.com/kalambet/companion/internal/retrieval"
	"github.com/kalambet/companion/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the companion server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running companion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show companion system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "companion.pid")
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

// openVectorStore opens the configured backend. The returned func releases
// it.
func openVectorStore(ctx context.Context, cfg config.Config, store *storage.Store) (retrieval.VectorStore, func(), error) {
	switch cfg.Vector.Backend {
	case "", "sqlite":
		return retrieval.NewSQLiteStore(store.DB()), func() {}, nil
	case "chromem":
		vs, err := retrieval.NewChromemStore(filepath.Join(cfg.Storage.DataDir, "vectors"))
		if err != nil {
			return nil, nil, fmt.Errorf("opening chromem store: %w", err)
		}
		return vs, func() {}, nil
	case "pgvector":
		vs, err := retrieval.NewPostgresStore(ctx, cfg.Vector.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening pgvector store: %w", err)
		}
		return vs, vs.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
}

// openHistory opens the configured history backend.
func openHistory(cfg config.Config, store *storage.Store) (history.Store, error) {
	switch cfg.History.Backend {
	case "", "bolt":
		return history.OpenBolt(filepath.Join(cfg.Storage.DataDir, "history.db"))
	case "sqlite":
		return history.NewSQLStore(store.DB()), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
}

// localModels lists the models the local model host must serve.
func localModels(cfg config.Config) []string {
	var models []string
	if cfg.Model.Provider == "" || cfg.Model.Provider == "ollama" {
		models = append(models, cfg.Model.Name)
	}
	if cfg.Embed.Provider == "" || cfg.Embed.Provider == "ollama" {
		models = append(models, cfg.Embed.Model)
	}
	return models
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "companion version %s\n", version)

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

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("companion is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("companion is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Detect the model engine and make sure local models are present.
	eng, err := engine.Detect(engine.DetectConfig{
		Provider:        cfg.Model.Provider,
		EmbedProvider:   cfg.Embed.Provider,
		OllamaBaseURL:   cfg.Ollama.BaseURL,
		BaseURL:         cfg.Model.BaseURL,
		OpenAIAPIKey:    cfg.Model.OpenAIAPIKey,
		AnthropicAPIKey: cfg.Model.AnthropicAPIKey,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if m, ok := engine.Manager(eng); ok {
		if err := engine.EnsureReady(ctx, m, localModels(cfg), os.Stderr); err != nil {
			return err
		}
	}
	slog.Info("model engine ready", "engine", eng.Name(), "model", cfg.Model.Name, "embed_model", cfg.Embed.Model)

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

	vectors, closeVectors, err := openVectorStore(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeVectors()
	embedder := retrieval.NewEmbedder(eng, cfg.Embed.Model)

	// The memory manager is built on first use and shared by every request.
	mem := memory.NewProvider(func(context.Context) (*memory.Manager, error) {
		h, err := openHistory(cfg, store)
		if err != nil {
			return nil, fmt.Errorf("opening history: %w", err)
		}
		ix := retrieval.NewIndex(vectors, embedder, cfg.Vector.Timeout)
		return memory.New(h, ix, memory.Options{
			RecentLimit:   cfg.History.RecentLimit,
			SeedDelimiter: cfg.History.SeedDelimiter,
		}), nil
	})
	defer func() {
		if err := mem.Close(); err != nil {
			slog.Warn("closing memory", "error", err)
		}
	}()

	limiter, err := ratelimit.New(ratelimit.Algorithm(cfg.RateLimit.Algorithm), cfg.RateLimit.Limit, cfg.RateLimit.Window)
	if err != nil {
		return fmt.Errorf("creating rate limiter: %w", err)
	}
	defer limiter.Close()

	pipe := chat.New(store, limiter, mem, eng, composer.New(cfg.Chat.MaxPromptTokens), chat.Config{
		Model:     cfg.Model.Name,
		MaxTokens: cfg.Model.MaxTokens,
		TopK:      cfg.Vector.TopK,
		Timeout:   cfg.Model.Timeout,
		Policy: chat.Policy{
			StripChars:    cfg.Chat.StripChars,
			FirstLineOnly: cfg.Chat.FirstLineOnly,
		},
	})

	deps := api.Deps{
		Store:      store,
		Chat:       pipe,
		Memory:     mem,
		Model:      cfg.Model.Name,
		Vectors:    vectors,
		Token:      cfg.Server.APIToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
	if deps.Token == "" {
		slog.Warn("server.api_token not set; /api routes are unauthenticated")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	// Start ingest and reconcile worker.
	worker := ingest.NewWorker(store, embedder, vectors, 500*time.Millisecond, ingest.Options{}).WithHistory(mem)
	go worker.Run(ctx)

	if cfg.Server.MCPStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "companion listening on %s\n", addr)
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

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
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
		printError("companion is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop companion (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to companion (PID %d)", pid)
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
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if len(localModels(cfg)) > 0 {
		ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}

	printStatus("Model", "%s (%s)", cfg.Model.Name, cfg.Model.Provider)
	printStatus("Embed model", "%s (%s)", cfg.Embed.Model, cfg.Embed.Provider)
	printStatus("History", "%s", cfg.History.Backend)
	printStatus("Vectors", "%s", cfg.Vector.Backend)
	printStatus("Rate limit", "%d per %s (%s)", cfg.RateLimit.Limit, cfg.RateLimit.Window, cfg.RateLimit.Algorithm)

	if running {
		api := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: client}
		if r, err := api.get(context.Background(), "/api/companions?limit=200"); err == nil {
			var list []json.RawMessage
			if decodeJSON(r, &list) == nil {
				printStatus("Companions", "%s", countLabel(len(list), 200))
			}
		}
		if r, err := api.get(context.Background(), "/api/context-docs?limit=100"); err == nil {
			var docs []json.RawMessage
			if decodeJSON(r, &docs) == nil {
				printStatus("Context docs", "%s", countLabel(len(docs), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
