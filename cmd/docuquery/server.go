package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
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

	"github.com/kalambet/docuquery/internal/api"
	"github.com/kalambet/docuquery/internal/config"
	"github.com/kalambet/docuquery/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docuquery server (foreground)",
	Long: `Start the REST API and the background ingest worker.

With --mcp the process also speaks MCP over stdin/stdout, so it can be
registered as a tool server in an MCP client. Logs then go to stderr only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docuquery server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP over stdio alongside the HTTP API")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docuquery.pid")
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

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "docuquery version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser := newLogger(cfg.Log, os.Stderr)
	defer logCloser.Close()
	slog.SetDefault(logger)

	// Refuse to start twice on the same port.
	base := baseURL(cfg)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(base + "/health/live"); err == nil {
		resp.Body.Close()
		pidPath := pidFilePath(cfg.Storage.DataDir)
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docuquery is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docuquery is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := service.Build(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing resources: %v\n", err)
		}
	}()

	go app.Worker.Run(ctx)

	handler := api.NewHandler(app.Service, api.Options{
		Prefix:     cfg.Server.APIPrefix,
		Token:      cfg.Server.APIToken,
		RateLimit:  cfg.RateLimit.Requests,
		RateWindow: cfg.RateLimit.Window(),
		Logger:     logger,
	})
	if cfg.Server.APIToken == "" {
		logger.Warn("API token not set, authentication disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(app.Service, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docuquery listening on %s%s\n", cfg.Addr(), cfg.Server.APIPrefix)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

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
		printError("docuquery is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docuquery (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docuquery (PID %d)", pid)
	return nil
}
