// Command workitems-mcp serves Azure DevOps work item tools over the MCP
// streamable HTTP transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/azdo-tools/workitems-mcp/azdo"
	"github.com/azdo-tools/workitems-mcp/internal/config"
	"github.com/azdo-tools/workitems-mcp/mcp"
	"github.com/azdo-tools/workitems-mcp/mcpservice"
	"github.com/azdo-tools/workitems-mcp/streaminghttp"
	"github.com/azdo-tools/workitems-mcp/toolsets"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	cred, err := credentialFromConfig(cfg)
	if err != nil {
		return err
	}

	client, err := azdo.NewClient(cfg.Organization, cred,
		azdo.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		azdo.WithClientLogger(log),
	)
	if err != nil {
		return err
	}

	tools := mcpservice.NewToolsContainer()
	toolsets.WorkItems(tools, client, cfg.Project)

	server := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{
			Name:    "azure-devops-workitems",
			Version: "0.1.0",
		}),
		mcpservice.WithInstructions("Tools for reading, creating, updating, commenting on, querying, and linking Azure DevOps work items in the "+cfg.Organization+" organization."),
		mcpservice.WithToolsContainer(tools),
		mcpservice.WithLogger(log),
	)

	opts := []streaminghttp.Option{streaminghttp.WithLogger(log)}
	if !cfg.Stateless {
		opts = append(opts, streaminghttp.WithSessionIDGenerator(uuid.NewString))
	}
	if cfg.JSONResponse {
		opts = append(opts, streaminghttp.WithJSONResponse())
	}
	if hosts, origins := cfg.HostList(), cfg.OriginList(); len(hosts) > 0 || len(origins) > 0 {
		opts = append(opts, streaminghttp.WithDNSRebindingProtection(hosts, origins))
	}
	transport := streaminghttp.New(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Connect(ctx, transport); err != nil {
		return fmt.Errorf("connecting server to transport: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.EndpointPath, transport)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listening", slog.String("addr", cfg.ListenAddr), slog.String("path", cfg.EndpointPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := transport.Close(); err != nil {
		log.Warn("transport.close.error", slog.String("err", err.Error()))
	}
	return srv.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, hopts)
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: want text or json", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func credentialFromConfig(cfg *config.Config) (azdo.Credential, error) {
	switch {
	case cfg.PAT != "":
		return azdo.NewPATCredential(cfg.PAT), nil
	case cfg.BearerToken != "":
		return azdo.NewStaticBearerCredential(cfg.BearerToken), nil
	case cfg.TenantID != "" && cfg.ClientID != "" && cfg.ClientSecret != "":
		return azdo.NewClientCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret), nil
	}
	return nil, errors.New("no credential configured")
}
