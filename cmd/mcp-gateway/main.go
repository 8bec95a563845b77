// Package main provides the entry point for the mcp-gateway server.
// mcp-gateway is a compliance-first tool gateway that turns arbitrary tool
// calls from an untrusted caller into safe, audited, bounded operations
// against the filesystem, outbound HTTP, and a read-only database.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentguard/mcp-gateway/internal/api"
	"github.com/agentguard/mcp-gateway/internal/audit"
	"github.com/agentguard/mcp-gateway/internal/config"
	connectorfs "github.com/agentguard/mcp-gateway/internal/connectors/fs"
	connectorhttp "github.com/agentguard/mcp-gateway/internal/connectors/http"
	connectorsql "github.com/agentguard/mcp-gateway/internal/connectors/sql"
	"github.com/agentguard/mcp-gateway/internal/gateway"
	"github.com/agentguard/mcp-gateway/internal/policy"
	"github.com/agentguard/mcp-gateway/internal/registry"
	"github.com/agentguard/mcp-gateway/internal/telemetry"
	"github.com/agentguard/mcp-gateway/pkg/opa"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "Compliance-first tool gateway",
		Long: `mcp-gateway sits between an untrusted caller and a set of privileged
back-end capabilities (filesystem, outbound HTTP, read-only database),
turning arbitrary tool calls into safe, audited, bounded operations.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway's HTTP façade",
		RunE:  runServer,
	}
	serveCmd.Flags().StringP("config", "c", "", "Path to configuration file")
	serveCmd.Flags().StringP("port", "p", "", "Port to listen on (overrides config)")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")

	validateCmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Load a configuration file and report the resulting policy decisions for its tools",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool registry",
	}
	toolsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tools and their input schemas",
		RunE:  runToolsList,
	})
	toolsCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(serveCmd, validateCmd, toolsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildGateway takes an already loaded configuration and wires the registry,
// policy engine, optional OPA hook, audit logger, and connectors into a
// single Gateway.
// The returned closers must be invoked (in order) on shutdown.
func buildGateway(ctx context.Context, cfg *config.Config) (*gateway.Gateway, func() bool, []func(), error) {
	var closers []func()
	var dbReady func() bool

	reg := registry.New()

	fsConn := connectorfs.New(connectorfs.Config{
		AllowedPaths: cfg.Filesystem.AllowedPaths,
		DeniedPaths:  cfg.Filesystem.DeniedPaths,
		MaxFileSize:  cfg.Filesystem.MaxFileSize,
	})
	if err := reg.RegisterMany(fsConn.Tools()); err != nil {
		return nil, nil, closers, fmt.Errorf("registering fs tools: %w", err)
	}

	httpConn := connectorhttp.New(connectorhttp.Config{
		AllowedDomains:   cfg.HTTPFetch.AllowedDomains,
		DeniedDomains:    cfg.HTTPFetch.DeniedDomains,
		MaxResponseBytes: cfg.HTTPFetch.MaxResponseBytes,
		TimeoutMs:        cfg.HTTPFetch.TimeoutMs,
	})
	if err := reg.RegisterMany(httpConn.Tools()); err != nil {
		return nil, nil, closers, fmt.Errorf("registering http tools: %w", err)
	}

	if cfg.Database.Host != "" && cfg.Database.User != "" {
		sqlConn, err := connectorsql.New(ctx, connectorsql.Config{
			Host:           cfg.Database.Host,
			Port:           cfg.Database.Port,
			User:           cfg.Database.User,
			Password:       cfg.Database.Password,
			Database:       cfg.Database.Database,
			SSLMode:        cfg.Database.SSLMode,
			MaxConns:       cfg.Database.MaxConns,
			QueryTimeoutMs: cfg.Database.QueryTimeoutMs,
			MaxRows:        cfg.Database.MaxRows,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database connection failed, db.query/db.schema will be unavailable")
		} else {
			if err := reg.RegisterMany(sqlConn.Tools()); err != nil {
				return nil, nil, closers, fmt.Errorf("registering sql tools: %w", err)
			}
			closers = append(closers, sqlConn.Close)
			dbReady = func() bool { return sqlConn.Ping(ctx) == nil }
		}
	} else {
		log.Info().Msg("no database configured, db.query/db.schema will be unavailable")
	}

	policyCfg, err := policy.BuildConfig(cfg.Policy)
	if err != nil {
		return nil, nil, closers, fmt.Errorf("building policy config: %w", err)
	}
	engine := policy.NewEngine(policyCfg)

	var secondary *policy.SecondaryHook
	if cfg.OPA.Enabled {
		opaEngine := opa.NewEngine()
		if cfg.OPA.BundlePath != "" {
			if err := opaEngine.LoadBundle(ctx, cfg.OPA.BundlePath); err != nil {
				log.Warn().Err(err).Msg("failed to load OPA bundle, secondary policy hook disabled")
			}
		} else if cfg.OPA.PolicyPath != "" {
			if err := opaEngine.LoadPolicies(ctx, []string{cfg.OPA.PolicyPath}); err != nil {
				log.Warn().Err(err).Msg("failed to load OPA policies, secondary policy hook disabled")
			}
		}
		secondary = policy.NewSecondaryHook(opaEngine)
	}

	auditLogger, err := audit.New(audit.Config{Enabled: cfg.Audit.Enabled, FilePath: cfg.Audit.FilePath})
	if err != nil {
		return nil, nil, closers, fmt.Errorf("building audit logger: %w", err)
	}
	closers = append(closers, func() { _ = auditLogger.Close() })

	var metrics gateway.Metrics
	if cfg.OTEL.Enabled {
		provider, err := telemetry.NewProvider(telemetry.Config{
			ServiceName:    cfg.OTEL.ServiceName,
			ServiceVersion: cfg.OTEL.ServiceVersion,
			Environment:    cfg.OTEL.Environment,
			OTLPEndpoint:   cfg.OTEL.Endpoint,
			MetricsPort:    cfg.OTEL.MetricsPort,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize OpenTelemetry, invocation metrics disabled")
		} else {
			metrics = provider
			closers = append(closers, func() { _ = provider.Shutdown(ctx) })
		}
	}

	gw := gateway.New(reg, engine, secondary, auditLogger, cfg.Actor, metrics)
	return gw, dbReady, closers, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	configureLogging(debug)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Server.Port = port
	}

	log.Info().
		Str("version", version).
		Str("port", cfg.Server.Port).
		Msg("starting mcp-gateway server")

	ctx := context.Background()
	gw, dbReady, closers, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}()

	handlers := api.NewHandlers(gw)
	if gw.Secondary != nil {
		handlers.SecondaryPolicyReady = gw.Secondary.Ready
	}
	handlers.DatabaseReady = dbReady
	deps := &api.RouterDeps{Handlers: handlers}
	router := api.NewRouter(cfg, deps)

	var handler http.Handler = router
	if provider, ok := gw.Metrics.(*telemetry.Provider); ok {
		if httpMetrics, err := telemetry.NewHTTPMetrics(provider.Meter()); err != nil {
			log.Warn().Err(err).Msg("failed to initialize HTTP metrics middleware")
		} else {
			handler = httpMetrics.Middleware(provider.Tracer())(router)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if deps.StopRateLimiter != nil {
			deps.StopRateLimiter()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

// runValidate loads a configuration file and reports decide() for every
// tool named in allow_tools/deny_tools/per_tool, so operators can check a
// policy change before deploying it.
func runValidate(cmd *cobra.Command, args []string) error {
	configureLogging(false)

	cfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	policyCfg, err := policy.BuildConfig(cfg.Policy)
	if err != nil {
		return fmt.Errorf("invalid policy config: %w", err)
	}
	engine := policy.NewEngine(policyCfg)

	names := map[string]bool{}
	for _, n := range cfg.Policy.AllowTools {
		names[n] = true
	}
	for _, n := range cfg.Policy.DenyTools {
		names[n] = true
	}
	for n := range cfg.Policy.PerTool {
		names[n] = true
	}

	for name := range names {
		d := engine.Decide(name, nil)
		fmt.Printf("%-30s allowed=%-5v reason=%q timeout_ms=%d max_bytes=%d\n",
			name, d.Allowed, d.Reason, d.Envelope.TimeoutMs, d.Envelope.MaxBytes)
	}
	return nil
}

func runToolsList(cmd *cobra.Command, args []string) error {
	configureLogging(false)

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()
	gw, _, closers, err := buildGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}()

	for _, t := range gw.ListTools() {
		fmt.Printf("%-20s %s\n", t.Name, t.Description)
	}
	return nil
}

func configureLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
