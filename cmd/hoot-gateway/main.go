package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hoot-chat/mcp-gateway/pkg/audit"
	"github.com/hoot-chat/mcp-gateway/pkg/config"
	"github.com/hoot-chat/mcp-gateway/pkg/db"
	"github.com/hoot-chat/mcp-gateway/pkg/favicon"
	"github.com/hoot-chat/mcp-gateway/pkg/log"
	"github.com/hoot-chat/mcp-gateway/pkg/mcp"
	"github.com/hoot-chat/mcp-gateway/pkg/oauth"
	"github.com/hoot-chat/mcp-gateway/pkg/server"
	"github.com/hoot-chat/mcp-gateway/pkg/token"
	"github.com/hoot-chat/mcp-gateway/pkg/toolfilter"
)

func main() {
	cmd := rootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configFile string
	var port int
	var allowedOrigins []string
	var dbFile string

	cmd := &cobra.Command{
		Use:   "hoot-gateway",
		Short: "Authenticated multi-tenant MCP client gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("allowed-origins") {
				cfg.AllowedOrigins = allowedOrigins
			}
			if cmd.Flags().Changed("db-file") {
				cfg.DatabaseFile = dbFile
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to a YAML config file")
	cmd.Flags().IntVar(&port, "port", 8091, "Port to listen on")
	cmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origins", nil, "Origins allowed by CORS")
	cmd.Flags().StringVar(&dbFile, "db-file", "", "Path to the sqlite database file")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	dao, err := db.New(db.WithDatabaseFile(cfg.DatabaseFile))
	if err != nil {
		return fmt.Errorf("opening tenant store: %w", err)
	}

	tokens, err := token.NewService(cfg.JWT.PrivateKeyFile, cfg.JWT.KeyID)
	if err != nil {
		return fmt.Errorf("loading JWT key material: %w", err)
	}
	go func() {
		if err := tokens.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Logf("! Key rotation watcher stopped: %v", err)
		}
	}()

	provider := oauth.NewProvider(dao, cfg.CallbackBaseURL+"/oauth/callback")
	manager := mcp.NewManager(dao, provider)

	var backend toolfilter.Backend
	if cfg.Embeddings.APIKey != "" || cfg.Embeddings.BaseURL != "" {
		backend = toolfilter.NewOpenAIBackend(cfg.Embeddings.BaseURL, cfg.Embeddings.APIKey, cfg.Embeddings.Model)
	} else {
		log.Logf("! No embeddings backend configured, tool filter runs degraded")
	}

	auditLogger := audit.NewLogger(cfg.Audit.File, cfg.Audit.MaxSize)
	defer auditLogger.Close()

	srv := server.New(server.Deps{
		Config:   cfg,
		DAO:      dao,
		Tokens:   tokens,
		Provider: provider,
		Manager:  manager,
		Detector: mcp.NewDetector(provider),
		Filter:   toolfilter.NewIndex(backend),
		Favicons: favicon.NewResolver(dao, cfg.FaviconTTL),
		Audit:    auditLogger,
	})
	return srv.Run(ctx)
}
