package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/archon-kb/archon/api"
	"github.com/archon-kb/archon/auth"
	"github.com/archon-kb/archon/cache"
	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/config"
	"github.com/archon-kb/archon/crawler"
	"github.com/archon-kb/archon/db"
	"github.com/archon-kb/archon/document"
	"github.com/archon-kb/archon/ingest"
	"github.com/archon-kb/archon/mcp"
	"github.com/archon-kb/archon/migrations"
	"github.com/archon-kb/archon/project"
	"github.com/archon-kb/archon/provider"
	"github.com/archon-kb/archon/rbac"
	"github.com/archon-kb/archon/search"
	"github.com/archon-kb/archon/store"
	"github.com/archon-kb/archon/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the HTTP and MCP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	log := common.Logger.WithField("component", "serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := db.NewPostgres(ctx, connString(cfg), cfg.Database.MaxConnections)
	if err != nil {
		return common.Wrap(common.KindStorageUnavailable, err, "connect to database")
	}
	defer pg.Close()

	migs, err := db.LoadMigrations(migrations.Files)
	if err != nil {
		return err
	}
	if err := db.NewMigrator(pg, common.Logger).Up(ctx, migs); err != nil {
		return err
	}

	st := store.New(pg)

	// The caches are best effort; a missing Redis degrades to uncached
	// operation instead of refusing to start.
	var c *cache.Cache
	if c, err = cache.New(cfg.Redis.URL); err != nil {
		log.WithError(err).Warn("redis unavailable, running without caches")
		c = nil
	} else {
		defer c.Close()
	}

	gateway, err := provider.NewGateway(providerConfig(cfg.Providers))
	if err != nil {
		return err
	}

	registry := ingest.NewRegistry()
	orchestrator := ingest.New(st, gateway.Embedder(), gateway.Chatter(), registry, ingest.Options{
		MaxPipelines:    int64(cfg.Ingest.MaxPipelines),
		MaxEmbedBatches: int64(cfg.Ingest.MaxEmbedBatches),
		ChunkSize:       cfg.Ingest.ChunkSize,
		UploadChunkSize: cfg.Ingest.UploadChunkSize,
		ChunkOverlap:    cfg.Ingest.ChunkOverlap,
		EmbedBatchSize:  cfg.Providers.Embedding.BatchLimit,
		CrawlerOptions: crawler.Options{
			MaxDepth:       cfg.Ingest.MaxCrawlDepth,
			PerHostBurst:   cfg.Ingest.PerHostConcurrency,
			PolitenessGap:  cfg.Ingest.PolitenessDelay,
			RequestTimeout: cfg.Ingest.FetchTimeout,
		},
	})

	searchEngine := search.New(st, gateway.Embedder(), gateway.Reranker(), c, search.Options{
		RerankFused: cfg.Search.RerankFused,
	})

	authz, err := buildAuthorizer(ctx, cfg, st)
	if err != nil {
		return err
	}

	tokens := auth.NewTokenService(cfg.Security.JWTSecret, cfg.Security.JWTExpiration)
	authSvc := auth.NewService(st, tokens)

	projects := project.New(st, authz)
	documents := document.New(st, orchestrator, authz)

	// Reconnection tokens are signed with the session secret, which may
	// differ from the API JWT secret.
	sessionTokens := auth.NewTokenService(cfg.MCP.SessionSecret, cfg.Security.JWTExpiration)
	manager := mcp.NewManager(st, sessionTokens, mcp.ManagerOptions{
		IdleThreshold: cfg.MCP.IdleTimeout,
		ReapInterval:  cfg.MCP.ReaperInterval,
		TokenValidity: cfg.MCP.ReconnectTokenExpiry,
	})
	tools := mcp.NewRegistry(manager, searchEngine, projects)
	mcpServer := mcp.NewServer(manager, tools, version.String())

	srv := api.NewServer(api.Deps{
		Auth:      authSvc,
		RBAC:      authz,
		Store:     st,
		Search:    searchEngine,
		Ingestor:  orchestrator,
		Progress:  registry,
		Projects:  projects,
		Documents: documents,
		Sessions:  manager,
		MCP:       mcpServer,
	}, api.Options{
		BodyLimit:          cfg.Server.BodyLimit,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		AllowAnonymousRead: cfg.Server.AllowAnonymousRead,
		Debug:              cfg.Server.Debug,
	})

	go manager.RunReaper(ctx)

	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// connString prefers the explicit URI; the Supabase URL is accepted as a
// direct connection string for hosted deployments.
func connString(cfg *config.Config) string {
	if cfg.Database.URI != "" {
		return cfg.Database.URI
	}
	return cfg.Database.SupabaseURL
}

// providerConfig maps the loaded configuration onto the provider gateway.
// Chat and embedding fall back to each other's key so a single OPENAI_API_KEY
// covers both capabilities.
func providerConfig(pc config.ProvidersConfig) provider.Config {
	out := provider.Config{
		Embed: provider.Spec{
			Provider:    pc.Embedding.Provider,
			Model:       pc.Embedding.Model,
			Dimension:   pc.Embedding.Dimensions,
			BaseURL:     pc.Embedding.BaseURL,
			APIKey:      pc.Embedding.APIKey,
			FallbackKey: firstNonEmpty(pc.Embedding.FallbackAPIKey, pc.Chat.APIKey),
		},
		CallTimeout: pc.Timeout,
	}
	if pc.Chat.Provider != "" {
		chat := provider.Spec{
			Provider:    pc.Chat.Provider,
			Model:       pc.Chat.Model,
			BaseURL:     pc.Chat.BaseURL,
			APIKey:      pc.Chat.APIKey,
			FallbackKey: firstNonEmpty(pc.Chat.FallbackAPIKey, pc.Embedding.APIKey),
		}
		out.Chat = &chat
	}
	if pc.Reranker.Provider != "" {
		rerank := provider.Spec{
			Provider:    pc.Reranker.Provider,
			Model:       pc.Reranker.Model,
			BaseURL:     pc.Reranker.BaseURL,
			APIKey:      pc.Reranker.APIKey,
			FallbackKey: pc.Reranker.FallbackAPIKey,
		}
		out.Rerank = &rerank
	}
	return out
}

// buildAuthorizer probes the policy store once. When it is unreachable and
// the permissive fallback is enabled, authenticated callers get full access
// until the next restart.
func buildAuthorizer(ctx context.Context, cfg *config.Config, st *store.Store) (*rbac.Engine, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := st.ListGrants(probeCtx, []string{"role:" + rbac.RoleAdmin}); err != nil {
		if !cfg.Security.PermissiveFallback {
			return nil, common.Wrap(common.KindStorageUnavailable, err, "load authorization grants")
		}
		common.Logger.WithError(err).Warn("policy store unreachable, using permissive authorization")
		return rbac.NewPermissive(), nil
	}
	return rbac.New(st), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
