// knowflow is the retrieval-augmented orchestration backend: knowledge-base
// ingestion and search, NL-to-SQL, table-file analysis, and streaming chat
// behind one HTTP surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"knowflow/internal/catalog"
	"knowflow/internal/config"
	"knowflow/internal/conversation"
	"knowflow/internal/embedding"
	"knowflow/internal/graph"
	"knowflow/internal/ingest"
	"knowflow/internal/inverted"
	"knowflow/internal/llm"
	"knowflow/internal/logging"
	"knowflow/internal/retrieval"
	"knowflow/internal/schemagraph"
	"knowflow/internal/server"
	"knowflow/internal/sqlflow"
	"knowflow/internal/supervisor"
	"knowflow/internal/tableflow"
	"knowflow/internal/vector"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "knowflow",
	Short: "knowledge base and agentic analysis backend",
	Long: `knowflow serves knowledge-base retrieval (vector, inverted, and graph
indexes), an agentic NL-to-SQL pipeline, table-file statistical analysis,
and session-scoped streaming chat over one HTTP API.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("knowflow", version)
	},
}

// version is stamped at build time via -ldflags.
var version = "dev"

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "conf/knowflow.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		logging.SetLevel("debug")
	} else {
		logging.SetLevel(cfg.Logging.Level)
	}
	logging.SetCategories(cfg.Logging.Categories)
	log := logging.Get(logging.CategoryServer)

	// Logging knobs follow the config file while the process runs; -v pins
	// the level at debug.
	if watcher, werr := config.NewWatcher(configPath); werr == nil {
		watcher.OnReload(func(next *config.Config) {
			if !verbose {
				logging.SetLevel(next.Logging.Level)
			}
			logging.SetCategories(next.Logging.Categories)
		})
		if werr := watcher.Start(); werr != nil {
			log.Warnw("config watch not started", "path", configPath, "error", werr)
		} else {
			defer watcher.Stop()
		}
	} else {
		log.Warnw("config watch not started", "path", configPath, "error", werr)
	}

	for _, dir := range []string{
		filepath.Dir(cfg.Catalog.Path),
		filepath.Dir(cfg.Vector.Path),
		filepath.Dir(cfg.Inverted.Path),
		filepath.Dir(cfg.Graph.Path),
		cfg.Paths.FileTree,
		cfg.Paths.DiscussionTree,
		cfg.Paths.SandboxTree,
	} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer cat.Close()

	vectors, err := vector.Open(cfg.Vector.Path, cfg.Vector.Enabled)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer vectors.Close()

	inv, err := inverted.Open(cfg.Inverted.Path, cfg.Inverted.Tokenizer, cfg.Inverted.Enabled)
	if err != nil {
		return fmt.Errorf("failed to open inverted index: %w", err)
	}
	defer inv.Close()

	g, err := graph.Open(cfg.Graph.Path, cfg.Graph.Enabled)
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer g.Close()

	embedder, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedding engine: %w", err)
	}
	client, err := llm.NewClient(cfg.LLM, cfg)
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := pingRedis(ctx, rdb); err != nil {
		return fmt.Errorf("redis at %s is unreachable: %w", cfg.Redis.Addr, err)
	}

	deps := server.Deps{
		Catalog:       cat,
		Inverted:      inv,
		Ingest:        ingest.New(cat, vectors, inv, g, embedder, client),
		Retrieval:     retrieval.NewOrchestrator(cat, vectors, inv, g, embedder, client),
		SQLFlow:       sqlflow.NewFlow(cat, vectors, embedder, client, nil),
		TableFlow:     tableflow.NewPipeline(client, supervisor.New(client)),
		Conversations: conversation.New(cat, rdb, cfg.Paths.DiscussionTree),
		SchemaBuilder: schemagraph.NewBuilder(cat, g, vectors, embedder, schemagraph.NewAnalyzer(client)),
		Client:        client,
	}
	srv := server.New(cfg.Server, cfg.Paths, deps)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// pingRedis waits for redis with exponential backoff; session history cannot
// run without it.
func pingRedis(ctx context.Context, rdb *redis.Client) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}, policy)
}
