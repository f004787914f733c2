package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/config"
	"github.com/xxxsen/pharmrag/internal/handler"
	"github.com/xxxsen/pharmrag/internal/job"
	"github.com/xxxsen/pharmrag/internal/metrics"
	"github.com/xxxsen/pharmrag/internal/middleware"
	"github.com/xxxsen/pharmrag/internal/schedule"
	"github.com/xxxsen/pharmrag/internal/watcher"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "pharmrag",
		Short: "pharmacology document retrieval service",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run http server and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return runServer(a)
		},
	}

	var userID, conversationID string
	ingestCmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "ingest one file into a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			if _, err := a.conversations.Ensure(ctx, userID, conversationID, ""); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res, err := a.rag.IngestDocument(ctx, userID, conversationID, filepath.Base(args[0]), data)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}

	var maxResults, tokenBudget int
	queryCmd := &cobra.Command{
		Use:   "query <question>",
		Short: "print the context block retrieved for a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			block, err := a.rag.Retrieve(cmd.Context(), userID, conversationID, args[0], maxResults, tokenBudget)
			if err != nil {
				return err
			}
			if block.Empty {
				fmt.Fprintln(cmd.ErrOrStderr(), "no relevant context found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), block.Text)
			return nil
		},
	}
	queryCmd.Flags().IntVar(&maxResults, "max-results", 0, "maximum chunks to retrieve")
	queryCmd.Flags().IntVar(&tokenBudget, "token-budget", 0, "token budget of the context block")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "ingest files dropped into the configured folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			if a.cfg.Watch.Dir == "" {
				return fmt.Errorf("watch.dir is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatcher(ctx, a)
		},
	}

	for _, c := range []*cobra.Command{ingestCmd, queryCmd} {
		c.Flags().StringVar(&userID, "user", "", "owner user id")
		c.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
		_ = c.MarkFlagRequired("user")
		_ = c.MarkFlagRequired("conversation")
	}
	rootCmd.AddCommand(runCmd, ingestCmd, queryCmd, watchCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func setup(configPath string) (*app, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))
	return buildApp(cfg)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runWatcher(ctx context.Context, a *app) error {
	w := a.cfg.Watch
	if w.UserID == "" || w.ConversationID == "" {
		return fmt.Errorf("watch.user_id and watch.conversation_id are required")
	}
	if _, err := a.conversations.Ensure(ctx, w.UserID, w.ConversationID, filepath.Base(w.Dir)); err != nil {
		return err
	}
	fw := watcher.New(w.Dir, time.Duration(w.DebounceMillis)*time.Millisecond,
		func(ctx context.Context, filename string, data []byte) error {
			_, err := a.rag.IngestDocument(ctx, w.UserID, w.ConversationID, filename, data)
			return err
		})
	return fw.Run(ctx)
}

func runServer(a *app) error {
	cfg := a.cfg
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Retrieval.Store),
		zap.String("file_store", cfg.FileStore.Type),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Probe strategies up front so the first upload does not pay for it.
	// A failure here is retried lazily by the first embedding call.
	if err := a.embedder.Init(ctx); err != nil {
		logutil.GetLogger(ctx).Warn("embedding provider not ready", zap.Error(err))
	}

	scheduler := schedule.NewCronScheduler()
	if jc := cfg.Jobs.EmbeddingCacheCleanup; jc.Enabled {
		if err := scheduler.AddJob(job.NewEmbeddingCacheCleanupJob(a.cacheRepo, jc.MaxAgeDays), jc.Schedule); err != nil {
			return fmt.Errorf("schedule cache cleanup: %w", err)
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.Watch.Dir != "" {
		go func() {
			if err := runWatcher(ctx, a); err != nil {
				logutil.GetLogger(ctx).Error("watcher stopped", zap.Error(err))
			}
		}()
	}

	deps := handler.RouterDeps{
		Conversations: handler.NewConversationHandler(a.conversations),
		Documents:     handler.NewDocumentHandler(a.rag, cfg.MaxUploadMB*1024*1024),
		Chat:          handler.NewChatHandler(a.chat),
		Embedding:     handler.NewEmbeddingHandler(a.embedder),
		ChatLimit:     cfg.RateLimit.Requests,
		ChatWindow:    time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			group.GET("/metrics", gin.WrapH(metrics.Handler()))
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(nil),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
