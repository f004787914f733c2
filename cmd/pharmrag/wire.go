package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/ai"
	"github.com/xxxsen/pharmrag/internal/chunker"
	"github.com/xxxsen/pharmrag/internal/config"
	"github.com/xxxsen/pharmrag/internal/db"
	"github.com/xxxsen/pharmrag/internal/embedcache"
	"github.com/xxxsen/pharmrag/internal/filestore"
	"github.com/xxxsen/pharmrag/internal/repo"
	"github.com/xxxsen/pharmrag/internal/retriever"
	"github.com/xxxsen/pharmrag/internal/service"
	"github.com/xxxsen/pharmrag/internal/vectorstore"
)

const probeText = "embedding probe"

// app holds everything a subcommand may need. Fields are built once from
// the config; close releases the database and redis connections.
type app struct {
	cfg           *config.Config
	db            *sql.DB
	redis         *redis.Client
	embedder      *ai.EmbeddingProvider
	cacheRepo     *repo.EmbeddingCacheRepo
	conversations *service.ConversationService
	rag           *service.RAGService
	chat          *service.ChatService
}

func buildApp(cfg *config.Config) (*app, error) {
	conn, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	a := &app{cfg: cfg, db: conn, cacheRepo: repo.NewEmbeddingCacheRepo(conn)}
	if cfg.Embedding.Cache.Redis {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	chk, err := chunker.New(chunker.Config{
		ChunkSize:    cfg.Chunk.ChunkSize,
		ChunkOverlap: cfg.Chunk.ChunkOverlap,
		Separators:   cfg.Chunk.Separators,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.embedder = buildEmbedder(cfg, a.redis, a.cacheRepo)

	var store vectorstore.Store
	switch cfg.Retrieval.Store {
	case "memory":
		store = vectorstore.NewMemoryStore()
	default:
		store = vectorstore.NewPostgresStore(conn)
	}
	files, err := filestore.New(cfg.FileStore)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init file store: %w", err)
	}

	convRepo := repo.NewConversationRepo(conn)
	docRepo := repo.NewSourceDocumentRepo(conn)
	msgRepo := repo.NewMessageRepo(conn)
	ret := retriever.New(a.embedder, store, retriever.WithThreshold(float32(cfg.Retrieval.Threshold)))

	a.conversations = service.NewConversationService(convRepo, docRepo, store, files)
	a.rag = service.NewRAGService(convRepo, docRepo, chk, a.embedder, store, ret, files, service.RAGOptions{
		BatchSize:   cfg.Embedding.BatchSize,
		MaxResults:  cfg.Retrieval.MaxResults,
		TokenBudget: cfg.Retrieval.TokenBudget,
	})
	a.chat = service.NewChatService(convRepo, msgRepo, a.rag, buildGenerator(cfg), service.ChatOptions{
		Timeout:      time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
		HistoryLimit: cfg.Generation.HistoryLimit,
	})
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func breakerConfig(cfg config.BreakerConfig) ai.BreakerConfig {
	return ai.BreakerConfig{
		MaxFailures: cfg.MaxFailures,
		OpenTimeout: time.Duration(cfg.OpenTimeoutSeconds) * time.Second,
	}
}

// buildEmbedder lists the strategies in preference order: the local
// runtime, the remote providers as one failover group, then the hash
// fallback unless disabled. Caches wrap whichever strategy wins.
func buildEmbedder(cfg *config.Config, rdb *redis.Client, cacheRepo *repo.EmbeddingCacheRepo) *ai.EmbeddingProvider {
	ecfg := cfg.Embedding
	var candidates []ai.Candidate
	if ecfg.Local.Enabled {
		local := ecfg.Local
		timeout := time.Duration(local.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = ecfg.Timeout()
		}
		candidates = append(candidates, ai.Candidate{
			Strategy: ai.StrategyLocal,
			Name:     local.Model,
			Init: func(ctx context.Context) (ai.IEmbedder, error) {
				return ai.NewLocalEmbedder(ctx, ai.LocalConfig{
					Endpoint:  local.Endpoint,
					Model:     local.Model,
					Aliases:   local.Aliases,
					Device:    local.Device,
					KeepAlive: local.KeepAlive,
					Dimension: local.Dimension,
					Timeout:   timeout,
				})
			},
		})
	}
	if len(ecfg.Remote.Providers) > 0 {
		candidates = append(candidates, remoteCandidate(ecfg))
	}

	opts := []ai.ProviderOption{
		ai.WithEmbedTimeout(ecfg.Timeout()),
		ai.WithInitTimeout(ecfg.InitTimeout()),
	}
	if ecfg.DisableHash {
		opts = append(opts, ai.WithoutHashFallback())
	} else {
		opts = append(opts, ai.WithHashFallback(ecfg.HashDimension))
	}
	// Applied innermost first: the LRU is consulted before redis, redis
	// before postgres.
	if ecfg.Cache.DB && cacheRepo != nil {
		opts = append(opts, ai.WithDecorator(func(e ai.IEmbedder) ai.IEmbedder {
			return embedcache.WrapDBCacheToEmbedder(e, cacheRepo)
		}))
	}
	if ecfg.Cache.Redis && rdb != nil {
		ttl := time.Duration(ecfg.Cache.RedisTTLSeconds) * time.Second
		opts = append(opts, ai.WithDecorator(func(e ai.IEmbedder) ai.IEmbedder {
			return embedcache.WrapRedisCacheToEmbedder(e, rdb, ecfg.Cache.RedisPrefix, ttl)
		}))
	}
	if ecfg.Cache.LRUSize > 0 {
		ttl := time.Duration(ecfg.Cache.LRUTTLSeconds) * time.Second
		opts = append(opts, ai.WithDecorator(func(e ai.IEmbedder) ai.IEmbedder {
			return embedcache.WrapLruCacheToEmbedder(e, ecfg.Cache.LRUSize, ttl)
		}))
	}
	return ai.NewEmbeddingProvider(candidates, opts...)
}

func remoteCandidate(ecfg config.EmbeddingConfig) ai.Candidate {
	return ai.Candidate{
		Strategy: ai.StrategyRemote,
		Name:     "remote",
		Init: func(ctx context.Context) (ai.IEmbedder, error) {
			entries := make([]ai.EmbedderEntry, 0, len(ecfg.Remote.Providers))
			for _, p := range ecfg.Remote.Providers {
				provider, err := ai.NewEmbedProvider(p.Name, p.Data)
				if err != nil {
					logutil.GetLogger(ctx).Warn("skip embedding provider", zap.String("provider", p.Name), zap.Error(err))
					continue
				}
				emb := ai.NewProviderEmbedder(provider, p.Model, ecfg.Remote.Dimension)
				entries = append(entries, ai.EmbedderEntry{
					Name:     p.Name,
					Embedder: ai.WrapBreakerToEmbedder("embed:"+p.Name, emb, breakerConfig(ecfg.Breaker)),
				})
			}
			group := ai.NewGroupEmbedder(entries, ecfg.Remote.Dimension)
			if group == nil {
				return nil, fmt.Errorf("no remote embedding provider could be created")
			}
			if _, err := group.Embed(ctx, []string{probeText}); err != nil {
				return nil, err
			}
			return group, nil
		},
	}
}

// buildGenerator returns nil when no provider is configured, which leaves
// chat disabled while ingestion and retrieval keep working.
func buildGenerator(cfg *config.Config) ai.IGenerator {
	entries := make([]ai.GeneratorEntry, 0, len(cfg.Generation.Providers))
	for _, p := range cfg.Generation.Providers {
		provider, err := ai.NewProvider(p.Name, p.Data)
		if err != nil {
			logutil.GetLogger(context.Background()).Warn("skip ai provider", zap.String("provider", p.Name), zap.Error(err))
			continue
		}
		entries = append(entries, ai.GeneratorEntry{
			Name:      p.Name,
			Generator: ai.WrapBreakerToGenerator("generate:"+p.Name, ai.NewGenerator(provider, p.Model), breakerConfig(cfg.Embedding.Breaker)),
		})
	}
	return ai.NewGroupGenerator(entries)
}
