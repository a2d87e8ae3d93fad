// Command ragserver wires every pipeline stage (vector store, embedder,
// reranker, LLM provider, router, decomposer, InsertBlock filter,
// conversation manager) behind the two SSE HTTP endpoints spec §6 names,
// the way this stack's cmd/ binaries build a Handler from a loaded Config
// rather than a framework's dependency container.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/manifold-regs/ragqa/internal/config"
	"github.com/manifold-regs/ragqa/internal/conversation"
	"github.com/manifold-regs/ragqa/internal/decompose"
	"github.com/manifold-regs/ragqa/internal/embedclient"
	"github.com/manifold-regs/ragqa/internal/insertblock"
	"github.com/manifold-regs/ragqa/internal/kbindex"
	"github.com/manifold-regs/ragqa/internal/llmprovider"
	"github.com/manifold-regs/ragqa/internal/logging"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/obs"
	"github.com/manifold-regs/ragqa/internal/ragserver"
	"github.com/manifold-regs/ragqa/internal/rerankclient"
	"github.com/manifold-regs/ragqa/internal/retrieve"
	"github.com/manifold-regs/ragqa/internal/router"
	"github.com/manifold-regs/ragqa/internal/ttlcache"
	"github.com/manifold-regs/ragqa/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ragserver:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.LogLevel)

	store, err := buildVectorStore(cfg)
	if err != nil {
		return fmt.Errorf("build vector store: %w", err)
	}
	defer store.Close()

	embedder := buildEmbedder(cfg)
	reranker := buildReranker(cfg)
	provider, err := buildLLMProvider(cfg)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	ctx := context.Background()
	kbs, err := loadKBs(ctx, cfg, store, embedder, log)
	if err != nil {
		return fmt.Errorf("load knowledge bases: %w", err)
	}

	fusionParams := retrieve.FusionParams{
		TopKVector:   cfg.RetrievalTopKVector,
		TopKBM25:     cfg.RetrievalTopKBM25,
		TopKMerged:   cfg.TopKMerged,
		RRFK:         cfg.RRFK,
		VectorWeight: cfg.RRFVectorWeight,
		BM25Weight:   cfg.RRFBM25Weight,
	}

	general := retrieve.NewHybridRetriever(hybridKB(node.KBGeneral, cfg.CollectionPrefix, store, embedder, kbs), fusionParams, log)
	var visaFree, airline retrieve.Retriever
	if cfg.EnableVisaFreeFeature {
		visaFree = retrieve.NewHybridRetriever(hybridKB(node.KBVisaFree, cfg.CollectionPrefix, store, embedder, kbs), fusionParams, log)
	}
	if cfg.EnableAirlineFeature {
		airline = retrieve.NewHybridRetriever(hybridKB(node.KBAirline, cfg.CollectionPrefix, store, embedder, kbs), fusionParams, log)
	}
	var rulesRetriever, hiddenRetriever retrieve.Retriever
	if cfg.EnableRulesFeature {
		rulesRetriever = retrieve.NewHybridRetriever(hybridKB(node.KBRules, cfg.CollectionPrefix, store, embedder, kbs), fusionParams, log)
	}
	if cfg.EnableHiddenKBFeature {
		hiddenRetriever = retrieve.NewHybridRetriever(hybridKB(node.KBHidden, cfg.CollectionPrefix, store, embedder, kbs), fusionParams, log)
	}

	multiKB := retrieve.NewMultiKBRetriever(general, visaFree, airline, retrieve.StrategyReturnCounts{
		VisaFree:        cfg.VisaFreeStrategyReturnCount,
		Airline:         cfg.AirlineStrategyReturnCount,
		AirlineVisaFree: cfg.AirlineVisaFreeStrategyReturnCount,
	}, log)

	metrics := obs.NewCounters()

	routerCache := buildCache(cfg, "router:", cfg.RouterCacheSize)
	intentRouter := router.New(router.Config{
		Enabled:        cfg.EnableIntentClassifier,
		TimeoutSeconds: cfg.RouterTimeoutSeconds,
		CacheSize:      cfg.RouterCacheSize,
	}, provider, cfg.LLMModelID, routerCache, metrics, log)

	var decomposer *decompose.Decomposer
	if cfg.EnableSubquestionDecomposition {
		decomposer = decompose.New(decompose.Config{
			Enabled:                 cfg.EnableSubquestionDecomposition,
			ComplexityThreshold:     cfg.SubquestionComplexityThreshold,
			MinEntities:             cfg.SubquestionMinEntities,
			MaxDepth:                cfg.SubquestionMaxDepth,
			HistoryCompressTurns:    cfg.SubquestionHistoryCompressTurns,
			HistoryMaxTokens:        cfg.SubquestionHistoryMaxTokens,
			DecompTimeoutSeconds:    cfg.SubquestionDecompTimeoutSeconds,
			SynthesisTimeoutSeconds: cfg.SubquestionSynthesisTimeoutSeconds,
			MinScore:                cfg.SubquestionMinScore,
			MaxEmptyResults:         cfg.SubquestionMaxEmptyResults,
			Parallelism:             cfg.SubquestionParallelism,
		}, provider, cfg.LLMModelID, metrics, log)
	}

	conversationCollection := cfg.CollectionPrefix + "conversations"
	if err := store.EnsureCollection(ctx, conversationCollection, embedder.Dimension()); err != nil {
		return fmt.Errorf("ensure conversation collection: %w", err)
	}
	convManager := conversation.New(conversation.Config{
		Collection:      conversationCollection,
		ExpireDays:      cfg.ConversationExpireDays,
		MaxRecentTurns:  cfg.MaxRecentTurns,
		MaxRelevant:     cfg.MaxRelevantTurns,
		CacheTTLSeconds: cfg.ConversationCacheTTLSeconds,
	}, store, embedder, log)

	handler := &ragserver.Handler{
		Router:     intentRouter,
		Decomposer: decomposer,
		MultiKB:    multiKB,
		Reranker:   reranker,
		RerankParams: retrieve.RerankParams{
			InputTopN: cfg.RerankerInputTopN,
			TopN:      cfg.RerankTopN,
			Threshold: cfg.RerankScoreThreshold,
		},
		InsertBlockJudge: &insertblock.LLMJudge{
			Provider:        provider,
			Model:           cfg.LLMModelID,
			KeyPassageChars: cfg.InsertBlockKeyPassageChars,
		},
		InsertBlockConfig: insertblock.Config{
			MaxWorkers:        cfg.InsertBlockMaxWorkers,
			PerCallTimeoutSec: cfg.InsertBlockTimeoutSeconds,
			RequestTimeoutSec: cfg.InsertBlockTimeoutSeconds * 2,
			KeyPassageChars:   cfg.InsertBlockKeyPassageChars,
		},
		Rules:          rulesRetriever,
		Hidden:         hiddenRetriever,
		Conversation:   convManager,
		LLMProvider:    provider,
		DefaultModel:   cfg.LLMModelID,
		RequestTimeout: time.Duration(cfg.LLMRequestTimeoutSeconds) * time.Second,
		Log:            log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/knowledge_chat", handler.ServeKnowledgeChat)
	mux.HandleFunc("POST /api/knowledge_chat_conversation", handler.ServeKnowledgeChatConversation)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := convManager.GC(context.Background()); err != nil {
				log.Warn().Err(err).Msg("ragserver: conversation gc failed")
			} else {
				log.Info().Int("deleted", n).Msg("ragserver: conversation gc completed")
			}
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("ragserver: listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		log.Info().Msg("ragserver: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func buildVectorStore(cfg config.Config) (vectorstore.Store, error) {
	if cfg.QdrantAddr == "" {
		return vectorstore.NewMemoryStore(), nil
	}
	scheme := "http"
	if cfg.QdrantUseTLS {
		scheme = "https"
	}
	dsn := fmt.Sprintf("%s://%s", scheme, cfg.QdrantAddr)
	if cfg.QdrantAPIKey != "" {
		dsn += "?api_key=" + cfg.QdrantAPIKey
	}
	return vectorstore.NewQdrantStore(dsn)
}

func buildEmbedder(cfg config.Config) embedclient.Embedder {
	if cfg.EmbedBaseURL == "" {
		return embedclient.NewDeterministic(cfg.EmbedDimension)
	}
	return embedclient.NewHTTPEmbedder(cfg.EmbedBaseURL, cfg.EmbedAPIKey, cfg.EmbedModel, cfg.EmbedDimension)
}

func buildReranker(cfg config.Config) rerankclient.Reranker {
	if cfg.RerankBaseURL == "" {
		return rerankclient.TokenOverlapReranker{}
	}
	return rerankclient.NewHTTPReranker(cfg.RerankBaseURL, "", cfg.RerankAPIKey)
}

func buildLLMProvider(cfg config.Config) (llmprovider.Provider, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		return llmprovider.NewAnthropicProvider(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, cfg.LLMMaxTokens), nil
	case "google":
		return llmprovider.NewGoogleProvider(context.Background(), cfg.GoogleAPIKey, cfg.LLMModelID)
	default:
		return llmprovider.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), nil
	}
}

func buildCache(cfg config.Config, prefix string, maxSize int) ttlcache.Store {
	if cfg.RedisAddr == "" {
		return ttlcache.NewMemoryStore(maxSize)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	return ttlcache.NewRedisStore(client, prefix)
}

// loadKBs loads the on-disk corpus manifest and builds a per-KB BM25 index
// for every knowledge base it names, keyed by KB name (spec's "Persisted
// state layout" reindex-by-hash rule, §6).
func loadKBs(ctx context.Context, cfg config.Config, store vectorstore.Store, embedder embedclient.Embedder, log zerolog.Logger) (map[string]*kbindex.KB, error) {
	kbs := map[string]*kbindex.KB{}
	manifest, err := kbindex.LoadManifest(cfg.KBManifestPath)
	if err != nil {
		log.Warn().Err(err).Msg("ragserver: no kb manifest found, starting with empty knowledge bases")
		return kbs, nil
	}
	hashesPath := cfg.KBDataDir + "/kb_hashes.json"
	for _, entry := range manifest.KnowledgeBases {
		entry.Collection = cfg.CollectionPrefix + entry.Collection
		kb, err := kbindex.LoadAndIndex(ctx, entry, hashesPath, store, embedder, log)
		if err != nil {
			return nil, fmt.Errorf("load kb %s: %w", entry.Name, err)
		}
		kbs[entry.Name] = kb
	}
	return kbs, nil
}

// hybridKB assembles the retrieve.KB bundle for a given KB name: its
// vector-store collection and, if the manifest loaded one, the matching
// BM25 index. A KB absent from the manifest still answers the dense branch
// alone (spec §4.D's BM25 branch is best-effort per node, not required).
func hybridKB(name, collectionPrefix string, store vectorstore.Store, embedder embedclient.Embedder, kbs map[string]*kbindex.KB) retrieve.KB {
	kb := retrieve.KB{
		Name:       name,
		Collection: collectionPrefix + name,
		Store:      store,
		Embedder:   embedder,
	}
	if loaded, ok := kbs[name]; ok {
		kb.BM25 = loaded.BM25
	}
	return kb
}
