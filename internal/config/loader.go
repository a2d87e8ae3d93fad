package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables, optionally overlaid
// by a .env file in the working directory. .env values win over pre-existing
// OS environment variables, matching the rest of this stack's dev workflow.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Defaults()

	cfg.EnableIntentClassifier = envBool("ENABLE_INTENT_CLASSIFIER", cfg.EnableIntentClassifier)
	cfg.EnableSubquestionDecomposition = envBool("ENABLE_SUBQUESTION_DECOMPOSITION", cfg.EnableSubquestionDecomposition)
	cfg.EnableVisaFreeFeature = envBool("ENABLE_VISA_FREE_FEATURE", cfg.EnableVisaFreeFeature)
	cfg.EnableAirlineFeature = envBool("ENABLE_AIRLINE_FEATURE", cfg.EnableAirlineFeature)
	cfg.EnableHiddenKBFeature = envBool("ENABLE_HIDDEN_KB_FEATURE", cfg.EnableHiddenKBFeature)
	cfg.EnableRulesFeature = envBool("ENABLE_RULES_FEATURE", cfg.EnableRulesFeature)

	cfg.RRFK = envInt("RRF_K", cfg.RRFK)
	cfg.RRFVectorWeight = envFloat("RRF_VECTOR_WEIGHT", cfg.RRFVectorWeight)
	cfg.RRFBM25Weight = envFloat("RRF_BM25_WEIGHT", cfg.RRFBM25Weight)

	cfg.RetrievalTopKVector = envInt("RETRIEVAL_TOP_K", cfg.RetrievalTopKVector)
	cfg.RetrievalTopKBM25 = envInt("RETRIEVAL_TOP_K_BM25", cfg.RetrievalTopKBM25)
	cfg.RerankerInputTopN = envInt("RERANKER_INPUT_TOP_N", cfg.RerankerInputTopN)
	cfg.RerankTopN = envInt("RERANK_TOP_N", cfg.RerankTopN)
	cfg.RerankScoreThreshold = envFloat("RERANK_SCORE_THRESHOLD", cfg.RerankScoreThreshold)

	cfg.GeneralStrategyReturnCount = envInt("GENERAL_STRATEGY_RETURN_COUNT", cfg.GeneralStrategyReturnCount)
	cfg.VisaFreeStrategyReturnCount = envInt("VISA_FREE_STRATEGY_RETURN_COUNT", cfg.VisaFreeStrategyReturnCount)
	cfg.AirlineStrategyReturnCount = envInt("AIRLINE_STRATEGY_RETURN_COUNT", cfg.AirlineStrategyReturnCount)
	cfg.AirlineVisaFreeStrategyReturnCount = envInt("AIRLINE_VISA_FREE_STRATEGY_RETURN_COUNT", cfg.AirlineVisaFreeStrategyReturnCount)

	cfg.RouterTimeoutSeconds = envInt("ROUTER_TIMEOUT_SECONDS", cfg.RouterTimeoutSeconds)
	cfg.RouterCacheSize = envInt("ROUTER_CACHE_SIZE", cfg.RouterCacheSize)

	cfg.SubquestionComplexityThreshold = envInt("SUBQUESTION_COMPLEXITY_THRESHOLD", cfg.SubquestionComplexityThreshold)
	cfg.SubquestionMinEntities = envInt("SUBQUESTION_MIN_ENTITIES", cfg.SubquestionMinEntities)
	cfg.SubquestionMaxDepth = envInt("SUBQUESTION_MAX_DEPTH", cfg.SubquestionMaxDepth)
	cfg.SubquestionHistoryCompressTurns = envInt("SUBQUESTION_HISTORY_COMPRESS_TURNS", cfg.SubquestionHistoryCompressTurns)
	cfg.SubquestionHistoryMaxTokens = envInt("SUBQUESTION_HISTORY_MAX_TOKENS", cfg.SubquestionHistoryMaxTokens)
	cfg.SubquestionDecompTimeoutSeconds = envInt("SUBQUESTION_DECOMP_TIMEOUT_SECONDS", cfg.SubquestionDecompTimeoutSeconds)
	cfg.SubquestionSynthesisTimeoutSeconds = envInt("SUBQUESTION_SYNTHESIS_TIMEOUT_SECONDS", cfg.SubquestionSynthesisTimeoutSeconds)
	cfg.SubquestionMinScore = envFloat("SUBQUESTION_MIN_SCORE", cfg.SubquestionMinScore)
	cfg.SubquestionMaxEmptyResults = envInt("SUBQUESTION_MAX_EMPTY_RESULTS", cfg.SubquestionMaxEmptyResults)
	cfg.SubquestionParallelism = envInt("SUBQUESTION_PARALLELISM", cfg.SubquestionParallelism)

	cfg.InsertBlockMaxWorkers = envInt("INSERTBLOCK_MAX_WORKERS", cfg.InsertBlockMaxWorkers)
	cfg.InsertBlockTimeoutSeconds = envInt("INSERTBLOCK_TIMEOUT", cfg.InsertBlockTimeoutSeconds)
	cfg.InsertBlockKeyPassageChars = envInt("INSERTBLOCK_KEY_PASSAGE_CHARS", cfg.InsertBlockKeyPassageChars)

	cfg.ConversationExpireDays = envInt("CONVERSATION_EXPIRE_DAYS", cfg.ConversationExpireDays)
	cfg.MaxRecentTurns = envInt("MAX_RECENT_TURNS", cfg.MaxRecentTurns)
	cfg.MaxRelevantTurns = envInt("MAX_RELEVANT_TURNS", cfg.MaxRelevantTurns)
	cfg.ConversationCacheTTLSeconds = envInt("CONVERSATION_CACHE_TTL_SECONDS", cfg.ConversationCacheTTLSeconds)

	cfg.LLMRequestTimeoutSeconds = envInt("LLM_REQUEST_TIMEOUT", cfg.LLMRequestTimeoutSeconds)
	cfg.LLMMaxTokens = envInt("LLM_MAX_TOKENS", cfg.LLMMaxTokens)
	cfg.LLMMaxRetries = envInt("LLM_MAX_RETRIES", cfg.LLMMaxRetries)
	cfg.LLMProvider = envStr("LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMModelID = envStr("LLM_MODEL_ID", cfg.LLMModelID)
	cfg.OpenAIAPIKey = envStr("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = envStr("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.AnthropicAPIKey = envStr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicBaseURL = envStr("ANTHROPIC_BASE_URL", cfg.AnthropicBaseURL)
	cfg.GoogleAPIKey = envStr("GOOGLE_API_KEY", cfg.GoogleAPIKey)

	cfg.EmbedBaseURL = envStr("EMBED_BASE_URL", cfg.EmbedBaseURL)
	cfg.EmbedAPIKey = envStr("EMBED_API_KEY", cfg.EmbedAPIKey)
	cfg.EmbedModel = envStr("EMBED_MODEL", cfg.EmbedModel)
	cfg.EmbedDimension = envInt("EMBED_DIMENSION", cfg.EmbedDimension)
	cfg.RerankBaseURL = envStr("RERANK_BASE_URL", cfg.RerankBaseURL)
	cfg.RerankAPIKey = envStr("RERANK_API_KEY", cfg.RerankAPIKey)

	cfg.QdrantAddr = envStr("QDRANT_ADDR", cfg.QdrantAddr)
	cfg.QdrantAPIKey = envStr("QDRANT_API_KEY", cfg.QdrantAPIKey)
	cfg.QdrantUseTLS = envBool("QDRANT_USE_TLS", cfg.QdrantUseTLS)
	cfg.CollectionPrefix = envStr("COLLECTION_PREFIX", cfg.CollectionPrefix)

	cfg.AuthServiceURL = envStr("AUTH_SERVICE_URL", cfg.AuthServiceURL)
	cfg.AuthCacheTTLSeconds = envInt("AUTH_CACHE_TTL_SECONDS", cfg.AuthCacheTTLSeconds)

	cfg.RedisAddr = envStr("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envStr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)

	cfg.KBManifestPath = envStr("KB_MANIFEST_PATH", cfg.KBManifestPath)
	cfg.KBDataDir = envStr("KB_DATA_DIR", cfg.KBDataDir)

	cfg.ListenAddr = envStr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.Workdir = envStr("WORKDIR", cfg.Workdir)

	if cfg.RerankerInputTopN > cfg.TopKMerged {
		cfg.TopKMerged = cfg.RerankerInputTopN
	}
	if cfg.LLMProvider != "openai" && cfg.LLMProvider != "anthropic" && cfg.LLMProvider != "google" {
		return Config{}, fmt.Errorf("LLM_PROVIDER must be one of openai, anthropic, google (got %q)", cfg.LLMProvider)
	}
	if cfg.KBManifestPath == "" {
		cfg.KBManifestPath = "kb_manifest.yaml"
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
