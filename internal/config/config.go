// Package config loads the server's runtime configuration from environment
// variables (with an optional .env overlay), the way the rest of this stack
// does it: no framework, just os.Getenv and typed defaults applied after.
package config

// Config holds every tunable named in the pipeline's configuration surface.
// Fields group by the component they govern.
type Config struct {
	// Feature flags.
	EnableIntentClassifier         bool
	EnableSubquestionDecomposition bool
	EnableVisaFreeFeature          bool
	EnableAirlineFeature           bool
	EnableHiddenKBFeature          bool
	EnableRulesFeature             bool

	// Fusion.
	RRFK            int
	RRFVectorWeight float64
	RRFBM25Weight   float64

	// Retrieval sizes/thresholds.
	RetrievalTopKVector  int
	RetrievalTopKBM25    int
	TopKMerged           int
	RerankerInputTopN    int
	RerankTopN           int
	RerankScoreThreshold float64

	// Multi-KB strategy return counts.
	GeneralStrategyReturnCount         int
	VisaFreeStrategyReturnCount        int
	AirlineStrategyReturnCount         int
	AirlineVisaFreeStrategyReturnCount int

	// Intent router.
	RouterTimeoutSeconds int
	RouterCacheSize      int

	// Sub-question decomposer.
	SubquestionComplexityThreshold     int
	SubquestionMinEntities             int
	SubquestionMaxDepth                int
	SubquestionHistoryCompressTurns    int
	SubquestionHistoryMaxTokens        int
	SubquestionDecompTimeoutSeconds    int
	SubquestionSynthesisTimeoutSeconds int
	SubquestionMinScore                float64
	SubquestionMaxEmptyResults         int
	SubquestionParallelism             int

	// InsertBlock.
	InsertBlockMaxWorkers      int
	InsertBlockTimeoutSeconds  int
	InsertBlockKeyPassageChars int

	// Conversation.
	ConversationExpireDays      int
	MaxRecentTurns              int
	MaxRelevantTurns            int
	ConversationCacheTTLSeconds int

	// LLM call policy.
	LLMRequestTimeoutSeconds int
	LLMMaxTokens             int
	LLMMaxRetries            int
	LLMProvider              string // "openai" | "anthropic" | "google"
	LLMModelID               string
	OpenAIAPIKey             string
	OpenAIBaseURL            string
	AnthropicAPIKey          string
	AnthropicBaseURL         string
	GoogleAPIKey             string

	// Embedding / rerank services.
	EmbedBaseURL   string
	EmbedAPIKey    string
	EmbedModel     string
	EmbedDimension int
	RerankBaseURL  string
	RerankAPIKey   string

	// Vector store.
	QdrantAddr       string
	QdrantAPIKey     string
	QdrantUseTLS     bool
	CollectionPrefix string

	// Auth / session.
	AuthServiceURL      string
	AuthCacheTTLSeconds int

	// TTL cache backing (router classification cache). Empty RedisAddr means "use the
	// in-process LRU fallback" instead of Redis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KB corpus manifest.
	KBManifestPath string
	KBDataDir      string

	// HTTP transport.
	ListenAddr string

	// Ambient.
	LogLevel string
	Workdir  string
}

// Defaults mirrors the defaults named throughout spec §4 and §6.
func Defaults() Config {
	return Config{
		EnableIntentClassifier:         true,
		EnableSubquestionDecomposition: true,
		EnableVisaFreeFeature:          true,
		EnableAirlineFeature:           true,
		EnableHiddenKBFeature:          false,
		EnableRulesFeature:             false,

		RRFK:            10,
		RRFVectorWeight: 0.7,
		RRFBM25Weight:   0.3,

		RetrievalTopKVector:  30,
		RetrievalTopKBM25:    30,
		TopKMerged:           30,
		RerankerInputTopN:    30,
		RerankTopN:           15,
		RerankScoreThreshold: 0.3,

		GeneralStrategyReturnCount:         15,
		VisaFreeStrategyReturnCount:        15,
		AirlineStrategyReturnCount:         15,
		AirlineVisaFreeStrategyReturnCount: 20,

		RouterTimeoutSeconds: 5,
		RouterCacheSize:      1000,

		SubquestionComplexityThreshold:     60,
		SubquestionMinEntities:             2,
		SubquestionMaxDepth:                3,
		SubquestionHistoryCompressTurns:    5,
		SubquestionHistoryMaxTokens:        500,
		SubquestionDecompTimeoutSeconds:    10,
		SubquestionSynthesisTimeoutSeconds: 30,
		SubquestionMinScore:                0.3,
		SubquestionMaxEmptyResults:         2,
		SubquestionParallelism:             5,

		InsertBlockMaxWorkers:      5,
		InsertBlockTimeoutSeconds:  15,
		InsertBlockKeyPassageChars: 400,

		ConversationExpireDays:      90,
		MaxRecentTurns:              10,
		MaxRelevantTurns:            5,
		ConversationCacheTTLSeconds: 300,

		LLMRequestTimeoutSeconds: 60,
		LLMMaxTokens:             1024,
		LLMMaxRetries:            2,
		LLMProvider:              "openai",

		EmbedDimension: 1536,

		CollectionPrefix: "",

		AuthCacheTTLSeconds: 300,

		ListenAddr: ":8080",
		LogLevel:   "info",
	}
}
