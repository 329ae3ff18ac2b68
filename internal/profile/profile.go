package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/plugin/ai/timeout"
)

// Profile is the configuration to start main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// DSN points to where memosense stores embeddings and durable cache entries
	DSN string
	// Driver is the database driver (sqlite, postgres or memory)
	Driver string
	// Version is the current version of server
	Version string
	// ContentDir is the directory holding the notes and files to embed
	ContentDir string

	// AI Configuration
	AIEnabled             bool    // MEMOSENSE_AI_ENABLED (legacy: MEMOS_AI_ENABLED)
	AIEmbeddingProvider   string  // MEMOSENSE_AI_EMBEDDING_PROVIDER (default: siliconflow)
	AIEmbeddingModel      string  // MEMOSENSE_AI_EMBEDDING_MODEL (default: BAAI/bge-m3)
	AIEmbeddingDimensions int     // MEMOSENSE_AI_EMBEDDING_DIMENSIONS (default: 1024)
	AISiliconFlowAPIKey   string  // MEMOSENSE_AI_SILICONFLOW_API_KEY
	AISiliconFlowBaseURL  string  // MEMOSENSE_AI_SILICONFLOW_BASE_URL (default: https://api.siliconflow.cn/v1)
	AIOpenAIAPIKey        string  // MEMOSENSE_AI_OPENAI_API_KEY
	AIOpenAIBaseURL       string  // MEMOSENSE_AI_OPENAI_BASE_URL (default: https://api.openai.com/v1)
	AIOllamaBaseURL       string  // MEMOSENSE_AI_OLLAMA_BASE_URL (default: http://localhost:11434)
	AIRateLimit           float64 // MEMOSENSE_AI_RATE_LIMIT upstream requests per second (default: 10)

	// Model worker configuration
	WorkerMode         string        // MEMOSENSE_WORKER_MODE: local or process (default: local)
	WorkerBinary       string        // MEMOSENSE_WORKER_BINARY (default: current executable)
	InitTimeout        time.Duration // MEMOSENSE_WORKER_INIT_TIMEOUT (default: 60s)
	EmbedTimeout       time.Duration // MEMOSENSE_WORKER_EMBED_TIMEOUT (default: 10s)
	BatchTimeout       time.Duration // MEMOSENSE_WORKER_BATCH_TIMEOUT (default: 30s)
	ChangeModelTimeout time.Duration // MEMOSENSE_WORKER_CHANGE_MODEL_TIMEOUT (default: 60s)

	// Chunking
	ChunkMaxLength int // MEMOSENSE_CHUNK_MAX_LENGTH (default: 1000)
	ChunkOverlap   int // MEMOSENSE_CHUNK_OVERLAP (default: 100)

	// Result cache
	CacheMaxBytes        int64         // MEMOSENSE_CACHE_MAX_BYTES (default: 50MB)
	CacheTTL             time.Duration // MEMOSENSE_CACHE_TTL (default: 1h)
	CacheCleanupInterval time.Duration // MEMOSENSE_CACHE_CLEANUP_INTERVAL (default: 5m)
	CachePersistLimit    int           // MEMOSENSE_CACHE_PERSIST_LIMIT bytes (default: 10240)

	// Background embedding runner
	EmbeddingInterval time.Duration // MEMOSENSE_EMBEDDING_INTERVAL (default: 2m)
}

const (
	defaultInitTimeout          = timeout.ModelInitTimeout
	defaultEmbedTimeout         = timeout.EmbedTimeout
	defaultBatchTimeout         = timeout.BatchEmbedTimeout
	defaultChangeModelTimeout   = timeout.ChangeModelTimeout
	defaultChunkMaxLength       = 1000
	defaultChunkOverlap         = 100
	defaultCacheMaxBytes        = 50 * 1024 * 1024
	defaultCacheTTL             = time.Hour
	defaultCacheCleanupInterval = 5 * time.Minute
	defaultCachePersistLimit    = 10 * 1024
	defaultEmbeddingInterval    = 2 * time.Minute
	defaultAIRateLimit          = 10
)

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if AI is enabled and at least one API key or base URL is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.AIEnabled && (p.AISiliconFlowAPIKey != "" || p.AIOpenAIAPIKey != "" || p.AIOllamaBaseURL != "")
}

// FromEnv loads configuration from environment variables.
// Supports both MEMOSENSE_* (new) and MEMOS_* (legacy) prefixes.
func (p *Profile) FromEnv() {
	// Skips empty values to allow defaults to take effect
	getEnvWithFallback := func(key string) string {
		if val := os.Getenv("MEMOSENSE_" + key); val != "" {
			return val
		}
		return os.Getenv("MEMOS_" + key)
	}

	getEnvWithDefault := func(key, defaultValue string) string {
		if val := getEnvWithFallback(key); val != "" {
			return val
		}
		return defaultValue
	}

	getIntEnvWithDefault := func(key string, defaultValue int) int {
		raw := getEnvWithFallback(key)
		if raw == "" {
			return defaultValue
		}
		val, err := strconv.Atoi(raw)
		if err != nil {
			slog.Warn("invalid integer in environment, using default", slog.String("key", key), slog.String("value", raw))
			return defaultValue
		}
		return val
	}

	getDurationEnvWithDefault := func(key string, defaultValue time.Duration) time.Duration {
		raw := getEnvWithFallback(key)
		if raw == "" {
			return defaultValue
		}
		val, err := time.ParseDuration(raw)
		if err != nil {
			slog.Warn("invalid duration in environment, using default", slog.String("key", key), slog.String("value", raw))
			return defaultValue
		}
		return val
	}

	p.AIEnabled = getEnvWithFallback("AI_ENABLED") == "true"
	p.AIEmbeddingProvider = getEnvWithDefault("AI_EMBEDDING_PROVIDER", "siliconflow")
	p.AIEmbeddingModel = getEnvWithDefault("AI_EMBEDDING_MODEL", "BAAI/bge-m3")
	p.AIEmbeddingDimensions = getIntEnvWithDefault("AI_EMBEDDING_DIMENSIONS", 1024)
	p.AISiliconFlowAPIKey = getEnvWithFallback("AI_SILICONFLOW_API_KEY")
	p.AISiliconFlowBaseURL = getEnvWithDefault("AI_SILICONFLOW_BASE_URL", "https://api.siliconflow.cn/v1")
	p.AIOpenAIAPIKey = getEnvWithFallback("AI_OPENAI_API_KEY")
	p.AIOpenAIBaseURL = getEnvWithDefault("AI_OPENAI_BASE_URL", "https://api.openai.com/v1")
	p.AIOllamaBaseURL = getEnvWithDefault("AI_OLLAMA_BASE_URL", "http://localhost:11434")
	p.AIRateLimit = float64(getIntEnvWithDefault("AI_RATE_LIMIT", defaultAIRateLimit))

	p.WorkerMode = getEnvWithDefault("WORKER_MODE", "local")
	p.WorkerBinary = getEnvWithFallback("WORKER_BINARY")
	p.InitTimeout = getDurationEnvWithDefault("WORKER_INIT_TIMEOUT", defaultInitTimeout)
	p.EmbedTimeout = getDurationEnvWithDefault("WORKER_EMBED_TIMEOUT", defaultEmbedTimeout)
	p.BatchTimeout = getDurationEnvWithDefault("WORKER_BATCH_TIMEOUT", defaultBatchTimeout)
	p.ChangeModelTimeout = getDurationEnvWithDefault("WORKER_CHANGE_MODEL_TIMEOUT", defaultChangeModelTimeout)

	p.ChunkMaxLength = getIntEnvWithDefault("CHUNK_MAX_LENGTH", defaultChunkMaxLength)
	p.ChunkOverlap = getIntEnvWithDefault("CHUNK_OVERLAP", defaultChunkOverlap)

	p.CacheMaxBytes = int64(getIntEnvWithDefault("CACHE_MAX_BYTES", defaultCacheMaxBytes))
	p.CacheTTL = getDurationEnvWithDefault("CACHE_TTL", defaultCacheTTL)
	p.CacheCleanupInterval = getDurationEnvWithDefault("CACHE_CLEANUP_INTERVAL", defaultCacheCleanupInterval)
	p.CachePersistLimit = getIntEnvWithDefault("CACHE_PERSIST_LIMIT", defaultCachePersistLimit)

	p.EmbeddingInterval = getDurationEnvWithDefault("EMBEDDING_INTERVAL", defaultEmbeddingInterval)
	if p.ContentDir == "" {
		p.ContentDir = getEnvWithFallback("CONTENT_DIR")
	}
}

// applyDefaults fills zero-valued tuning knobs so a hand-built Profile is usable.
func (p *Profile) applyDefaults() {
	if p.AIEmbeddingDimensions <= 0 {
		p.AIEmbeddingDimensions = 1024
	}
	if p.AIRateLimit <= 0 {
		p.AIRateLimit = defaultAIRateLimit
	}
	if p.WorkerMode == "" {
		p.WorkerMode = "local"
	}
	if p.InitTimeout <= 0 {
		p.InitTimeout = defaultInitTimeout
	}
	if p.EmbedTimeout <= 0 {
		p.EmbedTimeout = defaultEmbedTimeout
	}
	if p.BatchTimeout <= 0 {
		p.BatchTimeout = defaultBatchTimeout
	}
	if p.ChangeModelTimeout <= 0 {
		p.ChangeModelTimeout = defaultChangeModelTimeout
	}
	if p.ChunkMaxLength <= 0 {
		p.ChunkMaxLength = defaultChunkMaxLength
	}
	if p.ChunkOverlap < 0 {
		p.ChunkOverlap = 0
	}
	if p.CacheMaxBytes <= 0 {
		p.CacheMaxBytes = defaultCacheMaxBytes
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = defaultCacheTTL
	}
	if p.CacheCleanupInterval <= 0 {
		p.CacheCleanupInterval = defaultCacheCleanupInterval
	}
	if p.CachePersistLimit <= 0 {
		p.CachePersistLimit = defaultCachePersistLimit
	}
	if p.EmbeddingInterval <= 0 {
		p.EmbeddingInterval = defaultEmbeddingInterval
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	p.applyDefaults()

	if p.ChunkOverlap >= p.ChunkMaxLength {
		return errors.Errorf("chunk overlap %d must be smaller than chunk max length %d", p.ChunkOverlap, p.ChunkMaxLength)
	}
	if p.WorkerMode != "local" && p.WorkerMode != "process" {
		return errors.Errorf("unsupported worker mode %q", p.WorkerMode)
	}

	// The memory driver keeps nothing on disk.
	if p.Driver == "memory" {
		return nil
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "memosense")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/memosense"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("memosense_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	// Content lives apart from the database files in the data directory.
	if p.ContentDir == "" {
		p.ContentDir = filepath.Join(dataDir, "content")
		if err := os.MkdirAll(p.ContentDir, 0770); err != nil {
			return errors.Wrapf(err, "failed to create content directory %s", p.ContentDir)
		}
	}

	return nil
}
