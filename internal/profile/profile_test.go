package profile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// TestAIProfileDefaults 测试 AI 配置的默认值
func TestAIProfileDefaults(t *testing.T) {
	// 清除环境变量
	clearEnvVars(t)

	profile := &Profile{}
	profile.FromEnv()

	tests := []struct {
		name     string
		expected string
		actual   string
	}{
		{"AIEnabled should be false by default", "false", boolToString(profile.AIEnabled)},
		{"AIEmbeddingProvider default", "siliconflow", profile.AIEmbeddingProvider},
		{"AISiliconFlowBaseURL default", "https://api.siliconflow.cn/v1", profile.AISiliconFlowBaseURL},
		{"AIOpenAIBaseURL default", "https://api.openai.com/v1", profile.AIOpenAIBaseURL},
		{"AIOllamaBaseURL default", "http://localhost:11434", profile.AIOllamaBaseURL},
		{"AIEmbeddingModel default", "BAAI/bge-m3", profile.AIEmbeddingModel},
		{"WorkerMode default", "local", profile.WorkerMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.actual != tt.expected {
				t.Errorf("%s: expected %q, got %q", tt.name, tt.expected, tt.actual)
			}
		})
	}

	if profile.AIEmbeddingDimensions != 1024 {
		t.Errorf("AIEmbeddingDimensions: expected 1024, got %d", profile.AIEmbeddingDimensions)
	}
	if profile.EmbedTimeout != 10*time.Second || profile.BatchTimeout != 30*time.Second {
		t.Errorf("unexpected worker timeouts: embed=%v batch=%v", profile.EmbedTimeout, profile.BatchTimeout)
	}
	if profile.InitTimeout != 60*time.Second || profile.ChangeModelTimeout != 60*time.Second {
		t.Errorf("unexpected worker timeouts: init=%v change=%v", profile.InitTimeout, profile.ChangeModelTimeout)
	}
	if profile.ChunkMaxLength != 1000 || profile.ChunkOverlap != 100 {
		t.Errorf("unexpected chunking defaults: %d/%d", profile.ChunkMaxLength, profile.ChunkOverlap)
	}
	if profile.CacheTTL != time.Hour || profile.CacheCleanupInterval != 5*time.Minute {
		t.Errorf("unexpected cache defaults: ttl=%v cleanup=%v", profile.CacheTTL, profile.CacheCleanupInterval)
	}
	if profile.CachePersistLimit != 10*1024 {
		t.Errorf("CachePersistLimit: expected 10240, got %d", profile.CachePersistLimit)
	}
}

// TestAIProfileFromEnv 测试从环境变量读取配置
func TestAIProfileFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		envValue string
		field    func(*Profile) string
		expected string
	}{
		{
			name:     "MEMOSENSE_AI_ENABLED=true",
			envVar:   "MEMOSENSE_AI_ENABLED",
			envValue: "true",
			field:    func(p *Profile) string { return boolToString(p.AIEnabled) },
			expected: "true",
		},
		{
			name:     "legacy MEMOS_AI_ENABLED=true",
			envVar:   "MEMOS_AI_ENABLED",
			envValue: "true",
			field:    func(p *Profile) string { return boolToString(p.AIEnabled) },
			expected: "true",
		},
		{
			name:     "MEMOSENSE_AI_EMBEDDING_PROVIDER",
			envVar:   "MEMOSENSE_AI_EMBEDDING_PROVIDER",
			envValue: "openai",
			field:    func(p *Profile) string { return p.AIEmbeddingProvider },
			expected: "openai",
		},
		{
			name:     "legacy MEMOS_AI_SILICONFLOW_API_KEY",
			envVar:   "MEMOS_AI_SILICONFLOW_API_KEY",
			envValue: "test-key-123",
			field:    func(p *Profile) string { return p.AISiliconFlowAPIKey },
			expected: "test-key-123",
		},
		{
			name:     "MEMOSENSE_AI_OPENAI_BASE_URL",
			envVar:   "MEMOSENSE_AI_OPENAI_BASE_URL",
			envValue: "https://custom.openai.proxy/v1",
			field:    func(p *Profile) string { return p.AIOpenAIBaseURL },
			expected: "https://custom.openai.proxy/v1",
		},
		{
			name:     "MEMOSENSE_CONTENT_DIR",
			envVar:   "MEMOSENSE_CONTENT_DIR",
			envValue: "/srv/notes",
			field:    func(p *Profile) string { return p.ContentDir },
			expected: "/srv/notes",
		},
		{
			name:     "MEMOSENSE_WORKER_MODE",
			envVar:   "MEMOSENSE_WORKER_MODE",
			envValue: "process",
			field:    func(p *Profile) string { return p.WorkerMode },
			expected: "process",
		},
		{
			name:     "MEMOSENSE_WORKER_EMBED_TIMEOUT",
			envVar:   "MEMOSENSE_WORKER_EMBED_TIMEOUT",
			envValue: "250ms",
			field:    func(p *Profile) string { return p.EmbedTimeout.String() },
			expected: "250ms",
		},
		{
			name:     "invalid duration falls back to default",
			envVar:   "MEMOSENSE_WORKER_BATCH_TIMEOUT",
			envValue: "soon",
			field:    func(p *Profile) string { return p.BatchTimeout.String() },
			expected: "30s",
		},
		{
			name:     "MEMOSENSE_CHUNK_MAX_LENGTH",
			envVar:   "MEMOSENSE_CHUNK_MAX_LENGTH",
			envValue: "400",
			field:    func(p *Profile) string { return strconv.Itoa(p.ChunkMaxLength) },
			expected: "400",
		},
		{
			name:     "invalid integer falls back to default",
			envVar:   "MEMOSENSE_AI_EMBEDDING_DIMENSIONS",
			envValue: "many",
			field:    func(p *Profile) string { return strconv.Itoa(p.AIEmbeddingDimensions) },
			expected: "1024",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			t.Setenv(tt.envVar, tt.envValue)

			profile := &Profile{}
			profile.FromEnv()

			actual := tt.field(profile)
			if actual != tt.expected {
				t.Errorf("%s: expected %q, got %q", tt.name, tt.expected, actual)
			}
		})
	}
}

// TestNewPrefixWins 测试新前缀优先于旧前缀
func TestNewPrefixWins(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("MEMOSENSE_AI_EMBEDDING_MODEL", "new-model")
	t.Setenv("MEMOS_AI_EMBEDDING_MODEL", "legacy-model")

	profile := &Profile{}
	profile.FromEnv()

	if profile.AIEmbeddingModel != "new-model" {
		t.Errorf("expected new-model, got %q", profile.AIEmbeddingModel)
	}
}

// TestIsAIEnabled 测试 IsAIEnabled 逻辑
func TestIsAIEnabled(t *testing.T) {
	tests := []struct {
		name           string
		setup          func(*Profile)
		expectedResult bool
	}{
		{
			name:           "AIEnabled=false should return false",
			setup:          func(p *Profile) { p.AIEnabled = false },
			expectedResult: false,
		},
		{
			name:           "AIEnabled=true but no API key should return false",
			setup:          func(p *Profile) { p.AIEnabled = true },
			expectedResult: false,
		},
		{
			name: "AIEnabled=true with SiliconFlow API key should return true",
			setup: func(p *Profile) {
				p.AIEnabled = true
				p.AISiliconFlowAPIKey = "test-key"
			},
			expectedResult: true,
		},
		{
			name: "AIEnabled=true with OpenAI API key should return true",
			setup: func(p *Profile) {
				p.AIEnabled = true
				p.AIOpenAIAPIKey = "test-key"
			},
			expectedResult: true,
		},
		{
			name: "AIEnabled=true with Ollama base URL should return true",
			setup: func(p *Profile) {
				p.AIEnabled = true
				p.AIOllamaBaseURL = "http://localhost:11434"
			},
			expectedResult: true,
		},
		{
			name: "AIEnabled=false with API keys should return false",
			setup: func(p *Profile) {
				p.AIEnabled = false
				p.AISiliconFlowAPIKey = "test-key"
				p.AIOpenAIAPIKey = "test-key"
			},
			expectedResult: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := &Profile{}
			tt.setup(profile)
			result := profile.IsAIEnabled()
			if result != tt.expectedResult {
				t.Errorf("IsAIEnabled(): expected %v, got %v", tt.expectedResult, result)
			}
		})
	}
}

// TestValidate 测试配置校验
func TestValidate(t *testing.T) {
	t.Run("sqlite DSN derived from data dir", func(t *testing.T) {
		dir := t.TempDir()
		p := &Profile{Mode: "dev", Driver: "sqlite", Data: dir}
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if p.DSN != filepath.Join(dir, "memosense_dev.db") {
			t.Errorf("unexpected DSN %q", p.DSN)
		}
		if p.ChunkMaxLength != 1000 || p.EmbedTimeout != 10*time.Second {
			t.Errorf("defaults not applied: %+v", p)
		}
	})

	t.Run("content dir is a subdirectory of data", func(t *testing.T) {
		dir := t.TempDir()
		p := &Profile{Mode: "dev", Driver: "sqlite", Data: dir}
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		want := filepath.Join(dir, "content")
		if p.ContentDir != want {
			t.Errorf("expected content dir %q, got %q", want, p.ContentDir)
		}
		if info, err := os.Stat(want); err != nil || !info.IsDir() {
			t.Errorf("content dir not created: %v", err)
		}
		if filepath.Dir(p.DSN) == p.ContentDir {
			t.Errorf("DSN %q must not live in the content dir", p.DSN)
		}
	})

	t.Run("explicit content dir kept", func(t *testing.T) {
		dir := t.TempDir()
		p := &Profile{Mode: "dev", Driver: "sqlite", Data: dir, ContentDir: "/srv/notes"}
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if p.ContentDir != "/srv/notes" {
			t.Errorf("unexpected content dir %q", p.ContentDir)
		}
	})

	t.Run("unknown mode becomes demo", func(t *testing.T) {
		p := &Profile{Mode: "staging", Driver: "memory"}
		if err := p.Validate(); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if p.Mode != "demo" {
			t.Errorf("expected demo, got %q", p.Mode)
		}
	})

	t.Run("missing data dir", func(t *testing.T) {
		p := &Profile{Mode: "dev", Driver: "sqlite", Data: filepath.Join(t.TempDir(), "missing")}
		if err := p.Validate(); err == nil {
			t.Error("expected error for missing data dir")
		}
	})

	t.Run("overlap not smaller than max length", func(t *testing.T) {
		p := &Profile{Mode: "dev", Driver: "memory", ChunkMaxLength: 100, ChunkOverlap: 100}
		if err := p.Validate(); err == nil {
			t.Error("expected error for overlap >= max length")
		}
	})

	t.Run("unsupported worker mode", func(t *testing.T) {
		p := &Profile{Mode: "dev", Driver: "memory", WorkerMode: "thread"}
		if err := p.Validate(); err == nil {
			t.Error("expected error for unsupported worker mode")
		}
	})
}

// Helper functions

func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "MEMOSENSE_") || strings.HasPrefix(key, "MEMOS_") {
			// t.Setenv restores the original value after the test.
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func boolToString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
