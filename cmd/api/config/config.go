package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// envPrefix marks YAML string values that must be resolved from the environment.
const envPrefix = "OS_ENV_"

const (
	MemoryModeWindow  = "window"
	MemoryModeSummary = "summary"
)

// Config is built once by Load and handed by value to every constructor.
type Config struct {
	Sources  SourcesConfig  `yaml:"sources"`
	LLM      LLMConfig      `yaml:"llm_config"`
	Limits   LimitsConfig   `yaml:"limits"`
	Memory   MemoryConfig   `yaml:"memory"`
	Index    IndexConfig    `yaml:"index_settings"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type SourcesConfig struct {
	URLs       []string `yaml:"urls"`
	GithubOrgs []string `yaml:"github_orgs"`
}

type LLMConfig struct {
	DefaultLLM  string  `yaml:"default_llm"`
	FastLLM     string  `yaml:"fast_llm"`
	EmbedModel  string  `yaml:"embed_model"`
	APIKey      string  `yaml:"api_key"`
	GithubToken string  `yaml:"github_token"`
	Temperature float32 `yaml:"temperature"`
	// TokenizerModel names the tokenizer used for every count; the Gemini
	// tokenizer is not available offline so an OpenAI encoding stands in.
	TokenizerModel string `yaml:"tokenizer_model"`
}

// LimitsConfig ceilings apply per user identifier. A value <= 0 disables that ceiling.
type LimitsConfig struct {
	MaxQuestions     int `yaml:"max_questions"`
	MaxWords         int `yaml:"max_words"`
	MaxTotalTokens   int `yaml:"max_total_tokens"`
	MaxMessageTokens int `yaml:"max_message_tokens"`
}

type MemoryConfig struct {
	Mode                string `yaml:"mode"`
	SummarizeAfterTurns int    `yaml:"summarize_after_turns"`
	SummaryMaxTokens    int    `yaml:"summary_max_tokens"`
	SummarizerMaxInput  int    `yaml:"summarizer_max_input_tokens"`
	ContextTokens       int    `yaml:"context_tokens"`
	WindowMaxTurns      int    `yaml:"window_max_turns"`
}

type IndexConfig struct {
	ForceReload  bool `yaml:"force_reload"`
	Incremental  bool `yaml:"incremental"`
	TopK         int  `yaml:"top_k"`
	ChunkSize    int  `yaml:"chunk_size"`
	ChunkOverlap int  `yaml:"chunk_overlap"`
	EmbedBatch   int  `yaml:"embed_batch_size"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ServerConfig struct {
	Port                 string        `yaml:"port"`
	AllowedOrigins       []string      `yaml:"allowed_origins"`
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	SessionCheckInterval time.Duration `yaml:"session_check_interval"`
}

type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used for every key the YAML file omits.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			DefaultLLM:     "gemini-1.5-pro",
			FastLLM:        "gemini-1.5-flash",
			EmbedModel:     "text-embedding-004",
			Temperature:    0.1,
			TokenizerModel: "gpt-4",
		},
		Limits: LimitsConfig{
			MaxQuestions:     1000,
			MaxWords:         100000,
			MaxTotalTokens:   8192,
			MaxMessageTokens: 4096,
		},
		Memory: MemoryConfig{
			Mode:                MemoryModeSummary,
			SummarizeAfterTurns: 4,
			SummarizerMaxInput:  4096,
			ContextTokens:       4096,
			WindowMaxTurns:      50,
		},
		Index: IndexConfig{
			TopK:         5,
			ChunkSize:    1024,
			ChunkOverlap: 20,
			EmbedBatch:   100,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		Server: ServerConfig{
			Port:                 "3000",
			AllowedOrigins:       []string{"http://localhost:5173"},
			SessionTimeout:       30 * time.Minute,
			SessionCheckInterval: time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "bossdb_rag.log",
		},
	}
}

// Load reads .env, then the YAML file at path, and returns the resolved configuration.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes YAML config data. Values of the form OS_ENV_<NAME> are
// replaced by the environment variable NAME, which must be set.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default()

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(root.Content) > 0 {
		if err := resolveEnv(&root, lookupEnv); err != nil {
			return Config{}, err
		}
		if err := root.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	applyEnvFallbacks(&cfg, lookupEnv)
	if cfg.Memory.SummaryMaxTokens <= 0 {
		cfg.Memory.SummaryMaxTokens = cfg.Limits.MaxTotalTokens / 4
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveEnv(node *yaml.Node, lookupEnv func(string) (string, bool)) error {
	if node.Kind == yaml.ScalarNode && strings.HasPrefix(node.Value, envPrefix) {
		name := strings.TrimPrefix(node.Value, envPrefix)
		value, ok := lookupEnv(name)
		if !ok {
			return fmt.Errorf("required environment variable %s not set", name)
		}
		node.Value = value
		node.Tag = ""
		return nil
	}
	for _, child := range node.Content {
		if err := resolveEnv(child, lookupEnv); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvFallbacks(cfg *Config, lookupEnv func(string) (string, bool)) {
	getenv := func(key string) string {
		v, _ := lookupEnv(key)
		return v
	}

	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = getenv("GOOGLE_AI_STUDIO_API_KEY")
	}
	if cfg.LLM.GithubToken == "" {
		cfg.LLM.GithubToken = getenv("GITHUB_TOKEN")
	}
	if port := getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	if cfg.Database.DSN == "" && getenv("DB_HOST") != "" {
		cfg.Database.DSN = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			getenv("DB_HOST"),
			getenv("DB_USER"),
			getenv("DB_PASSWORD"),
			getenv("DB_NAME"),
			getenv("DB_PORT"),
		)
	}
}

func (c Config) validate() error {
	switch c.Memory.Mode {
	case MemoryModeWindow, MemoryModeSummary:
	default:
		return fmt.Errorf("invalid memory mode %q: must be %q or %q", c.Memory.Mode, MemoryModeWindow, MemoryModeSummary)
	}
	if c.Memory.ContextTokens <= 0 {
		return fmt.Errorf("memory.context_tokens must be positive")
	}
	if c.Index.TopK <= 0 {
		return fmt.Errorf("index_settings.top_k must be positive")
	}
	if c.Index.ChunkOverlap >= c.Index.ChunkSize {
		return fmt.Errorf("index_settings.chunk_overlap must be smaller than chunk_size")
	}
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}
