// Package config provides configuration types and loading for kairon.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Store      StoreConfig      `json:"store"`
	Model      ModelConfig      `json:"model"`
	Providers  ProvidersConfig  `json:"providers"`
	Router     RouterConfig     `json:"router"`
	Extraction ExtractionConfig `json:"extraction"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Ingress    IngressConfig    `json:"ingress"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
}

// ---------------------------------------------------------------------------
// Store – ledger database
// ---------------------------------------------------------------------------

// StoreConfig selects the ledger database. Driver is "sqlite" or "postgres".
// Path is used for sqlite, DSN for postgres.
type StoreConfig struct {
	Driver string `json:"driver" envconfig:"DRIVER"`
	Path   string `json:"path" envconfig:"DB_PATH"`
	DSN    string `json:"dsn" envconfig:"DSN"`
}

// Target returns the data source for the configured driver.
func (s StoreConfig) Target() string {
	if s.Driver == "postgres" || s.Driver == "pgx" {
		return s.DSN
	}
	return s.Path
}

// ---------------------------------------------------------------------------
// Model – reasoning calls
// ---------------------------------------------------------------------------

// ModelConfig groups reasoning model settings. Names use "provider/model".
type ModelConfig struct {
	Name          string        `json:"name" envconfig:"NAME"`
	Fallback      string        `json:"fallback" envconfig:"FALLBACK"`
	MaxTokens     int           `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature   float64       `json:"temperature" envconfig:"TEMPERATURE"`
	Timeout       time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	RatePerSecond float64       `json:"ratePerSecond" envconfig:"RATE_PER_SECOND"`
	Burst         int           `json:"burst" envconfig:"BURST"`
}

// ---------------------------------------------------------------------------
// Providers – OpenAI-compatible endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains API credentials per provider.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	VLLM       ProviderConfig `json:"vllm"`
	Ollama     ProviderConfig `json:"ollama"`
}

// ProviderConfig contains credentials for one endpoint.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// RouterConfig configures classification fallback.
type RouterConfig struct {
	ConfidenceThreshold float64 `json:"confidenceThreshold" envconfig:"CONFIDENCE_THRESHOLD"`
}

// ExtractionConfig configures the multi-extraction gate.
type ExtractionConfig struct {
	MinConfidence         float64 `json:"minConfidence" envconfig:"MIN_CONFIDENCE"`
	AutoConfirmConfidence float64 `json:"autoConfirmConfidence" envconfig:"AUTO_CONFIRM_CONFIDENCE"`
	VocabularyLimit       int     `json:"vocabularyLimit" envconfig:"VOCABULARY_LIMIT"`
}

// PipelineConfig bounds concurrent runs.
type PipelineConfig struct {
	Source            string `json:"source" envconfig:"SOURCE"`
	MaxConcurrentRuns int    `json:"maxConcurrentRuns" envconfig:"MAX_CONCURRENT_RUNS"`
	QueueSize         int    `json:"queueSize" envconfig:"QUEUE_SIZE"`
	HistoryLimit      int    `json:"historyLimit" envconfig:"HISTORY_LIMIT"`
	// PulseWindow is how far back a scheduled pulse looks for records.
	PulseWindow time.Duration `json:"pulseWindow" envconfig:"PULSE_WINDOW"`
}

// ---------------------------------------------------------------------------
// Ingress – inbound submissions
// ---------------------------------------------------------------------------

// IngressConfig groups inbound transports.
type IngressConfig struct {
	HTTP  HTTPIngressConfig  `json:"http"`
	Kafka KafkaIngressConfig `json:"kafka"`
}

// HTTPIngressConfig configures the webhook listener.
type HTTPIngressConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Addr    string `json:"addr" envconfig:"ADDR"`
}

// KafkaIngressConfig configures the Kafka consumer. Brokers is comma separated.
type KafkaIngressConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
	GroupID string `json:"groupId" envconfig:"GROUP_ID"`
}

// ---------------------------------------------------------------------------
// Scheduler – cron-based triggers
// ---------------------------------------------------------------------------

// SchedulerConfig contains settings for the cron scheduler.
type SchedulerConfig struct {
	Enabled       bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval  time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	PendingExpiry time.Duration `json:"pendingExpiry" envconfig:"PENDING_EXPIRY"`
	Jobs          []JobConfig   `json:"jobs"`
}

// JobConfig is one scheduled trigger.
type JobConfig struct {
	Name   string `json:"name"`
	Cron   string `json:"cron"`
	Reason string `json:"reason"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.kairon/kairon.db",
		},
		Model: ModelConfig{
			Name:          "openai/gpt-4o-mini",
			MaxTokens:     1024,
			Temperature:   0.2,
			Timeout:       30 * time.Second,
			RatePerSecond: 2,
			Burst:         4,
		},
		Router: RouterConfig{
			ConfidenceThreshold: 0.5,
		},
		Extraction: ExtractionConfig{
			MinConfidence:         0.5,
			AutoConfirmConfidence: 0.8,
			VocabularyLimit:       20,
		},
		Pipeline: PipelineConfig{
			Source:            "kairon",
			MaxConcurrentRuns: 4,
			QueueSize:         100,
			HistoryLimit:      20,
			PulseWindow:       24 * time.Hour,
		},
		Ingress: IngressConfig{
			HTTP: HTTPIngressConfig{
				Enabled: true,
				Addr:    "127.0.0.1:18800",
			},
			Kafka: KafkaIngressConfig{
				Topic:   "kairon.events",
				GroupID: "kairon",
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:      false,
			TickInterval: 60 * time.Second,
			Jobs: []JobConfig{
				{Name: "proactive", Cron: "0 9,18 * * *", Reason: "daily check-in"},
			},
		},
	}
}
