package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".kairon"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("KAIRON_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("KAIRON_HOME")); h != "" {
		return expandHome(h)
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/kairon/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}
	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.OpenRouter.APIKey == "" {
		cfg.Providers.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.Store.Path, err = expandHome(cfg.Store.Path); err != nil {
		return nil, err
	}
	normalize(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		spec   any
	}{
		{"KAIRON_STORE", &cfg.Store},
		{"KAIRON_MODEL", &cfg.Model},
		{"KAIRON_OPENAI", &cfg.Providers.OpenAI},
		{"KAIRON_OPENROUTER", &cfg.Providers.OpenRouter},
		{"KAIRON_GROQ", &cfg.Providers.Groq},
		{"KAIRON_DEEPSEEK", &cfg.Providers.DeepSeek},
		{"KAIRON_VLLM", &cfg.Providers.VLLM},
		{"KAIRON_OLLAMA", &cfg.Providers.Ollama},
		{"KAIRON_ROUTER", &cfg.Router},
		{"KAIRON_EXTRACTION", &cfg.Extraction},
		{"KAIRON_PIPELINE", &cfg.Pipeline},
		{"KAIRON_INGRESS_HTTP", &cfg.Ingress.HTTP},
		{"KAIRON_INGRESS_KAFKA", &cfg.Ingress.Kafka},
		{"KAIRON_SCHEDULER", &cfg.Scheduler},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}
	return nil
}

// normalize clamps values that would break the pipeline back to defaults.
func normalize(cfg *Config) {
	d := DefaultConfig()
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = d.Store.Driver
	}
	if cfg.Router.ConfidenceThreshold <= 0 || cfg.Router.ConfidenceThreshold > 1 {
		cfg.Router.ConfidenceThreshold = d.Router.ConfidenceThreshold
	}
	if cfg.Extraction.MinConfidence <= 0 || cfg.Extraction.MinConfidence > 1 {
		cfg.Extraction.MinConfidence = d.Extraction.MinConfidence
	}
	if cfg.Extraction.AutoConfirmConfidence < cfg.Extraction.MinConfidence || cfg.Extraction.AutoConfirmConfidence > 1 {
		cfg.Extraction.AutoConfirmConfidence = d.Extraction.AutoConfirmConfidence
	}
	if cfg.Extraction.VocabularyLimit <= 0 {
		cfg.Extraction.VocabularyLimit = d.Extraction.VocabularyLimit
	}
	if cfg.Pipeline.MaxConcurrentRuns <= 0 {
		cfg.Pipeline.MaxConcurrentRuns = d.Pipeline.MaxConcurrentRuns
	}
	if cfg.Pipeline.QueueSize <= 0 {
		cfg.Pipeline.QueueSize = d.Pipeline.QueueSize
	}
	if cfg.Pipeline.PulseWindow <= 0 {
		cfg.Pipeline.PulseWindow = d.Pipeline.PulseWindow
	}
	if cfg.Pipeline.Source == "" {
		cfg.Pipeline.Source = d.Pipeline.Source
	}
	if cfg.Model.Timeout <= 0 {
		cfg.Model.Timeout = d.Model.Timeout
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = d.Scheduler.TickInterval
	}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// loadConfigObject reads one file, merging its "$include" files first and
// substituting ${VAR} references from the environment.
func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includes, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		for _, inc := range includes {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(filepath.Dir(absPath), inc)
			}
			child, err := loadConfigObject(inc, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, ok := val.(map[string]any)
		if !ok {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			name := envPattern.FindStringSubmatch(match)[1]
			if value, ok := os.LookupEnv(name); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
