package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// envFileCandidates lists env files in load order. KAIRON_ENV_FILE comes first.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("KAIRON_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".config", "kairon", "env"),
			filepath.Join(home, ConfigDir, "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}
	return out
}

// LoadEnvFileCandidates sets variables from every readable candidate file.
// Variables already present in the process environment win.
func LoadEnvFileCandidates() {
	seen := make(map[string]bool)
	for _, p := range envFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		_ = loadEnvFile(p)
	}
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, val)
		}
	}
	return sc.Err()
}

// parseEnvLine accepts KEY=VALUE, optionally prefixed by "export " and with
// the value wrapped in matching quotes.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if n := len(val); n >= 2 && (val[0] == '"' || val[0] == '\'') && val[n-1] == val[0] {
		val = val[1 : n-1]
	}
	return key, val, true
}
