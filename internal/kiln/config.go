package kiln

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultCacheDir     = "/var/cache/kiln"
	defaultRetryBackoff = 2 * time.Second
)

// Config struct
type Config struct {
	Values map[string]string

	CacheDir     string
	TmpDir       string
	Retries      int
	RetryBackoff time.Duration
	Jobs         int
	Mirror       Mirror
	Platform     Platform
}

// Mirror rewrites source URLs starting with From to start with To.
type Mirror struct {
	From string
	To   string
}

// Apply returns url with the mirror prefix substituted, or url unchanged.
func (m Mirror) Apply(url string) string {
	if m.From != "" && strings.HasPrefix(url, m.From) {
		return m.To + strings.TrimPrefix(url, m.From)
	}
	return url
}

// Load the config file and apply KILN_* environment overrides
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// A missing file is fine, defaults and the environment still apply.
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}

	mergeEnvOverrides(cfg)

	if err := initConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge KILN_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "KILN_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}

	// TMPDIR comes from the environment unless the file pins it
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		if _, exists := cfg.Values["TMPDIR"]; !exists {
			cfg.Values["TMPDIR"] = tmp
		}
	}
}

// initConfig validates the raw values and fills the typed fields.
func initConfig(cfg *Config) error {
	cfg.CacheDir = cfg.Values["KILN_CACHE_DIR"]
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir
	}

	cfg.TmpDir = cfg.Values["TMPDIR"]
	if cfg.TmpDir == "" {
		cfg.TmpDir = "/tmp"
	}

	Debug = cfg.Values["KILN_DEBUG"] == "1"

	cfg.Retries = 0
	if v := cfg.Values["KILN_RETRIES"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid KILN_RETRIES %q: must be a non-negative integer", v)
		}
		cfg.Retries = n
	}

	cfg.RetryBackoff = defaultRetryBackoff
	if v := cfg.Values["KILN_RETRY_BACKOFF"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid KILN_RETRY_BACKOFF %q: must be a duration like 2s", v)
		}
		cfg.RetryBackoff = d
	}

	cfg.Jobs = 1
	if v := cfg.Values["KILN_JOBS"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid KILN_JOBS %q: must be a positive integer", v)
		}
		cfg.Jobs = n
	}

	cfg.Mirror = Mirror{}
	if v := cfg.Values["KILN_SOURCE_MIRROR"]; v != "" {
		from, to, ok := strings.Cut(v, "=")
		if !ok || from == "" || to == "" {
			return fmt.Errorf("invalid KILN_SOURCE_MIRROR %q: expected from=to", v)
		}
		cfg.Mirror = Mirror{From: from, To: to}
		debugf("=> Using source mirror: %s -> %s\n", from, to)
	}

	cfg.Platform = HostPlatform()
	if v := cfg.Values["KILN_PLATFORM"]; v != "" {
		p, err := ParsePlatform(v)
		if err != nil {
			return fmt.Errorf("invalid KILN_PLATFORM: %w", err)
		}
		cfg.Platform = p
	}

	return nil
}

// FetchOptions derives the Fetcher settings from the configuration.
func (cfg *Config) FetchOptions() FetchOptions {
	return FetchOptions{
		CacheDir: cfg.SourcesDir(),
		Retries:  cfg.Retries,
		Backoff:  cfg.RetryBackoff,
		Mirror:   cfg.Mirror,
	}
}

// SourcesDir is where verified source artifacts are cached.
func (cfg *Config) SourcesDir() string {
	return cfg.CacheDir + "/sources"
}

// LogsDir is where compressed build logs are kept.
func (cfg *Config) LogsDir() string {
	return cfg.CacheDir + "/logs"
}
