// Package config loads searchsync configuration from the environment and from the
// index-group YAML file.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Environment variables (all optional unless noted):
//
//	SEARCHSYNC_ENTITY_API_URL   entity service base URL (required by the service and CLI)
//	SEARCHSYNC_SEARCH_URLS      comma separated search engine URLs (default http://localhost:9200)
//	SEARCHSYNC_SEARCH_USERNAME / SEARCHSYNC_SEARCH_PASSWORD
//	SEARCHSYNC_CONFIG_FILE      index group YAML (default ./searchsync.yaml)
//	SEARCHSYNC_EXCLUSIONS_FILE  public exclusion table YAML
//	SEARCHSYNC_ORGAN_TYPES_FILE organ code -> term YAML
//	SEARCHSYNC_SOFT_ASSAY_URL / SEARCHSYNC_DESCENDANTS_URL  transformer resources
//	SEARCHSYNC_WORKERS          worker pool size (default 2*NumCPU)
//	SEARCHSYNC_HTTP_ADDR        listen address (default :8080)
//	SEARCHSYNC_HTTP_TIMEOUT     entity service request timeout (default 60s)
//	SEARCHSYNC_LOG_LEVEL / SEARCHSYNC_LOG_PRETTY
//	SEARCHSYNC_LEDGER_DRIVER    fs|s3|memory|sqlite|postgres (default fs)
//	SEARCHSYNC_LEDGER_FS_ROOT   directory for fs ledger (default ./rebuild-ops)
//	SEARCHSYNC_LEDGER_S3_BUCKET / _REGION / _ENDPOINT / _PATH_STYLE
//	SEARCHSYNC_LEDGER_SQLITE_PATH (default ./searchsync.db)
//	SEARCHSYNC_LEDGER_POSTGRES_DSN
//	SEARCHSYNC_CATCHUP_CEILING  max candidate ids per catch-up (default 10000)
//	SEARCHSYNC_HEALTH_TIMEOUT   go-live health wait (default 5m)
//	SEARCHSYNC_SWEEP_PAGE_SIZE  reconciliation page size (default 10000)
const envPrefix = "SEARCHSYNC_"

// Config is the immutable process configuration.
type Config struct {
	EntityAPIURL   string
	SearchURLs     []string
	SearchUsername string
	SearchPassword string
	ConfigFile     string
	ExclusionsFile string
	OrganTypesFile string
	SoftAssayURL   string
	DescendantsURL string
	Workers        int
	HTTPAddr       string
	HTTPTimeout    time.Duration
	LogLevel       string
	LogPretty      bool
	Ledger         LedgerConfig
	CatchUpCeiling int
	HealthTimeout  time.Duration
	SweepPageSize  int
}

// LedgerConfig selects the rebuild operation record backend.
type LedgerConfig struct {
	Driver      string
	FSRoot      string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	SQLitePath  string
	PostgresDSN string
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	env := envReader{lookup: lookup}
	cfg := Config{
		EntityAPIURL:   strings.TrimRight(env.str("ENTITY_API_URL", ""), "/"),
		SearchURLs:     env.list("SEARCH_URLS", []string{"http://localhost:9200"}),
		SearchUsername: env.str("SEARCH_USERNAME", ""),
		SearchPassword: env.str("SEARCH_PASSWORD", ""),
		ConfigFile:     env.str("CONFIG_FILE", "searchsync.yaml"),
		ExclusionsFile: env.str("EXCLUSIONS_FILE", ""),
		OrganTypesFile: env.str("ORGAN_TYPES_FILE", ""),
		SoftAssayURL:   env.str("SOFT_ASSAY_URL", ""),
		DescendantsURL: env.str("DESCENDANTS_URL", ""),
		Workers:        env.integer("WORKERS", 2*runtime.NumCPU()),
		HTTPAddr:       env.str("HTTP_ADDR", ":8080"),
		HTTPTimeout:    env.duration("HTTP_TIMEOUT", 60*time.Second),
		LogLevel:       env.str("LOG_LEVEL", "info"),
		LogPretty:      env.boolean("LOG_PRETTY", false),
		Ledger: LedgerConfig{
			Driver:      env.str("LEDGER_DRIVER", "fs"),
			FSRoot:      env.str("LEDGER_FS_ROOT", "./rebuild-ops"),
			S3Bucket:    env.str("LEDGER_S3_BUCKET", ""),
			S3Region:    env.str("LEDGER_S3_REGION", ""),
			S3Endpoint:  env.str("LEDGER_S3_ENDPOINT", ""),
			S3PathStyle: env.boolean("LEDGER_S3_PATH_STYLE", false),
			SQLitePath:  env.str("LEDGER_SQLITE_PATH", "searchsync.db"),
			PostgresDSN: env.str("LEDGER_POSTGRES_DSN", ""),
		},
		CatchUpCeiling: env.integer("CATCHUP_CEILING", 10000),
		HealthTimeout:  env.duration("HEALTH_TIMEOUT", 5*time.Minute),
		SweepPageSize:  env.integer("SWEEP_PAGE_SIZE", 10000),
	}
	if env.err != nil {
		return Config{}, env.err
	}
	if cfg.Workers < 1 {
		return Config{}, errors.Errorf("%sWORKERS must be positive, got %d", envPrefix, cfg.Workers)
	}
	if cfg.SweepPageSize < 1 {
		return Config{}, errors.Errorf("%sSWEEP_PAGE_SIZE must be positive, got %d", envPrefix, cfg.SweepPageSize)
	}
	return cfg, nil
}

// Validate checks the settings every entrypoint needs.
func (c Config) Validate() error {
	if c.EntityAPIURL == "" {
		return errors.Errorf("%sENTITY_API_URL is required", envPrefix)
	}
	if len(c.SearchURLs) == 0 {
		return errors.Errorf("%sSEARCH_URLS is required", envPrefix)
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) raw(key string) (string, bool) {
	v, ok := e.lookup(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key, fallback string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return fallback
}

func (e *envReader) list(key string, fallback []string) []string {
	v, ok := e.raw(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *envReader) integer(key string, fallback int) int {
	v, ok := e.raw(key)
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil && e.err == nil {
		e.err = errors.Wrapf(err, "parse %s%s", envPrefix, key)
	}
	if err != nil {
		return fallback
	}
	return i
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if e.err == nil {
		e.err = errors.Errorf("parse %s%s: invalid duration %q", envPrefix, key, v)
	}
	return fallback
}

func (e *envReader) boolean(key string, fallback bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}
