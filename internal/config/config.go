// Package config provides centralized configuration for the harvester.
// Scalar settings come from environment variables (optionally seeded from
// .env files); repository and search-site definitions come from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yangwenmai/repoharvest/internal/model"
	"github.com/yangwenmai/repoharvest/internal/oai"
	"github.com/yangwenmai/repoharvest/internal/retry"
	"github.com/yangwenmai/repoharvest/internal/search"
)

// Config holds all harvester configuration values.
type Config struct {
	// DatabaseURL is a SQLite file path or a postgres:// URL.
	DatabaseURL string `validate:"required"`

	// OutputDir is the root of the downloads tree.
	OutputDir string `validate:"required"`

	// SourcesFile is the YAML file with repositories and search sites.
	SourcesFile string

	UserAgent string `validate:"required"`

	// RequestTimeout bounds one OAI, search or resolver request.
	RequestTimeout time.Duration `validate:"gt=0"`

	// DownloadTimeout bounds one resource download attempt.
	DownloadTimeout time.Duration `validate:"gt=0"`

	// MaxRetries is the total number of attempts per request.
	MaxRetries     int           `validate:"gte=1"`
	RetryBaseDelay time.Duration `validate:"gte=0"`
	RetryMaxDelay  time.Duration `validate:"gte=0"`

	OAIRequestDelay time.Duration `validate:"gte=0"`

	// OAIMaxRecords caps records per repository when the repository sets no
	// cap of its own. Zero means unlimited.
	OAIMaxRecords int `validate:"gte=0"`

	SearchMaxPages int    `validate:"gte=1"`
	SearchRenderer string `validate:"oneof=http browser"`

	BatchLimit int `validate:"gte=0"`
	Workers    int `validate:"gte=1"`

	// ProcessStatuses is the status set a batch selects from.
	ProcessStatuses []model.Status `validate:"required,min=1"`

	RediscoveryReset model.ResetMode `validate:"oneof=none failed all"`
	SaveSnapshots    bool

	// StaleAfter is how long an item may sit in PROCESSING before startup
	// recovery returns it to its pending status.
	StaleAfter time.Duration `validate:"gte=0"`

	// Schedule is the cron spec used by the schedule command.
	Schedule string `validate:"required"`

	Port string `validate:"required,numeric"`

	// CORSOrigin is the allowed CORS origin. Defaults to "*".
	CORSOrigin string

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	Sources Sources
}

// Sources lists what the harvester discovers from.
type Sources struct {
	Repositories []oai.Repository `yaml:"repositories" validate:"dive"`
	SearchSites  []search.Site    `yaml:"search_sites" validate:"dive"`
}

// DefaultSources are used when the sources file does not exist.
func DefaultSources() Sources {
	return Sources{
		Repositories: []oai.Repository{
			{
				Name:          "alice",
				BaseURL:       "https://www.alice.cnptia.embrapa.br/alice-oai/request",
				HandleBaseURL: "https://www.alice.cnptia.embrapa.br/alice",
			},
			{
				Name:          "infoteca",
				BaseURL:       "https://www.infoteca.cnptia.embrapa.br/infoteca-oai/request",
				HandleBaseURL: "https://www.infoteca.cnptia.embrapa.br/infoteca",
			},
		},
		SearchSites: []search.Site{
			{
				Name:           "embrapa",
				URLTemplate:    "https://www.embrapa.br/busca-de-publicacoes/-/publicacao/busca/{keyword}?_buscapublicacao_WAR_pcebusca6_1portlet_cur={page}&_buscapublicacao_WAR_pcebusca6_1portlet_delta={size}",
				Keywords:       []string{"maiz"},
				MaxPages:       3,
				PageSize:       10,
				ResultSelector: "div.resultado-busca li, ul.lista-resultados > li",
				LinkSelector:   "a[href*='/publicacao/']",
				TitleSelector:  "h3, .titulo",
				NextSelector:   "ul.pagination li.next a, a[rel='next']",
			},
		},
	}
}

// Load reads .env files and the environment, then the sources file.
func Load() (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}
	statuses, err := envStatuses("PROCESS_STATUSES", model.DefaultRetryable)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DatabaseURL:      envOr("DATABASE_URL", "harvest.db"),
		OutputDir:        envOr("OUTPUT_DIR", "downloads"),
		SourcesFile:      envOr("SOURCES_FILE", "sources.yaml"),
		UserAgent:        envOr("USER_AGENT", "repoharvest/1.0"),
		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 60*time.Second),
		DownloadTimeout:  envDuration("DOWNLOAD_TIMEOUT", 120*time.Second),
		MaxRetries:       envInt("MAX_RETRIES", 3),
		RetryBaseDelay:   envDuration("RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:    envDuration("RETRY_MAX_DELAY", 2*time.Minute),
		OAIRequestDelay:  envDuration("OAI_REQUEST_DELAY", 2*time.Second),
		OAIMaxRecords:    envInt("OAI_MAX_RECORDS", 0),
		SearchMaxPages:   envInt("SEARCH_MAX_PAGES", 3),
		SearchRenderer:   envOr("SEARCH_RENDERER", "http"),
		BatchLimit:       envInt("BATCH_LIMIT", 20),
		Workers:          envInt("WORKERS", 1),
		ProcessStatuses:  statuses,
		RediscoveryReset: model.ResetMode(envOr("REDISCOVERY_RESET", string(model.ResetNone))),
		SaveSnapshots:    envBool("SAVE_SNAPSHOTS", false),
		StaleAfter:       envDuration("STALE_AFTER", 30*time.Minute),
		Schedule:         envOr("SCHEDULE", "@every 6h"),
		Port:             envOr("PORT", "8080"),
		CORSOrigin:       envOr("CORS_ORIGIN", "*"),
		LogLevel:         strings.ToLower(envOr("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOr("LOG_FORMAT", "text")),
	}

	cfg.Sources, err = LoadSources(cfg.SourcesFile)
	if err != nil {
		return Config{}, err
	}
	if cfg.OAIMaxRecords > 0 {
		for i := range cfg.Sources.Repositories {
			if cfg.Sources.Repositories[i].MaxRecords == 0 {
				cfg.Sources.Repositories[i].MaxRecords = cfg.OAIMaxRecords
			}
		}
	}
	return cfg, nil
}

// LoadSources parses the YAML sources file. A missing file yields
// DefaultSources.
func LoadSources(path string) (Sources, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSources(), nil
	}
	if err != nil {
		return Sources{}, fmt.Errorf("read sources file %s: %w", path, err)
	}
	var s Sources
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Sources{}, fmt.Errorf("parse sources file %s: %w", path, err)
	}
	return s, nil
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, st := range c.ProcessStatuses {
		if !st.Valid() {
			return fmt.Errorf("invalid config: PROCESS_STATUSES: unknown status %q", st)
		}
		if st == model.StatusProcessing || st == model.StatusProcessed {
			return fmt.Errorf("invalid config: PROCESS_STATUSES may not include %s", st)
		}
	}
	seen := map[string]bool{}
	for _, r := range c.Sources.Repositories {
		if seen[r.Name] {
			return fmt.Errorf("invalid config: duplicate repository %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Policy builds the shared retry policy.
func (c Config) Policy() retry.Policy {
	return retry.New(c.MaxRetries, c.RetryBaseDelay, c.RetryMaxDelay)
}

// loadEnvFiles seeds the environment from ENV_FILE, or from .env.local and
// .env. Variables already set are never overridden.
func loadEnvFiles() error {
	if f := os.Getenv("ENV_FILE"); f != "" {
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envStatuses(key string, fallback []model.Status) ([]model.Status, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	var out []model.Status
	for _, part := range strings.Split(v, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		st, err := model.ParseStatus(part)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, st)
	}
	return out, nil
}
