package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mediagate/pkg/deeplink"
)

// ConfigPath is the default config location, overridable by MEDIAGATE_CONFIG.
var ConfigPath = defaultConfigPath()

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	RedisDB        int    `yaml:"redisDB"`
	KeyPrefix      string `yaml:"keyPrefix"`
	CatalogBackend string `yaml:"catalogBackend"`
	DatabaseURL    string `yaml:"databaseURL"`

	TokenTTL        string  `yaml:"tokenTTL"`
	AccessTTL       string  `yaml:"accessTTL"`
	DeepLinkBase    string  `yaml:"deepLinkBase"`
	DeepLinkProfile string  `yaml:"deepLinkProfile"`
	AdminUserIDs    []int64 `yaml:"adminUserIds"`

	UnlockRateLimitPerMinute int `yaml:"unlockRateLimitPerMinute"`

	ShortenerBaseURL string `yaml:"shortenerBaseURL"`
	ShortenerAPIKey  string `yaml:"shortenerApiKey"`
	ShortenerTimeout string `yaml:"shortenerTimeout"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	PresignTTL     string `yaml:"presignTTL"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	CleanupWorkers int    `yaml:"cleanupWorkers"`

	AMQPURL     string `yaml:"amqpURL"`
	AMQPQueue   string `yaml:"amqpQueue"`
	AMQPWorkers int    `yaml:"amqpWorkers"`

	FrontendJWTPublicKeyPath string            `yaml:"frontendJwtPublicKeyPath"`
	FrontendJWTKeyID         string            `yaml:"frontendJwtKeyId"`
	FrontendJWTPublicKeys    map[string]string `yaml:"frontendJwtPublicKeys"`
	FrontendJWTAudience      string            `yaml:"frontendJwtAudience"`
	FrontendJWTIssuers       []string          `yaml:"frontendJwtIssuers"`
	FrontendJWTLeeway        string            `yaml:"frontendJwtLeeway"`
}

// Durations holds the parsed duration settings. Zero means "use the default".
type Durations struct {
	TokenTTL         time.Duration
	AccessTTL        time.Duration
	ShortenerTimeout time.Duration
	PresignTTL       time.Duration
	JWTLeeway        time.Duration
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.CatalogBackend == "" {
		cfg.CatalogBackend = BackendRedis
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "mediagate"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("REDIS_PASSWORD", &cfg.RedisPassword)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("MEDIAGATE_CATALOG_BACKEND", &cfg.CatalogBackend)
	setString("MEDIAGATE_DEEP_LINK_BASE", &cfg.DeepLinkBase)
	setString("MEDIAGATE_DEEP_LINK_PROFILE", &cfg.DeepLinkProfile)
	setString("MEDIAGATE_TOKEN_TTL", &cfg.TokenTTL)
	setString("MEDIAGATE_ACCESS_TTL", &cfg.AccessTTL)
	setString("SHORTENER_BASE_URL", &cfg.ShortenerBaseURL)
	setString("SHORTENER_API_KEY", &cfg.ShortenerAPIKey)
	setString("MINIO_ENDPOINT", &cfg.MinioEndpoint)
	setString("MINIO_ACCESS_KEY", &cfg.MinioAccessKey)
	setString("MINIO_SECRET_KEY", &cfg.MinioSecretKey)
	setString("MINIO_BUCKET", &cfg.MinioBucket)
	setString("AMQP_URL", &cfg.AMQPURL)
	setString("AMQP_QUEUE", &cfg.AMQPQueue)
	setString("FRONTEND_JWT_PUBLIC_KEY_PATH", &cfg.FrontendJWTPublicKeyPath)

	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("MEDIAGATE_UNLOCK_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.UnlockRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("AMQP_WORKERS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.AMQPWorkers = n
		}
	}
	if v := os.Getenv("FRONTEND_JWT_ISSUERS"); v != "" {
		cfg.FrontendJWTIssuers = splitCSV(v)
	}
	if v := os.Getenv("ADMIN_USER_IDS"); v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("config: ADMIN_USER_IDS: %w", err)
		}
		cfg.AdminUserIDs = ids
	}
	return nil
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.CatalogBackend {
	case BackendRedis:
	case BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres catalog backend")
		}
	default:
		return fmt.Errorf("config: unknown catalogBackend %q", cfg.CatalogBackend)
	}
	if strings.TrimSpace(cfg.DeepLinkBase) == "" {
		return errors.New("config: deepLinkBase is required (set in config.yaml or MEDIAGATE_DEEP_LINK_BASE)")
	}
	if _, err := deeplink.ParseProfile(cfg.DeepLinkProfile); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, id := range cfg.AdminUserIDs {
		if id <= 0 {
			return fmt.Errorf("config: invalid admin user id %d", id)
		}
	}
	if cfg.UnlockRateLimitPerMinute < 0 {
		return errors.New("config: unlockRateLimitPerMinute must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 || cfg.AMQPWorkers < 0 || cfg.CleanupWorkers < 0 {
		return errors.New("config: maxUploadBytes, amqpWorkers and cleanupWorkers must be >= 0")
	}
	if cfg.ShortenerBaseURL != "" && strings.TrimSpace(cfg.ShortenerAPIKey) == "" {
		return errors.New("config: shortenerApiKey is required when shortenerBaseURL is set")
	}
	if cfg.MinioEndpoint != "" && strings.TrimSpace(cfg.MinioBucket) == "" {
		return errors.New("config: minioBucket is required when minioEndpoint is set")
	}
	hasJWTKey := strings.TrimSpace(cfg.FrontendJWTPublicKeyPath) != "" || len(cfg.FrontendJWTPublicKeys) > 0
	if hasJWTKey && len(cfg.FrontendJWTIssuers) == 0 {
		return errors.New("config: frontendJwtIssuers is required when a frontend jwt key is set")
	}
	if _, err := ParseDurations(cfg); err != nil {
		return err
	}
	return nil
}

// ParseDurations parses the duration strings of cfg.
func ParseDurations(cfg FileConfig) (Durations, error) {
	var d Durations
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"tokenTTL", cfg.TokenTTL, &d.TokenTTL},
		{"accessTTL", cfg.AccessTTL, &d.AccessTTL},
		{"shortenerTimeout", cfg.ShortenerTimeout, &d.ShortenerTimeout},
		{"presignTTL", cfg.PresignTTL, &d.PresignTTL},
		{"frontendJwtLeeway", cfg.FrontendJWTLeeway, &d.JWTLeeway},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			continue
		}
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Durations{}, fmt.Errorf("config: invalid %s duration: %w", f.name, err)
		}
		if dur <= 0 {
			return Durations{}, fmt.Errorf("config: %s must be positive", f.name)
		}
		*f.dst = dur
	}
	return d, nil
}

func parseIDs(value string) ([]int64, error) {
	parts := splitCSV(value)
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("MEDIAGATE_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}
