package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridden by MEMOME_CONFIG.
const ConfigPath = "config.yaml"

const (
	StorageMinio  = "minio"
	StorageMemory = "memory"
)

// LimitsConfig bounds the attachments of one resource kind.
type LimitsConfig struct {
	MaxFiles          int      `yaml:"maxFiles"`
	MaxFileBytes      int64    `yaml:"maxFileBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`
	Production  bool   `yaml:"production"`

	Storage        string        `yaml:"storage"`
	MinioEndpoint  string        `yaml:"minioEndpoint"`
	MinioAccessKey string        `yaml:"minioAccessKey"`
	MinioSecretKey string        `yaml:"minioSecretKey"`
	MinioBucket    string        `yaml:"minioBucket"`
	MinioUseSSL    bool          `yaml:"minioUseSSL"`
	PublicBaseURL  string        `yaml:"publicBaseURL"`
	PresignExpiry  time.Duration `yaml:"presignExpiry"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	TextKey     string `yaml:"textKey"`

	UploadConcurrency int          `yaml:"uploadConcurrency"`
	Message           LimitsConfig `yaml:"message"`
	Poll              LimitsConfig `yaml:"poll"`
	ShareBaseURL      string       `yaml:"shareBaseURL"`

	OTPTTL         time.Duration `yaml:"otpTTL"`
	OTPResendAfter time.Duration `yaml:"otpResendAfter"`

	SweepInterval        time.Duration `yaml:"sweepInterval"`
	SweepSafetyThreshold time.Duration `yaml:"sweepSafetyThreshold"`

	CORSOrigins []string `yaml:"corsOrigins"`
}

// Load reads config from path (defaults to config.yaml), applies environment
// overrides and defaults, then validates.
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
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MEMOME_STORAGE"); v != "" {
		cfg.Storage = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("MINIO_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MEMOME_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("MEMOME_TEXT_KEY"); v != "" {
		cfg.TextKey = v
	}
	if v := os.Getenv("MEMOME_PRODUCTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Production = b
		}
	}
	if v := os.Getenv("MEMOME_UPLOAD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadConcurrency = n
		}
	}
	if v := os.Getenv("MEMOME_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if cfg.Storage == "" {
		cfg.Storage = StorageMinio
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	if cfg.Message.MaxFiles <= 0 {
		cfg.Message.MaxFiles = 4
	}
	if cfg.Message.MaxFileBytes <= 0 {
		cfg.Message.MaxFileBytes = 10 << 20
	}
	if cfg.Poll.MaxFiles <= 0 {
		cfg.Poll.MaxFiles = 2
	}
	if cfg.Poll.MaxFileBytes <= 0 {
		cfg.Poll.MaxFileBytes = 14 << 20
	}
	if cfg.Poll.AllowedExtensions == nil {
		cfg.Poll.AllowedExtensions = []string{"jpg", "png", "mp4"}
	}
	if cfg.ShareBaseURL == "" {
		cfg.ShareBaseURL = "https://memome.one"
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 30 * time.Minute
	}
	if cfg.OTPResendAfter <= 0 {
		cfg.OTPResendAfter = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.SweepSafetyThreshold <= 0 {
		cfg.SweepSafetyThreshold = time.Hour
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.Storage {
	case StorageMemory:
	case StorageMinio:
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" {
			return errors.New("config: minioAccessKey is required (set in config.yaml)")
		}
		if cfg.MinioSecretKey == "" {
			return errors.New("config: minioSecretKey is required (set in config.yaml)")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	default:
		return fmt.Errorf("config: storage must be %q or %q, got %q", StorageMinio, StorageMemory, cfg.Storage)
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return errors.New("config: jwtSecret must be at least 32 bytes (set in config.yaml or MEMOME_JWT_SECRET)")
	}
	if cfg.TextKey == "" {
		return errors.New("config: textKey is required (set in config.yaml or MEMOME_TEXT_KEY)")
	}
	return nil
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
