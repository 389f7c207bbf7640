package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	R2         R2Config
	Zitadel    ZitadelConfig
	Replicate  ReplicateConfig
	Processing ProcessingConfig
	Webhook    WebhookConfig
	Pipeline   PipelineConfig
	Gateway    GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// DatabaseConfig selects the gorm dialect. Driver is "postgres" or "sqlite";
// for sqlite the DSN is a file path.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	CoversPerHour  int
	UploadsPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

// ReplicateConfig holds the inference provider credentials and the model
// reference used for each model kind. A reference is either "owner/name"
// (latest version) or "owner/name:version".
type ReplicateConfig struct {
	APIToken      string
	BaseURL       string
	PortraitModel string
	VoiceModel    string
	LipSyncModel  string
}

type ProcessingConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type WebhookConfig struct {
	Secret  string
	BaseURL string
}

type PipelineConfig struct {
	Dispatch    string // "queue" or "inline"
	Concurrency int
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// A local .env is optional; real deployments inject the environment.
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_DSN")
	readSecret("REPLICATE_API_TOKEN")
	readSecret("WEBHOOK_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("redis.channel", "REDIS_CHANNEL")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("ratelimit.covers_per_hour", "RATELIMIT_COVERS_PER_HOUR")
	_ = v.BindEnv("ratelimit.uploads_per_hour", "RATELIMIT_UPLOADS_PER_HOUR")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("replicate.api_token", "REPLICATE_API_TOKEN")
	_ = v.BindEnv("replicate.base_url", "REPLICATE_BASE_URL")
	_ = v.BindEnv("replicate.portrait_model", "REPLICATE_PORTRAIT_MODEL")
	_ = v.BindEnv("replicate.voice_model", "REPLICATE_VOICE_MODEL")
	_ = v.BindEnv("replicate.lipsync_model", "REPLICATE_LIPSYNC_MODEL")
	_ = v.BindEnv("processing.service_url", "PROCESSING_SERVICE_URL")
	_ = v.BindEnv("processing.timeout", "PROCESSING_SERVICE_TIMEOUT")
	_ = v.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	_ = v.BindEnv("webhook.base_url", "WEBHOOK_BASE_URL")
	_ = v.BindEnv("pipeline.dispatch", "PIPELINE_DISPATCH")
	_ = v.BindEnv("pipeline.concurrency", "PIPELINE_CONCURRENCY")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "cover-events")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "covers.db")
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.covers_per_hour", 5)
	v.SetDefault("ratelimit.uploads_per_hour", 20)

	// Replicate defaults
	v.SetDefault("replicate.base_url", "https://api.replicate.com/v1")
	v.SetDefault("replicate.portrait_model", "black-forest-labs/flux-schnell")
	v.SetDefault("replicate.voice_model", "zsxkib/realistic-voice-cloning:0a9c7c558af4c0f20667c1bd1260ce32a2879944a0b9e44e1398660c077b1550")
	v.SetDefault("replicate.lipsync_model", "cjwbw/sadtalker:a519444a7cf00483017a1d0135402ed84e2c40d86aee96f94f0cf99315bb41f8")

	// Processing service defaults
	v.SetDefault("processing.service_url", "http://localhost:8001")
	v.SetDefault("processing.timeout", 300)

	v.SetDefault("webhook.base_url", "http://localhost:8000")
	v.SetDefault("pipeline.dispatch", "queue")
	v.SetDefault("pipeline.concurrency", 10)
	v.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			CoversPerHour:  v.GetInt("ratelimit.covers_per_hour"),
			UploadsPerHour: v.GetInt("ratelimit.uploads_per_hour"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Replicate: ReplicateConfig{
			APIToken:      v.GetString("replicate.api_token"),
			BaseURL:       v.GetString("replicate.base_url"),
			PortraitModel: v.GetString("replicate.portrait_model"),
			VoiceModel:    v.GetString("replicate.voice_model"),
			LipSyncModel:  v.GetString("replicate.lipsync_model"),
		},
		Processing: ProcessingConfig{
			ServiceURL: v.GetString("processing.service_url"),
			Timeout:    v.GetInt("processing.timeout"),
		},
		Webhook: WebhookConfig{
			Secret:  v.GetString("webhook.secret"),
			BaseURL: strings.TrimRight(v.GetString("webhook.base_url"), "/"),
		},
		Pipeline: PipelineConfig{
			Dispatch:    strings.ToLower(v.GetString("pipeline.dispatch")),
			Concurrency: v.GetInt("pipeline.concurrency"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
