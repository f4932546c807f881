package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	BaseURL     string `mapstructure:"BASE"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogDevelop  bool   `mapstructure:"LOG_DEVELOPMENT"`
	AuthEnable  bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey     string `mapstructure:"AUTH_KEY"`
	AuthClients string `mapstructure:"AUTH_CLIENT_KEYS"`

	// Render queue and the ffmpeg renderer.
	FFBin               string        `mapstructure:"FF_BIN"`
	FFTimeout           time.Duration `mapstructure:"FF_TIMEOUT"`
	FFExtraArgs         string        `mapstructure:"FF_EXTRA_ARGS"`
	MaxInputSize        int64         `mapstructure:"MAX_INPUT_SIZE"`
	MaxConcurrency      int           `mapstructure:"MAX_CONCURRENCY"`
	JobRetention        time.Duration `mapstructure:"JOB_RETENTION"`
	OutputLocalLifetime time.Duration `mapstructure:"OUTPUT_LOCAL_LIFETIME"`
	ThrottleCPU         float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`
	TempDir             string        `mapstructure:"TEMP_DIR"`

	// Provider dispatch.
	PrimaryProvider       string        `mapstructure:"PRIMARY_PROVIDER"`
	FallbackProvider      string        `mapstructure:"FALLBACK_PROVIDER"`
	CallbackURL           string        `mapstructure:"PUBLIC_CALLBACK_URL"`
	ProviderPollInterval  time.Duration `mapstructure:"PROVIDER_POLL_INTERVAL"`
	ProviderOutputTimeout time.Duration `mapstructure:"PROVIDER_OUTPUT_TIMEOUT"`
	FalKey                string        `mapstructure:"FAL_KEY"`
	FalQueueURL           string        `mapstructure:"FAL_QUEUE_URL"`
	FalModel              string        `mapstructure:"FAL_MODEL"`
	RunwayAPIKey          string        `mapstructure:"RUNWAY_API_KEY"`
	RunwayBaseURL         string        `mapstructure:"RUNWAY_BASE_URL"`
	RunwayModel           string        `mapstructure:"RUNWAY_MODEL"`
	RunwayVersion         string        `mapstructure:"RUNWAY_VERSION"`

	// Inbound webhook verification.
	FalJWKSURL       string        `mapstructure:"FAL_JWKS_URL"`
	FalJWKSTTL       time.Duration `mapstructure:"FAL_JWKS_TTL"`
	WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
	MaxWebhookBody   int64         `mapstructure:"MAX_WEBHOOK_BODY"`
	ReplayTTL        time.Duration `mapstructure:"REPLAY_TTL"`

	// Outbound webhook delivery.
	ParentWebhookURL         string        `mapstructure:"PARENT_WEBHOOK_URL"`
	ParentWebhookSecret      string        `mapstructure:"PARENT_WEBHOOK_SECRET"`
	WebhookBackoff           time.Duration `mapstructure:"WEBHOOK_BACKOFF"`
	WebhookCompletedAttempts int           `mapstructure:"WEBHOOK_COMPLETED_ATTEMPTS"`
	WebhookFailedAttempts    int           `mapstructure:"WEBHOOK_FAILED_ATTEMPTS"`

	// External collaborators. Empty values select in-memory stand-ins.
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`
	MinioPublicURL string `mapstructure:"MINIO_PUBLIC_URL"`
}

// stringToDurationHookFunc parses Go duration strings such as "1h23m".
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes such as "200MB".
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string, let other parsers handle it.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_DEVELOPMENT", false)
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("AUTH_CLIENT_KEYS", "")

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_TIMEOUT", "12m3s")
	vp.SetDefault("FF_EXTRA_ARGS", "-preset veryfast -crf 23")
	vp.SetDefault("MAX_INPUT_SIZE", "200MB")
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("JOB_RETENTION", "1h23m")
	vp.SetDefault("OUTPUT_LOCAL_LIFETIME", "1h23m")
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("TEMP_DIR", "")

	vp.SetDefault("PRIMARY_PROVIDER", "fal")
	vp.SetDefault("FALLBACK_PROVIDER", "runway")
	vp.SetDefault("PUBLIC_CALLBACK_URL", "")
	vp.SetDefault("PROVIDER_POLL_INTERVAL", "5s")
	vp.SetDefault("PROVIDER_OUTPUT_TIMEOUT", "20m")
	vp.SetDefault("FAL_KEY", "")
	vp.SetDefault("FAL_QUEUE_URL", "https://queue.fal.run")
	vp.SetDefault("FAL_MODEL", "fal-ai/kling-video/v2.1/standard/image-to-video")
	vp.SetDefault("RUNWAY_API_KEY", "")
	vp.SetDefault("RUNWAY_BASE_URL", "https://api.dev.runwayml.com")
	vp.SetDefault("RUNWAY_MODEL", "gen4_turbo")
	vp.SetDefault("RUNWAY_VERSION", "2024-11-06")

	vp.SetDefault("FAL_JWKS_URL", "https://rest.alpha.fal.ai/.well-known/jwks.json")
	vp.SetDefault("FAL_JWKS_TTL", "24h")
	vp.SetDefault("WEBHOOK_TOLERANCE", "5m")
	vp.SetDefault("MAX_WEBHOOK_BODY", "1MB")
	vp.SetDefault("REPLAY_TTL", "24h")

	vp.SetDefault("PARENT_WEBHOOK_URL", "")
	vp.SetDefault("PARENT_WEBHOOK_SECRET", "")
	vp.SetDefault("WEBHOOK_BACKOFF", "1s")
	vp.SetDefault("WEBHOOK_COMPLETED_ATTEMPTS", 5)
	vp.SetDefault("WEBHOOK_FAILED_ATTEMPTS", 3)

	vp.SetDefault("DATABASE_URL", "")
	vp.SetDefault("REDIS_URL", "")
	vp.SetDefault("MINIO_ENDPOINT", "")
	vp.SetDefault("MINIO_ACCESS_KEY", "")
	vp.SetDefault("MINIO_SECRET_KEY", "")
	vp.SetDefault("MINIO_BUCKET", "renders")
	vp.SetDefault("MINIO_USE_SSL", false)
	vp.SetDefault("MINIO_PUBLIC_URL", "")
}

func Load() (*Config, error) {
	vp := viper.New()
	// Every key needs a default so AutomaticEnv can see it during Unmarshal.
	setDefaults(vp)

	vp.SetConfigName("renderhub_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/renderhub/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("RENDERHUB")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts the value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
