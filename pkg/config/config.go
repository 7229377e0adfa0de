package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config     = viper.New()
	configName = "config"
	configType = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Exporter string `mapstructure:"EXPORTER"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Pyroscope struct {
		Enable bool   `mapstructure:"ENABLE"`
		Addr   string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	// Minio is the object store reconciliation reports are archived to. An
	// empty endpoint disables archiving.
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		BucketName string `mapstructure:"BUCKET_NAME"`
		Secure     bool   `mapstructure:"SECURE"`
	} `mapstructure:"MINIO"`
	Worker struct {
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"WORKER"`
	Reconcile struct {
		// Hour of day (UTC) the daily reconciliation run is enqueued.
		Hour        int           `mapstructure:"HOUR"`
		Parallelism int           `mapstructure:"PARALLELISM"`
		LockTTL     time.Duration `mapstructure:"LOCK_TTL"`
		// Execute lets scheduled runs write fixes; otherwise they only report.
		Execute bool `mapstructure:"EXECUTE"`
	} `mapstructure:"RECONCILE"`
	// Settings is the flat business settings map, see pkg/settings.
	Settings map[string]string `mapstructure:"SETTINGS"`
	// SettingsRefresh is how often database overrides are re-read.
	SettingsRefresh time.Duration `mapstructure:"SETTINGS_REFRESH"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig, Viper))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "consignment-ledger")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("WORKER.CONCURRENCY", 10)
	v.SetDefault("MINIO.BUCKET_NAME", "reconcile-reports")
	v.SetDefault("RECONCILE.HOUR", 3)
	v.SetDefault("RECONCILE.PARALLELISM", 4)
	v.SetDefault("RECONCILE.LOCK_TTL", 30*time.Minute)
	v.SetDefault("SETTINGS_REFRESH", time.Minute)
}

// Viper exposes the process-wide viper instance so pkg/settings can watch it.
func Viper() *viper.Viper {
	return config
}

func LoadConfig() *Config {
	cfg, err := Load(config)
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	return cfg
}

// Load reads config.yaml from CONFIG_PATH (or the working directory) into v,
// with environment variables taking precedence.
func Load(v *viper.Viper) (*Config, error) {
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	if p, ok := os.LookupEnv("CONFIG_PATH"); ok {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		zap.L().Warn("config file not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
