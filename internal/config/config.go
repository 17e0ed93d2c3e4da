package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CHRONOSYNC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "chronosync.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = LogFormatJSON
	defaultRegisterCount       = 4
	defaultStorageBackend      = StorageLocal
	defaultStoragePath         = "data/files"
	defaultTempDir             = "data/tmp"
	defaultS3Bucket            = "chronosync-files"
	defaultPingInterval        = 15 * time.Second
	defaultPongTimeout         = 40 * time.Second
	defaultFallbackThreshold   = 3
	defaultSendBuffer          = 64
	defaultEnvelopeMaxBytes    = 4 << 20
	defaultUploadMaxFileBytes  = 1 << 30
	defaultLegacyUploadMaxSize = 8 << 20
	defaultSweepInterval       = 10 * time.Minute
	defaultTempTTL             = time.Hour
	defaultRecentWindow        = 7 * 24 * time.Hour
	defaultDemoteInterval      = time.Hour
	defaultTimezone            = "UTC"
	defaultShareTTL            = 15 * time.Minute
)

// Log encodings.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Storage backends for finalized files.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// S3Config captures the object store settings used when storage.backend is s3.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// TransportConfig captures realtime transport tuning.
type TransportConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	FallbackThreshold int
	SendBuffer        int
}

// UploadConfig captures upload limits and temp artifact housekeeping.
type UploadConfig struct {
	MaxFileBytes   int64
	LegacyMaxBytes int64
	SweepInterval  time.Duration
	TempTTL        time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	LogFormat        string
	RegisterCount    int
	StorageBackend   string
	StoragePath      string
	TempDir          string
	S3               S3Config
	Transport        TransportConfig
	EnvelopeMaxBytes int
	Uploads          UploadConfig
	RecentWindow     time.Duration
	DemoteInterval   time.Duration
	Timezone         string
	Location         *time.Location
	ShareSecret      string
	ShareTTL         time.Duration
	TLSCertFile      string
	TLSKeyFile       string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("registers.count", defaultRegisterCount)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.path", defaultStoragePath)
	configViper.SetDefault("storage.temp_dir", defaultTempDir)
	configViper.SetDefault("s3.endpoint", "")
	configViper.SetDefault("s3.access_key", "")
	configViper.SetDefault("s3.secret_key", "")
	configViper.SetDefault("s3.bucket", defaultS3Bucket)
	configViper.SetDefault("s3.region", "")
	configViper.SetDefault("s3.use_ssl", false)
	configViper.SetDefault("transport.ping_interval", defaultPingInterval)
	configViper.SetDefault("transport.pong_timeout", defaultPongTimeout)
	configViper.SetDefault("transport.fallback_threshold", defaultFallbackThreshold)
	configViper.SetDefault("transport.send_buffer", defaultSendBuffer)
	configViper.SetDefault("envelope.max_bytes", defaultEnvelopeMaxBytes)
	configViper.SetDefault("uploads.max_file_bytes", int64(defaultUploadMaxFileBytes))
	configViper.SetDefault("uploads.legacy_max_bytes", int64(defaultLegacyUploadMaxSize))
	configViper.SetDefault("uploads.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("uploads.temp_ttl", defaultTempTTL)
	configViper.SetDefault("search.recent_window", defaultRecentWindow)
	configViper.SetDefault("search.demote_interval", defaultDemoteInterval)
	configViper.SetDefault("timemap.timezone", defaultTimezone)
	configViper.SetDefault("share.signing_secret", "")
	configViper.SetDefault("share.ttl", defaultShareTTL)
	configViper.SetDefault("tls.cert_file", "")
	configViper.SetDefault("tls.key_file", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		RegisterCount:  configViper.GetInt("registers.count"),
		StorageBackend: strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
		StoragePath:    configViper.GetString("storage.path"),
		TempDir:        configViper.GetString("storage.temp_dir"),
		S3: S3Config{
			Endpoint:  configViper.GetString("s3.endpoint"),
			AccessKey: configViper.GetString("s3.access_key"),
			SecretKey: configViper.GetString("s3.secret_key"),
			Bucket:    configViper.GetString("s3.bucket"),
			Region:    configViper.GetString("s3.region"),
			UseSSL:    configViper.GetBool("s3.use_ssl"),
		},
		Transport: TransportConfig{
			PingInterval:      configViper.GetDuration("transport.ping_interval"),
			PongTimeout:       configViper.GetDuration("transport.pong_timeout"),
			FallbackThreshold: configViper.GetInt("transport.fallback_threshold"),
			SendBuffer:        configViper.GetInt("transport.send_buffer"),
		},
		EnvelopeMaxBytes: configViper.GetInt("envelope.max_bytes"),
		Uploads: UploadConfig{
			MaxFileBytes:   configViper.GetInt64("uploads.max_file_bytes"),
			LegacyMaxBytes: configViper.GetInt64("uploads.legacy_max_bytes"),
			SweepInterval:  configViper.GetDuration("uploads.sweep_interval"),
			TempTTL:        configViper.GetDuration("uploads.temp_ttl"),
		},
		RecentWindow:   configViper.GetDuration("search.recent_window"),
		DemoteInterval: configViper.GetDuration("search.demote_interval"),
		Timezone:       configViper.GetString("timemap.timezone"),
		ShareSecret:    configViper.GetString("share.signing_secret"),
		ShareTTL:       configViper.GetDuration("share.ttl"),
		TLSCertFile:    configViper.GetString("tls.cert_file"),
		TLSKeyFile:     configViper.GetString("tls.key_file"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("timemap.timezone: %w", err)
	}
	cfg.Location = location

	return cfg, nil
}

// TLSEnabled reports whether both certificate and key are configured.
func (c AppConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.LogFormat != LogFormatJSON && c.LogFormat != LogFormatConsole {
		return fmt.Errorf("log.format must be %q or %q", LogFormatJSON, LogFormatConsole)
	}
	if c.RegisterCount <= 0 {
		return fmt.Errorf("registers.count must be positive")
	}
	switch c.StorageBackend {
	case StorageLocal:
		if strings.TrimSpace(c.StoragePath) == "" {
			return fmt.Errorf("storage.path is required for the local backend")
		}
	case StorageS3:
		if strings.TrimSpace(c.S3.Endpoint) == "" || strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("s3.endpoint and s3.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", StorageLocal, StorageS3)
	}
	if strings.TrimSpace(c.TempDir) == "" {
		return fmt.Errorf("storage.temp_dir is required")
	}
	if c.Transport.PingInterval <= 0 {
		return fmt.Errorf("transport.ping_interval must be positive")
	}
	if c.Transport.PongTimeout < 2*c.Transport.PingInterval {
		return fmt.Errorf("transport.pong_timeout must be at least twice transport.ping_interval")
	}
	if c.Transport.FallbackThreshold <= 0 {
		return fmt.Errorf("transport.fallback_threshold must be positive")
	}
	if c.Transport.SendBuffer <= 0 {
		return fmt.Errorf("transport.send_buffer must be positive")
	}
	if c.EnvelopeMaxBytes <= 0 {
		return fmt.Errorf("envelope.max_bytes must be positive")
	}
	if c.Uploads.MaxFileBytes <= 0 || c.Uploads.LegacyMaxBytes <= 0 {
		return fmt.Errorf("uploads size limits must be positive")
	}
	if c.Uploads.SweepInterval <= 0 || c.Uploads.TempTTL <= 0 {
		return fmt.Errorf("uploads.sweep_interval and uploads.temp_ttl must be positive")
	}
	if c.RecentWindow <= 0 || c.DemoteInterval <= 0 {
		return fmt.Errorf("search.recent_window and search.demote_interval must be positive")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	return nil
}
