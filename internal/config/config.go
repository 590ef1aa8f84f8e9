// Package config provides configuration management for streamdub using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultKVTimeout     = 30 * time.Second
	defaultStatusRetries = 3
	defaultStatusDelay   = time.Second

	defaultTargetSampleRate = 24000
	defaultAudioOverlap     = 1024
	defaultSilenceFadeMS    = 25
	defaultNormThreshold    = 0.9
	defaultVocalsVolume     = 0.7
	defaultBackgroundVolume = 0.3
	defaultMaxBufferSeconds = 10.0

	defaultClipGoalMS    = 12000
	defaultClipMinMS     = 1000
	defaultClipPaddingMS = 200

	defaultTTSBatchSize     = 3
	defaultTTSQueueSize     = 5
	defaultAlignedQueueSize = 5
	defaultCleanupInterval  = 5
	defaultMaxSpeed         = 1.2

	defaultSegmentSeconds    = 10
	defaultUploadWorkers     = 3
	defaultUploadQueueSize   = 20
	defaultUploadDrainWindow = 60 * time.Second

	defaultProcessTimeout    = 5 * time.Minute
	defaultSeparationTimeout = 10 * time.Minute

	defaultJournalRetention = 7 * 24 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Clip       ClipConfig       `mapstructure:"clip"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Simplifier SimplifierConfig `mapstructure:"simplifier"`
	HLS        HLSConfig        `mapstructure:"hls"`
	Subtitle   SubtitleConfig   `mapstructure:"subtitle"`
	Separation SeparationConfig `mapstructure:"separation"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg"`
	Scratch    ScratchConfig    `mapstructure:"scratch"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StoreConfig groups the two remote stores.
type StoreConfig struct {
	KV     KVConfig     `mapstructure:"kv"`
	Object ObjectConfig `mapstructure:"object"`
}

// KVConfig holds the transcription key/value store (HTTP SQL API) settings.
type KVConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	AccountID  string        `mapstructure:"account_id"`
	DatabaseID string        `mapstructure:"database_id"`
	APIToken   string        `mapstructure:"api_token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// StatusRetries and StatusRetryDelay control the exponential backoff
	// applied to task status writes.
	StatusRetries    int           `mapstructure:"status_retries"`
	StatusRetryDelay time.Duration `mapstructure:"status_retry_delay"`
}

// ObjectConfig holds the S3-compatible object store settings.
type ObjectConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	// PublicBaseURL, when set, is prepended to playlist keys to build the
	// externally reachable playlist URL reported in status responses.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// JournalConfig holds the local task journal (sqlite) settings.
type JournalConfig struct {
	DSN       string        `mapstructure:"dsn"`
	LogLevel  string        `mapstructure:"log_level"` // silent, error, warn, info
	Retention time.Duration `mapstructure:"retention"`
}

// AudioConfig holds PCM processing parameters.
type AudioConfig struct {
	TargetSampleRate       int     `mapstructure:"target_sample_rate"`
	Overlap                int     `mapstructure:"overlap"`
	SilenceFadeMS          int     `mapstructure:"silence_fade_ms"`
	NormalizationThreshold float64 `mapstructure:"normalization_threshold"`
	VocalsVolume           float64 `mapstructure:"vocals_volume"`
	BackgroundVolume       float64 `mapstructure:"background_volume"`
	// MaxBufferDuration caps the rolling cross-fade buffer, in seconds.
	MaxBufferDuration float64 `mapstructure:"max_buffer_duration"`
}

// ClipConfig holds speaker-reference clip parameters.
type ClipConfig struct {
	GoalDurationMS      int64 `mapstructure:"goal_duration_ms"`
	MinDurationMS       int64 `mapstructure:"min_duration_ms"`
	PaddingMS           int64 `mapstructure:"padding_ms"`
	AllowCrossNonSpeech bool  `mapstructure:"allow_cross_non_speech"`
}

// PipelineConfig holds orchestrator parameters.
type PipelineConfig struct {
	TTSBatchSize     int     `mapstructure:"tts_batch_size"`
	TTSQueueSize     int     `mapstructure:"tts_queue_size"`
	AlignedQueueSize int     `mapstructure:"aligned_queue_size"`
	CleanupInterval  int     `mapstructure:"cleanup_interval"`
	MaxSpeed         float64 `mapstructure:"max_speed"`
}

// TTSConfig holds speech synthesizer settings.
type TTSConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout"`
	SaveAudio bool          `mapstructure:"save_audio"`
}

// SimplifierConfig selects and configures the LLM simplification backend.
type SimplifierConfig struct {
	Model   string        `mapstructure:"model"` // deepseek, gemini, grok, groq
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HLSConfig holds HLS publication settings.
type HLSConfig struct {
	SegmentSeconds    int           `mapstructure:"segment_seconds"`
	EnableStorage     bool          `mapstructure:"enable_storage"`
	CleanupLocalFiles bool          `mapstructure:"cleanup_local_files"`
	UploadWorkers     int           `mapstructure:"upload_workers"`
	UploadQueueSize   int           `mapstructure:"upload_queue_size"`
	UploadDrainWindow time.Duration `mapstructure:"upload_drain_window"`
	UploadFinalVideo  bool          `mapstructure:"upload_final_video"`
}

// SubtitleConfig holds optional subtitle burn-in settings.
type SubtitleConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Language selects the line-splitting rules: zh, ja, ko, or en.
	Language string `mapstructure:"language"`
}

// SeparationConfig holds vocal separation settings.
type SeparationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FFmpegConfig holds external process binary settings.
type FFmpegConfig struct {
	BinaryPath string        `mapstructure:"binary_path"` // empty = "ffmpeg" on PATH
	ProbePath  string        `mapstructure:"probe_path"`  // empty = "ffprobe" on PATH
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ScratchConfig holds per-task scratch directory settings.
type ScratchConfig struct {
	BaseDir string `mapstructure:"base_dir"` // empty = os.TempDir()
}

// SchedulerConfig holds the background cleanup schedule.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"` // 6-field cron expression
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with STREAMDUB_ and use underscores for
// nesting. Example: STREAMDUB_AUDIO_TARGET_SAMPLE_RATE=24000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/streamdub")
		v.AddConfigPath("$HOME/.streamdub")
	}

	v.SetEnvPrefix("STREAMDUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Store defaults
	v.SetDefault("store.kv.base_url", "https://api.cloudflare.com/client/v4")
	v.SetDefault("store.kv.timeout", defaultKVTimeout)
	v.SetDefault("store.kv.status_retries", defaultStatusRetries)
	v.SetDefault("store.kv.status_retry_delay", defaultStatusDelay)
	v.SetDefault("store.object.region", "auto")

	// Journal defaults
	v.SetDefault("journal.dsn", "streamdub.db")
	v.SetDefault("journal.log_level", "warn")
	v.SetDefault("journal.retention", defaultJournalRetention)

	// Audio defaults
	v.SetDefault("audio.target_sample_rate", defaultTargetSampleRate)
	v.SetDefault("audio.overlap", defaultAudioOverlap)
	v.SetDefault("audio.silence_fade_ms", defaultSilenceFadeMS)
	v.SetDefault("audio.normalization_threshold", defaultNormThreshold)
	v.SetDefault("audio.vocals_volume", defaultVocalsVolume)
	v.SetDefault("audio.background_volume", defaultBackgroundVolume)
	v.SetDefault("audio.max_buffer_duration", defaultMaxBufferSeconds)

	// Clip defaults
	v.SetDefault("clip.goal_duration_ms", defaultClipGoalMS)
	v.SetDefault("clip.min_duration_ms", defaultClipMinMS)
	v.SetDefault("clip.padding_ms", defaultClipPaddingMS)
	v.SetDefault("clip.allow_cross_non_speech", false)

	// Pipeline defaults
	v.SetDefault("pipeline.tts_batch_size", defaultTTSBatchSize)
	v.SetDefault("pipeline.tts_queue_size", defaultTTSQueueSize)
	v.SetDefault("pipeline.aligned_queue_size", defaultAlignedQueueSize)
	v.SetDefault("pipeline.cleanup_interval", defaultCleanupInterval)
	v.SetDefault("pipeline.max_speed", defaultMaxSpeed)

	// TTS defaults
	v.SetDefault("tts.endpoint", "")
	v.SetDefault("tts.timeout", defaultProcessTimeout)
	v.SetDefault("tts.save_audio", false)

	// Simplifier defaults
	v.SetDefault("simplifier.model", "deepseek")
	v.SetDefault("simplifier.timeout", defaultServerTimeout)

	// HLS defaults
	v.SetDefault("hls.segment_seconds", defaultSegmentSeconds)
	v.SetDefault("hls.enable_storage", true)
	v.SetDefault("hls.cleanup_local_files", true)
	v.SetDefault("hls.upload_workers", defaultUploadWorkers)
	v.SetDefault("hls.upload_queue_size", defaultUploadQueueSize)
	v.SetDefault("hls.upload_drain_window", defaultUploadDrainWindow)
	v.SetDefault("hls.upload_final_video", true)

	// Subtitle defaults
	v.SetDefault("subtitle.enabled", false)
	v.SetDefault("subtitle.language", "zh")

	// Separation defaults
	v.SetDefault("separation.enabled", true)
	v.SetDefault("separation.command", "")
	v.SetDefault("separation.timeout", defaultSeparationTimeout)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.timeout", defaultProcessTimeout)

	// Scratch defaults
	v.SetDefault("scratch.base_dir", "")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", "0 0 * * * *") // hourly (6-field cron)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Audio.TargetSampleRate < 8000 {
		return fmt.Errorf("audio.target_sample_rate must be at least 8000")
	}
	if c.Audio.Overlap < 0 {
		return fmt.Errorf("audio.overlap must not be negative")
	}
	if c.Audio.NormalizationThreshold <= 0 || c.Audio.NormalizationThreshold > 1 {
		return fmt.Errorf("audio.normalization_threshold must be in (0, 1]")
	}

	if c.Clip.MinDurationMS < 0 || c.Clip.GoalDurationMS < c.Clip.MinDurationMS {
		return fmt.Errorf("clip.goal_duration_ms must be >= clip.min_duration_ms >= 0")
	}

	if c.Pipeline.TTSBatchSize < 1 {
		return fmt.Errorf("pipeline.tts_batch_size must be at least 1")
	}
	if c.Pipeline.TTSQueueSize < 1 || c.Pipeline.AlignedQueueSize < 1 {
		return fmt.Errorf("pipeline queue sizes must be at least 1")
	}
	if c.Pipeline.MaxSpeed <= 1.0 {
		return fmt.Errorf("pipeline.max_speed must be greater than 1.0")
	}

	validModels := map[string]bool{"deepseek": true, "gemini": true, "grok": true, "groq": true}
	if !validModels[c.Simplifier.Model] {
		return fmt.Errorf("simplifier.model must be one of: deepseek, gemini, grok, groq")
	}

	if c.HLS.SegmentSeconds < 1 {
		return fmt.Errorf("hls.segment_seconds must be at least 1")
	}
	if c.HLS.UploadWorkers < 1 {
		return fmt.Errorf("hls.upload_workers must be at least 1")
	}

	if c.Journal.DSN == "" {
		return fmt.Errorf("journal.dsn is required")
	}

	return nil
}

// ValidateStores checks that the remote store credentials are present.
// Split from Validate so offline tooling (config show, version) works
// without credentials.
func (c *Config) ValidateStores() error {
	if c.Store.KV.AccountID == "" || c.Store.KV.DatabaseID == "" || c.Store.KV.APIToken == "" {
		return fmt.Errorf("store.kv account_id, database_id and api_token are required")
	}
	if c.Store.Object.Endpoint == "" || c.Store.Object.Bucket == "" {
		return fmt.Errorf("store.object endpoint and bucket are required")
	}
	if c.Store.Object.AccessKeyID == "" || c.Store.Object.SecretAccessKey == "" {
		return fmt.Errorf("store.object access_key_id and secret_access_key are required")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaxBufferSamples returns the rolling buffer cap in samples.
func (c *AudioConfig) MaxBufferSamples() int {
	return int(c.MaxBufferDuration * float64(c.TargetSampleRate))
}

// Binary returns the ffmpeg binary path, defaulting to PATH lookup.
func (c *FFmpegConfig) Binary() string {
	if c.BinaryPath != "" {
		return c.BinaryPath
	}
	return "ffmpeg"
}

// Probe returns the ffprobe binary path, defaulting to PATH lookup.
func (c *FFmpegConfig) Probe() string {
	if c.ProbePath != "" {
		return c.ProbePath
	}
	return "ffprobe"
}
