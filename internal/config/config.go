package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "LOQA_"

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFile       string `yaml:"log_file" env:"LOG_FILE"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb" env:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `yaml:"log_max_backups" env:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `yaml:"log_max_age_days" env:"LOG_MAX_AGE_DAYS"`
	OTLPEndpoint  string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	OTLPInsecure  bool   `yaml:"otlp_insecure" env:"OTLP_INSECURE"`
	// TraceExporter is auto, none, stdout or otlp. auto picks otlp when an
	// endpoint is set.
	TraceExporter    string  `yaml:"trace_exporter" env:"TRACE_EXPORTER"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio" env:"TRACE_SAMPLE_RATIO"`
	GoMetrics        bool    `yaml:"go_metrics" env:"GO_METRICS"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind" env:"BIND"`
	Port int    `yaml:"port" env:"PORT"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name" env:"RUNTIME_NAME"`
	Environment string           `yaml:"environment" env:"RUNTIME_ENVIRONMENT"`
	HTTP        HTTPConfig       `yaml:"http" envPrefix:"HTTP_"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Node        NodeConfig       `yaml:"node" envPrefix:"NODE_"`
	Bus         BusConfig        `yaml:"bus" envPrefix:"BUS_"`
	Analytics   AnalyticsConfig  `yaml:"analytics" envPrefix:"ANALYTICS_"`
	VoiceClips  VoiceClipsConfig `yaml:"voice_clips" envPrefix:"VOICE_CLIPS_"`
	Remote      RemoteConfig     `yaml:"remote" envPrefix:"REMOTE_"`
	OpenAI      OpenAIConfig     `yaml:"openai" envPrefix:"OPENAI_"`
	XTTS        XTTSConfig       `yaml:"xtts" envPrefix:"XTTS_"`
	GCloud      GCloudConfig     `yaml:"gcloud" envPrefix:"GCLOUD_"`
	Pipeline    PipelineConfig   `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Playback    PlaybackConfig   `yaml:"playback" envPrefix:"PLAYBACK_"`
	Normalizer  NormalizerConfig `yaml:"normalizer" envPrefix:"NORMALIZER_"`
}

// NodeConfig identifies this instance to its peers on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id" env:"ID"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms" env:"HEARTBEAT_INTERVAL_MS"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms" env:"HEARTBEAT_TIMEOUT_MS"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded" env:"EMBEDDED"`
	Host           string   `yaml:"host" env:"HOST"`
	Port           int      `yaml:"port" env:"PORT"`
	StoreDir       string   `yaml:"store_dir" env:"STORE_DIR"`
	ServerName     string   `yaml:"server_name" env:"SERVER_NAME"`
	MaxPayloadKB   int      `yaml:"max_payload_kb" env:"MAX_PAYLOAD_KB"`
	Servers        []string `yaml:"servers" env:"SERVERS" envSeparator:","`
	Username       string   `yaml:"username" env:"USERNAME"`
	Password       string   `yaml:"password" env:"PASSWORD"`
	Token          string   `yaml:"token" env:"TOKEN"`
	TLSInsecure    bool     `yaml:"tls_insecure" env:"TLS_INSECURE"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" env:"CONNECT_TIMEOUT_MS"`
	QueueGroup     string   `yaml:"queue_group" env:"QUEUE_GROUP"`
}

type AnalyticsConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Path            string `yaml:"path" env:"PATH"`
	FlushIntervalMS int    `yaml:"flush_interval_ms" env:"FLUSH_INTERVAL_MS"`
	RetentionDays   int    `yaml:"retention_days" env:"RETENTION_DAYS"`
	VacuumOnStart   bool   `yaml:"vacuum_on_start" env:"VACUUM_ON_START"`
}

type VoiceClipsConfig struct {
	Root        string   `yaml:"root" env:"ROOT"`
	Extensions  []string `yaml:"extensions" env:"EXTENSIONS" envSeparator:","`
	ValidateWAV bool     `yaml:"validate_wav" env:"VALIDATE_WAV"`
}

// RemoteConfig addresses the shared TTS service behind gtts, polly, espeak and gcloud.
type RemoteConfig struct {
	URL           string  `yaml:"url" env:"URL"`
	AuthKey       string  `yaml:"auth_key" env:"AUTH_KEY"`
	MaxLength     int     `yaml:"max_length" env:"MAX_LENGTH"`
	TimeoutMS     int     `yaml:"timeout_ms" env:"TIMEOUT_MS"`
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" env:"BURST"`
}

type OpenAIConfig struct {
	APIKey         string  `yaml:"api_key" env:"API_KEY"`
	BaseURL        string  `yaml:"base_url" env:"BASE_URL"`
	Model          string  `yaml:"model" env:"MODEL"`
	ResponseFormat string  `yaml:"response_format" env:"RESPONSE_FORMAT"`
	CharLimit      int     `yaml:"char_limit" env:"CHAR_LIMIT"`
	TimeoutMS      int     `yaml:"timeout_ms" env:"TIMEOUT_MS"`
	RatePerSecond  float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst          int     `yaml:"burst" env:"BURST"`
}

type XTTSConfig struct {
	URL                string  `yaml:"url" env:"URL"`
	ResponseFormat     string  `yaml:"response_format" env:"RESPONSE_FORMAT"` // json_base64, raw
	EmbeddingCacheSize int     `yaml:"embedding_cache_size" env:"EMBEDDING_CACHE_SIZE"`
	CharLimit          int     `yaml:"char_limit" env:"CHAR_LIMIT"`
	TimeoutMS          int     `yaml:"timeout_ms" env:"TIMEOUT_MS"`
	RatePerSecond      float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst              int     `yaml:"burst" env:"BURST"`
}

type GCloudConfig struct {
	Direct          bool   `yaml:"direct" env:"DIRECT"`
	CredentialsFile string `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
}

type PipelineConfig struct {
	QueueDepth        int     `yaml:"queue_depth" env:"QUEUE_DEPTH"`
	SilenceSampleRate int     `yaml:"silence_sample_rate" env:"SILENCE_SAMPLE_RATE"`
	SilenceSeconds    float64 `yaml:"silence_seconds" env:"SILENCE_SECONDS"`
	RequestTimeoutMS  int     `yaml:"request_timeout_ms" env:"REQUEST_TIMEOUT_MS"`
}

type PlaybackConfig struct {
	AutoBusSink bool   `yaml:"auto_bus_sink" env:"AUTO_BUS_SINK"`
	EarlyStart  bool   `yaml:"early_start" env:"EARLY_START"`
	Compression string `yaml:"compression" env:"COMPRESSION"` // none, zstd
	QueueSize   int    `yaml:"queue_size" env:"QUEUE_SIZE"`
	// IdleTimeoutMS reaps listener-less sessions; 0 keeps them forever.
	IdleTimeoutMS int `yaml:"idle_timeout_ms" env:"IDLE_TIMEOUT_MS"`
}

type NormalizerConfig struct {
	AnnounceSpeaker bool `yaml:"announce_speaker" env:"ANNOUNCE_SPEAKER"`
	SkipEmoji       bool `yaml:"skip_emoji" env:"SKIP_EMOJI"`
	RepeatedChars   int  `yaml:"repeated_chars" env:"REPEATED_CHARS"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPInsecure:     true,
			TraceExporter:    "auto",
			TraceSampleRatio: 1,
			GoMetrics:        true,
		},
		Node: NodeConfig{
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			StoreDir:       "./data/nats",
			MaxPayloadKB:   4096,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			QueueGroup:     "loqa-voice",
		},
		Analytics: AnalyticsConfig{
			Enabled:         true,
			Path:            "./data/loqa-voice.db",
			FlushIntervalMS: 5000,
			RetentionDays:   90,
		},
		VoiceClips: VoiceClipsConfig{
			Root:       "./xtts_voice_clips",
			Extensions: []string{".wav"},
		},
		Remote: RemoteConfig{
			MaxLength: 30,
		},
		OpenAI: OpenAIConfig{
			Model:          "gpt-4o-mini-tts",
			ResponseFormat: "opus",
			CharLimit:      4096,
		},
		XTTS: XTTSConfig{
			ResponseFormat:     "json_base64",
			EmbeddingCacheSize: 32,
			CharLimit:          250,
		},
		Pipeline: PipelineConfig{
			QueueDepth:        2,
			SilenceSampleRate: 22050,
			SilenceSeconds:    0.3,
			RequestTimeoutMS:  45000,
		},
		Playback: PlaybackConfig{
			AutoBusSink:   true,
			Compression:   "none",
			QueueSize:     16,
			IdleTimeoutMS: 300000,
		},
		Normalizer: NormalizerConfig{
			AnnounceSpeaker: true,
		},
	}
}

// Load layers defaults, an optional .env file, the YAML file at path and LOQA_*
// environment variables, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to read .env file: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Node.ID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Node.ID = host
		} else {
			cfg.Node.ID = cfg.RuntimeName
		}
	}
	if cfg.Bus.ServerName == "" {
		cfg.Bus.ServerName = cfg.Node.ID
	}
	cfg.Telemetry.TraceExporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.TraceExporter))
	cfg.XTTS.ResponseFormat = strings.ToLower(strings.TrimSpace(cfg.XTTS.ResponseFormat))
	cfg.Playback.Compression = strings.ToLower(strings.TrimSpace(cfg.Playback.Compression))
	cfg.Remote.URL = strings.TrimRight(cfg.Remote.URL, "/")
	cfg.XTTS.URL = strings.TrimRight(cfg.XTTS.URL, "/")
	for i, ext := range cfg.VoiceClips.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.VoiceClips.Extensions[i] = ext
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.TraceExporter {
	case "auto", "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint is required for the otlp exporter")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of auto|none|stdout|otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 || cfg.Node.HeartbeatTimeoutMS < cfg.Node.HeartbeatIntervalMS {
		return errors.New("node heartbeat interval must be positive and not exceed the timeout")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Bus.MaxPayloadKB < 0 || cfg.Bus.MaxPayloadKB > 64*1024 {
		return errors.New("bus.max_payload_kb must be between 0 and 65536")
	}
	if cfg.Analytics.Enabled {
		if cfg.Analytics.Path == "" {
			return errors.New("analytics.path must not be empty when analytics are enabled")
		}
		if cfg.Analytics.FlushIntervalMS <= 0 {
			return errors.New("analytics.flush_interval_ms must be positive")
		}
	}
	if cfg.Analytics.RetentionDays < 0 {
		return errors.New("analytics.retention_days must be >= 0")
	}
	if cfg.VoiceClips.Root == "" {
		return errors.New("voice_clips.root must not be empty")
	}
	if len(cfg.VoiceClips.Extensions) == 0 {
		return errors.New("voice_clips.extensions must not be empty")
	}
	if cfg.Remote.MaxLength < 0 {
		return errors.New("remote.max_length must be >= 0")
	}
	switch cfg.XTTS.ResponseFormat {
	case "json_base64", "raw":
	default:
		return errors.New("xtts.response_format must be one of json_base64|raw")
	}
	if cfg.XTTS.CharLimit <= 0 {
		return errors.New("xtts.char_limit must be positive")
	}
	if cfg.XTTS.EmbeddingCacheSize < 0 {
		return errors.New("xtts.embedding_cache_size must be >= 0")
	}
	if cfg.OpenAI.CharLimit <= 0 {
		return errors.New("openai.char_limit must be positive")
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		return errors.New("pipeline.queue_depth must be >= 1")
	}
	if cfg.Pipeline.SilenceSampleRate < 0 || cfg.Pipeline.SilenceSeconds < 0 {
		return errors.New("pipeline silence settings must be >= 0")
	}
	if cfg.Pipeline.RequestTimeoutMS <= 0 {
		return errors.New("pipeline.request_timeout_ms must be positive")
	}
	switch cfg.Playback.Compression {
	case "none", "zstd":
	default:
		return errors.New("playback.compression must be one of none|zstd")
	}
	if cfg.Playback.QueueSize <= 0 {
		return errors.New("playback.queue_size must be >= 1")
	}
	if cfg.Playback.IdleTimeoutMS < 0 {
		return errors.New("playback.idle_timeout_ms must be >= 0")
	}
	if cfg.Normalizer.RepeatedChars < 0 {
		return errors.New("normalizer.repeated_chars must be >= 0")
	}
	return nil
}
