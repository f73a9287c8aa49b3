package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	Traces         string `yaml:"traces"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// SlogLevel maps LogLevel onto slog. Unknown values fall back to info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Uploads     UploadsConfig     `yaml:"uploads"`
	LLM         LLMConfig         `yaml:"llm"`
	Client      ClientConfig      `yaml:"client"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxUploads    int    `yaml:"max_uploads"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// UploadsConfig controls where the annotation server writes received files.
type UploadsConfig struct {
	Directory       string   `yaml:"directory"`
	ImageExtensions []string `yaml:"image_extensions"`
	MaxBytes        int64    `yaml:"max_bytes"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, huggingface
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	Token       string  `yaml:"token"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

// ClientConfig is read by the operator CLI when submitting to a server.
type ClientConfig struct {
	ServerURL    string `yaml:"server_url"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	RequireImage bool   `yaml:"require_image"`
	StopGraceMS  int    `yaml:"stop_grace_ms"`
}

type CaptureConfig struct {
	Mode       string `yaml:"mode"` // mock, wav, exec
	Command    string `yaml:"command"`
	File       string `yaml:"file"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	FragmentMS int    `yaml:"fragment_ms"`
}

type RecognitionConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, bus
	Command   string `yaml:"command"`
	Language  string `yaml:"language"`
	Script    string `yaml:"script"`
	SessionID string `yaml:"session_id"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-annotate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			Traces:         "none",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/annotate.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxUploads:    10000,
		},
		Uploads: UploadsConfig{
			Directory:       "uploads",
			ImageExtensions: []string{"png", "jpg"},
			MaxBytes:        32 << 20,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "https://api-inference.huggingface.co/models/google/gemma-2-2b-it",
			Model:       "gemma-2-2b-it",
			MaxTokens:   256,
			Temperature: 0.7,
			TimeoutMS:   60000,
		},
		Client: ClientConfig{
			ServerURL:   "http://localhost:5000",
			TimeoutMS:   30000,
			StopGraceMS: 5000,
		},
		Capture: CaptureConfig{
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
			FragmentMS: 250,
		},
		Recognition: RecognitionConfig{
			Mode:     "mock",
			Language: "en-US",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "ANNOTATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ANNOTATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ANNOTATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ANNOTATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ANNOTATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "ANNOTATE_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ANNOTATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ANNOTATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ANNOTATE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "ANNOTATE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ANNOTATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ANNOTATE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ANNOTATE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ANNOTATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ANNOTATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ANNOTATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ANNOTATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ANNOTATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ANNOTATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ANNOTATE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ANNOTATE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ANNOTATE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxUploads, "ANNOTATE_EVENT_STORE_MAX_UPLOADS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ANNOTATE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Uploads.Directory, "ANNOTATE_UPLOADS_DIRECTORY")
	overrideStringSlice(&cfg.Uploads.ImageExtensions, "ANNOTATE_UPLOADS_IMAGE_EXTENSIONS")
	overrideInt64(&cfg.Uploads.MaxBytes, "ANNOTATE_UPLOADS_MAX_BYTES")
	overrideString(&cfg.LLM.Mode, "ANNOTATE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "ANNOTATE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "ANNOTATE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "ANNOTATE_LLM_MODEL")
	overrideString(&cfg.LLM.Token, "ANNOTATE_LLM_TOKEN")
	overrideString(&cfg.LLM.System, "ANNOTATE_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "ANNOTATE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "ANNOTATE_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "ANNOTATE_LLM_TIMEOUT_MS")
	overrideString(&cfg.Client.ServerURL, "ANNOTATE_CLIENT_SERVER_URL")
	overrideInt(&cfg.Client.TimeoutMS, "ANNOTATE_CLIENT_TIMEOUT_MS")
	overrideBool(&cfg.Client.RequireImage, "ANNOTATE_CLIENT_REQUIRE_IMAGE")
	overrideInt(&cfg.Client.StopGraceMS, "ANNOTATE_CLIENT_STOP_GRACE_MS")
	overrideString(&cfg.Capture.Mode, "ANNOTATE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "ANNOTATE_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.File, "ANNOTATE_CAPTURE_FILE")
	overrideInt(&cfg.Capture.SampleRate, "ANNOTATE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "ANNOTATE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FragmentMS, "ANNOTATE_CAPTURE_FRAGMENT_MS")
	overrideString(&cfg.Recognition.Mode, "ANNOTATE_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "ANNOTATE_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.Language, "ANNOTATE_RECOGNITION_LANGUAGE")
	overrideString(&cfg.Recognition.Script, "ANNOTATE_RECOGNITION_SCRIPT")
	overrideString(&cfg.Recognition.SessionID, "ANNOTATE_RECOGNITION_SESSION_ID")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Telemetry.Traces {
	case "none", "stdout":
	case "otlp":
		if cfg.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Uploads.Directory == "" {
		return errors.New("uploads.directory must not be empty")
	}
	if len(cfg.Uploads.ImageExtensions) == 0 {
		return errors.New("uploads.image_extensions must not be empty")
	}
	if cfg.Uploads.MaxBytes <= 0 {
		return errors.New("uploads.max_bytes must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "huggingface":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|huggingface")
	}
	if (cfg.LLM.Mode == "ollama" || cfg.LLM.Mode == "huggingface") && cfg.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.Client.ServerURL == "" {
		return errors.New("client.server_url must not be empty")
	}
	if cfg.Client.TimeoutMS <= 0 {
		return errors.New("client.timeout_ms must be positive")
	}
	switch cfg.Capture.Mode {
	case "mock", "wav", "exec":
	default:
		return errors.New("capture.mode must be one of mock|wav|exec")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.Mode == "wav" && cfg.Capture.File == "" {
		return errors.New("capture.file must be set when mode=wav")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FragmentMS <= 0 {
		return errors.New("capture.fragment_ms must be positive")
	}
	switch cfg.Recognition.Mode {
	case "mock", "exec", "bus":
	default:
		return errors.New("recognition.mode must be one of mock|exec|bus")
	}
	if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
		return errors.New("recognition.command must be set when mode=exec")
	}
	if cfg.Recognition.Mode == "bus" && !cfg.Bus.Enabled {
		return errors.New("recognition.mode=bus requires bus.enabled")
	}
	return nil
}
