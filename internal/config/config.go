package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	TraceStdout      bool    `yaml:"trace_stdout"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind              string  `yaml:"bind"`
	Port              int     `yaml:"port"`
	MaxBodyBytes      int64   `yaml:"max_body_bytes"`
	RateLimitRPS      float64 `yaml:"rate_limit_rps"`
	RateLimitBurst    int     `yaml:"rate_limit_burst"`
	ShutdownTimeoutMS int     `yaml:"shutdown_timeout_ms"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Engine      EngineConfig     `yaml:"engine"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
}

// EngineConfig selects and tunes the synthesis engine behind the gateway.
type EngineConfig struct {
	Mode  string `yaml:"mode"` // edge, exec, mock
	Label string `yaml:"label"`

	// edge
	Endpoint           string `yaml:"endpoint"`
	TrustedClientToken string `yaml:"trusted_client_token"`
	SecMSGECVersion    string `yaml:"sec_ms_gec_version"`
	OutputFormat       string `yaml:"output_format"`
	Rate               string `yaml:"rate"`
	Pitch              string `yaml:"pitch"`
	Volume             string `yaml:"volume"`

	// exec
	Command string `yaml:"command"`

	// mock
	MockChunkBytes   int `yaml:"mock_chunk_bytes"`
	MockChunkDelayMS int `yaml:"mock_chunk_delay_ms"`
	MockFailAfter    int `yaml:"mock_fail_after"`

	TimeoutMS         int    `yaml:"timeout_ms"`
	SelfTestTimeoutMS int    `yaml:"selftest_timeout_ms"`
	SelfTestText      string `yaml:"selftest_text"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
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

	// presence
	GatewayID           string `yaml:"gateway_id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		ServiceName: "edge-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:              "0.0.0.0",
			Port:              3001,
			MaxBodyBytes:      64 << 10,
			RateLimitBurst:    20,
			ShutdownTimeoutMS: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPInsecure:     true,
			TraceSampleRatio: 1,
			PrometheusBind:   ":9091",
		},
		Engine: EngineConfig{
			Mode:               "edge",
			Endpoint:           "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1",
			TrustedClientToken: "6A5AA1D4EAFF4E9FB37E23D68491D6F4",
			SecMSGECVersion:    "1-130.0.2849.68",
			OutputFormat:       "audio-24khz-48kbitrate-mono-mp3",
			Rate:               "+0%",
			Pitch:              "+0Hz",
			Volume:             "+0%",
			MockChunkBytes:     1024,
			TimeoutMS:          60000,
			SelfTestTimeoutMS:  15000,
			SelfTestText:       "Hello, this is a test.",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxEvents:     100000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,

			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
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
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "LOQA_TTS_SERVICE_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "LOQA_TTS_HTTP_MAX_BODY_BYTES")
	overrideFloat(&cfg.HTTP.RateLimitRPS, "LOQA_TTS_HTTP_RATE_LIMIT_RPS")
	overrideInt(&cfg.HTTP.RateLimitBurst, "LOQA_TTS_HTTP_RATE_LIMIT_BURST")
	overrideInt(&cfg.HTTP.ShutdownTimeoutMS, "LOQA_TTS_HTTP_SHUTDOWN_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TTS_TELEMETRY_TRACE_STDOUT")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TTS_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TTS_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Engine.Mode, "LOQA_TTS_ENGINE_MODE")
	overrideString(&cfg.Engine.Label, "LOQA_TTS_ENGINE_LABEL")
	overrideString(&cfg.Engine.Endpoint, "LOQA_TTS_ENGINE_ENDPOINT")
	overrideString(&cfg.Engine.TrustedClientToken, "LOQA_TTS_ENGINE_TRUSTED_CLIENT_TOKEN")
	overrideString(&cfg.Engine.SecMSGECVersion, "LOQA_TTS_ENGINE_SEC_MS_GEC_VERSION")
	overrideString(&cfg.Engine.OutputFormat, "LOQA_TTS_ENGINE_OUTPUT_FORMAT")
	overrideString(&cfg.Engine.Rate, "LOQA_TTS_ENGINE_RATE")
	overrideString(&cfg.Engine.Pitch, "LOQA_TTS_ENGINE_PITCH")
	overrideString(&cfg.Engine.Volume, "LOQA_TTS_ENGINE_VOLUME")
	overrideString(&cfg.Engine.Command, "LOQA_TTS_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.MockChunkBytes, "LOQA_TTS_ENGINE_MOCK_CHUNK_BYTES")
	overrideInt(&cfg.Engine.MockChunkDelayMS, "LOQA_TTS_ENGINE_MOCK_CHUNK_DELAY_MS")
	overrideInt(&cfg.Engine.MockFailAfter, "LOQA_TTS_ENGINE_MOCK_FAIL_AFTER")
	overrideInt(&cfg.Engine.TimeoutMS, "LOQA_TTS_ENGINE_TIMEOUT_MS")
	overrideInt(&cfg.Engine.SelfTestTimeoutMS, "LOQA_TTS_ENGINE_SELFTEST_TIMEOUT_MS")
	overrideString(&cfg.Engine.SelfTestText, "LOQA_TTS_ENGINE_SELFTEST_TEXT")
	overrideString(&cfg.EventStore.Path, "LOQA_TTS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_TTS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_TTS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEvents, "LOQA_TTS_EVENT_STORE_MAX_EVENTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_TTS_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_TTS_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.GatewayID, "LOQA_TTS_BUS_GATEWAY_ID")
	overrideInt(&cfg.Bus.HeartbeatIntervalMS, "LOQA_TTS_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeoutMS, "LOQA_TTS_BUS_HEARTBEAT_TIMEOUT_MS")
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

func applyDefaults(cfg *Config) {
	cfg.Engine.Mode = strings.ToLower(strings.TrimSpace(cfg.Engine.Mode))
	if cfg.Engine.Label == "" {
		cfg.Engine.Label = DefaultEngineLabel(cfg.Engine.Mode)
	}
	if cfg.Engine.SelfTestText == "" {
		cfg.Engine.SelfTestText = "Hello, this is a test."
	}
	if cfg.Bus.GatewayID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Bus.GatewayID = strings.NewReplacer(".", "-", " ", "-").Replace(host)
		} else {
			cfg.Bus.GatewayID = "loqa-tts"
		}
	}
}

// DefaultEngineLabel is the engine name reported in X-Engine headers and
// health payloads when none is configured.
func DefaultEngineLabel(mode string) string {
	switch mode {
	case "edge":
		return "microsoft-edge"
	case "":
		return "unknown"
	default:
		return mode
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	if cfg.HTTP.RateLimitRPS < 0 {
		return errors.New("http.rate_limit_rps must be >= 0")
	}
	if cfg.HTTP.RateLimitRPS > 0 && cfg.HTTP.RateLimitBurst <= 0 {
		return errors.New("http.rate_limit_burst must be positive when rate limiting is enabled")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Engine.Mode {
	case "edge":
		if cfg.Engine.Endpoint == "" {
			return errors.New("engine.endpoint must be set when mode=edge")
		}
		if cfg.Engine.TrustedClientToken == "" {
			return errors.New("engine.trusted_client_token must be set when mode=edge")
		}
		if cfg.Engine.OutputFormat == "" {
			return errors.New("engine.output_format must be set when mode=edge")
		}
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	case "mock":
		if cfg.Engine.MockChunkBytes <= 0 {
			return errors.New("engine.mock_chunk_bytes must be positive")
		}
		if cfg.Engine.MockFailAfter < 0 {
			return errors.New("engine.mock_fail_after must be >= 0")
		}
	default:
		return errors.New("engine.mode must be one of edge|exec|mock")
	}
	if cfg.Engine.TimeoutMS <= 0 {
		return errors.New("engine.timeout_ms must be positive")
	}
	if cfg.Engine.SelfTestTimeoutMS <= 0 {
		return errors.New("engine.selftest_timeout_ms must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionMode == "persistent" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty when retention_mode=persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.HeartbeatIntervalMS <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive")
		}
		if cfg.Bus.HeartbeatTimeoutMS <= cfg.Bus.HeartbeatIntervalMS {
			return errors.New("bus.heartbeat_timeout_ms must exceed bus.heartbeat_interval_ms")
		}
		if strings.ContainsAny(cfg.Bus.GatewayID, ".*> ") {
			return errors.New("bus.gateway_id must not contain subject tokens")
		}
	}
	return nil
}
