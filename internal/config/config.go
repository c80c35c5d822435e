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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	STT         STTConfig        `yaml:"stt"`
	Caption     CaptionConfig    `yaml:"caption"`
	Video       VideoConfig      `yaml:"video"`
	EventStore  EventStoreConfig `yaml:"event_store"`
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

// NodeConfig identifies this process to other caption nodes on the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type STTConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Mode                 string  `yaml:"mode"` // mock, exec, openai
	Command              string  `yaml:"command"`
	ModelPath            string  `yaml:"model_path"`
	Language             string  `yaml:"language"`
	SampleRate           int     `yaml:"sample_rate"`
	Channels             int     `yaml:"channels"`
	FrameDurationMS      int     `yaml:"frame_duration_ms"`
	PhraseTimeLimitMS    int     `yaml:"phrase_time_limit_ms"`
	Source               string  `yaml:"source"` // bus, wav
	WAVPath              string  `yaml:"wav_path"`
	Realtime             bool    `yaml:"realtime"`
	EnergyThreshold      float64 `yaml:"energy_threshold"`
	AmbientCalibrationMS int     `yaml:"ambient_calibration_ms"`
	PublishTranscripts   bool    `yaml:"publish_transcripts"`
	APIKey               string  `yaml:"api_key"`
	BaseURL              string  `yaml:"base_url"`
	Model                string  `yaml:"model"`
	RequestTimeoutMS     int     `yaml:"request_timeout_ms"`
}

type CaptionConfig struct {
	MaxDisplayTimeS int     `yaml:"max_display_time_s"`
	PreciseExpiry   bool    `yaml:"precise_expiry"`
	FontPath        string  `yaml:"font_path"`
	FontSize        float64 `yaml:"font_size"`
	FontScale       float64 `yaml:"font_scale"`
	Thickness       int     `yaml:"thickness"`
	BottomOffset    int     `yaml:"bottom_offset"`
	Foreground      string  `yaml:"foreground"`
	Background      string  `yaml:"background"`
	ErrorText       string  `yaml:"error_text"`
	Anchor          []int   `yaml:"anchor"`
	ListenBus       bool    `yaml:"listen_bus"`
}

type VideoConfig struct {
	Source      string `yaml:"source"` // pattern, dir, watch
	Directory   string `yaml:"directory"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
	Loop        bool   `yaml:"loop"`
	OutputDir   string `yaml:"output_dir"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "arcc",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                  "arcc-node",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		STT: STTConfig{
			Enabled:              true,
			Mode:                 "mock",
			SampleRate:           16000,
			Channels:             1,
			FrameDurationMS:      20,
			PhraseTimeLimitMS:    1000,
			Source:               "bus",
			Realtime:             true,
			AmbientCalibrationMS: 0,
			Model:                "whisper-1",
			RequestTimeoutMS:     45000,
		},
		Caption: CaptionConfig{
			MaxDisplayTimeS: 2,
			FontSize:        24,
			FontScale:       1.25,
			Thickness:       2,
			BottomOffset:    50,
			Foreground:      "#FFFFFF",
			Background:      "#000000",
			ErrorText:       "[recognition error]",
		},
		Video: VideoConfig{
			Source:      "pattern",
			Width:       1280,
			Height:      720,
			FPS:         24,
			JPEGQuality: 85,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/arcc-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "ARCC_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ARCC_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ARCC_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ARCC_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ARCC_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ARCC_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ARCC_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ARCC_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "ARCC_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "ARCC_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ARCC_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ARCC_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ARCC_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ARCC_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ARCC_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ARCC_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ARCC_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ARCC_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "ARCC_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "ARCC_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "ARCC_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "ARCC_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "ARCC_STT_MODE")
	overrideString(&cfg.STT.Command, "ARCC_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "ARCC_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "ARCC_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "ARCC_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "ARCC_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "ARCC_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PhraseTimeLimitMS, "ARCC_STT_PHRASE_TIME_LIMIT_MS")
	overrideString(&cfg.STT.Source, "ARCC_STT_SOURCE")
	overrideString(&cfg.STT.WAVPath, "ARCC_STT_WAV_PATH")
	overrideBool(&cfg.STT.Realtime, "ARCC_STT_REALTIME")
	overrideFloat(&cfg.STT.EnergyThreshold, "ARCC_STT_ENERGY_THRESHOLD")
	overrideInt(&cfg.STT.AmbientCalibrationMS, "ARCC_STT_AMBIENT_CALIBRATION_MS")
	overrideBool(&cfg.STT.PublishTranscripts, "ARCC_STT_PUBLISH_TRANSCRIPTS")
	overrideString(&cfg.STT.APIKey, "ARCC_STT_API_KEY")
	overrideString(&cfg.STT.BaseURL, "ARCC_STT_BASE_URL")
	overrideString(&cfg.STT.Model, "ARCC_STT_MODEL")
	overrideInt(&cfg.STT.RequestTimeoutMS, "ARCC_STT_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Caption.MaxDisplayTimeS, "ARCC_CAPTION_MAX_DISPLAY_TIME_S")
	overrideBool(&cfg.Caption.PreciseExpiry, "ARCC_CAPTION_PRECISE_EXPIRY")
	overrideString(&cfg.Caption.FontPath, "ARCC_CAPTION_FONT_PATH")
	overrideFloat(&cfg.Caption.FontSize, "ARCC_CAPTION_FONT_SIZE")
	overrideFloat(&cfg.Caption.FontScale, "ARCC_CAPTION_FONT_SCALE")
	overrideInt(&cfg.Caption.Thickness, "ARCC_CAPTION_THICKNESS")
	overrideInt(&cfg.Caption.BottomOffset, "ARCC_CAPTION_BOTTOM_OFFSET")
	overrideString(&cfg.Caption.Foreground, "ARCC_CAPTION_FOREGROUND")
	overrideString(&cfg.Caption.Background, "ARCC_CAPTION_BACKGROUND")
	overrideString(&cfg.Caption.ErrorText, "ARCC_CAPTION_ERROR_TEXT")
	overrideIntSlice(&cfg.Caption.Anchor, "ARCC_CAPTION_ANCHOR")
	overrideBool(&cfg.Caption.ListenBus, "ARCC_CAPTION_LISTEN_BUS")
	overrideString(&cfg.Video.Source, "ARCC_VIDEO_SOURCE")
	overrideString(&cfg.Video.Directory, "ARCC_VIDEO_DIRECTORY")
	overrideInt(&cfg.Video.Width, "ARCC_VIDEO_WIDTH")
	overrideInt(&cfg.Video.Height, "ARCC_VIDEO_HEIGHT")
	overrideInt(&cfg.Video.FPS, "ARCC_VIDEO_FPS")
	overrideBool(&cfg.Video.Loop, "ARCC_VIDEO_LOOP")
	overrideString(&cfg.Video.OutputDir, "ARCC_VIDEO_OUTPUT_DIR")
	overrideInt(&cfg.Video.JPEGQuality, "ARCC_VIDEO_JPEG_QUALITY")
	overrideString(&cfg.EventStore.Path, "ARCC_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ARCC_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ARCC_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "ARCC_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ARCC_EVENT_STORE_VACUUM_ON_START")
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

func overrideIntSlice(target *[]int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var parsed []int
		for _, p := range strings.Split(value, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return
			}
			parsed = append(parsed, n)
		}
		*target = parsed
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
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
	if cfg.Bus.Enabled {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 || cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must exceed a positive node.heartbeat_interval_ms")
		}
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "openai":
		default:
			return errors.New("stt.mode must be one of mock|exec|openai")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "openai" && cfg.STT.APIKey == "" && cfg.STT.BaseURL == "" {
			return errors.New("stt.api_key or stt.base_url must be set when mode=openai")
		}
		if cfg.STT.PhraseTimeLimitMS <= 0 {
			return errors.New("stt.phrase_time_limit_ms must be positive")
		}
		if cfg.STT.EnergyThreshold < 0 || cfg.STT.AmbientCalibrationMS < 0 {
			return errors.New("stt.energy_threshold and stt.ambient_calibration_ms must be >= 0")
		}
		switch cfg.STT.Source {
		case "bus":
			if !cfg.Bus.Enabled {
				return errors.New("stt.source=bus requires bus.enabled")
			}
		case "wav":
			if cfg.STT.WAVPath == "" {
				return errors.New("stt.wav_path must be set when source=wav")
			}
			if cfg.STT.FrameDurationMS <= 0 {
				return errors.New("stt.frame_duration_ms must be positive")
			}
		default:
			return errors.New("stt.source must be one of bus|wav")
		}
	}
	if cfg.STT.PublishTranscripts && !cfg.Bus.Enabled {
		return errors.New("stt.publish_transcripts requires bus.enabled")
	}
	if cfg.Caption.ListenBus && !cfg.Bus.Enabled {
		return errors.New("caption.listen_bus requires bus.enabled")
	}
	if cfg.Caption.ListenBus && cfg.STT.Enabled && cfg.STT.PublishTranscripts {
		return errors.New("caption.listen_bus would apply the local stt transcripts twice; disable stt.publish_transcripts")
	}
	if cfg.Caption.MaxDisplayTimeS < 0 {
		return errors.New("caption.max_display_time_s must be >= 0")
	}
	if cfg.Caption.FontSize <= 0 || cfg.Caption.FontScale <= 0 {
		return errors.New("caption.font_size and caption.font_scale must be positive")
	}
	if cfg.Caption.Thickness <= 0 {
		return errors.New("caption.thickness must be >= 1")
	}
	if len(cfg.Caption.Anchor) != 0 && len(cfg.Caption.Anchor) != 2 {
		return errors.New("caption.anchor must be empty or [x, y]")
	}
	switch cfg.Video.Source {
	case "pattern":
		if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
			return errors.New("video.width and video.height must be positive")
		}
	case "dir", "watch":
		if cfg.Video.Directory == "" {
			return fmt.Errorf("video.directory must be set when source=%s", cfg.Video.Source)
		}
	default:
		return errors.New("video.source must be one of pattern|dir|watch")
	}
	if cfg.Video.FPS <= 0 {
		return errors.New("video.fps must be positive")
	}
	if cfg.Video.JPEGQuality < 1 || cfg.Video.JPEGQuality > 100 {
		return errors.New("video.jpeg_quality must be between 1 and 100")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
