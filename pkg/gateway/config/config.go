package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-switchboard/pkg/core/audio"
	"github.com/vango-go/vai-switchboard/pkg/core/pool"
)

type Config struct {
	Addr     string
	LogLevel slog.Level

	// CORS / websocket origin allowlist; empty allows any origin.
	AllowedOrigins map[string]struct{}

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Voice websocket (/v1/voice).
	VoiceMaxMessageBytes  int64
	VoiceMaxSessions      int
	VoiceHandshakeTimeout time.Duration
	VoicePingInterval     time.Duration
	VoiceWriteTimeout     time.Duration
	VoiceInboundQueue     int

	// Per-client admission on /v1/voice; zero disables each bound.
	VoiceConnectRPS     float64
	VoiceConnectBurst   int
	VoiceClientSessions int

	// Dialogue provider.
	RealtimeURL    string
	RealtimeAPIKey string
	RealtimeModel  string

	// Speech resource pool (TTS handles).
	PoolLowWatermark    int
	PoolHighWatermark   int
	PoolMaxTemporary    int
	PoolAcquireTimeout  time.Duration
	PoolWarmUpTimeout   time.Duration
	PoolMaxHandleAge    time.Duration
	PoolMaxIdle         time.Duration
	PoolRefreshInterval time.Duration

	AudioProfile       string
	AudioSendQueue     int
	AudioPlaybackQueue int

	// Orchestrator.
	AgentsFile       string
	StartAgent       string
	GreetingTimeout  time.Duration
	ToolTimeout      time.Duration
	SynthesizeSpeech bool
	PersistentKeys   []string

	// Profile store. An empty RedisURL keeps profiles in memory.
	RedisURL    string
	StorePrefix string
	StoreTTL    time.Duration

	// Tool webhook for tools without an in-process implementation.
	ToolWebhookURL   string
	ToolWebhookToken string

	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	ElevenLabsVoice   string
	ElevenLabsModel   string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("SWITCHBOARD_ADDR", ":8080"),
		AllowedOrigins:        make(map[string]struct{}),
		ReadHeaderTimeout:     envDurationOr("SWITCHBOARD_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("SWITCHBOARD_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		VoiceMaxMessageBytes:  envInt64Or("SWITCHBOARD_VOICE_MAX_MESSAGE_BYTES", 256*1024),
		VoiceMaxSessions:      envIntOr("SWITCHBOARD_VOICE_MAX_SESSIONS", 200),
		VoiceHandshakeTimeout: envDurationOr("SWITCHBOARD_VOICE_HANDSHAKE_TIMEOUT", 5*time.Second),
		VoicePingInterval:     envDurationOr("SWITCHBOARD_VOICE_PING_INTERVAL", 20*time.Second),
		VoiceWriteTimeout:     envDurationOr("SWITCHBOARD_VOICE_WRITE_TIMEOUT", 5*time.Second),
		VoiceInboundQueue:     envIntOr("SWITCHBOARD_VOICE_INBOUND_QUEUE", 64),
		VoiceConnectRPS:       envFloatOr("SWITCHBOARD_VOICE_CONNECT_RPS", 2),
		VoiceConnectBurst:     envIntOr("SWITCHBOARD_VOICE_CONNECT_BURST", 10),
		VoiceClientSessions:   envIntOr("SWITCHBOARD_VOICE_CLIENT_SESSIONS", 20),
		RealtimeURL:           envOr("SWITCHBOARD_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeAPIKey:        envOr("SWITCHBOARD_REALTIME_API_KEY", ""),
		RealtimeModel:         envOr("SWITCHBOARD_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		PoolLowWatermark:      envIntOr("SWITCHBOARD_POOL_LOW_WATERMARK", 2),
		PoolHighWatermark:     envIntOr("SWITCHBOARD_POOL_HIGH_WATERMARK", 5),
		PoolMaxTemporary:      envIntOr("SWITCHBOARD_POOL_MAX_TEMPORARY", 2),
		PoolAcquireTimeout:    envDurationOr("SWITCHBOARD_POOL_ACQUIRE_TIMEOUT", 2*time.Second),
		PoolWarmUpTimeout:     envDurationOr("SWITCHBOARD_POOL_WARMUP_TIMEOUT", 3*time.Second),
		PoolMaxHandleAge:      envDurationOr("SWITCHBOARD_POOL_MAX_HANDLE_AGE", 10*time.Minute),
		PoolMaxIdle:           envDurationOr("SWITCHBOARD_POOL_MAX_IDLE", 2*time.Minute),
		PoolRefreshInterval:   envDurationOr("SWITCHBOARD_POOL_REFRESH_INTERVAL", 5*time.Second),
		AudioProfile:          envOr("SWITCHBOARD_AUDIO_PROFILE", audio.ProfileUI.Name),
		AudioSendQueue:        envIntOr("SWITCHBOARD_AUDIO_SEND_QUEUE", 64),
		AudioPlaybackQueue:    envIntOr("SWITCHBOARD_AUDIO_PLAYBACK_QUEUE", 256),
		AgentsFile:            envOr("SWITCHBOARD_AGENTS_FILE", "configs/agents.yaml"),
		StartAgent:            envOr("SWITCHBOARD_START_AGENT", ""),
		GreetingTimeout:       envDurationOr("SWITCHBOARD_GREETING_TIMEOUT", 1500*time.Millisecond),
		ToolTimeout:           envDurationOr("SWITCHBOARD_TOOL_TIMEOUT", 10*time.Second),
		SynthesizeSpeech:      envBoolOr("SWITCHBOARD_SYNTHESIZE_SPEECH", false),
		PersistentKeys:        splitCSV(os.Getenv("SWITCHBOARD_PERSISTENT_KEYS")),
		RedisURL:              envOr("SWITCHBOARD_REDIS_URL", ""),
		StorePrefix:           envOr("SWITCHBOARD_STORE_PREFIX", "switchboard:profile:"),
		StoreTTL:              envDurationOr("SWITCHBOARD_STORE_TTL", 24*time.Hour),
		ToolWebhookURL:        envOr("SWITCHBOARD_TOOL_WEBHOOK_URL", ""),
		ToolWebhookToken:      envOr("SWITCHBOARD_TOOL_WEBHOOK_TOKEN", ""),
		ElevenLabsAPIKey:      envOr("SWITCHBOARD_ELEVENLABS_API_KEY", ""),
		ElevenLabsBaseURL:     envOr("SWITCHBOARD_ELEVENLABS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsVoice:       envOr("SWITCHBOARD_ELEVENLABS_VOICE", ""),
		ElevenLabsModel:       envOr("SWITCHBOARD_ELEVENLABS_MODEL", "eleven_flash_v2_5"),
	}

	level, err := parseLevel(envOr("SWITCHBOARD_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	for _, origin := range splitCSV(os.Getenv("SWITCHBOARD_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.VoiceMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_VOICE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.VoiceMaxSessions < 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_VOICE_MAX_SESSIONS must be >= 0")
	}
	if cfg.VoiceHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_VOICE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.VoicePingInterval <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_VOICE_PING_INTERVAL must be > 0")
	}
	if cfg.VoiceWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_VOICE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.VoiceInboundQueue <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_VOICE_INBOUND_QUEUE must be > 0")
	}
	if cfg.VoiceConnectRPS < 0 || cfg.VoiceConnectBurst < 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_VOICE_CONNECT_RPS and SWITCHBOARD_VOICE_CONNECT_BURST must be >= 0")
	}
	if cfg.VoiceClientSessions < 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_VOICE_CLIENT_SESSIONS must be >= 0")
	}
	if strings.TrimSpace(cfg.RealtimeURL) == "" {
		return Config{}, fmt.Errorf("SWITCHBOARD_REALTIME_URL must not be empty")
	}
	if cfg.PoolLowWatermark < 0 || cfg.PoolHighWatermark < 0 || cfg.PoolMaxTemporary < 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_POOL_* watermarks must be >= 0")
	}
	if cfg.PoolHighWatermark < cfg.PoolLowWatermark {
		return Config{}, fmt.Errorf("SWITCHBOARD_POOL_HIGH_WATERMARK must be >= SWITCHBOARD_POOL_LOW_WATERMARK")
	}
	if cfg.PoolHighWatermark == 0 && cfg.PoolMaxTemporary == 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_POOL_HIGH_WATERMARK or SWITCHBOARD_POOL_MAX_TEMPORARY must be > 0")
	}
	if cfg.PoolAcquireTimeout <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_POOL_ACQUIRE_TIMEOUT must be > 0")
	}
	if cfg.PoolWarmUpTimeout <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_POOL_WARMUP_TIMEOUT must be > 0")
	}
	if cfg.PoolMaxHandleAge <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_POOL_MAX_HANDLE_AGE must be > 0")
	}
	if cfg.PoolMaxIdle <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_POOL_MAX_IDLE must be > 0")
	}
	if cfg.PoolRefreshInterval <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_POOL_REFRESH_INTERVAL must be > 0")
	}
	if _, ok := audio.ProfileByName(cfg.AudioProfile); !ok {
		return Config{}, fmt.Errorf("SWITCHBOARD_AUDIO_PROFILE must be one of ui|telephony")
	}
	if cfg.AudioSendQueue <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_AUDIO_SEND_QUEUE must be > 0")
	}
	if cfg.AudioPlaybackQueue <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_AUDIO_PLAYBACK_QUEUE must be > 0")
	}
	if strings.TrimSpace(cfg.AgentsFile) == "" {
		return Config{}, fmt.Errorf("SWITCHBOARD_AGENTS_FILE must not be empty")
	}
	if cfg.GreetingTimeout <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_GREETING_TIMEOUT must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_TOOL_TIMEOUT must be > 0")
	}
	if cfg.StoreTTL <= 0 {
		return Config{}, fmt.Errorf("SWITCHBOARD_STORE_TTL must be > 0")
	}
	if cfg.SynthesizeSpeech && cfg.ElevenLabsAPIKey == "" {
		return Config{}, fmt.Errorf("SWITCHBOARD_ELEVENLABS_API_KEY must be set when SWITCHBOARD_SYNTHESIZE_SPEECH=true")
	}

	return cfg, nil
}

// RequireProvider reports a missing provider credential. Only commands that
// open provider connections call it.
func (c Config) RequireProvider() error {
	if strings.TrimSpace(c.RealtimeAPIKey) == "" {
		return fmt.Errorf("SWITCHBOARD_REALTIME_API_KEY must be set")
	}
	return nil
}

// Pool returns the speech pool configuration. Only TTS handles are pooled.
func (c Config) Pool() pool.Config {
	def := pool.DefaultConfig()
	return pool.Config{
		Kinds: map[pool.Kind]pool.KindConfig{
			pool.KindTTS: {
				LowWatermark:  c.PoolLowWatermark,
				HighWatermark: c.PoolHighWatermark,
				MaxTemporary:  c.PoolMaxTemporary,
			},
		},
		AcquireTimeout:  c.PoolAcquireTimeout,
		WarmUpTimeout:   c.PoolWarmUpTimeout,
		CreateTimeout:   def.CreateTimeout,
		MaxHandleAge:    c.PoolMaxHandleAge,
		MaxIdle:         c.PoolMaxIdle,
		RefreshInterval: c.PoolRefreshInterval,
	}
}

func (c Config) Profile() audio.Profile {
	p, _ := audio.ProfileByName(c.AudioProfile)
	return p
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("SWITCHBOARD_LOG_LEVEL must be one of debug|info|warn|error")
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloatOr(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
