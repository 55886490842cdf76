package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-switchboard/pkg/core/pool"
)

var switchboardEnvKeys = []string{
	"SWITCHBOARD_ADDR",
	"SWITCHBOARD_LOG_LEVEL",
	"SWITCHBOARD_ALLOWED_ORIGINS",
	"SWITCHBOARD_READ_HEADER_TIMEOUT",
	"SWITCHBOARD_SHUTDOWN_GRACE_PERIOD",
	"SWITCHBOARD_VOICE_MAX_MESSAGE_BYTES",
	"SWITCHBOARD_VOICE_MAX_SESSIONS",
	"SWITCHBOARD_VOICE_HANDSHAKE_TIMEOUT",
	"SWITCHBOARD_VOICE_PING_INTERVAL",
	"SWITCHBOARD_VOICE_WRITE_TIMEOUT",
	"SWITCHBOARD_VOICE_INBOUND_QUEUE",
	"SWITCHBOARD_VOICE_CONNECT_RPS",
	"SWITCHBOARD_VOICE_CONNECT_BURST",
	"SWITCHBOARD_VOICE_CLIENT_SESSIONS",
	"SWITCHBOARD_REALTIME_URL",
	"SWITCHBOARD_REALTIME_API_KEY",
	"SWITCHBOARD_REALTIME_MODEL",
	"SWITCHBOARD_POOL_LOW_WATERMARK",
	"SWITCHBOARD_POOL_HIGH_WATERMARK",
	"SWITCHBOARD_POOL_MAX_TEMPORARY",
	"SWITCHBOARD_POOL_ACQUIRE_TIMEOUT",
	"SWITCHBOARD_POOL_WARMUP_TIMEOUT",
	"SWITCHBOARD_POOL_MAX_HANDLE_AGE",
	"SWITCHBOARD_POOL_MAX_IDLE",
	"SWITCHBOARD_POOL_REFRESH_INTERVAL",
	"SWITCHBOARD_AUDIO_PROFILE",
	"SWITCHBOARD_AUDIO_SEND_QUEUE",
	"SWITCHBOARD_AUDIO_PLAYBACK_QUEUE",
	"SWITCHBOARD_AGENTS_FILE",
	"SWITCHBOARD_START_AGENT",
	"SWITCHBOARD_GREETING_TIMEOUT",
	"SWITCHBOARD_TOOL_TIMEOUT",
	"SWITCHBOARD_SYNTHESIZE_SPEECH",
	"SWITCHBOARD_PERSISTENT_KEYS",
	"SWITCHBOARD_REDIS_URL",
	"SWITCHBOARD_STORE_PREFIX",
	"SWITCHBOARD_STORE_TTL",
	"SWITCHBOARD_TOOL_WEBHOOK_URL",
	"SWITCHBOARD_TOOL_WEBHOOK_TOKEN",
	"SWITCHBOARD_ELEVENLABS_API_KEY",
	"SWITCHBOARD_ELEVENLABS_BASE_URL",
	"SWITCHBOARD_ELEVENLABS_VOICE",
	"SWITCHBOARD_ELEVENLABS_MODEL",
}

func clearSwitchboardEnv(t *testing.T) {
	t.Helper()
	for _, key := range switchboardEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearSwitchboardEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr=%q", cfg.Addr)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v", cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
	if cfg.GreetingTimeout != 1500*time.Millisecond {
		t.Fatalf("GreetingTimeout=%v", cfg.GreetingTimeout)
	}
	if cfg.AudioProfile != "ui" || cfg.Profile().SampleRate != 24000 {
		t.Fatalf("profile=%q rate=%d", cfg.AudioProfile, cfg.Profile().SampleRate)
	}
	if cfg.VoiceConnectRPS != 2 || cfg.VoiceConnectBurst != 10 || cfg.VoiceClientSessions != 20 {
		t.Fatalf("admission defaults: rps=%v burst=%d sessions=%d", cfg.VoiceConnectRPS, cfg.VoiceConnectBurst, cfg.VoiceClientSessions)
	}
	if cfg.SynthesizeSpeech {
		t.Fatalf("SynthesizeSpeech should default to false")
	}
	if cfg.RedisURL != "" || cfg.StoreTTL != 24*time.Hour {
		t.Fatalf("store defaults: url=%q ttl=%v", cfg.RedisURL, cfg.StoreTTL)
	}
	if cfg.PersistentKeys != nil {
		t.Fatalf("PersistentKeys=%v, want nil so the handoff defaults apply", cfg.PersistentKeys)
	}
	if err := cfg.RequireProvider(); err == nil || !strings.Contains(err.Error(), "SWITCHBOARD_REALTIME_API_KEY") {
		t.Fatalf("RequireProvider() = %v", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearSwitchboardEnv(t)
	t.Setenv("SWITCHBOARD_ADDR", "127.0.0.1:9000")
	t.Setenv("SWITCHBOARD_LOG_LEVEL", "debug")
	t.Setenv("SWITCHBOARD_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SWITCHBOARD_REALTIME_API_KEY", "sk-test")
	t.Setenv("SWITCHBOARD_POOL_LOW_WATERMARK", "1")
	t.Setenv("SWITCHBOARD_POOL_HIGH_WATERMARK", "3")
	t.Setenv("SWITCHBOARD_POOL_MAX_TEMPORARY", "0")
	t.Setenv("SWITCHBOARD_AUDIO_PROFILE", "telephony")
	t.Setenv("SWITCHBOARD_SYNTHESIZE_SPEECH", "yes")
	t.Setenv("SWITCHBOARD_ELEVENLABS_API_KEY", "el-test")
	t.Setenv("SWITCHBOARD_PERSISTENT_KEYS", "customer_id, authenticated")
	t.Setenv("SWITCHBOARD_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SWITCHBOARD_VOICE_CONNECT_RPS", "0.5")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("addr=%q level=%v", cfg.Addr, cfg.LogLevel)
	}
	if _, ok := cfg.AllowedOrigins["https://b.example"]; !ok || len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if !cfg.SynthesizeSpeech || cfg.Profile().Name != "telephony" {
		t.Fatalf("synth=%v profile=%q", cfg.SynthesizeSpeech, cfg.Profile().Name)
	}
	if len(cfg.PersistentKeys) != 2 || cfg.PersistentKeys[1] != "authenticated" {
		t.Fatalf("PersistentKeys=%v", cfg.PersistentKeys)
	}
	if err := cfg.RequireProvider(); err != nil {
		t.Fatalf("RequireProvider() = %v", err)
	}
	if cfg.VoiceConnectRPS != 0.5 {
		t.Fatalf("VoiceConnectRPS=%v", cfg.VoiceConnectRPS)
	}

	pc := cfg.Pool()
	kc, ok := pc.Kinds[pool.KindTTS]
	if !ok || len(pc.Kinds) != 1 {
		t.Fatalf("pool kinds=%v", pc.Kinds)
	}
	if kc.LowWatermark != 1 || kc.HighWatermark != 3 || kc.MaxTemporary != 0 {
		t.Fatalf("tts kind=%+v", kc)
	}
	if pc.MaxIdle != 2*time.Minute {
		t.Fatalf("MaxIdle=%v", pc.MaxIdle)
	}
	if pc.CreateTimeout != pool.DefaultConfig().CreateTimeout {
		t.Fatalf("CreateTimeout=%v", pc.CreateTimeout)
	}
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	cases := []struct {
		name      string
		env       map[string]string
		errSubstr string
	}{
		{
			name:      "log level",
			env:       map[string]string{"SWITCHBOARD_LOG_LEVEL": "loud"},
			errSubstr: "SWITCHBOARD_LOG_LEVEL",
		},
		{
			name:      "shutdown grace",
			env:       map[string]string{"SWITCHBOARD_SHUTDOWN_GRACE_PERIOD": "0s"},
			errSubstr: "SWITCHBOARD_SHUTDOWN_GRACE_PERIOD",
		},
		{
			name: "watermarks inverted",
			env: map[string]string{
				"SWITCHBOARD_POOL_LOW_WATERMARK":  "4",
				"SWITCHBOARD_POOL_HIGH_WATERMARK": "2",
			},
			errSubstr: "SWITCHBOARD_POOL_HIGH_WATERMARK must be >=",
		},
		{
			name: "no pool capacity",
			env: map[string]string{
				"SWITCHBOARD_POOL_LOW_WATERMARK":  "0",
				"SWITCHBOARD_POOL_HIGH_WATERMARK": "0",
				"SWITCHBOARD_POOL_MAX_TEMPORARY":  "0",
			},
			errSubstr: "SWITCHBOARD_POOL_MAX_TEMPORARY",
		},
		{
			name:      "audio profile",
			env:       map[string]string{"SWITCHBOARD_AUDIO_PROFILE": "hifi"},
			errSubstr: "SWITCHBOARD_AUDIO_PROFILE",
		},
		{
			name:      "greeting timeout",
			env:       map[string]string{"SWITCHBOARD_GREETING_TIMEOUT": "-1s"},
			errSubstr: "SWITCHBOARD_GREETING_TIMEOUT",
		},
		{
			name:      "synthesis without key",
			env:       map[string]string{"SWITCHBOARD_SYNTHESIZE_SPEECH": "true"},
			errSubstr: "SWITCHBOARD_ELEVENLABS_API_KEY",
		},
		{
			name:      "client sessions",
			env:       map[string]string{"SWITCHBOARD_VOICE_CLIENT_SESSIONS": "-2"},
			errSubstr: "SWITCHBOARD_VOICE_CLIENT_SESSIONS",
		},
		{
			name:      "voice sessions",
			env:       map[string]string{"SWITCHBOARD_VOICE_MAX_SESSIONS": "-1"},
			errSubstr: "SWITCHBOARD_VOICE_MAX_SESSIONS",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearSwitchboardEnv(t)
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Fatalf("error = %v, expected substring %q", err, tc.errSubstr)
			}
		})
	}
}
