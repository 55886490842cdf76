package pool

import (
	"fmt"
	"time"
)

// Kind identifies the engine family a handle belongs to.
type Kind string

const (
	KindTTS Kind = "tts"
	KindSTT Kind = "stt"
)

// Tier records how a handle was obtained.
type Tier string

const (
	// TierDedicated is a warm handle previously reserved for the same session.
	TierDedicated Tier = "dedicated"
	// TierWarm is a handle taken from the shared warm set.
	TierWarm Tier = "warm"
	// TierTemporary is a fallback handle created outside the warm set. It is
	// closed on release and never recycled.
	TierTemporary Tier = "temporary"
)

// KindConfig bounds the handles kept for one Kind.
type KindConfig struct {
	// LowWatermark is the number of idle warm handles the refresher keeps ready.
	LowWatermark int
	// HighWatermark caps warm handles (idle + in use + being created).
	HighWatermark int
	// MaxTemporary caps concurrently outstanding fallback handles.
	MaxTemporary int
}

type Config struct {
	Kinds map[Kind]KindConfig

	AcquireTimeout  time.Duration
	WarmUpTimeout   time.Duration
	CreateTimeout   time.Duration
	MaxHandleAge    time.Duration
	MaxIdle         time.Duration
	RefreshInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Kinds: map[Kind]KindConfig{
			KindTTS: {LowWatermark: 2, HighWatermark: 5, MaxTemporary: 2},
			KindSTT: {LowWatermark: 1, HighWatermark: 3, MaxTemporary: 1},
		},
		AcquireTimeout:  2 * time.Second,
		WarmUpTimeout:   3 * time.Second,
		CreateTimeout:   10 * time.Second,
		MaxHandleAge:    10 * time.Minute,
		MaxIdle:         2 * time.Minute,
		RefreshInterval: 5 * time.Second,
	}
}

// normalize fills zero values from DefaultConfig. None of the timeouts may end
// up infinite.
func (c Config) normalize() (Config, error) {
	def := DefaultConfig()
	if len(c.Kinds) == 0 {
		c.Kinds = def.Kinds
	}
	kinds := make(map[Kind]KindConfig, len(c.Kinds))
	for kind, kc := range c.Kinds {
		if kc.LowWatermark < 0 || kc.HighWatermark < 0 || kc.MaxTemporary < 0 {
			return Config{}, fmt.Errorf("pool %s: watermarks must be >= 0", kind)
		}
		if kc.HighWatermark < kc.LowWatermark {
			return Config{}, fmt.Errorf("pool %s: high watermark %d below low watermark %d", kind, kc.HighWatermark, kc.LowWatermark)
		}
		if kc.HighWatermark == 0 && kc.MaxTemporary == 0 {
			return Config{}, fmt.Errorf("pool %s: no capacity configured", kind)
		}
		kinds[kind] = kc
	}
	c.Kinds = kinds
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.WarmUpTimeout <= 0 {
		c.WarmUpTimeout = def.WarmUpTimeout
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = def.CreateTimeout
	}
	if c.MaxHandleAge <= 0 {
		c.MaxHandleAge = def.MaxHandleAge
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = def.MaxIdle
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	return c, nil
}
