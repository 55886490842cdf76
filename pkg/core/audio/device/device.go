// Package device binds the audio bridge to the local microphone (malgo) and
// speaker (oto).
package device

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-switchboard/pkg/core/audio"
)

const channels = 1

// Devices owns the audio backends for one console session.
type Devices struct {
	Mic     *Microphone
	Speaker *Speaker

	malgoCtx *malgo.AllocatedContext
}

// Open starts capture and prepares playback at sampleRate, 16-bit mono.
func Open(sampleRate int) (*Devices, error) {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	mic, err := newMicrophone(malgoCtx.Context, sampleRate)
	if err != nil {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, err
	}

	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		mic.Close()
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	return &Devices{
		Mic:      mic,
		Speaker:  newSpeaker(otoCtx, sampleRate),
		malgoCtx: malgoCtx,
	}, nil
}

func (d *Devices) Close() {
	if d == nil {
		return
	}
	d.Mic.Close()
	_ = d.Speaker.Close()
	if d.malgoCtx != nil {
		_ = d.malgoCtx.Uninit()
		d.malgoCtx.Free()
	}
}

// Microphone captures PCM from the default input device. Read blocks until
// data is available and returns audio.ErrStreamStopped once closed. Only
// the freshest second is kept when nobody reads.
type Microphone struct {
	device *malgo.Device
	pcm    *audio.PCMBuffer
	reader io.Reader
	once   sync.Once
}

func newMicrophone(ctx malgo.Context, sampleRate int) (*Microphone, error) {
	pcm := audio.NewPCMBuffer(sampleRate * 2)
	m := &Microphone{pcm: pcm, reader: pcm.Reader()}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = channels
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(ctx, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			_, _ = pcm.Write(input)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	m.device = device
	return m, nil
}

func (m *Microphone) Read(p []byte) (int, error) {
	return m.reader.Read(p)
}

func (m *Microphone) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		m.pcm.Close()
		if m.device != nil {
			_ = m.device.Stop()
			m.device.Uninit()
		}
	})
}

// Speaker plays PCM through oto. Each player pulls from its own generation of
// the output buffer; Flush stops the current player and any audio written
// afterwards starts a fresh one.
type Speaker struct {
	otoCtx *oto.Context
	out    *audio.PCMBuffer

	mu     sync.Mutex
	player *oto.Player
	closed bool
}

func newSpeaker(ctx *oto.Context, sampleRate int) *Speaker {
	return &Speaker{
		otoCtx: ctx,
		out:    audio.NewPCMBuffer(sampleRate * 2 * 30),
	}
}

func (s *Speaker) Write(data []byte) (int, error) {
	n, err := s.out.Write(data)
	if err != nil {
		return n, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil && !s.closed {
		s.player = s.otoCtx.NewPlayer(s.out.Reader())
		s.player.Play()
	}
	return n, nil
}

func (s *Speaker) Flush() error {
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.out.Flush()
	s.mu.Unlock()
	if player == nil {
		return nil
	}
	stopPlayer(player)
	return player.Close()
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	s.closed = true
	player := s.player
	s.player = nil
	s.out.Close()
	s.mu.Unlock()
	if player == nil {
		return nil
	}
	return player.Close()
}

// stopPlayer clears oto's internal buffer so stale audio never overlaps the
// next response.
func stopPlayer(p *oto.Player) {
	p.Pause()
	p.Reset()
}

var (
	_ audio.CaptureDevice  = (*Microphone)(nil)
	_ audio.PlaybackDevice = (*Speaker)(nil)
	_ audio.Flusher        = (*Speaker)(nil)
)
