package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-switchboard/pkg/core/audio"
	"github.com/vango-go/vai-switchboard/pkg/core/audio/device"
	"github.com/vango-go/vai-switchboard/pkg/core/handoff"
	"github.com/vango-go/vai-switchboard/pkg/gateway/handlers"
)

type consoleOptions struct {
	agent   string
	profile string
	session string
	vars    map[string]string
}

func newConsoleCmd(stderr io.Writer, deps appDeps) *cobra.Command {
	var opts consoleOptions
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Talk to the agents through the local microphone and speaker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsole(cmd.Context(), cmd.OutOrStdout(), stderr, deps, opts)
		},
	}
	cmd.Flags().StringVar(&opts.agent, "agent", "", "starting agent (defaults to SWITCHBOARD_START_AGENT)")
	cmd.Flags().StringVar(&opts.profile, "profile", "", "audio profile: ui or telephony (defaults to SWITCHBOARD_AUDIO_PROFILE)")
	cmd.Flags().StringVar(&opts.session, "session", "", "session id; reusing one restores its stored profile")
	cmd.Flags().StringToStringVar(&opts.vars, "var", nil, "initial session variable as key=value (repeatable)")
	return cmd
}

func runConsole(ctx context.Context, stdout, stderr io.Writer, deps appDeps, opts consoleOptions) error {
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireProvider(); err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogLevel)

	profileName := opts.profile
	if profileName == "" {
		profileName = cfg.AudioProfile
	}
	profile, ok := audio.ProfileByName(profileName)
	if !ok {
		return fmt.Errorf("unknown audio profile %q", profileName)
	}
	sessionID := opts.session
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	frames, err := st.bus.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}

	vs, err := st.builder.NewSession(ctx, handlers.SessionParams{
		SessionID: sessionID,
		Agent:     opts.agent,
		Profile:   profile,
	})
	if err != nil {
		return err
	}
	defer vs.Release()

	devices, err := device.Open(profile.SampleRate)
	if err != nil {
		_ = vs.Orchestrator.Close()
		return err
	}
	defer devices.Close()

	vars := make(handoff.Variables, len(opts.vars))
	for k, v := range opts.vars {
		vars[k] = v
	}

	logger.Info("console session started", "session_id", sessionID, "agent", vs.Agent, "profile", profile.Name)
	fmt.Fprintln(stdout, "listening; press Ctrl-C to hang up")

	o := vs.Orchestrator
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return o.Run(gctx)
	})
	g.Go(func() error {
		audio.RunSender(gctx, vs.Bridge.Capture(gctx, devices.Mic), o.Post, o.SendAudio)
		return nil
	})
	g.Go(func() error {
		return vs.Bridge.RunPlayback(gctx, devices.Speaker)
	})
	g.Go(func() error {
		for frame := range frames {
			fmt.Fprintln(stdout, string(frame))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return o.Close()
	})

	if !o.Post(func() {
		if err := o.Start(vars); err != nil {
			logger.Error("start session", "error", err)
			cancel()
		}
	}) {
		return errors.New("session closed before start")
	}

	err = g.Wait()
	stats := vs.Bridge.CaptureStats()
	logger.Info("console session ended", "session_id", sessionID, "dropped_frames", stats.Dropped, "read_errors", stats.ReadErrors)
	return err
}
