// Package notify speaks short operator announcements through the host's
// text-to-speech tooling (the macOS say command). Announcements never block
// the caller and every failure is swallowed; a headless host simply stays
// quiet.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"pkt.systems/pslog"
)

const (
	defaultVolume = 2
	maxVolume     = 100
)

// Runner executes one external command. Tests substitute it; the default
// shells out.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// SpeakerConfig tunes voice and volume.
type SpeakerConfig struct {
	// Voice selects a system voice; empty uses the system default.
	Voice string
	// Volume is the output volume 1-100 set before speaking.
	Volume int
	// Run defaults to executing the real commands.
	Run Runner
	// Logger defaults to a noop logger.
	Logger pslog.Logger
}

// Speaker queues spoken text without blocking the caller.
type Speaker struct {
	cfg SpeakerConfig
	wg  sync.WaitGroup
}

// NewSpeaker builds a Speaker.
func NewSpeaker(cfg SpeakerConfig) *Speaker {
	if cfg.Volume <= 0 {
		cfg.Volume = defaultVolume
	}
	if cfg.Volume > maxVolume {
		cfg.Volume = maxVolume
	}
	if cfg.Run == nil {
		cfg.Run = execRunner
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Speaker{cfg: cfg}
}

// Say schedules text to be spoken and returns immediately.
func (s *Speaker) Say(ctx context.Context, text string) {
	s.cfg.Logger.Info("notify.speak", "text", text)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.speak(ctx, text); err != nil {
			s.cfg.Logger.Warn("notify.speak_failed", "error", err)
		}
	}()
}

func (s *Speaker) speak(ctx context.Context, text string) error {
	volume := fmt.Sprintf("set volume output volume %d", s.cfg.Volume)
	if err := s.cfg.Run(ctx, "osascript", "-e", volume); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	args := make([]string, 0, 3)
	if s.cfg.Voice != "" {
		args = append(args, "-v", s.cfg.Voice)
	}
	args = append(args, text)
	if err := s.cfg.Run(ctx, "say", args...); err != nil {
		return fmt.Errorf("say: %w", err)
	}
	return nil
}

// Flush waits for all scheduled announcements to finish.
func (s *Speaker) Flush() {
	s.wg.Wait()
}
