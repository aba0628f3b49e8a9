// Command callpeer joins a video call session as a headless participant.
// It negotiates through the configured signaling log and sends silent
// audio, which is enough to test connectivity against a browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mossy-p/healthbridge/config"
	"github.com/mossy-p/healthbridge/internal/backend"
	"github.com/mossy-p/healthbridge/internal/call"
	"github.com/mossy-p/healthbridge/internal/rtc"
)

// one 20ms Opus frame of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func main() {
	sessionID := flag.String("session", "", "video call session ID")
	userID := flag.String("user", "callpeer", "identity used as message sender")
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "optional config file")
	flag.Parse()

	if *sessionID == "" {
		fmt.Println("Error: session is required")
		fmt.Println("Usage: callpeer -session SESSION_ID [-user NAME] [-config FILE]")
		os.Exit(1)
	}

	// Setup logger
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           log.InfoLevel,
	})

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Signaling.Backend == config.BackendMemory {
		logger.Warn("Memory signaling backend is process local, nobody else can join")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends, err := backend.Open(ctx, cfg, backend.Options{}, logger)
	if err != nil {
		logger.Fatal("Failed to open signaling backend", "error", err)
	}
	defer backends.Close()

	factory, err := rtc.NewPionFactory(cfg.Call.STUNURLs, logger)
	if err != nil {
		logger.Fatal("Failed to create peer factory", "error", err)
	}

	engine := call.New(call.Config{
		SelfID: *userID,
		Reconnect: call.ReconnectPolicy{
			Mode:        call.ReconnectMode(cfg.Call.ReconnectMode),
			MaxAttempts: cfg.Call.ReconnectMaxAttempts,
			Backoff:     cfg.Call.ReconnectBackoff,
		},
	}, backends.Log, rtc.SampleSource{Audio: true, Video: true}, factory, logger)
	defer engine.Close()

	states, stopWatch := engine.Watch()
	defer stopWatch()
	go logStates(states, logger)

	logger.Info("Joining session", "session", *sessionID, "user", *userID)
	if err := engine.StartCall(ctx, *sessionID); err != nil {
		logger.Error("Failed to start call", "error", err)
		return
	}

	go feedSilence(ctx, engine, logger)

	// Channel to listen for interrupt signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("Shutdown signal received", "signal", sig)

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := engine.EndCall(leaveCtx); err != nil {
		logger.Error("Failed to leave call", "error", err)
	}
	logger.Info("Left session")
}

func logStates(states <-chan call.State, logger *log.Logger) {
	var last call.State
	for s := range states {
		if s.Phase != last.Phase || s.ParticipantPresent != last.ParticipantPresent || s.Role != last.Role {
			logger.Info("Call state", "phase", s.Phase, "role", s.Role, "participant", s.ParticipantPresent)
		}
		if s.LastError != nil && s.LastError != last.LastError {
			logger.Warn("Call error", "error", s.LastError)
		}
		if s.RemoteStream != nil && last.RemoteStream == nil {
			logger.Info("Remote media", "stream", s.RemoteStream.ID, "tracks", len(s.RemoteStream.Tracks))
		}
		last = s
	}
}

// feedSilence writes silent audio frames while the call holds local media
func feedSilence(ctx context.Context, engine *call.Engine, logger *log.Logger) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stream := engine.State().LocalStream
		if stream == nil {
			continue
		}
		for _, t := range stream.Tracks() {
			audio, ok := t.(*rtc.SampleTrack)
			if !ok || audio.Kind() != rtc.KindAudio {
				continue
			}
			if err := audio.WriteSample(opusSilence, 20*time.Millisecond); err != nil && !errors.Is(err, rtc.ErrTrackStopped) {
				logger.Debug("Failed to write sample", "error", err)
			}
		}
	}
}
