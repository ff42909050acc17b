// Package monitoring records invocation outcomes.
//
// DESIGN: Tracker appends structured events as JSONL (one JSON object
// per line) immediately after each terminal outcome, and fans the same
// events out to live websocket subscribers via Hub.
//
// FILES:
//   - telemetry.go: Tracker, JSONL writing
//   - stream.go:    Hub, /debug/events websocket fan-out
//   - types.go:     event and config types
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config  TelemetryConfig
	logPath string
	count   int
	hub     *Hub
	mu      sync.Mutex
}

// NewTracker creates a telemetry tracker. hub may be nil when no live
// stream is wanted.
func NewTracker(cfg TelemetryConfig, hub *Hub) (*Tracker, error) {
	t := &Tracker{config: cfg, hub: hub}

	if !cfg.Enabled {
		return t, nil
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
			return nil, err
		}
		t.logPath = cfg.LogPath
		if _, err := os.Stat(cfg.LogPath); os.IsNotExist(err) {
			if f, err := os.Create(cfg.LogPath); err == nil {
				_ = f.Close()
			}
		}
	}

	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordInvocation records a terminal request outcome.
func (t *Tracker) RecordInvocation(event InvocationEvent) {
	if t.hub != nil {
		t.hub.Publish(event)
	}
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		reqID := event.RequestID
		if len(reqID) > 8 {
			reqID = reqID[:8]
		}
		log.Info().
			Str("request_id", reqID).
			Str("outcome", event.Outcome).
			Int("attempts", event.Attempts).
			Int64("duration_ms", event.DurationMs).
			Msg("telemetry")
	}

	if t.logPath != "" {
		if err := appendJSONL(t.logPath, event); err != nil {
			log.Error().Err(err).Str("path", t.logPath).Msg("telemetry: failed to write invocation event")
		} else {
			t.count++
		}
	}
}

// Close logs a session summary.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logPath != "" && t.count > 0 {
		log.Info().
			Str("path", t.logPath).
			Int("events", t.count).
			Msg("telemetry: session complete")
	}
	return nil
}
