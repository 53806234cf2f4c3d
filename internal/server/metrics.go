package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

type metric struct {
	name  string
	help  string
	kind  string // gauge, counter
	value float64
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	metrics := []metric{
		{"companion_uptime_seconds", "Server uptime in seconds", "gauge", float64(int64(time.Since(s.startTime).Seconds()))},
		{"companion_websocket_clients", "Current WebSocket client count", "gauge", float64(s.wsHub.ClientCount())},
		{"companion_websocket_dropped_total", "Messages dropped for slow WebSocket clients", "counter", float64(s.wsHub.GetStats().Dropped)},
	}

	if s.comps.Recorder != nil {
		st := s.comps.Recorder.GetStats()
		metrics = append(metrics,
			metric{"companion_recording", "Recorder state (1=recording, 0=not recording)", "gauge", boolToFloat(st.Recording)},
			metric{"companion_recorder_starts_total", "Successful capture starts", "counter", float64(st.Starts)},
			metric{"companion_recorder_start_failures_total", "Failed capture starts", "counter", float64(st.StartFailures)},
			metric{"companion_chunks_total", "Encoded audio chunks emitted", "counter", float64(st.Chunks)},
			metric{"companion_chunk_bytes_total", "PCM bytes emitted", "counter", float64(st.ChunkBytes)},
			metric{"companion_dropped_blocks_total", "Capture blocks dropped by a full unit port", "counter", float64(st.DroppedBlocks)},
			metric{"companion_input_volume", "Last meter reading", "gauge", st.LastVolume},
		)
	}

	if s.comps.Tracker != nil {
		st := s.comps.Tracker.Stats()
		metrics = append(metrics,
			metric{"companion_level", "Smoothed speaking level", "gauge", st.CurrentLevel},
			metric{"companion_speaking", "Speaking state (1=speaking, 0=silent)", "gauge", boolToFloat(st.SpeakingLatched)},
			metric{"companion_vad_changes_total", "Speaking state transitions", "counter", float64(st.VADChanges)},
		)
	}

	if s.comps.Controller != nil {
		st := s.comps.Controller.GetStats()
		metrics = append(metrics,
			metric{"companion_muted", "Microphone mute toggle", "gauge", boolToFloat(st.Muted)},
			metric{"companion_chunks_forwarded_total", "Chunks forwarded downstream", "counter", float64(st.ChunksForwarded)},
			metric{"companion_forward_errors_total", "Chunks the downstream rejected", "counter", float64(st.ForwardErrors)},
			metric{"companion_tool_calls_total", "Tool calls received from the model", "counter", float64(st.ToolCalls)},
		)
		if st.Sink != nil {
			metrics = append(metrics,
				metric{"companion_downstream_connected", "Downstream connection (1=connected, 0=disconnected)", "gauge", boolToFloat(st.Sink.Connected)},
				metric{"companion_downstream_reconnects_total", "Downstream reconnects", "counter", float64(st.Sink.Reconnects)},
			)
		}
	}

	if s.comps.Player != nil {
		st := s.comps.Player.GetStats()
		metrics = append(metrics,
			metric{"companion_playback_bytes_total", "Model audio bytes played", "counter", float64(st.BytesPlayed)},
			metric{"companion_playback_queued_bytes", "Model audio bytes waiting to play", "gauge", float64(st.QueuedBytes)},
			metric{"companion_playback_overflow_bytes_total", "Model audio dropped by the queue limit", "counter", float64(st.OverflowBytes)},
		)
	}

	if s.comps.Browser != nil {
		metrics = append(metrics,
			metric{"companion_browser_peers", "Connected browser peers", "gauge", float64(len(s.comps.Browser.Peers()))},
		)
	}

	var b strings.Builder
	for i, m := range metrics {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %g\n", m.name, m.help, m.name, m.kind, m.name, m.value)
	}

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(b.String())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
