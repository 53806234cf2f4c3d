// Package downstream connects the recorder to a realtime model: chunks go
// up, model audio and tool calls come back.
package downstream

import (
	"context"

	"github.com/teslashibe/go-companion/internal/protocol"
)

// Kinds of downstream
const (
	KindNone   = "none"
	KindRelay  = "relay"
	KindGemini = "gemini"
)

// Sink is a model connection fed with microphone chunks
type Sink interface {
	// Name returns the sink type name
	Name() string

	// Connect starts the connection loop in the background
	Connect(ctx context.Context) error

	// SendAudio forwards one base64 PCM chunk tagged with its MIME type
	SendAudio(mimeType, chunk string) error

	// SendToolResult answers a tool call from the model
	SendToolResult(result protocol.ToolResult) error

	OnConnectionChange(callback func(connected bool))
	OnSpeak(callback func(pcm []byte, sampleRate int))
	OnToolCall(callback func(protocol.ToolCall))
	OnInterrupt(callback func())

	IsConnected() bool
	GetStats() Stats
	Close() error
}

// Speaker plays model audio
type Speaker interface {
	Enqueue(pcm []byte, sampleRate int) error
	Flush()
}

// Stats contains downstream statistics
type Stats struct {
	Kind             string `json:"kind"`
	Connected        bool   `json:"connected"`
	ChunksSent       uint64 `json:"chunks_sent"`
	BytesSent        uint64 `json:"bytes_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	SpeakChunks      uint64 `json:"speak_chunks"`
	ToolCalls        uint64 `json:"tool_calls"`
	Reconnects       uint64 `json:"reconnects"`
	LastError        string `json:"last_error,omitempty"`
}
