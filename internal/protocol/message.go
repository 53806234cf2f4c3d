// Package protocol defines the WebSocket message types shared by the UI
// event stream and the relay downstream.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Companion → UI / relay messages
	TypeData   MessageType = "data"   // Encoded microphone chunk
	TypeVolume MessageType = "volume" // Raw meter reading
	TypeLevel  MessageType = "level"  // Smoothed level for the avatar
	TypeVAD    MessageType = "vad"    // Speaking started or stopped
	TypeState  MessageType = "state"  // Recorder state change

	// Relay → companion messages
	TypeSpeak     MessageType = "speak"     // Model audio playback
	TypeInterrupt MessageType = "interrupt" // Drop queued playback

	// UI → companion commands
	TypeStart    MessageType = "start"     // Start capture
	TypeStop     MessageType = "stop"      // Stop capture
	TypeMute     MessageType = "mute"      // Toggle the microphone
	TypeGetStats MessageType = "get_stats" // Request a stats snapshot
	TypeStats    MessageType = "stats"     // Stats snapshot reply
	TypeError    MessageType = "error"     // Command failed

	// Bidirectional
	TypeToolCall   MessageType = "tool_call"
	TypeToolResult MessageType = "tool_result"
	TypePing       MessageType = "ping"
	TypePong       MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// AudioData carries one encoded microphone chunk
type AudioData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64 PCM16 LE
	Seq      uint64 `json:"seq,omitempty"`
}

// NewAudioMessage creates a data message from a base64 chunk
func NewAudioMessage(mimeType, chunk string, seq uint64) (*Message, error) {
	return NewMessage(TypeData, AudioData{
		MimeType: mimeType,
		Data:     chunk,
		Seq:      seq,
	})
}

// VolumeData contains a meter reading in [0, 1]
type VolumeData struct {
	Volume float64 `json:"volume"`
}

// NewVolumeMessage creates a volume message
func NewVolumeMessage(volume float64) (*Message, error) {
	return NewMessage(TypeVolume, VolumeData{Volume: volume})
}

// LevelData contains the smoothed speaking level
type LevelData struct {
	Level    float64 `json:"level"`
	Mouth    float64 `json:"mouth"`
	Speaking bool    `json:"speaking"`
}

// NewLevelMessage creates a level message
func NewLevelMessage(level, mouth float64, speaking bool) (*Message, error) {
	return NewMessage(TypeLevel, LevelData{
		Level:    level,
		Mouth:    mouth,
		Speaking: speaking,
	})
}

// VADData reports a voice activity transition
type VADData struct {
	Speaking bool `json:"speaking"`
}

// NewVADMessage creates a vad message
func NewVADMessage(speaking bool) (*Message, error) {
	return NewMessage(TypeVAD, VADData{Speaking: speaking})
}

// StateData describes the recorder state
type StateData struct {
	State    string `json:"state"`
	DeviceID string `json:"device_id,omitempty"`
	Muted    bool   `json:"muted"`
	MimeType string `json:"mime_type,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewStateMessage creates a state message
func NewStateMessage(state StateData) (*Message, error) {
	return NewMessage(TypeState, state)
}

// SpeakData contains model audio to play
type SpeakData struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Data       string `json:"data"`
}

// GetSpeakData extracts speak data from a message
func (m *Message) GetSpeakData() (*SpeakData, error) {
	var data SpeakData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeSpeakData decodes the base64 audio data
func (s *SpeakData) DecodeSpeakData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.Data)
}

// ToolCall is a function call requested by the model
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// NewToolCallMessage creates a tool_call message
func NewToolCallMessage(call ToolCall) (*Message, error) {
	return NewMessage(TypeToolCall, call)
}

// GetToolCall extracts a tool call from a message
func (m *Message) GetToolCall() (*ToolCall, error) {
	var data ToolCall
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	if data.Name == "" {
		return nil, fmt.Errorf("tool call without name")
	}
	return &data, nil
}

// ToolResult answers a ToolCall
type ToolResult struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
}

// NewToolResultMessage creates a tool_result message
func NewToolResultMessage(result ToolResult) (*Message, error) {
	return NewMessage(TypeToolResult, result)
}

// GetToolResult extracts a tool result from a message
func (m *Message) GetToolResult() (*ToolResult, error) {
	var data ToolResult
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// StartData selects the device for a start command
type StartData struct {
	DeviceID string `json:"device_id,omitempty"`
}

// MuteData carries the mute toggle
type MuteData struct {
	Muted bool `json:"muted"`
}

// ErrorData reports a failed command
type ErrorData struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

// NewErrorMessage creates an error reply for a command
func NewErrorMessage(command MessageType, err error) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Command: string(command), Error: err.Error()})
}
