package ha

import (
	"encoding/json"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// RunPipelineRequest represents an assist_pipeline/run request
type RunPipelineRequest struct {
	ID             int            `json:"id"`
	Type           string         `json:"type"`
	StartStage     string         `json:"start_stage"`
	EndStage       string         `json:"end_stage"`
	Input          map[string]any `json:"input,omitempty"`
	Pipeline       string         `json:"pipeline,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
	Timeout        float64        `json:"timeout,omitempty"`
}

// FireEventRequest represents a fire_event request
type FireEventRequest struct {
	ID        int            `json:"id"`
	Type      string         `json:"type"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// runStartData is the part of a run-start event we need
type runStartData struct {
	RunnerData struct {
		STTBinaryHandlerID *int    `json:"stt_binary_handler_id"`
		Timeout            float64 `json:"timeout"`
	} `json:"runner_data"`
}
