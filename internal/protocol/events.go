// Package protocol defines the JSON events the gateway sends to a streaming client.
package protocol

// Event status values
const (
	StatusTranscript    = "transcript"
	StatusLLMResponse   = "llm_response"
	StatusBotSpeaking   = "bot_speaking"
	StatusAudioChunk    = "audio_chunk"
	StatusAudioComplete = "audio_complete"
	StatusError         = "error"
)

// Event is an outbound message serialized as a JSON object with a status field
type Event interface {
	EventStatus() string
}

// Sink receives outbound events for one client connection.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(Event) error
}

// Transcript carries a finished user utterance
type Transcript struct {
	Status string `json:"status"`
	Text   string `json:"text"`
}

// LLMResponse carries the model reply text
type LLMResponse struct {
	Status     string `json:"status"`
	Text       string `json:"text"`
	IsComplete bool   `json:"isComplete"`
}

// BotSpeaking toggles the client's speaking indicator
type BotSpeaking struct {
	Status string `json:"status"`
	Active bool   `json:"active"`
}

// AudioChunk carries one base64 audio fragment from the synthesis backend
type AudioChunk struct {
	Status      string `json:"status"`
	AudioBase64 string `json:"audioBase64"`
	IsComplete  bool   `json:"isComplete"`
}

// AudioComplete marks the end of a synthesized reply
type AudioComplete struct {
	Status string `json:"status"`
}

// Error reports a non-fatal failure to the client
type Error struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e Transcript) EventStatus() string    { return e.Status }
func (e LLMResponse) EventStatus() string   { return e.Status }
func (e BotSpeaking) EventStatus() string   { return e.Status }
func (e AudioChunk) EventStatus() string    { return e.Status }
func (e AudioComplete) EventStatus() string { return e.Status }
func (e Error) EventStatus() string         { return e.Status }

func NewTranscript(text string) Transcript {
	return Transcript{Status: StatusTranscript, Text: text}
}

func NewLLMResponse(text string) LLMResponse {
	return LLMResponse{Status: StatusLLMResponse, Text: text, IsComplete: true}
}

func NewBotSpeaking(active bool) BotSpeaking {
	return BotSpeaking{Status: StatusBotSpeaking, Active: active}
}

func NewAudioChunk(audioBase64 string) AudioChunk {
	return AudioChunk{Status: StatusAudioChunk, AudioBase64: audioBase64}
}

func NewAudioComplete() AudioComplete {
	return AudioComplete{Status: StatusAudioComplete}
}

func NewError(message string) Error {
	return Error{Status: StatusError, Message: message}
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }
