package server

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/registry"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/tts"
)

const maxUploadBytes = 25 << 20

type audioRequest struct {
	Text string `json:"text"`
}

type audioResponse struct {
	AudioFile string `json:"audio_file"`
}

type transcriptResponse struct {
	Transcript string `json:"transcript"`
}

type chatResponse struct {
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Audio      string `json:"audio,omitempty"`
	Error      string `json:"error,omitempty"`
}

type keysResponse struct {
	Updated []string `json:"updated"`
}

// handleAudio renders {text} to a hosted audio file
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	var req audioRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	url, err := s.deps.Speech.Generate(r.Context(), req.Text)
	if err != nil {
		status, msg := speechError(err)
		s.logger.Warn().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("Audio generation failed")
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, audioResponse{AudioFile: url})
}

// handleTranscribeFile transcribes the uploaded multipart field "file"
func (s *Server) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	text, status, msg := s.transcribeUpload(w, r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Transcript: text})
}

// handleEcho speaks the uploaded recording back in the synthesis voice
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	text, status, msg := s.transcribeUpload(w, r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}

	url, err := s.deps.Speech.Generate(r.Context(), text)
	if err != nil {
		status, msg := speechError(err)
		s.logger.Warn().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("Echo synthesis failed")
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, url)
}

// handleAgentChat runs one request/response turn of a stored conversation:
// transcribe the upload, ask the model, render the reply to audio.
func (s *Server) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	logger := s.logger.With().
		Str("session_id", sessionID).
		Str("request_id", RequestIDFrom(r.Context())).
		Logger()

	text, status, msg := s.transcribeUpload(w, r)
	if status != http.StatusOK {
		logger.Warn().Str("error", msg).Msg("Chat transcription failed")
		writeJSON(w, http.StatusInternalServerError, chatResponse{Text: llm.FallbackReply, Error: msg})
		return
	}

	conv, release, err := s.deps.Conversations.Acquire(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, registry.ErrEmptyID) {
			writeError(w, http.StatusBadRequest, "session id is required")
			return
		}
		logger.Warn().Err(err).Msg("Conversation busy")
		writeJSON(w, http.StatusInternalServerError, chatResponse{Transcript: text, Text: llm.FallbackReply, Error: err.Error()})
		return
	}
	reply := conv.Respond(r.Context(), text)
	release()

	audio, err := s.deps.Speech.Generate(r.Context(), reply)
	if err != nil {
		_, msg := speechError(err)
		logger.Warn().Err(err).Msg("Chat synthesis failed")
		writeJSON(w, http.StatusInternalServerError, chatResponse{Transcript: text, Text: llm.FallbackReply, Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Transcript: text, Text: reply, Audio: audio})
}

// handleHistory lists the stored exchanges of a conversation
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.deps.Conversations.Get(r.PathValue("session"))
	if !ok {
		writeJSON(w, http.StatusOK, []llm.Message{})
		return
	}
	writeJSON(w, http.StatusOK, conv.History())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Conversations.Remove(r.PathValue("session")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleKeys replaces backend API keys at runtime. New connections and
// requests use the new keys; open sessions keep theirs.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	var u config.KeyUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	changed := s.deps.Credentials.Update(u)
	if changed == nil {
		changed = []string{}
	}
	s.logger.Info().Strs("keys", changed).Msg("API keys updated")
	writeJSON(w, http.StatusOK, keysResponse{Updated: changed})
}

// transcribeUpload reads the "file" field and transcribes it. A status other
// than 200 comes with the message to report.
func (s *Server) transcribeUpload(w http.ResponseWriter, r *http.Request) (string, int, string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return "", http.StatusBadRequest, "file is required"
		}
		return "", http.StatusBadRequest, "invalid upload"
	}
	defer func(f multipart.File) { _ = f.Close() }(file)

	text, err := s.deps.Transcriber.Transcribe(r.Context(), file)
	if err != nil {
		if errors.Is(err, stt.ErrNothingToTranscribe) {
			return "", http.StatusUnprocessableEntity, "Nothing to transcribe"
		}
		s.logger.Warn().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("File transcription failed")
		return "", http.StatusBadGateway, "transcription failed"
	}
	return strings.TrimSpace(text), http.StatusOK, ""
}

func speechError(err error) (int, string) {
	switch {
	case errors.Is(err, tts.ErrEmptyText):
		return http.StatusBadRequest, "No text provided"
	case errors.Is(err, tts.ErrNoAudioFile):
		return http.StatusBadGateway, "No audio file generated"
	default:
		return http.StatusBadGateway, "speech synthesis failed"
	}
}
