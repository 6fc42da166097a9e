package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/protocol"
	"github.com/lexiqai/voice-agent/internal/turn"
)

const (
	maxFrameBytes = 1 << 20
	inboundBuffer = 32
)

type clientMessage struct {
	Type string `json:"type"`
}

// handleWS runs one voice session: a reader goroutine feeds client frames to
// the turn orchestrator until either side ends the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	sessionID := observability.NewSessionID()
	logger := observability.ForSession(sessionID, "ws")
	logger.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("request_id", RequestIDFrom(r.Context())).
		Msg("Client connected")

	writer := protocol.NewWriter(conn, 0)
	defer writer.Close()

	orch := turn.New(sessionID, writer, s.deps.Opener, s.deps.NewResponder(sessionID), s.deps.NewVoice(writer), turn.Options{
		SampleRate:       s.cfg.SampleRate,
		SilenceThreshold: s.cfg.SilenceThreshold(),
		PollInterval:     s.cfg.SilencePollInterval(),
		FlushTimeout:     s.cfg.FlushTimeout(),
		Logger:           &logger,
	})

	inbound := make(chan turn.Inbound, inboundBuffer)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		// closing the socket unblocks the reader once the session is over
		defer conn.Close()
		return orch.Run(ctx, inbound)
	})
	g.Go(func() error {
		defer close(inbound)
		return readFrames(ctx, conn, inbound, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("Session ended with error")
	}
	logger.Info().Msg("Client disconnected")
}

// readFrames forwards binary frames as audio and {"type":"reset"} text
// frames as history resets. Other text frames are ignored.
func readFrames(ctx context.Context, conn *websocket.Conn, out chan<- turn.Inbound, logger zerolog.Logger) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var msg turn.Inbound
		switch kind {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			observability.RecordAudioBytes("in", int64(len(data)))
			msg.Audio = data
		case websocket.TextMessage:
			var cm clientMessage
			if err := json.Unmarshal(data, &cm); err != nil || cm.Type != "reset" {
				logger.Debug().Int("bytes", len(data)).Msg("Ignoring text frame")
				continue
			}
			msg.Reset = true
		default:
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}
