// Package server exposes the websocket control surface. One websocket
// connection corresponds to one document view: the client streams control
// events (start, tick, stop) and the server streams back state changes,
// synthesized audio, and highlight spans.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/glowread/read-gateway/internal/config"
	"github.com/glowread/read-gateway/internal/observability"
	"github.com/glowread/read-gateway/internal/playback"
	"github.com/glowread/read-gateway/internal/speech"
	"github.com/glowread/read-gateway/internal/timing"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Editor clients connect from app-local origins; validate against an
		// allowlist once the embedding story settles.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ClientEvent is a message from the editor client.
type ClientEvent struct {
	Event     string  `json:"event"`
	SessionID uint64  `json:"session_id,omitempty"`
	Document  string  `json:"document,omitempty"` // base64-encoded markdown
	Position  float64 `json:"position,omitempty"` // playback clock, seconds
}

// ServerEvent is a message to the editor client.
type ServerEvent struct {
	Event      string  `json:"event"`
	SessionID  uint64  `json:"session_id,omitempty"`
	State      string  `json:"state,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Audio      string  `json:"audio,omitempty"` // base64-encoded audio payload
	Duration   float64 `json:"duration,omitempty"`
	Span       *Span   `json:"span,omitempty"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Span is a half-open byte range into the client's markdown source.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ReaderSession holds the state of a single websocket connection. It
// implements playback.HighlightSink and playback.Emitter so the controller
// can push events straight onto the wire.
type ReaderSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	controller *playback.Controller

	correlationID string
	logger        zerolog.Logger
}

// NewReaderSession creates a session bound to one websocket connection.
func NewReaderSession(conn *websocket.Conn, cfg *config.Config, synth speech.Synthesizer) *ReaderSession {
	correlationID := observability.NewCorrelationID()
	s := &ReaderSession{
		conn:          conn,
		correlationID: correlationID,
		logger: observability.WithCorrelationID(correlationID).
			With().
			Str("component", "server").
			Logger(),
	}
	s.controller = playback.NewController(synth, s, s, playback.Options{
		MaxChunkChars:    cfg.MaxChunkChars,
		Fallback:         timing.PolicyFromString(cfg.WordMatchFallback),
		SynthesisTimeout: time.Duration(cfg.SpeechTimeout) * time.Second,
	})
	return s
}

// HandleReaderWS is the entry point for reader websocket connections.
func HandleReaderWS(cfg *config.Config, synth speech.Synthesizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("Failed to upgrade connection to websocket")
			return
		}
		defer conn.Close()

		session := NewReaderSession(conn, cfg, synth)
		session.logger.Info().Msg("Reader connection established")

		session.readLoop()

		// Cancelling here guarantees no highlight survives the connection.
		session.controller.Shutdown()
		session.logger.Info().Msg("Reader connection closed")
	}
}

// readLoop consumes client events until the connection closes.
func (s *ReaderSession) readLoop() {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Websocket read error")
			}
			return
		}

		var ev ClientEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse client event")
			s.writeError(0, "invalid_event", "malformed event payload")
			continue
		}
		s.handleEvent(ev)
	}
}

func (s *ReaderSession) handleEvent(ev ClientEvent) {
	switch ev.Event {
	case "start":
		source, err := base64.StdEncoding.DecodeString(ev.Document)
		if err != nil {
			s.writeError(0, "invalid_event", "document is not valid base64")
			return
		}
		if _, err := s.controller.Start(source); err != nil {
			s.logger.Warn().Err(err).Msg("Start rejected")
			s.writeError(0, startErrorCode(err), err.Error())
		}

	case "stop":
		s.controller.Stop(ev.SessionID)

	case "tick":
		s.controller.Tick(ev.SessionID, ev.Position)

	case "pause":
		s.controller.Pause(ev.SessionID)

	case "resume":
		s.controller.Resume(ev.SessionID)

	case "document":
		live, err := base64.StdEncoding.DecodeString(ev.Document)
		if err != nil {
			s.writeError(ev.SessionID, "invalid_event", "document is not valid base64")
			return
		}
		s.controller.CheckDocument(ev.SessionID, live)

	default:
		s.logger.Warn().Str("event", ev.Event).Msg("Unknown client event")
		s.writeError(ev.SessionID, "invalid_event", "unknown event: "+ev.Event)
	}
}

// ApplyHighlight implements playback.HighlightSink.
func (s *ReaderSession) ApplyHighlight(sourceStart, sourceEnd int) {
	s.write(ServerEvent{
		Event: "highlight",
		Span:  &Span{Start: sourceStart, End: sourceEnd},
	})
}

// ClearHighlight implements playback.HighlightSink.
func (s *ReaderSession) ClearHighlight() {
	s.write(ServerEvent{Event: "clear"})
}

// EmitAudio implements playback.Emitter.
func (s *ReaderSession) EmitAudio(sessionID uint64, chunkIndex int, audio []byte, durationSeconds float64) {
	s.write(ServerEvent{
		Event:      "audio",
		SessionID:  sessionID,
		ChunkIndex: chunkIndex,
		Audio:      base64.StdEncoding.EncodeToString(audio),
		Duration:   durationSeconds,
	})
}

// EmitState implements playback.Emitter.
func (s *ReaderSession) EmitState(sessionID uint64, state playback.State) {
	s.write(ServerEvent{
		Event:     "state",
		SessionID: sessionID,
		State:     state.String(),
	})
}

// EmitError implements playback.Emitter.
func (s *ReaderSession) EmitError(sessionID uint64, err error) {
	s.writeError(sessionID, errorCode(err), err.Error())
}

func (s *ReaderSession) writeError(sessionID uint64, code, message string) {
	s.write(ServerEvent{
		Event:     "error",
		SessionID: sessionID,
		Code:      code,
		Message:   message,
	})
}

// write serializes one event onto the wire. The controller emits from both
// the caller goroutine and synthesis goroutines, so writes are serialized
// behind a mutex (gorilla allows one concurrent writer).
func (s *ReaderSession) write(ev ServerEvent) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteJSON(ev); err != nil {
		s.logger.Error().Err(err).Str("event", ev.Event).Msg("Failed to write event")
	}
}

func startErrorCode(err error) string {
	if errors.Is(err, playback.ErrEmptyDocument) {
		return "empty_document"
	}
	return "start_failure"
}

func errorCode(err error) string {
	if errors.Is(err, speech.ErrBackendUnavailable) {
		return "backend_unavailable"
	}
	return "synthesis_failure"
}
