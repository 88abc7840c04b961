// Package playback drives a live highlight cursor in lock-step with audio
// playback of a flattened document, including multi-chunk continuation and
// mid-playback cancellation.
package playback

import (
	"context"
	"crypto/sha256"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/glowread/read-gateway/internal/chunking"
	"github.com/glowread/read-gateway/internal/document"
	"github.com/glowread/read-gateway/internal/observability"
	"github.com/glowread/read-gateway/internal/speech"
	"github.com/glowread/read-gateway/internal/timing"
)

// ErrEmptyDocument indicates the document snapshot contains no speakable text.
var ErrEmptyDocument = errors.New("document contains no speakable text")

// Options configures a Controller.
type Options struct {
	MaxChunkChars    int
	Fallback         timing.FallbackPolicy
	SynthesisTimeout time.Duration
}

// DefaultOptions returns controller defaults
func DefaultOptions() Options {
	return Options{
		MaxChunkChars:    1500,
		Fallback:         timing.FallbackNeighborSpan,
		SynthesisTimeout: 30 * time.Second,
	}
}

// Controller owns the playback sessions of one document view. At most one
// session is active at a time; starting a new session cancels any prior one
// before proceeding, so two sessions can never emit conflicting highlight
// events. Session ids increase monotonically; events carrying a stale id
// are dropped without side effects.
type Controller struct {
	synth   speech.Synthesizer
	sink    HighlightSink
	emitter Emitter
	opts    Options
	logger  zerolog.Logger

	mu     sync.Mutex
	lastID uint64
	active *session
}

// session is the state of one read-aloud invocation. All fields are guarded
// by the controller mutex.
type session struct {
	id            uint64
	correlationID string
	snapshot      [sha256.Size]byte

	chunks    []chunking.Chunk
	words     [][]timing.MappedWord
	audio     [][]byte
	durations []float64
	ready     []bool

	state      State
	chunkIndex int
	wordIndex  int // -1 before the first word of a chunk

	// waitingAdvance is set when the current chunk's audio completed but the
	// next chunk's prefetch has not resolved yet; the caller still sees
	// StatePlaying.
	waitingAdvance bool
	prefetching    int // chunk index with a synthesis in flight, -1 if none

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewController creates a playback controller for one document view
func NewController(synth speech.Synthesizer, sink HighlightSink, emitter Emitter, opts Options) *Controller {
	if opts.MaxChunkChars <= 0 {
		opts.MaxChunkChars = DefaultOptions().MaxChunkChars
	}
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = DefaultOptions().SynthesisTimeout
	}
	return &Controller{
		synth:   synth,
		sink:    sink,
		emitter: emitter,
		opts:    opts,
		logger:  observability.GetLogger().With().Str("component", "playback").Logger(),
	}
}

// Start captures a snapshot of the source document, flattens and splits it,
// and begins synthesis of chunk 0. Any prior active session is cancelled
// first. Returns the new session id.
func (c *Controller) Start(source []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && !c.active.state.Terminal() {
		c.cancelLocked(c.active, "replaced by new session")
	}

	flat, err := document.Flatten(source)
	if err != nil {
		return 0, err
	}
	if flat.PlainText == "" {
		return 0, ErrEmptyDocument
	}

	chunks := chunking.Split(flat.PlainText, flat.Mapping, c.opts.MaxChunkChars)

	c.lastID++
	s := &session{
		id:            c.lastID,
		correlationID: observability.NewCorrelationID(),
		snapshot:      sha256.Sum256(source),
		chunks:        chunks,
		words:         make([][]timing.MappedWord, len(chunks)),
		audio:         make([][]byte, len(chunks)),
		durations:     make([]float64, len(chunks)),
		ready:         make([]bool, len(chunks)),
		state:         StateLoading,
		wordIndex:     -1,
		prefetching:   -1,
	}
	s.metrics = observability.NewSessionMetrics(s.id)
	s.logger = observability.WithSession(s.correlationID, s.id)

	s.metrics.RecordSessionStart()
	s.metrics.RecordChunkCount(len(chunks))
	s.logger.Info().
		Int("chunks", len(chunks)).
		Int("plain_chars", len(flat.PlainText)).
		Msg("Playback session starting")

	c.active = s
	c.emitter.EmitState(s.id, StateLoading)
	c.synthesizeLocked(s, 0)

	return s.id, nil
}

// Stop cancels the session. Stopping an unknown or already-terminal session
// has no observable effect.
func (c *Controller) Stop(sessionID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sessionLocked(sessionID)
	if s == nil {
		return
	}
	c.cancelLocked(s, "stopped")
}

// Shutdown cancels whatever session is active, regardless of id. Used on
// connection teardown.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && !c.active.state.Terminal() {
		c.cancelLocked(c.active, "connection closed")
	}
}

// Pause suspends highlight progression. Ticks arriving while paused are
// ignored.
func (c *Controller) Pause(sessionID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sessionLocked(sessionID)
	if s == nil || s.state != StatePlaying {
		return
	}
	s.state = StatePaused
	c.emitter.EmitState(s.id, StatePaused)
}

// Resume continues a paused session.
func (c *Controller) Resume(sessionID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sessionLocked(sessionID)
	if s == nil || s.state != StatePaused {
		return
	}
	s.state = StatePlaying
	c.emitter.EmitState(s.id, StatePlaying)
}

// Tick reports the playback clock position, in seconds from the start of
// the current chunk's audio. On a word-index change exactly one highlight
// event is emitted; an unchanged index emits nothing. A tick at or past the
// chunk's audio duration advances to the next chunk or finishes the
// session.
func (c *Controller) Tick(sessionID uint64, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sessionLocked(sessionID)
	if s == nil {
		observability.RecordStaleEvent()
		return
	}
	if s.state != StatePlaying || s.waitingAdvance {
		return
	}

	if dur := s.durations[s.chunkIndex]; dur > 0 && seconds >= dur {
		c.completeChunkLocked(s)
		return
	}

	words := s.words[s.chunkIndex]
	idx := currentWordIndex(words, s.wordIndex, seconds)
	if idx == s.wordIndex {
		return
	}
	s.wordIndex = idx

	if idx < 0 {
		c.sink.ClearHighlight()
		return
	}
	w := words[idx]
	if !w.HasSpan {
		// Unmapped word: no highlight, playback continues
		s.metrics.RecordUnmappedSpan()
		c.sink.ClearHighlight()
		return
	}
	c.sink.ApplyHighlight(w.SourceStart, w.SourceEnd)
	s.metrics.RecordHighlight()
}

// CheckDocument compares the live document content against the snapshot
// captured at session start. Any mismatch forces immediate cancellation
// rather than attempting to re-map against the stale snapshot.
func (c *Controller) CheckDocument(sessionID uint64, live []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sessionLocked(sessionID)
	if s == nil {
		return
	}
	if sha256.Sum256(live) != s.snapshot {
		s.logger.Info().Msg("Document mutated during playback, cancelling session")
		c.cancelLocked(s, "document mutated")
	}
}

// sessionLocked returns the active session when sessionID targets it and it
// is not terminal; otherwise nil (the event is stale).
func (c *Controller) sessionLocked(sessionID uint64) *session {
	if c.active == nil || c.active.id != sessionID || c.active.state.Terminal() {
		return nil
	}
	return c.active
}

// synthesizeLocked launches synthesis of one chunk. At most one request is
// in flight per session.
func (c *Controller) synthesizeLocked(s *session, chunkIdx int) {
	s.prefetching = chunkIdx
	s.metrics.RecordSynthesisStart()
	text := s.chunks[chunkIdx].Text
	id := s.id

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.SynthesisTimeout)
		defer cancel()

		result, err := c.synth.Synthesize(ctx, text)
		c.deliver(id, chunkIdx, result, err)
	}()
}

// deliver receives a synthesis result. Results for a stale session are
// discarded on arrival.
func (c *Controller) deliver(sessionID uint64, chunkIdx int, result *speech.SynthesisResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sessionLocked(sessionID)
	if s == nil {
		observability.RecordStaleEvent()
		c.logger.Debug().
			Uint64("session_id", sessionID).
			Int("chunk", chunkIdx).
			Msg("Discarding synthesis result for stale session")
		return
	}

	if err != nil {
		// Backend failure is terminal for the session and never retried:
		// retrying a speech request mid-utterance would desynchronize timing
		s.metrics.RecordSynthesisEnd(false)
		s.metrics.RecordError("synthesis_failure", "speech")
		s.logger.Error().Err(err).Int("chunk", chunkIdx).Msg("Synthesis failed, cancelling session")
		c.emitter.EmitError(s.id, err)
		c.cancelLocked(s, "synthesis failure")
		return
	}
	s.metrics.RecordSynthesisEnd(true)

	words, stats := timing.Resolve(s.chunks[chunkIdx], result.Timestamps, c.opts.Fallback)
	for i := 0; i < stats.MatchFailures; i++ {
		s.metrics.RecordWordMatchFailure()
	}

	s.words[chunkIdx] = words
	s.audio[chunkIdx] = result.Audio
	s.durations[chunkIdx] = chunkDuration(result, words)
	s.ready[chunkIdx] = true
	s.prefetching = -1

	s.logger.Debug().
		Int("chunk", chunkIdx).
		Int("words", len(words)).
		Int("match_failures", stats.MatchFailures).
		Float64("duration", s.durations[chunkIdx]).
		Msg("Chunk ready")

	switch {
	case s.state == StateLoading && chunkIdx == 0:
		s.state = StatePlaying
		c.emitter.EmitState(s.id, StatePlaying)
		c.emitter.EmitAudio(s.id, 0, s.audio[0], s.durations[0])
		c.prefetchLocked(s)

	case s.waitingAdvance && chunkIdx == s.chunkIndex+1:
		s.waitingAdvance = false
		c.advanceLocked(s)
	}
}

// completeChunkLocked handles the current chunk's audio reaching its end.
func (c *Controller) completeChunkLocked(s *session) {
	next := s.chunkIndex + 1
	if next >= len(s.chunks) {
		c.finishLocked(s)
		return
	}
	if !s.ready[next] {
		// Prefetch still in flight; remain Playing from the caller's view
		s.waitingAdvance = true
		s.logger.Debug().Int("chunk", next).Msg("Waiting for chunk prefetch")
		return
	}
	c.advanceLocked(s)
}

// advanceLocked moves playback to the next chunk and prefetches the one
// after it. The completed chunk's word and audio state is dropped; it is
// never revisited.
func (c *Controller) advanceLocked(s *session) {
	s.chunkIndex++
	s.wordIndex = -1
	s.words[s.chunkIndex-1] = nil
	s.audio[s.chunkIndex-1] = nil
	c.emitter.EmitAudio(s.id, s.chunkIndex, s.audio[s.chunkIndex], s.durations[s.chunkIndex])
	c.prefetchLocked(s)
}

// prefetchLocked starts synthesis of the chunk after the current one,
// overlapping with current chunk playback. At most one prefetch in flight.
func (c *Controller) prefetchLocked(s *session) {
	next := s.chunkIndex + 1
	if next >= len(s.chunks) || s.ready[next] || s.prefetching == next {
		return
	}
	c.synthesizeLocked(s, next)
}

// finishLocked transitions to Finished and clears the highlight.
func (c *Controller) finishLocked(s *session) {
	s.state = StateFinished
	c.sink.ClearHighlight()
	s.metrics.RecordSessionEnd(true)
	s.logger.Info().Msg("Playback session finished")
	c.emitter.EmitState(s.id, StateFinished)
	c.releaseLocked(s)
}

// cancelLocked transitions to Cancelled, synchronously clears the
// highlight before returning, and releases all chunk state so no stale
// highlight can persist after cancellation.
func (c *Controller) cancelLocked(s *session, reason string) {
	s.state = StateCancelled
	c.sink.ClearHighlight()
	s.metrics.RecordSessionEnd(false)
	s.logger.Info().Str("reason", reason).Msg("Playback session cancelled")
	c.emitter.EmitState(s.id, StateCancelled)
	c.releaseLocked(s)
}

// releaseLocked drops the session's chunk and word state.
func (c *Controller) releaseLocked(s *session) {
	s.chunks = nil
	s.words = nil
	s.audio = nil
	if c.active == s {
		c.active = nil
	}
}

// chunkDuration prefers the backend-reported duration, falling back to the
// last word's end time.
func chunkDuration(result *speech.SynthesisResult, words []timing.MappedWord) float64 {
	if result.Duration > 0 {
		return result.Duration
	}
	if len(words) > 0 {
		return words[len(words)-1].EndTime
	}
	return 0
}

// currentWordIndex finds the word whose [StartTime, EndTime) contains t.
// Near-sequential ticks advance linearly from the last index; a tick behind
// the last word falls back to a binary search. Inter-word silence keeps the
// previous index.
func currentWordIndex(words []timing.MappedWord, last int, t float64) int {
	if len(words) == 0 {
		return last
	}

	i := last
	if i < 0 {
		if t < words[0].StartTime {
			return -1
		}
		i = 0
	}

	if t < words[i].StartTime {
		// Backwards seek: binary search for the first word ending after t
		j := sort.Search(len(words), func(k int) bool { return words[k].EndTime > t })
		if j == len(words) {
			return len(words) - 1
		}
		if words[j].StartTime > t {
			return j - 1
		}
		return j
	}

	for i+1 < len(words) && t >= words[i+1].StartTime {
		i++
	}
	return i
}
