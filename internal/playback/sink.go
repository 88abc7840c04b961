package playback

// HighlightSink applies and clears the visual highlight for a source span.
// The sink is a shared single-writer resource: only the active session
// calls it. ApplyHighlight replaces any prior highlight in one call.
// Implementations must be idempotent and side-effect-free when called with
// no active document; this core never implements rendering.
type HighlightSink interface {
	ApplyHighlight(sourceStart, sourceEnd int)
	ClearHighlight()
}

// Emitter delivers session output to the player control surface.
type Emitter interface {
	// EmitAudio hands one chunk's synthesized audio to the player
	EmitAudio(sessionID uint64, chunkIndex int, audio []byte, durationSeconds float64)

	// EmitState reports a session state transition
	EmitState(sessionID uint64, state State)

	// EmitError reports a terminal session failure
	EmitError(sessionID uint64, err error)
}
