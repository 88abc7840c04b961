package speech

import "context"

// WordTimestamp is one word-level timing record returned by the speech
// backend for a chunk, ordered by StartTime and non-overlapping.
type WordTimestamp struct {
	Word      string  `json:"word"`
	StartTime float64 `json:"start_time"` // Seconds from chunk audio start
	EndTime   float64 `json:"end_time"`   // Seconds from chunk audio start
}

// SynthesisResult carries one chunk's synthesized audio and its word-level
// timing data.
type SynthesisResult struct {
	Audio      []byte  // Encoded audio in the configured output format
	Duration   float64 // Chunk audio duration in seconds
	Timestamps []WordTimestamp
}

// Synthesizer is the contract this core holds against the speech backend.
// The backend is an opaque request/response service; availability must be
// probed before first use.
type Synthesizer interface {
	// Synthesize converts chunk text to audio with word timestamps
	Synthesize(ctx context.Context, text string) (*SynthesisResult, error)

	// Probe checks that the backend is reachable and able to serve requests
	Probe(ctx context.Context) error

	// Close releases client resources
	Close() error
}
