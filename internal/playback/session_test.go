package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glowread/read-gateway/internal/speech"
	"github.com/glowread/read-gateway/internal/timing"
)

// fakeSynth produces deterministic timestamps: each whitespace token of the
// request text occupies half a second.
type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	gate  map[string]chan struct{}
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{
		fail: make(map[string]error),
		gate: make(map[string]chan struct{}),
	}
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (*speech.SynthesisResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	gate := f.gate[text]
	err := f.fail[text]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	tokens := strings.Fields(text)
	timestamps := make([]speech.WordTimestamp, len(tokens))
	for i, tok := range tokens {
		timestamps[i] = speech.WordTimestamp{
			Word:      tok,
			StartTime: float64(i) * 0.5,
			EndTime:   float64(i)*0.5 + 0.4,
		}
	}
	return &speech.SynthesisResult{
		Audio:      []byte(text),
		Duration:   float64(len(tokens)) * 0.5,
		Timestamps: timestamps,
	}, nil
}

func (f *fakeSynth) Probe(ctx context.Context) error { return nil }
func (f *fakeSynth) Close() error                    { return nil }

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeSink) ApplyHighlight(sourceStart, sourceEnd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf("highlight %d %d", sourceStart, sourceEnd))
}

func (f *fakeSink) ClearHighlight() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "clear")
}

func (f *fakeSink) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

type fakeEmitter struct {
	mu     sync.Mutex
	states []State
	audio  []int
	errs   []error
}

func (f *fakeEmitter) EmitAudio(sessionID uint64, chunkIndex int, audio []byte, durationSeconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, chunkIndex)
}

func (f *fakeEmitter) EmitState(sessionID uint64, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeEmitter) EmitError(sessionID uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeEmitter) lastState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return StateIdle
	}
	return f.states[len(f.states)-1]
}

func (f *fakeEmitter) audioChunks() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.audio))
	copy(out, f.audio)
	return out
}

func (f *fakeEmitter) stateCount(s State) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.states {
		if st == s {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestController(synth speech.Synthesizer, sink *fakeSink, emitter *fakeEmitter, maxChunk int) *Controller {
	opts := DefaultOptions()
	if maxChunk > 0 {
		opts.MaxChunkChars = maxChunk
	}
	opts.Fallback = timing.FallbackNeighborSpan
	return NewController(synth, sink, emitter, opts)
}

func TestStartHighlightsWordOnTick(t *testing.T) {
	synth := newFakeSynth()
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	c := newTestController(synth, sink, emitter, 0)

	source := []byte("# Title\n\nSome **bold** text.")
	id, err := c.Start(source)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "playing state", func() bool { return emitter.lastState() == StatePlaying })

	// words: Title[0,0.5) Some[0.5,1.0) bold[1.0,1.5) text.[1.5,2.0)
	c.Tick(id, 1.1)
	events := sink.snapshot()
	if len(events) != 1 || events[0] != "highlight 16 20" {
		t.Errorf("tick 1.1 events = %v, want [highlight 16 20]", events)
	}

	// Same word: no additional event
	c.Tick(id, 1.2)
	if got := len(sink.snapshot()); got != 1 {
		t.Errorf("tick 1.2 produced extra events, total %d", got)
	}

	// Next word
	c.Tick(id, 1.6)
	events = sink.snapshot()
	if len(events) != 2 || events[1] != "highlight 23 27" {
		t.Errorf("tick 1.6 events = %v, want second highlight 23 27", events)
	}
}

func TestChunkAdvanceAndFinish(t *testing.T) {
	synth := newFakeSynth()
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	c := newTestController(synth, sink, emitter, 12)

	id, err := c.Start([]byte("One two.\n\nThree four.\n\nFive six."))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "playing state", func() bool { return emitter.lastState() == StatePlaying })

	// Chunk 0 ("One two.") holds two words, 1.0s of audio. Wait for the
	// chunk 1 prefetch so advancement is immediate.
	waitFor(t, "chunk 1 prefetch", func() bool { return synth.callCount() >= 2 })
	c.Tick(id, 1.0)
	waitFor(t, "chunk 1 audio", func() bool { return len(emitter.audioChunks()) >= 2 })

	waitFor(t, "chunk 2 prefetch", func() bool { return synth.callCount() >= 3 })
	c.Tick(id, 1.0)
	waitFor(t, "chunk 2 audio", func() bool { return len(emitter.audioChunks()) >= 3 })

	c.Tick(id, 1.0)
	waitFor(t, "finished state", func() bool { return emitter.lastState() == StateFinished })

	if got := emitter.audioChunks(); len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("audio chunk order = %v, want [0 1 2]", got)
	}
	events := sink.snapshot()
	if len(events) == 0 || events[len(events)-1] != "clear" {
		t.Errorf("finish did not clear highlight, events = %v", events)
	}
}

func TestAdvanceWaitsForSlowPrefetch(t *testing.T) {
	synth := newFakeSynth()
	gate := make(chan struct{})
	synth.gate["Three four."] = gate
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	c := newTestController(synth, sink, emitter, 12)

	id, err := c.Start([]byte("One two.\n\nThree four."))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "playing state", func() bool { return emitter.lastState() == StatePlaying })
	waitFor(t, "chunk 1 request", func() bool { return synth.callCount() >= 2 })

	// Audio for chunk 0 ends while chunk 1 is still synthesizing.
	c.Tick(id, 1.0)
	if got := emitter.audioChunks(); len(got) != 1 {
		t.Errorf("advanced before prefetch resolved, audio = %v", got)
	}
	if emitter.lastState() != StatePlaying {
		t.Errorf("state while waiting = %v, want Playing", emitter.lastState())
	}

	close(gate)
	waitFor(t, "chunk 1 audio", func() bool { return len(emitter.audioChunks()) >= 2 })
}

func TestStopIsIdempotent(t *testing.T) {
	synth := newFakeSynth()
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	c := newTestController(synth, sink, emitter, 0)

	id, err := c.Start([]byte("Hello world."))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "playing state", func() bool { return emitter.lastState() == StatePlaying })

	c.Stop(id)
	c.Stop(id)
	c.Tick(id, 0.2)

	if got := emitter.stateCount(StateCancelled); got != 1 {
		t.Errorf("cancelled state emitted %d times, want 1", got)
	}
	events := sink.snapshot()
	clears := 0
	for _, e := range events {
		if e == "clear" {
			clears++
		}
	}
	if clears != 1 {
		t.Errorf("clear emitted %d times, want 1, events = %v", clears, events)
	}
}

func TestStopDiscardsInflightSynthesis(t *testing.T) {
	synth := newFakeSynth()
	gate := make(chan struct{})
	synth.gate["Three four."] = gate
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	c := newTestController(synth, sink, emitter, 12)

	id, err := c.Start([]byte("One two.\n\nThree four."))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "chunk 1 request", func() bool { return synth.callCount() >= 2 })

	c.Stop(id)
	close(gate)

	// The result arrives for a cancelled session and must be dropped.
	time.Sleep(20 * time.Millisecond)
	for _, idx := range emitter.audioChunks() {
		if idx == 1 {
			t.Error("chunk 1 audio emitted after stop")
		}
	}
	if emitter.lastState() != StateCancelled {
		t.Errorf("final state = %v, want Cancelled", emitter.lastState())
	}
}

func TestDocumentMutationCancels(t *testing.T) {
	synth := newFakeSynth()
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	c := newTestController(synth, sink, emitter, 0)

	source := []byte("Hello world.")
	id, err := c.Start(source)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "playing state", func() bool { return emitter.lastState() == StatePlaying })

	c.CheckDocument(id, source)
	if emitter.lastState() != StatePlaying {
		t.Errorf("unchanged document cancelled session, state = %v", emitter.lastState())
	}

	c.CheckDocument(id, []byte("Hello there."))
	if emitter.lastState() != StateCancelled {
		t.Errorf("mutated document state = %v, want Cancelled", emitter.lastState())
	}
}

func TestSynthesisFailureCancels(t *testing.T) {
	synth := newFakeSynth()
	synth.fail["Hello world."] = errors.New("backend exploded")
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	c := newTestController(synth, sink, emitter, 0)

	if _, err := c.Start([]byte("Hello world.")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "cancelled state", func() bool { return emitter.lastState() == StateCancelled })

	emitter.mu.Lock()
	errCount := len(emitter.errs)
	emitter.mu.Unlock()
	if errCount != 1 {
		t.Errorf("error events = %d, want 1", errCount)
	}
	if synth.callCount() != 1 {
		t.Errorf("synthesis attempted %d times, want 1 (no retry)", synth.callCount())
	}
}

func TestStartReplacesActiveSession(t *testing.T) {
	synth := newFakeSynth()
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	c := newTestController(synth, sink, emitter, 0)

	first, err := c.Start([]byte("Hello world."))
	if err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	waitFor(t, "playing state", func() bool { return emitter.lastState() == StatePlaying })

	second, err := c.Start([]byte("Other text."))
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if second <= first {
		t.Errorf("session ids not monotonic: %d then %d", first, second)
	}
	if emitter.stateCount(StateCancelled) != 1 {
		t.Errorf("cancelled count = %d, want 1", emitter.stateCount(StateCancelled))
	}

	// Ticks carrying the old id do nothing.
	waitFor(t, "second playing", func() bool { return emitter.stateCount(StatePlaying) == 2 })
	before := len(sink.snapshot())
	c.Tick(first, 0.1)
	if got := len(sink.snapshot()); got != before {
		t.Errorf("stale tick produced events: %d -> %d", before, got)
	}
}

func TestPauseSuppressesTicks(t *testing.T) {
	synth := newFakeSynth()
	sink := &fakeSink{}
	emitter := &fakeEmitter{}
	c := newTestController(synth, sink, emitter, 0)

	id, err := c.Start([]byte("Hello world again."))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "playing state", func() bool { return emitter.lastState() == StatePlaying })

	c.Pause(id)
	c.Tick(id, 0.6)
	if got := len(sink.snapshot()); got != 0 {
		t.Errorf("tick while paused produced %d events", got)
	}

	c.Resume(id)
	c.Tick(id, 0.6)
	if got := len(sink.snapshot()); got != 1 {
		t.Errorf("tick after resume produced %d events, want 1", got)
	}
}

func TestStartEmptyDocument(t *testing.T) {
	synth := newFakeSynth()
	c := newTestController(synth, &fakeSink{}, &fakeEmitter{}, 0)

	if _, err := c.Start([]byte("```\ncode only\n```\n")); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("Start on code-only document error = %v, want ErrEmptyDocument", err)
	}
	if _, err := c.Start(nil); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("Start on empty document error = %v, want ErrEmptyDocument", err)
	}
}

func TestCurrentWordIndex(t *testing.T) {
	words := []timing.MappedWord{
		{StartTime: 0.0, EndTime: 0.4},
		{StartTime: 0.5, EndTime: 0.9},
		{StartTime: 1.0, EndTime: 1.4},
	}

	tests := []struct {
		name string
		last int
		t    float64
		want int
	}{
		{"before first word", -1, -0.1, -1},
		{"first word", -1, 0.1, 0},
		{"sequential advance", 0, 0.6, 1},
		{"inter-word silence keeps index", 0, 0.45, 0},
		{"skip ahead", 0, 1.2, 2},
		{"backwards seek", 2, 0.2, 0},
		{"unchanged", 1, 0.7, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := currentWordIndex(words, tt.last, tt.t); got != tt.want {
				t.Errorf("currentWordIndex(last=%d, t=%v) = %d, want %d", tt.last, tt.t, got, tt.want)
			}
		})
	}
}
