package stream

import (
	"sync"
)

// Buffer accumulates streamed output for one stage attempt. Readers always
// see a consistent prefix of what the producer has appended; once the buffer
// is terminal no further appends are accepted.
type Buffer struct {
	mu       sync.Mutex
	text     []byte
	final    bool
	failed   bool
	finalErr error
}

// Snapshot is a point-in-time view of a buffer.
type Snapshot struct {
	Text   string
	Final  bool
	Failed bool
	Err    error
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds a chunk. Appends after Complete or Fail are dropped.
func (b *Buffer) Append(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.final {
		return
	}
	b.text = append(b.text, chunk...)
}

// Complete marks the buffer as the final, full output.
func (b *Buffer) Complete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.final = true
}

// Fail marks the buffer terminal with an error; the accumulated text remains
// readable as the partial output of the failed attempt.
func (b *Buffer) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.final {
		return
	}
	b.final = true
	b.failed = true
	b.finalErr = err
}

func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Text:   string(b.text),
		Final:  b.final,
		Failed: b.failed,
		Err:    b.finalErr,
	}
}

// Chunk is one streaming update delivered to subscribers.
type Chunk struct {
	RunID   string `json:"run_id"`
	StageID string `json:"stage_id"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}

type stageKey struct {
	runID   string
	stageID string
}

// Hub fans streamed stage output out to subscribers. Subscribers joining
// mid-stream first receive the accumulated text so far, then live chunks.
// Slow subscribers are dropped rather than blocking the producer.
type Hub struct {
	mu      sync.Mutex
	buffers map[stageKey]*Buffer
	subs    map[stageKey]map[chan Chunk]struct{}
}

func NewHub() *Hub {
	return &Hub{
		buffers: map[stageKey]*Buffer{},
		subs:    map[stageKey]map[chan Chunk]struct{}{},
	}
}

// StartAttempt installs a fresh buffer for a stage attempt, replacing any
// buffer from a prior attempt.
func (h *Hub) StartAttempt(runID, stageID string) *Buffer {
	key := stageKey{runID, stageID}
	buf := NewBuffer()
	h.mu.Lock()
	h.buffers[key] = buf
	h.mu.Unlock()
	return buf
}

// Publish appends a chunk to the stage buffer and forwards it to subscribers.
func (h *Hub) Publish(runID, stageID, text string) {
	key := stageKey{runID, stageID}
	h.mu.Lock()
	buf := h.buffers[key]
	if buf == nil {
		buf = NewBuffer()
		h.buffers[key] = buf
	}
	h.mu.Unlock()
	buf.Append(text)
	h.broadcast(key, Chunk{RunID: runID, StageID: stageID, Text: text})
}

// Finish marks a stage stream terminal and notifies subscribers. A nil err
// means the attempt completed; otherwise the stream ends failed with the
// partial text retained.
func (h *Hub) Finish(runID, stageID string, err error) {
	key := stageKey{runID, stageID}
	h.mu.Lock()
	buf := h.buffers[key]
	h.mu.Unlock()
	if buf != nil {
		if err != nil {
			buf.Fail(err)
		} else {
			buf.Complete()
		}
	}
	c := Chunk{RunID: runID, StageID: stageID, Final: true, Failed: err != nil}
	if err != nil {
		c.Error = err.Error()
	}
	h.broadcast(key, c)
	h.mu.Lock()
	for ch := range h.subs[key] {
		close(ch)
	}
	delete(h.subs, key)
	h.mu.Unlock()
}

func (h *Hub) broadcast(key stageKey, c Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[key] {
		select {
		case ch <- c:
		default:
			// Subscriber not keeping up; drop it.
			close(ch)
			delete(h.subs[key], ch)
		}
	}
}

// Subscribe attaches to a stage stream. The first chunk replays any text
// already accumulated. The channel is closed when the stream finishes or the
// subscriber falls behind; call the returned cancel to detach early.
func (h *Hub) Subscribe(runID, stageID string) (<-chan Chunk, func()) {
	key := stageKey{runID, stageID}
	ch := make(chan Chunk, 64)
	h.mu.Lock()
	buf := h.buffers[key]
	var snap Snapshot
	if buf != nil {
		snap = buf.Snapshot()
	}
	if snap.Final {
		h.mu.Unlock()
		c := Chunk{RunID: runID, StageID: stageID, Text: snap.Text, Final: true, Failed: snap.Failed}
		if snap.Err != nil {
			c.Error = snap.Err.Error()
		}
		ch <- c
		close(ch)
		return ch, func() {}
	}
	if snap.Text != "" {
		ch <- Chunk{RunID: runID, StageID: stageID, Text: snap.Text}
	}
	if h.subs[key] == nil {
		h.subs[key] = map[chan Chunk]struct{}{}
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[key][ch]; ok {
			delete(h.subs[key], ch)
			close(ch)
		}
	}
	return ch, cancel
}

// SnapshotFor returns the current buffer snapshot for a stage, if any.
func (h *Hub) SnapshotFor(runID, stageID string) (Snapshot, bool) {
	h.mu.Lock()
	buf := h.buffers[stageKey{runID, stageID}]
	h.mu.Unlock()
	if buf == nil {
		return Snapshot{}, false
	}
	return buf.Snapshot(), true
}

// Drop discards buffers for a finished run.
func (h *Hub) Drop(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.buffers {
		if key.runID == runID {
			delete(h.buffers, key)
		}
	}
}
