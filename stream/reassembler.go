// Package stream reassembles incrementally generated bot replies.
//
// A reply is bounded by stream_start / stream_end and delivered as numbered
// deltas in between. The transport does not guarantee delta order, so
// fragments that arrive ahead of the next expected sequence number are held
// in a reorder buffer until the gap closes. Only one stream is active at a
// time. Starting a new one delivers the previous stream with the text it
// accumulated, discards its buffer and frees its state.
package stream

import "time"

// InitialSeq is the sequence number of the first delta of every stream.
const InitialSeq = 1

// Sink receives the effects of reassembly. Implementations own the message
// list and the typing indicator.
type Sink interface {
	// SetTyping raises or clears the typing indicator.
	SetTyping(on bool)
	// UpsertStreaming creates the bot message id, or replaces its text,
	// marking it as streaming.
	UpsertStreaming(id, text string)
	// Deliver finalizes message id with text. It must be a no-op when the
	// message was never created.
	Deliver(id, text string)
}

// Stats counts reassembly events.
type Stats struct {
	Buffered   int // out-of-order deltas held for later
	Duplicates int // stale or duplicate deltas discarded
	Completed  int // streams finished with stream_end
	Superseded int // streams cut short by a new stream_start
}

// state is the accumulated text of one in-flight stream.
type state struct {
	id        string
	text      string
	timestamp time.Time
}

// Reassembler orders deltas for the active stream. It is not safe for
// concurrent use; callers serialize access.
type Reassembler struct {
	sink  Sink
	newID func() string
	now   func() time.Time

	streams  map[string]*state
	activeID string
	pending  map[int]string
	nextSeq  int
	emitted  bool

	stats Stats
}

// New returns an idle reassembler. newID generates ids for streams that
// receive deltas without a stream_start.
func New(sink Sink, newID func() string) *Reassembler {
	r := &Reassembler{
		sink:    sink,
		newID:   newID,
		now:     time.Now,
		streams: make(map[string]*state),
	}
	r.reset("")
	return r
}

func (r *Reassembler) reset(id string) {
	r.activeID = id
	r.pending = make(map[int]string)
	r.nextSeq = InitialSeq
	r.emitted = false
}

// Start begins stream id. A different active stream is superseded: its
// message is delivered with the contiguous text received so far and its
// state is dropped. The typing indicator stays raised until the first delta.
func (r *Reassembler) Start(id string) {
	if prev := r.activeID; prev != "" && prev != id {
		if s, ok := r.streams[prev]; ok {
			r.sink.Deliver(prev, s.text)
		}
		delete(r.streams, prev)
		r.stats.Superseded++
	}
	r.reset(id)
	r.streams[id] = &state{id: id, timestamp: r.now()}
	r.sink.SetTyping(true)
}

// Delta applies fragment seq of the active stream. Sequence numbers below
// InitialSeq are ignored. fallbackID names a stream synthesized for a delta
// that arrives with no active stream; when empty a fresh id is generated.
func (r *Reassembler) Delta(seq int, content, fallbackID string) {
	if seq < InitialSeq {
		return
	}

	if r.activeID == "" {
		id := fallbackID
		if id == "" {
			id = r.newID()
		}
		r.reset(id)
		r.emitted = true
		r.streams[id] = &state{id: id, timestamp: r.now()}
	}
	id := r.activeID

	if r.nextSeq == InitialSeq {
		r.sink.SetTyping(false)
		if !r.emitted {
			r.emitted = true
			r.sink.UpsertStreaming(id, "")
		}
	}

	switch {
	case seq == r.nextSeq:
		r.append(id, content)
		r.nextSeq++
		r.drain(id)
	case seq > r.nextSeq:
		r.pending[seq] = content
		r.stats.Buffered++
	default:
		r.stats.Duplicates++
	}
}

// drain applies buffered deltas that are now contiguous.
func (r *Reassembler) drain(id string) {
	for {
		content, ok := r.pending[r.nextSeq]
		if !ok {
			return
		}
		delete(r.pending, r.nextSeq)
		r.append(id, content)
		r.nextSeq++
	}
}

func (r *Reassembler) append(id, content string) {
	s, ok := r.streams[id]
	if !ok {
		return
	}
	s.text += content
	s.timestamp = r.now()
	r.sink.UpsertStreaming(id, s.text)
}

// End finalizes stream id with its accumulated text and drops its state.
// The reassembler returns to idle when id is the active stream. Ending a
// stream that was already superseded delivers nothing new.
func (r *Reassembler) End(id string) {
	r.sink.SetTyping(false)

	var final string
	if s, ok := r.streams[id]; ok {
		final = s.text
	}
	r.sink.Deliver(id, final)
	r.stats.Completed++

	delete(r.streams, id)
	if r.activeID == id {
		r.reset("")
	}
}

// Active returns the id of the in-flight stream, or "" when idle.
func (r *Reassembler) Active() string { return r.activeID }

// NextSeq returns the next expected sequence number of the active stream.
func (r *Reassembler) NextSeq() int { return r.nextSeq }

// Pending returns the number of buffered out-of-order deltas.
func (r *Reassembler) Pending() int { return len(r.pending) }

// Text returns the accumulated text of stream id.
func (r *Reassembler) Text(id string) (string, bool) {
	s, ok := r.streams[id]
	if !ok {
		return "", false
	}
	return s.text, true
}

// Stats returns a copy of the counters.
func (r *Reassembler) Stats() Stats { return r.stats }
