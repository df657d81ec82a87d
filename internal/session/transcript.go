package session

import (
	"sync"
	"time"
)

// TranscriptEntry is one line of the conversation transcript.
type TranscriptEntry struct {
	Role      string // "user" or "assistant"
	Text      string
	Timestamp time.Time
}

// transcriptLog is the append-only, session-scoped transcript. Entries are
// ordered by arrival; the optional sink observes each append for live UI
// consumption.
type transcriptLog struct {
	mu      sync.Mutex
	entries []TranscriptEntry
	sink    func(TranscriptEntry)
}

func (l *transcriptLog) setSink(sink func(TranscriptEntry)) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// append records one entry and notifies the sink. The sink runs outside the
// lock so it may call back into the log.
func (l *transcriptLog) append(entry TranscriptEntry) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink(entry)
	}
}

// snapshot returns a copy of all entries in order.
func (l *transcriptLog) snapshot() []TranscriptEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TranscriptEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// reset clears the log for a new session.
func (l *transcriptLog) reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
