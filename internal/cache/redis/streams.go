package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/trailbot/internal/domain"
)

// CandidateStream reads entry candidates from a Redis stream. Each call
// returns the entries appended since the previous call. It implements
// domain.SignalSource.
type CandidateStream struct {
	bus       *SignalBus
	stream    string
	batchSize int
	logger    *slog.Logger

	mu     sync.Mutex
	lastID string
}

// NewCandidateStream creates a reader for stream. Reading starts at the
// beginning of the stream; entries already there are offered once.
func NewCandidateStream(bus *SignalBus, stream string, batchSize int, logger *slog.Logger) *CandidateStream {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &CandidateStream{
		bus:       bus,
		stream:    stream,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "candidate_stream")),
		lastID:    "0-0",
	}
}

// Candidates returns up to one batch of new candidates.
func (cs *CandidateStream) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	msgs, err := cs.bus.StreamRead(ctx, cs.stream, cs.lastID, cs.batchSize)
	if err != nil {
		return nil, err
	}
	out, lastID := decodeCandidates(msgs, func(id string, err error) {
		cs.logger.WarnContext(ctx, "candidate_stream: skipping undecodable entry",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	})
	if lastID != "" {
		cs.lastID = lastID
	}
	return out, nil
}

// decodeCandidates parses stream entries, reporting bad ones to onErr. It
// returns the id of the last entry seen so the cursor moves past bad entries
// too.
func decodeCandidates(msgs []StreamMessage, onErr func(id string, err error)) ([]domain.Candidate, string) {
	var (
		out    []domain.Candidate
		lastID string
	)
	for _, m := range msgs {
		lastID = m.ID
		var c domain.Candidate
		if err := json.Unmarshal(m.Payload, &c); err != nil {
			onErr(m.ID, err)
			continue
		}
		if c.ID == "" {
			c.ID = m.ID
		}
		out = append(out, c)
	}
	return out, lastID
}

// NoteStream appends market notes to a Redis stream. It implements
// domain.NoteSink.
type NoteStream struct {
	bus    *SignalBus
	stream string
}

// NewNoteStream creates a NoteStream writing to stream.
func NewNoteStream(bus *SignalBus, stream string) *NoteStream {
	return &NoteStream{bus: bus, stream: stream}
}

// Record appends note as JSON.
func (ns *NoteStream) Record(ctx context.Context, note domain.MarketNote) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("redis: marshal note: %w", err)
	}
	return ns.bus.StreamAppend(ctx, ns.stream, data)
}

var (
	_ domain.SignalSource = (*CandidateStream)(nil)
	_ domain.NoteSink     = (*NoteStream)(nil)
)
