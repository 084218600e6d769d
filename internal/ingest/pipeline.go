// Package ingest wires the ingestion pipeline together behind a single-slot
// backpressure gate.
//
// Exactly one batch may be in flight through normalize → aggregate → persist
// at any time. A batch arriving while the slot is occupied is dropped, not
// queued; under sustained overload this trades events for bounded memory and
// database load, which is the accepted design.
package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Mohcka/bptf-analyzer/internal/model"
	"github.com/Mohcka/bptf-analyzer/internal/normalize"
	"github.com/Mohcka/bptf-analyzer/internal/stats"
)

// defaultPacingDelay is inserted after each successful batch to avoid
// saturating the database during event storms.
const defaultPacingDelay = 100 * time.Millisecond

// Gateway persists one batch's computed upserts.
type Gateway interface {
	ApplyBatch(ctx context.Context, items []model.ItemCatalogEntry, statRows []model.HourlyStat) error
}

// Config defines settings for the pipeline.
type Config struct {
	// PacingDelay is the pause after each successfully persisted batch.
	PacingDelay time.Duration
}

// Pipeline processes raw stream batches one at a time.
type Pipeline struct {
	normalizer *normalize.Normalizer
	gateway    Gateway
	pacing     time.Duration

	// inFlight is the single-slot backpressure gate.
	inFlight atomic.Bool

	// droppedBatches counts batches rejected while the slot was occupied.
	droppedBatches atomic.Int64
}

// New returns a pipeline writing through the given gateway.
func New(gateway Gateway, cfg Config) *Pipeline {
	if cfg.PacingDelay == 0 {
		cfg.PacingDelay = defaultPacingDelay
	}
	return &Pipeline{
		normalizer: normalize.New(),
		gateway:    gateway,
		pacing:     cfg.PacingDelay,
	}
}

// DroppedBatches reports how many batches were rejected by the gate.
func (p *Pipeline) DroppedBatches() int64 {
	return p.droppedBatches.Load()
}

// HandleMessage ingests one raw stream message.
//
// The gate is acquired with a compare-and-swap and released on every exit
// path. A persistence failure is logged and the batch dropped; the stream
// connection is never torn down over it.
func (p *Pipeline) HandleMessage(ctx context.Context, raw []byte) {
	if !p.inFlight.CompareAndSwap(false, true) {
		n := p.droppedBatches.Add(1)
		log.Warn().
			Str("component", "ingest").
			Int64("droppedTotal", n).
			Msg("backpressure: batch in flight, dropping incoming batch")
		return
	}
	defer p.inFlight.Store(false)

	logger := log.With().Str("component", "ingest").Logger()

	start := time.Now()

	events, dropped, err := p.normalizer.Batch(raw, time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("discarding unparseable batch")
		return
	}
	if dropped > 0 {
		logger.Debug().Int("dropped", dropped).Msg("dropped irrelevant or malformed envelopes")
	}
	if len(events) == 0 {
		return
	}

	items, statRows := stats.Aggregate(events)

	if err := p.gateway.ApplyBatch(ctx, items, statRows); err != nil {
		logger.Error().
			Err(err).
			Int("events", len(events)).
			Msg("batch persistence failed, dropping batch")
		return
	}

	logger.Debug().
		Int("events", len(events)).
		Int("items", len(items)).
		Int("statRows", len(statRows)).
		Dur("took", time.Since(start)).
		Msg("batch persisted")

	// Pace between transactions to prevent resource exhaustion.
	select {
	case <-ctx.Done():
	case <-time.After(p.pacing):
	}
}
