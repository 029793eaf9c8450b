package service

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/eventstore"
	"session-control-plane/backend/internal/session/projection"
	"session-control-plane/backend/internal/telemetry"
)

// Reconciler brings projection rows back in line with the event log. It repairs rows that
// are missing or behind after an upsert failed post-commit.
type Reconciler struct {
	events      eventstore.Store
	summaries   projection.Repository
	emitter     telemetry.EventEmitter
	instruments *telemetry.Instruments
	batchSize   int
	now         func() time.Time
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned  int
	Repaired int
	Failed   int
}

// NewReconciler returns a Reconciler. batchSize <= 0 uses 100.
func NewReconciler(events eventstore.Store, summaries projection.Repository, emitter telemetry.EventEmitter, instruments *telemetry.Instruments, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	if instruments == nil {
		instruments = telemetry.NoopInstruments()
	}
	return &Reconciler{
		events:      events,
		summaries:   summaries,
		emitter:     emitter,
		instruments: instruments,
		batchSize:   batchSize,
		now:         time.Now,
	}
}

// ReconcileOne rebuilds id from its events and upserts the projection if it is missing or
// stale. It reports whether a repair was written.
func (r *Reconciler) ReconcileOne(ctx context.Context, id string) (bool, error) {
	events, err := r.events.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, domain.ErrSessionNotFound
	}
	agg, err := domain.Rebuild(events)
	if err != nil {
		log.Printf("reconciler: INVALID EVENT STREAM for %s: %v", id, err)
		telemetry.EmitAsync(r.emitter, &telemetry.SessionEvent{
			SessionID:  id,
			Type:       telemetry.TypeInvalidStream,
			OccurredAt: r.now().UTC(),
			Attributes: map[string]string{"error": err.Error()},
			Severe:     true,
		})
		return false, err
	}
	want := agg.ToSummary()
	have, err := r.summaries.Get(ctx, id)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
	case err != nil:
		return false, err
	case have.Version > want.Version, have.Version == want.Version && have.Equal(want):
		return false, nil
	}
	if err := r.summaries.Upsert(ctx, want); err != nil {
		return false, err
	}
	var from int64
	if have != nil {
		from = have.Version
	}
	telemetry.Add(ctx, r.instruments.Repairs, 1, "reconcile")
	telemetry.EmitAsync(r.emitter, &telemetry.SessionEvent{
		SessionID:  id,
		Type:       telemetry.TypeProjectionRepair,
		Version:    want.Version,
		OccurredAt: r.now().UTC(),
		Attributes: map[string]string{"from_version": strconv.FormatInt(from, 10)},
	})
	log.Printf("reconciler: repaired projection for %s (version %d -> %d)", id, from, want.Version)
	return true, nil
}

// SweepOnce walks every session stream in id order. Per-session failures are counted and
// the sweep continues; listing failures and cancellation end it.
func (r *Reconciler) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	after := ""
	for {
		ids, err := r.events.AggregateIDs(ctx, domain.AggregateTypeSession, after, r.batchSize)
		if err != nil {
			return res, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Scanned++
			repaired, err := r.ReconcileOne(ctx, id)
			switch {
			case err != nil:
				res.Failed++
				log.Printf("reconciler: %s: %v", id, err)
			case repaired:
				res.Repaired++
			}
		}
		if len(ids) < r.batchSize {
			return res, nil
		}
		after = ids[len(ids)-1]
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := r.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("reconciler: sweep failed: %v", err)
		} else if res.Repaired > 0 || res.Failed > 0 {
			log.Printf("reconciler: sweep scanned=%d repaired=%d failed=%d", res.Scanned, res.Repaired, res.Failed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
