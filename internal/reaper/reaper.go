// Package reaper removes expired batches and stale anonymous usage.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"imgconvert/internal/artifacts"
	"imgconvert/internal/models"
)

type Batches interface {
	Expired(ctx context.Context, limit int) ([]*models.Batch, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type UsagePurger interface {
	PurgeAnonymous(ctx context.Context, retention time.Duration) (int64, error)
}

type Reaper struct {
	batches   Batches
	store     artifacts.Store
	usage     UsagePurger
	limit     int
	retention time.Duration
	log       *slog.Logger
}

func New(batches Batches, store artifacts.Store, usage UsagePurger, cfg models.Config, log *slog.Logger) *Reaper {
	return &Reaper{
		batches:   batches,
		store:     store,
		usage:     usage,
		limit:     cfg.Reaper.BatchLimit,
		retention: cfg.Retention.AnonymousUsage,
		log:       log,
	}
}

// Sweep deletes every expired batch, artifacts first. A batch whose
// artifacts cannot be removed keeps its record so the next sweep retries
// it; the sweep moves on either way. It returns how many batches were
// fully removed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	const op = "reaper.Sweep"

	expired, err := r.batches.Expired(ctx, r.limit)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	removed := 0
	for _, b := range expired {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("%s: %w", op, err)
		}
		if err := r.reap(ctx, b); err != nil {
			r.log.Error("reap batch",
				slog.String("batch_id", b.ID.String()),
				slog.Time("expired_at", b.ExpiresAt),
				slog.Any("error", err))
			continue
		}
		removed++
	}

	if len(expired) > 0 {
		r.log.Info("expired batches swept",
			slog.Int("found", len(expired)),
			slog.Int("removed", removed))
	}
	return removed, nil
}

func (r *Reaper) reap(ctx context.Context, b *models.Batch) error {
	if b.ExportPath != "" {
		if err := r.store.Delete(ctx, b.ExportPath); err != nil {
			return fmt.Errorf("delete export: %w", err)
		}
	}
	if err := r.store.DeleteDir(ctx, artifacts.BatchDir(b.ID)); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	if err := r.batches.Delete(ctx, b.ID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// PurgeUsage drops anonymous usage records past their retention.
func (r *Reaper) PurgeUsage(ctx context.Context) (int64, error) {
	const op = "reaper.PurgeUsage"

	n, err := r.usage.PurgeAnonymous(ctx, r.retention)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		r.log.Info("anonymous usage purged", slog.Int64("records", n))
	}
	return n, nil
}
