package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgconvert/internal/artifacts"
	"imgconvert/internal/batch"
	"imgconvert/internal/models"
	"imgconvert/internal/storage"
)

// flakyStore fails directory deletes for one batch.
type flakyStore struct {
	*artifacts.Local
	broken uuid.UUID
}

func (s flakyStore) DeleteDir(ctx context.Context, prefix string) error {
	if prefix == artifacts.BatchDir(s.broken) {
		return errors.New("permission denied")
	}
	return s.Local.DeleteDir(ctx, prefix)
}

type countingPurger struct {
	retention time.Duration
}

func (p *countingPurger) PurgeAnonymous(_ context.Context, retention time.Duration) (int64, error) {
	p.retention = retention
	return 7, nil
}

func TestSweepContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	local, err := artifacts.NewLocal(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-48 * time.Hour)
	batches := batch.NewManager(storage.NewMemoryStorage(), log).WithClock(func() time.Time { return clock })

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		id := uuid.New()
		p := artifacts.OriginalPath(id, uuid.New(), ".png")
		require.NoError(t, local.Put(ctx, p, strings.NewReader("x"), 1, "image/png"))
		_, _, err := batches.Create(ctx, batch.CreateRequest{
			ID:       id,
			Settings: models.DefaultSettings(),
			Files:    []models.UploadedFile{{Original: models.FileDescriptor{Path: p}}},
			TTL:      24 * time.Hour,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Not yet expired.
	fresh, _, err := batches.Create(ctx, batch.CreateRequest{
		Settings: models.DefaultSettings(),
		Files:    []models.UploadedFile{{}},
		TTL:      7 * 24 * time.Hour,
	})
	require.NoError(t, err)

	clock = now
	cfg := models.DefaultConfig()
	r := New(batches, flakyStore{Local: local, broken: ids[1]}, &countingPurger{}, cfg, log)

	removed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	for i, id := range ids {
		_, err := batches.Get(ctx, id)
		if i == 1 {
			assert.NoError(t, err, "batch with failed artifact delete is kept for retry")
			continue
		}
		assert.ErrorIs(t, err, storage.ErrNotFound)

		ok, err := local.Exists(ctx, artifacts.BatchDir(id))
		require.NoError(t, err)
		assert.False(t, ok)
	}

	_, err = batches.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestPurgeUsage(t *testing.T) {
	cfg := models.DefaultConfig()
	p := &countingPurger{}
	r := New(nil, nil, p, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := r.PurgeUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, cfg.Retention.AnonymousUsage, p.retention)
}
