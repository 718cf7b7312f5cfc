package batch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgconvert/internal/models"
	"imgconvert/internal/storage"
)

func newManager() *Manager {
	return NewManager(storage.NewMemoryStorage(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func files(n int) []models.UploadedFile {
	out := make([]models.UploadedFile, n)
	for i := range out {
		out[i] = models.UploadedFile{
			ImageID:  uuid.New(),
			Original: models.FileDescriptor{Name: "photo.jpg", Format: "jpeg", Size: 1024, Width: 10, Height: 10},
		}
	}
	return out
}

func output() []models.FileDescriptor {
	return []models.FileDescriptor{{Name: "out.webp", Format: "webp", Size: 100, Width: 10, Height: 10, Path: "batches/x/converted/out.webp"}}
}

func TestCreate(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	m := newManager().WithClock(func() time.Time { return now })
	ctx := context.Background()

	b, images, err := m.Create(ctx, CreateRequest{
		Settings: models.DefaultSettings(),
		Keywords: []string{"red", "shoes"},
		Files:    files(3),
		TTL:      24 * time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, b.Status)
	assert.Equal(t, 3, b.TotalImages)
	assert.Equal(t, 0, b.ProcessedImages)
	assert.Equal(t, now.Add(24*time.Hour), b.ExpiresAt)
	require.Len(t, images, 3)
	for i, img := range images {
		assert.Equal(t, i, img.Ordinal)
		assert.Equal(t, models.StatusPending, img.Status)
	}

	_, _, err = m.Create(ctx, CreateRequest{TTL: time.Hour})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestPartialFailureStillCompletes(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	b, images, err := m.Create(ctx, CreateRequest{Settings: models.DefaultSettings(), Files: files(3), TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, m.BeginProcessing(ctx, b.ID))

	_, done, err := m.RecordOutcome(ctx, b.ID, images[0].ID, models.Succeeded(output(), models.SEO{}))
	require.NoError(t, err)
	assert.False(t, done)
	_, done, err = m.RecordOutcome(ctx, b.ID, images[1].ID, models.Succeeded(output(), models.SEO{}))
	require.NoError(t, err)
	assert.False(t, done)

	got, done, err := m.RecordOutcome(ctx, b.ID, images[2].ID, models.Failed("retries exhausted"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ProcessedImages)

	p, err := m.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 100, p.Percentage)
}

func TestRecordOutcomeTwiceIsRejected(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	b, images, err := m.Create(ctx, CreateRequest{Settings: models.DefaultSettings(), Files: files(2), TTL: time.Hour})
	require.NoError(t, err)

	_, _, err = m.RecordOutcome(ctx, b.ID, images[0].ID, models.Failed("x"))
	require.NoError(t, err)
	_, _, err = m.RecordOutcome(ctx, b.ID, images[0].ID, models.Failed("x"))
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestSuccessRequiresCompleteOutputs(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	b, images, err := m.Create(ctx, CreateRequest{Settings: models.DefaultSettings(), Files: files(1), TTL: time.Hour})
	require.NoError(t, err)

	_, _, err = m.RecordOutcome(ctx, b.ID, images[0].ID, models.Succeeded([]models.FileDescriptor{{Name: "a"}}, models.SEO{}))
	assert.Error(t, err)

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ProcessedImages)
}

func TestConcurrentOutcomesCompleteExactlyOnce(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	b, images, err := m.Create(ctx, CreateRequest{Settings: models.DefaultSettings(), Files: files(40), TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, m.BeginProcessing(ctx, b.ID))

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		completions int
		seen        []int
	)
	for i, img := range images {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			outcome := models.Succeeded(output(), models.SEO{})
			if i%3 == 0 {
				outcome = models.Failed("encoder error")
			}
			got, done, err := m.RecordOutcome(ctx, b.ID, id, outcome)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, got.ProcessedImages)
			if done {
				completions++
			}
		}(i, img.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, completions)
	assert.ElementsMatch(t, seq(1, 40), seen)

	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, got.TotalImages, got.ProcessedImages)
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestTransitions(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	b, images, err := m.Create(ctx, CreateRequest{Settings: models.DefaultSettings(), Files: files(1), TTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, m.BeginProcessing(ctx, b.ID))
	require.NoError(t, m.BeginProcessing(ctx, b.ID))

	_, _, err = m.RecordOutcome(ctx, b.ID, images[0].ID, models.Succeeded(output(), models.SEO{}))
	require.NoError(t, err)

	assert.ErrorIs(t, m.BeginProcessing(ctx, b.ID), ErrInvalidTransition)
	assert.ErrorIs(t, m.Fail(ctx, b.ID, "late"), ErrInvalidTransition)
}

func TestFailAndCancel(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	b, _, err := m.Create(ctx, CreateRequest{Settings: models.DefaultSettings(), Files: files(2), TTL: time.Hour})
	require.NoError(t, err)

	cancelled, err := m.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.Cancelled())
	first := *cancelled.CancelledAt

	again, err := m.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *again.CancelledAt)

	require.NoError(t, m.Fail(ctx, b.ID, "dispatch unavailable"))
	got, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "dispatch unavailable", got.FailureReason)
}

func TestProgressPercentage(t *testing.T) {
	b := &models.Batch{TotalImages: 3, ProcessedImages: 2}
	assert.Equal(t, 67, b.ProgressPercentage())
	assert.Equal(t, b.ProgressPercentage(), b.ProgressPercentage())

	assert.Equal(t, 0, (&models.Batch{}).ProgressPercentage())
}
