package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgconvert/internal/models"
)

func seedBatch(t *testing.T, m *MemoryStorage, n int) (*models.Batch, []*models.ConvertedImage) {
	t.Helper()

	now := time.Now()
	b := &models.Batch{
		ID:          uuid.New(),
		Status:      models.StatusPending,
		Settings:    models.DefaultSettings(),
		TotalImages: n,
		ExpiresAt:   now.Add(time.Hour),
		CreatedAt:   now,
	}
	images := make([]*models.ConvertedImage, n)
	for i := range images {
		images[i] = &models.ConvertedImage{
			ID:        uuid.New(),
			BatchID:   b.ID,
			Ordinal:   i,
			Original:  models.FileDescriptor{Name: "img.png"},
			Status:    models.StatusPending,
			CreatedAt: now,
		}
	}
	require.NoError(t, m.CreateBatch(context.Background(), b, images))
	return b, images
}

func TestMemoryConcurrentOutcomesCompleteOnce(t *testing.T) {
	m := NewMemoryStorage()
	ctx := context.Background()
	b, images := seedBatch(t, m, 50)

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		completions int
	)
	for i, img := range images {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			outcome := models.Succeeded(nil, models.SEO{})
			if i%7 == 0 {
				outcome = models.Failed("boom")
			}
			got, err := m.RecordImageOutcome(ctx, b.ID, id, outcome)
			if !assert.NoError(t, err) {
				return
			}
			assert.LessOrEqual(t, got.ProcessedImages, got.TotalImages)
			if got.Status == models.StatusCompleted && got.ProcessedImages == got.TotalImages {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}(i, img.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, completions)
	got, err := m.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 50, got.ProcessedImages)
}

func TestMemoryOutcomeIsAppliedOnce(t *testing.T) {
	m := NewMemoryStorage()
	ctx := context.Background()
	b, images := seedBatch(t, m, 2)

	_, err := m.RecordImageOutcome(ctx, b.ID, images[0].ID, models.Failed("x"))
	require.NoError(t, err)

	_, err = m.RecordImageOutcome(ctx, b.ID, images[0].ID, models.Succeeded(nil, models.SEO{}))
	assert.ErrorIs(t, err, ErrConflict)

	got, err := m.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedImages)

	img, err := m.GetImage(ctx, b.ID, images[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, img.Status)
	assert.Equal(t, "x", img.ErrorMessage)
}

func TestMemoryDeleteImageCompletesRemaining(t *testing.T) {
	m := NewMemoryStorage()
	ctx := context.Background()
	b, images := seedBatch(t, m, 3)

	ok, err := m.BeginProcessing(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	for _, img := range images[:2] {
		_, err := m.RecordImageOutcome(ctx, b.ID, img.ID, models.Succeeded(nil, models.SEO{}))
		require.NoError(t, err)
	}

	removed, got, err := m.DeleteImage(ctx, b.ID, images[2].ID)
	require.NoError(t, err)
	assert.Equal(t, images[2].ID, removed.ID)
	assert.Equal(t, 2, got.TotalImages)
	assert.Equal(t, 2, got.ProcessedImages)
	assert.Equal(t, models.StatusCompleted, got.Status)

	// Deleting a terminal image keeps processed within total.
	_, got, err = m.DeleteImage(ctx, b.ID, images[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalImages)
	assert.Equal(t, 1, got.ProcessedImages)

	_, _, err = m.DeleteImage(ctx, b.ID, images[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListExpired(t *testing.T) {
	m := NewMemoryStorage()
	ctx := context.Background()
	b, _ := seedBatch(t, m, 1)

	expired, err := m.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = m.ListExpired(ctx, b.ExpiresAt, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, b.ID, expired[0].ID)

	require.NoError(t, m.DeleteBatch(ctx, b.ID))
	_, err = m.GetBatch(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
