package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"imgconvert/internal/models"
)

type memoryBatch struct {
	batch  models.Batch
	images map[uuid.UUID]*models.ConvertedImage
}

// MemoryStorage is a process-local batch store with the same semantics as
// Storage. A single mutex serializes every mutation.
type MemoryStorage struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*memoryBatch
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		batches: make(map[uuid.UUID]*memoryBatch),
		now:     time.Now,
	}
}

func copyBatch(b models.Batch) *models.Batch {
	b.Keywords = append([]string(nil), b.Keywords...)
	if b.CancelledAt != nil {
		at := *b.CancelledAt
		b.CancelledAt = &at
	}
	if b.OwnerID != nil {
		owner := *b.OwnerID
		b.OwnerID = &owner
	}
	return &b
}

func copyImage(img *models.ConvertedImage) *models.ConvertedImage {
	c := *img
	c.Outputs = append([]models.FileDescriptor(nil), img.Outputs...)
	return &c
}

func (m *MemoryStorage) get(id uuid.UUID) (*memoryBatch, error) {
	e, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStorage) CreateBatch(_ context.Context, b *models.Batch, images []*models.ConvertedImage) error {
	const op = "storage.MemoryStorage.CreateBatch"

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[b.ID]; ok {
		return fmt.Errorf("%s: batch %s already exists", op, b.ID)
	}
	e := &memoryBatch{
		batch:  *copyBatch(*b),
		images: make(map[uuid.UUID]*models.ConvertedImage, len(images)),
	}
	e.batch.ProcessedImages = 0
	e.batch.UpdatedAt = b.CreatedAt
	for _, img := range images {
		c := copyImage(img)
		c.BatchID = b.ID
		c.UpdatedAt = c.CreatedAt
		e.images[img.ID] = c
	}
	m.batches[b.ID] = e
	return nil
}

func (m *MemoryStorage) GetBatch(_ context.Context, id uuid.UUID) (*models.Batch, error) {
	const op = "storage.MemoryStorage.GetBatch"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return copyBatch(e.batch), nil
}

func (m *MemoryStorage) GetImage(_ context.Context, batchID, imageID uuid.UUID) (*models.ConvertedImage, error) {
	const op = "storage.MemoryStorage.GetImage"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(batchID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	img, ok := e.images[imageID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return copyImage(img), nil
}

func (m *MemoryStorage) ListImages(_ context.Context, batchID uuid.UUID) ([]*models.ConvertedImage, error) {
	const op = "storage.MemoryStorage.ListImages"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(batchID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	images := make([]*models.ConvertedImage, 0, len(e.images))
	for _, img := range e.images {
		images = append(images, copyImage(img))
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Ordinal < images[j].Ordinal })
	return images, nil
}

func (m *MemoryStorage) BeginProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	const op = "storage.MemoryStorage.BeginProcessing"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(id)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if e.batch.Status != models.StatusPending {
		return false, nil
	}
	e.batch.Status = models.StatusProcessing
	e.batch.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStorage) MarkImageProcessing(_ context.Context, batchID, imageID uuid.UUID) error {
	const op = "storage.MemoryStorage.MarkImageProcessing"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(batchID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	img, ok := e.images[imageID]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if img.Status.Terminal() {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	img.Status = models.StatusProcessing
	img.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStorage) RecordImageOutcome(_ context.Context, batchID, imageID uuid.UUID, outcome models.Outcome) (*models.Batch, error) {
	const op = "storage.MemoryStorage.RecordImageOutcome"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(batchID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	img, ok := e.images[imageID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if img.Status.Terminal() || e.batch.ProcessedImages >= e.batch.TotalImages {
		return nil, fmt.Errorf("%s: %w", op, ErrConflict)
	}

	now := m.now()
	img.Status = outcome.Status()
	img.Outputs = append([]models.FileDescriptor(nil), outcome.Outputs...)
	img.SEO = outcome.SEO
	img.ErrorMessage = outcome.Error
	img.UpdatedAt = now

	e.batch.ProcessedImages++
	if !e.batch.Status.Terminal() && e.batch.ProcessedImages >= e.batch.TotalImages {
		e.batch.Status = models.StatusCompleted
	}
	e.batch.UpdatedAt = now
	return copyBatch(e.batch), nil
}

func (m *MemoryStorage) CancelBatch(_ context.Context, id uuid.UUID, at time.Time) (*models.Batch, error) {
	const op = "storage.MemoryStorage.CancelBatch"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if e.batch.CancelledAt == nil {
		e.batch.CancelledAt = &at
		e.batch.UpdatedAt = m.now()
	}
	return copyBatch(e.batch), nil
}

func (m *MemoryStorage) FailBatch(_ context.Context, id uuid.UUID, reason string) (*models.Batch, error) {
	const op = "storage.MemoryStorage.FailBatch"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if e.batch.Status.Terminal() {
		return nil, fmt.Errorf("%s: %w", op, ErrConflict)
	}
	e.batch.Status = models.StatusFailed
	e.batch.FailureReason = reason
	e.batch.UpdatedAt = m.now()
	return copyBatch(e.batch), nil
}

func (m *MemoryStorage) DeleteImage(_ context.Context, batchID, imageID uuid.UUID) (*models.ConvertedImage, *models.Batch, error) {
	const op = "storage.MemoryStorage.DeleteImage"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	img, ok := e.images[imageID]
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	delete(e.images, imageID)

	e.batch.TotalImages--
	if img.Status.Terminal() {
		e.batch.ProcessedImages--
	}
	if !e.batch.Status.Terminal() && e.batch.ProcessedImages >= e.batch.TotalImages {
		e.batch.Status = models.StatusCompleted
	}
	e.batch.UpdatedAt = m.now()
	return img, copyBatch(e.batch), nil
}

func (m *MemoryStorage) SetExportPath(_ context.Context, id uuid.UUID, path string) error {
	const op = "storage.MemoryStorage.SetExportPath"

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.get(id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	e.batch.ExportPath = path
	e.batch.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStorage) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*models.Batch
	for _, e := range m.batches {
		if !e.batch.ExpiresAt.After(now) {
			expired = append(expired, copyBatch(e.batch))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (m *MemoryStorage) DeleteBatch(_ context.Context, id uuid.UUID) error {
	const op = "storage.MemoryStorage.DeleteBatch"

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.get(id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	delete(m.batches, id)
	return nil
}

func (m *MemoryStorage) CountConvertedSince(_ context.Context, ownerID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.batches {
		if e.batch.OwnerID == nil || *e.batch.OwnerID != ownerID {
			continue
		}
		for _, img := range e.images {
			if img.Status == models.StatusCompleted && !img.CreatedAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}
