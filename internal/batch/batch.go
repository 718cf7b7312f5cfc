// Package batch owns the lifecycle of a conversion batch and its images.
//
// A batch moves pending -> processing -> completed|failed. It completes
// once every image has reached a terminal state, regardless of how many of
// them failed; only a caller-level fatal error fails the whole batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"imgconvert/internal/models"
	"imgconvert/internal/storage"
)

var (
	ErrInvalidTransition = errors.New("invalid batch transition")
	ErrAlreadyTerminal   = errors.New("image already in a terminal state")
	ErrEmptyBatch        = errors.New("batch has no images")
)

// Repository persists batches. Every method that changes a counter must
// apply it atomically with respect to concurrent callers.
type Repository interface {
	CreateBatch(ctx context.Context, b *models.Batch, images []*models.ConvertedImage) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	GetImage(ctx context.Context, batchID, imageID uuid.UUID) (*models.ConvertedImage, error)
	ListImages(ctx context.Context, batchID uuid.UUID) ([]*models.ConvertedImage, error)
	BeginProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkImageProcessing(ctx context.Context, batchID, imageID uuid.UUID) error
	RecordImageOutcome(ctx context.Context, batchID, imageID uuid.UUID, outcome models.Outcome) (*models.Batch, error)
	CancelBatch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Batch, error)
	FailBatch(ctx context.Context, id uuid.UUID, reason string) (*models.Batch, error)
	DeleteImage(ctx context.Context, batchID, imageID uuid.UUID) (*models.ConvertedImage, *models.Batch, error)
	SetExportPath(ctx context.Context, id uuid.UUID, path string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Batch, error)
	DeleteBatch(ctx context.Context, id uuid.UUID) error
	CountConvertedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

type Manager struct {
	repo Repository
	log  *slog.Logger
	now  func() time.Time
}

func NewManager(repo Repository, log *slog.Logger) *Manager {
	return &Manager{repo: repo, log: log, now: time.Now}
}

// WithClock replaces the manager's time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

type CreateRequest struct {
	// ID is optional; originals are usually stored under it before the
	// batch exists.
	ID        uuid.UUID
	OwnerID   *string
	SessionID string
	Settings  models.Settings
	Keywords  []string
	Files     []models.UploadedFile
	TTL       time.Duration
}

// Create allocates a pending batch with one pending image per file.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Batch, []*models.ConvertedImage, error) {
	const op = "batch.Create"

	if len(req.Files) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrEmptyBatch)
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	now := m.now()
	b := &models.Batch{
		ID:          id,
		OwnerID:     req.OwnerID,
		SessionID:   req.SessionID,
		Status:      models.StatusPending,
		Settings:    req.Settings,
		Keywords:    req.Keywords,
		TotalImages: len(req.Files),
		ExpiresAt:   now.Add(req.TTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	images := make([]*models.ConvertedImage, len(req.Files))
	for i, f := range req.Files {
		id := f.ImageID
		if id == uuid.Nil {
			id = uuid.New()
		}
		images[i] = &models.ConvertedImage{
			ID:        id,
			BatchID:   b.ID,
			Ordinal:   i,
			Original:  f.Original,
			Status:    models.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := m.repo.CreateBatch(ctx, b, images); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	m.log.Info("batch created",
		slog.String("batch_id", b.ID.String()),
		slog.Int("images", b.TotalImages),
		slog.Time("expires_at", b.ExpiresAt))
	return b, images, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	const op = "batch.Get"

	b, err := m.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

func (m *Manager) Images(ctx context.Context, id uuid.UUID) ([]*models.ConvertedImage, error) {
	const op = "batch.Images"

	images, err := m.repo.ListImages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return images, nil
}

func (m *Manager) Image(ctx context.Context, batchID, imageID uuid.UUID) (*models.ConvertedImage, error) {
	const op = "batch.Image"

	img, err := m.repo.GetImage(ctx, batchID, imageID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// BeginProcessing moves a pending batch to processing. Calling it on a
// batch that is already processing is a no-op.
func (m *Manager) BeginProcessing(ctx context.Context, id uuid.UUID) error {
	const op = "batch.BeginProcessing"

	started, err := m.repo.BeginProcessing(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if started {
		m.log.Info("batch processing", slog.String("batch_id", id.String()))
		return nil
	}

	b, err := m.repo.GetBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if b.Status == models.StatusProcessing {
		return nil
	}
	return fmt.Errorf("%s: batch %s is %s: %w", op, id, b.Status, ErrInvalidTransition)
}

func (m *Manager) StartImage(ctx context.Context, batchID, imageID uuid.UUID) error {
	const op = "batch.StartImage"

	err := m.repo.MarkImageProcessing(ctx, batchID, imageID)
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%s: %w", op, ErrAlreadyTerminal)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RecordOutcome applies an image's terminal outcome and counts it on the
// batch. The returned flag is true for the one call that completed the
// batch.
func (m *Manager) RecordOutcome(ctx context.Context, batchID, imageID uuid.UUID, outcome models.Outcome) (*models.Batch, bool, error) {
	const op = "batch.RecordOutcome"

	if outcome.Success {
		for _, out := range outcome.Outputs {
			if !out.Complete() {
				return nil, false, fmt.Errorf("%s: incomplete output descriptor for image %s", op, imageID)
			}
		}
		if len(outcome.Outputs) == 0 {
			return nil, false, fmt.Errorf("%s: successful outcome without outputs for image %s", op, imageID)
		}
	} else if outcome.Error == "" {
		outcome = models.Failed("")
	}

	b, err := m.repo.RecordImageOutcome(ctx, batchID, imageID, outcome)
	if errors.Is(err, storage.ErrConflict) {
		return nil, false, fmt.Errorf("%s: %w", op, ErrAlreadyTerminal)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	completed := b.Status == models.StatusCompleted && b.ProcessedImages == b.TotalImages
	if completed {
		m.log.Info("batch completed",
			slog.String("batch_id", batchID.String()),
			slog.Int("images", b.TotalImages))
	}
	return b, completed, nil
}

// Cancel marks the batch cancelled. Units that have not started yet are
// skipped; running ones finish normally.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	const op = "batch.Cancel"

	b, err := m.repo.CancelBatch(ctx, id, m.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.log.Info("batch cancelled", slog.String("batch_id", id.String()))
	return b, nil
}

// Fail moves a non-terminal batch to failed.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	const op = "batch.Fail"

	_, err := m.repo.FailBatch(ctx, id, reason)
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%s: %w", op, ErrInvalidTransition)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.log.Error("batch failed", slog.String("batch_id", id.String()), slog.String("reason", reason))
	return nil
}

func (m *Manager) DeleteImage(ctx context.Context, batchID, imageID uuid.UUID) (*models.ConvertedImage, *models.Batch, error) {
	const op = "batch.DeleteImage"

	img, b, err := m.repo.DeleteImage(ctx, batchID, imageID)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, b, nil
}

func (m *Manager) SetExportPath(ctx context.Context, id uuid.UUID, path string) error {
	const op = "batch.SetExportPath"

	if err := m.repo.SetExportPath(ctx, id, path); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Manager) Progress(ctx context.Context, id uuid.UUID) (*models.Progress, error) {
	const op = "batch.Progress"

	b, err := m.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	images, err := m.repo.ListImages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	p := &models.Progress{
		BatchID:    b.ID,
		Status:     b.Status,
		Total:      b.TotalImages,
		Processed:  b.ProcessedImages,
		Percentage: b.ProgressPercentage(),
		Cancelled:  b.Cancelled(),
		ExpiresAt:  b.ExpiresAt,
		ExportPath: b.ExportPath,
	}
	for _, img := range images {
		switch img.Status {
		case models.StatusCompleted:
			p.Completed++
		case models.StatusFailed:
			p.Failed++
		}
	}
	return p, nil
}

// ConvertedSince is the number of images the owner converted since the
// given time. It is for display and never gates quota.
func (m *Manager) ConvertedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	const op = "batch.ConvertedSince"

	n, err := m.repo.CountConvertedSince(ctx, ownerID, since)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (m *Manager) Expired(ctx context.Context, limit int) ([]*models.Batch, error) {
	const op = "batch.Expired"

	batches, err := m.repo.ListExpired(ctx, m.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return batches, nil
}

func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "batch.Delete"

	if err := m.repo.DeleteBatch(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
