// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"imgconvert/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row exists but is not in a state the
	// operation can be applied to.
	ErrConflict = errors.New("state conflict")
)

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(ctx context.Context, dsn string, log *slog.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db, log); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

const batchColumns = `id, owner_id, session_id, status, settings, keywords, total_images, processed_images,
	failure_reason, cancelled_at, export_path, expires_at, created_at, updated_at`

const imageColumns = `id, batch_id, ordinal, original, outputs, seo, status, error_message, created_at, updated_at`

func scanBatch(row pgx.Row) (*models.Batch, error) {
	var b models.Batch
	err := row.Scan(&b.ID, &b.OwnerID, &b.SessionID, &b.Status, &b.Settings, &b.Keywords,
		&b.TotalImages, &b.ProcessedImages, &b.FailureReason, &b.CancelledAt, &b.ExportPath,
		&b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanImage(row pgx.Row) (*models.ConvertedImage, error) {
	var img models.ConvertedImage
	err := row.Scan(&img.ID, &img.BatchID, &img.Ordinal, &img.Original, &img.Outputs, &img.SEO,
		&img.Status, &img.ErrorMessage, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Storage) CreateBatch(ctx context.Context, b *models.Batch, images []*models.ConvertedImage) error {
	const op = "storage.CreateBatch"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	keywords := b.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO batches (id, owner_id, session_id, status, settings, keywords, total_images, processed_images, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)`,
		b.ID, b.OwnerID, b.SessionID, b.Status, b.Settings, keywords, b.TotalImages, b.ExpiresAt, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: insert batch: %w", op, err)
	}

	rows := make([][]any, 0, len(images))
	for _, img := range images {
		rows = append(rows, []any{img.ID, b.ID, img.Ordinal, img.Original, img.Status, img.CreatedAt, img.CreatedAt})
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"converted_images"},
		[]string{"id", "batch_id", "ordinal", "original", "status", "created_at", "updated_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("%s: insert images: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	const op = "storage.GetBatch"

	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err))
	}
	return b, nil
}

func (s *Storage) GetImage(ctx context.Context, batchID, imageID uuid.UUID) (*models.ConvertedImage, error) {
	const op = "storage.GetImage"

	img, err := scanImage(s.pool.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM converted_images WHERE id = $1 AND batch_id = $2`, imageID, batchID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err))
	}
	return img, nil
}

func (s *Storage) ListImages(ctx context.Context, batchID uuid.UUID) ([]*models.ConvertedImage, error) {
	const op = "storage.ListImages"

	rows, err := s.pool.Query(ctx,
		`SELECT `+imageColumns+` FROM converted_images WHERE batch_id = $1 ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var images []*models.ConvertedImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return images, nil
}

// BeginProcessing moves a pending batch to processing and reports whether
// this call made the transition.
func (s *Storage) BeginProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	const op = "storage.BeginProcessing"

	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET status = 'processing', updated_at = NOW() WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkImageProcessing moves a pending image to processing. An image that is
// already processing (a retried delivery) is accepted as well.
func (s *Storage) MarkImageProcessing(ctx context.Context, batchID, imageID uuid.UUID) error {
	const op = "storage.MarkImageProcessing"

	var status models.Status
	err := s.pool.QueryRow(ctx,
		`UPDATE converted_images SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND batch_id = $2 AND status IN ('pending', 'processing')
		RETURNING status`, imageID, batchID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, s.imageStateError(ctx, batchID, imageID))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) imageStateError(ctx context.Context, batchID, imageID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM converted_images WHERE id = $1 AND batch_id = $2)`, imageID, batchID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// RecordImageOutcome applies the terminal outcome to one image and counts
// it on the batch in a single transaction. The batch row update both
// increments processed_images and flips the status once the count reaches
// total_images, so concurrent completions serialize on the row lock and
// exactly one of them observes the final count.
func (s *Storage) RecordImageOutcome(ctx context.Context, batchID, imageID uuid.UUID, outcome models.Outcome) (*models.Batch, error) {
	const op = "storage.RecordImageOutcome"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	outputs := outcome.Outputs
	if outputs == nil {
		outputs = []models.FileDescriptor{}
	}
	tag, err := tx.Exec(ctx,
		`UPDATE converted_images SET status = $3, outputs = $4, seo = $5, error_message = $6, updated_at = NOW()
		WHERE id = $1 AND batch_id = $2 AND status IN ('pending', 'processing')`,
		imageID, batchID, outcome.Status(), outputs, outcome.SEO, outcome.Error)
	if err != nil {
		return nil, fmt.Errorf("%s: update image: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%s: %w", op, s.imageStateError(ctx, batchID, imageID))
	}

	b, err := scanBatch(tx.QueryRow(ctx,
		`UPDATE batches SET
			processed_images = processed_images + 1,
			status = CASE
				WHEN status IN ('pending', 'processing') AND processed_images + 1 >= total_images THEN 'completed'
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1 AND processed_images < total_images
		RETURNING `+batchColumns, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: batch %s already fully processed: %w", op, batchID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: update batch: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

// CancelBatch stamps the cancellation time once; later calls keep the
// first timestamp.
func (s *Storage) CancelBatch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Batch, error) {
	const op = "storage.CancelBatch"

	b, err := scanBatch(s.pool.QueryRow(ctx,
		`UPDATE batches SET cancelled_at = COALESCE(cancelled_at, $2), updated_at = NOW()
		WHERE id = $1 RETURNING `+batchColumns, id, at))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err))
	}
	return b, nil
}

func (s *Storage) FailBatch(ctx context.Context, id uuid.UUID, reason string) (*models.Batch, error) {
	const op = "storage.FailBatch"

	b, err := scanBatch(s.pool.QueryRow(ctx,
		`UPDATE batches SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing') RETURNING `+batchColumns, id, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetBatch(ctx, id); getErr != nil {
			return nil, fmt.Errorf("%s: %w", op, getErr)
		}
		return nil, fmt.Errorf("%s: %w", op, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

// DeleteImage removes one image and shrinks its batch. A terminal image
// also leaves the processed count; if every remaining image is terminal
// the batch completes.
func (s *Storage) DeleteImage(ctx context.Context, batchID, imageID uuid.UUID) (*models.ConvertedImage, *models.Batch, error) {
	const op = "storage.DeleteImage"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	img, err := scanImage(tx.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM converted_images WHERE id = $1 AND batch_id = $2 FOR UPDATE`, imageID, batchID))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, notFound(err))
	}

	if _, err := tx.Exec(ctx, `DELETE FROM converted_images WHERE id = $1`, imageID); err != nil {
		return nil, nil, fmt.Errorf("%s: delete image: %w", op, err)
	}

	counted := 0
	if img.Status.Terminal() {
		counted = 1
	}
	b, err := scanBatch(tx.QueryRow(ctx,
		`UPDATE batches SET
			total_images = total_images - 1,
			processed_images = processed_images - $2,
			status = CASE
				WHEN status IN ('pending', 'processing') AND processed_images - $2 >= total_images - 1 THEN 'completed'
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+batchColumns, batchID, counted))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: update batch: %w", op, notFound(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, b, nil
}

func (s *Storage) SetExportPath(ctx context.Context, id uuid.UUID, path string) error {
	const op = "storage.SetExportPath"

	tag, err := s.pool.Exec(ctx, `UPDATE batches SET export_path = $2, updated_at = NOW() WHERE id = $1`, id, path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func (s *Storage) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Batch, error) {
	const op = "storage.ListExpired"

	rows, err := s.pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var batches []*models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return batches, nil
}

// DeleteBatch removes the batch row; its images go with it.
func (s *Storage) DeleteBatch(ctx context.Context, id uuid.UUID) error {
	const op = "storage.DeleteBatch"

	tag, err := s.pool.Exec(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// CountConvertedSince counts the owner's successfully converted images
// created at or after since. It is a display statistic only.
func (s *Storage) CountConvertedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	const op = "storage.CountConvertedSince"

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM converted_images ci
		JOIN batches b ON b.id = ci.batch_id
		WHERE b.owner_id = $1 AND ci.status = 'completed' AND ci.created_at >= $2`, ownerID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// SubscriptionID returns the billing subscription linked to userID.
func (s *Storage) SubscriptionID(ctx context.Context, userID string) (string, bool, error) {
	const op = "storage.SubscriptionID"

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT stripe_subscription_id FROM subscriptions WHERE user_id = $1`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", op, err)
	}
	return id, true, nil
}

func (s *Storage) SaveSubscription(ctx context.Context, userID, customerID, subscriptionID string) error {
	const op = "storage.SaveSubscription"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			updated_at = NOW()`, userID, customerID, subscriptionID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
