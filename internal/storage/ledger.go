package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"imgconvert/internal/period"
	"imgconvert/internal/quota"
)

// usageColumns maps a quota kind to its counter column. Column names are
// never taken from input.
var usageColumns = map[quota.Kind]string{
	quota.KindImages:    "images_count",
	quota.KindBgRemoval: "bg_removal_count",
}

func usageColumn(kind quota.Kind) (string, error) {
	col, ok := usageColumns[kind]
	if !ok {
		return "", fmt.Errorf("unknown quota kind %q", kind)
	}
	return col, nil
}

// Ledger keeps usage counters in usage_records, one row per identity and
// window. It satisfies quota.Ledger.
type Ledger struct {
	s *Storage
}

func (s *Storage) Ledger() *Ledger {
	return &Ledger{s: s}
}

func (l *Ledger) ensureRecord(ctx context.Context, id quota.Identity, w period.Period) error {
	_, err := l.s.pool.Exec(ctx,
		`INSERT INTO usage_records (identity_kind, identity_key, window_start, fingerprint)
		VALUES ($1, $2, $3::date, $4)
		ON CONFLICT (identity_kind, identity_key, window_start) DO NOTHING`,
		string(id.Kind), id.Key, w.Key(), id.Fingerprint)
	return err
}

// Reserve applies the increment in one conditional UPDATE, so concurrent
// reservations for the same record cannot both pass the limit check.
func (l *Ledger) Reserve(ctx context.Context, id quota.Identity, w period.Period, kind quota.Kind, amount, limit int) (int, bool, error) {
	const op = "storage.Ledger.Reserve"

	col, err := usageColumn(kind)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	if err := l.ensureRecord(ctx, id, w); err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}

	query := fmt.Sprintf(
		`UPDATE usage_records SET %[1]s = %[1]s + $4, updated_at = NOW()
		WHERE identity_kind = $1 AND identity_key = $2 AND window_start = $3::date
			AND ($5 < 0 OR %[1]s + $4 <= $5)
		RETURNING %[1]s`, col)

	var used int
	err = l.s.pool.QueryRow(ctx, query, string(id.Kind), id.Key, w.Key(), amount, limit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		used, err := l.Used(ctx, id, w, kind)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", op, err)
		}
		return used, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	return used, true, nil
}

func (l *Ledger) Increment(ctx context.Context, id quota.Identity, w period.Period, kind quota.Kind, amount int) (int, error) {
	const op = "storage.Ledger.Increment"

	used, _, err := l.Reserve(ctx, id, w, kind, amount, -1)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return used, nil
}

func (l *Ledger) Used(ctx context.Context, id quota.Identity, w period.Period, kind quota.Kind) (int, error) {
	const op = "storage.Ledger.Used"

	col, err := usageColumn(kind)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var used int
	err = l.s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM usage_records
		WHERE identity_kind = $1 AND identity_key = $2 AND window_start = $3::date`, col),
		string(id.Kind), id.Key, w.Key()).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return used, nil
}

func (l *Ledger) PurgeBefore(ctx context.Context, kind quota.IdentityKind, before time.Time) (int64, error) {
	const op = "storage.Ledger.PurgeBefore"

	tag, err := l.s.pool.Exec(ctx,
		`DELETE FROM usage_records WHERE identity_kind = $1 AND window_start < $2::date`,
		string(kind), before.Format(time.DateOnly))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}
