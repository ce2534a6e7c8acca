package pgparcel

import (
	"context"
	"time"

	"github.com/BearBump/ParcelBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ParcelUpdate — результат успешной сверки: новые поля посылки плюс события.
// Применяется атомарно: либо всё, либо ничего.
type ParcelUpdate struct {
	ParcelID uint64

	Status           models.ParcelStatus
	StatusText       string
	ExpectedDelivery *time.Time
	CheckedAt        time.Time

	Events []*models.TrackingEvent
}

func (s *Storage) ListEvents(ctx context.Context, parcelID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, parcel_id, status, status_text, location, event_time, created_at
FROM tracking_events
WHERE parcel_id = $1
ORDER BY event_time DESC
LIMIT $2 OFFSET $3
`, parcelID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		var status string
		if err := rows.Scan(
			&e.ID, &e.ParcelID, &status, &e.StatusText, &e.Location, &e.EventTime, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		e.Status = models.ParcelStatus(status)
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ApplyParcelUpdate(ctx context.Context, upd ParcelUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// delivered деактивирует посылку; переход односторонний — обратно в
	// true статус автоматически не возвращает.
	_, err = tx.Exec(ctx, `
UPDATE parcels
SET
  status = $2,
  last_status_text = $3,
  expected_delivery = $4,
  last_checked = $5,
  is_active = CASE WHEN $2 = 'delivered' THEN FALSE ELSE is_active END,
  updated_at = now()
WHERE id = $1
`, upd.ParcelID, string(upd.Status), upd.StatusText, upd.ExpectedDelivery, upd.CheckedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update parcel")
	}

	for _, e := range upd.Events {
		_, err := tx.Exec(ctx, `
INSERT INTO tracking_events (
  parcel_id, status, status_text, location, event_time, created_at
)
VALUES ($1,$2,$3,$4,$5, now())
ON CONFLICT (parcel_id, event_time, status_text) DO NOTHING
`, upd.ParcelID, string(e.Status), e.StatusText, e.Location, e.EventTime.UTC())
		if err != nil {
			return errors.Wrap(err, "insert tracking event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}
