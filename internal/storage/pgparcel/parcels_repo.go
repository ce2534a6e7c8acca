package pgparcel

import (
	"context"
	"time"

	"github.com/BearBump/ParcelBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ErrDuplicateParcel — пара (carrier_id, tracking_number) уже отслеживается.
var ErrDuplicateParcel = errors.New("parcel already tracked")

const parcelColumns = `
  id, tracking_number, carrier_id,
  description, sender,
  status, last_status_text, expected_delivery,
  is_active, last_checked,
  created_at, updated_at`

func (s *Storage) EnsureCarriers(ctx context.Context, cs []models.Carrier) error {
	for _, c := range cs {
		_, err := s.db.Exec(ctx, `
INSERT INTO carriers (id, name, website, enabled)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, website = EXCLUDED.website, enabled = EXCLUDED.enabled
`, c.ID, c.Name, c.Website, c.Enabled)
		if err != nil {
			return errors.Wrap(err, "upsert carrier")
		}
	}
	return nil
}

func (s *Storage) CarrierExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM carriers WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "carrier exists")
	}
	return exists, nil
}

// CreateParcel вставляет посылку; дубль по (carrier_id, tracking_number)
// возвращает ErrDuplicateParcel, частичных записей не оставляет.
func (s *Storage) CreateParcel(ctx context.Context, in models.ParcelCreateInput) (*models.Parcel, error) {
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO parcels (
  tracking_number, carrier_id, description, sender, status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$6)
ON CONFLICT (carrier_id, tracking_number) DO NOTHING
RETURNING id
`, in.TrackingNumber, in.CarrierID, in.Description, in.Sender, models.StatusUnknown, now).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, ErrDuplicateParcel
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert parcel")
	}

	return s.GetParcelByID(ctx, id)
}

func (s *Storage) GetParcelByID(ctx context.Context, id uint64) (*models.Parcel, error) {
	row := s.db.QueryRow(ctx, `SELECT `+parcelColumns+` FROM parcels WHERE id = $1`, id)
	p, err := scanParcel(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select parcel")
	}
	return p, nil
}

func (s *Storage) ListParcels(ctx context.Context, activeOnly bool) ([]*models.Parcel, error) {
	q := `SELECT ` + parcelColumns + ` FROM parcels ORDER BY updated_at DESC`
	if activeOnly {
		q = `SELECT ` + parcelColumns + ` FROM parcels WHERE is_active ORDER BY updated_at DESC`
	}

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "select parcels")
	}
	defer rows.Close()

	var out []*models.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan parcel")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// DeleteParcel удаляет посылку вместе с событиями одной транзакцией.
// false — посылки не было.
func (s *Storage) DeleteParcel(ctx context.Context, id uint64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Сначала события — внешние ключи.
	if _, err := tx.Exec(ctx, `DELETE FROM tracking_events WHERE parcel_id = $1`, id); err != nil {
		return false, errors.Wrap(err, "delete events")
	}
	tag, err := tx.Exec(ctx, `DELETE FROM parcels WHERE id = $1`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete parcel")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return tag.RowsAffected() > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParcel(row rowScanner) (*models.Parcel, error) {
	var p models.Parcel
	var status string
	if err := row.Scan(
		&p.ID, &p.TrackingNumber, &p.CarrierID,
		&p.Description, &p.Sender,
		&status, &p.LastStatusText, &p.ExpectedDelivery,
		&p.IsActive, &p.LastChecked,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = models.ParcelStatus(status)
	return &p, nil
}
