package storage

import (
	"context"
	"time"

	"bikenotify/internal/maintenance"
)

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// Maintenance reads maintenance records joined with bike and owner.
type Maintenance struct{ db *DB }

func (d *DB) Maintenance() *Maintenance { return &Maintenance{db: d} }

type candidateRow struct {
	ID                     string `db:"id"`
	BikeID                 string `db:"bike_id"`
	ScheduledDate          int64  `db:"scheduled_date"`
	ServiceDescription     string `db:"service_description"`
	NotificationDaysBefore int    `db:"notification_days_before"`
	IsCompleted            bool   `db:"is_completed"`
	BikeName               string `db:"bike_name"`
	OwnerID                string `db:"owner_id"`
	OwnerName              string `db:"owner_name"`
	OwnerEmail             string `db:"owner_email"`
}

// ListPending returns incomplete records whose reminder could be due by
// asOf. The day arithmetic here is approximate (one spare day); the
// scanner applies the exact calendar rule.
func (s *Maintenance) ListPending(ctx context.Context, asOf time.Time) ([]maintenance.Candidate, error) {
	var rows []candidateRow
	err := s.db.x.SelectContext(ctx, &rows, s.db.q(`SELECT m.id, m.bike_id, m.scheduled_date, m.service_description,
		m.notification_days_before, m.is_completed,
		b.name AS bike_name, u.id AS owner_id, u.name AS owner_name, u.email AS owner_email
		FROM maintenance_records m
		JOIN bikes b ON b.id = m.bike_id
		JOIN users u ON u.id = b.owner_id
		WHERE m.is_completed = ?
		  AND m.scheduled_date <= CAST(? AS BIGINT) + (CASE WHEN m.notification_days_before > 0 THEN m.notification_days_before ELSE 0 END + 1) * CAST(? AS BIGINT)
		ORDER BY m.scheduled_date, m.id`), false, asOf.UnixMilli(), dayMillis)
	if err != nil {
		return nil, err
	}
	out := make([]maintenance.Candidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, maintenance.Candidate{
			Record: maintenance.Record{
				ID:                     r.ID,
				BikeID:                 r.BikeID,
				ScheduledDate:          fromMillis(r.ScheduledDate),
				ServiceDescription:     r.ServiceDescription,
				NotificationDaysBefore: r.NotificationDaysBefore,
				IsCompleted:            r.IsCompleted,
			},
			OwnerID:    r.OwnerID,
			OwnerName:  r.OwnerName,
			OwnerEmail: r.OwnerEmail,
			BikeName:   r.BikeName,
		})
	}
	return out, nil
}

// PutBike inserts or replaces a bike.
func (s *Maintenance) PutBike(ctx context.Context, id, ownerID, name string) error {
	_, err := s.db.x.ExecContext(ctx, s.db.q(`INSERT INTO bikes (id, owner_id, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name`), id, ownerID, name)
	return err
}

// PutRecord inserts or replaces a maintenance record.
func (s *Maintenance) PutRecord(ctx context.Context, r maintenance.Record) error {
	_, err := s.db.x.ExecContext(ctx, s.db.q(`INSERT INTO maintenance_records
		(id, bike_id, scheduled_date, service_description, notification_days_before, is_completed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET bike_id = excluded.bike_id, scheduled_date = excluded.scheduled_date,
		service_description = excluded.service_description,
		notification_days_before = excluded.notification_days_before, is_completed = excluded.is_completed`),
		r.ID, r.BikeID, r.ScheduledDate.UnixMilli(), r.ServiceDescription, r.NotificationDaysBefore, r.IsCompleted)
	return err
}
