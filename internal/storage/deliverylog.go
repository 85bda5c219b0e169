package storage

import (
	"context"
	"database/sql"
	"errors"

	"bikenotify/internal/deliverylog"
)

// DeliveryLog is the SQL deliverylog.Store. Claims rely on the table's
// primary key and on version-matched updates.
type DeliveryLog struct{ db *DB }

func (d *DB) DeliveryLog() *DeliveryLog { return &DeliveryLog{db: d} }

type deliveryRow struct {
	Kind         string `db:"kind"`
	RecipientID  string `db:"recipient_id"`
	EntityID     string `db:"entity_id"`
	Status       string `db:"status"`
	AttemptCount int    `db:"attempt_count"`
	Terminal     bool   `db:"terminal"`
	LastError    string `db:"last_error"`
	SentAt       int64  `db:"sent_at"`
	UpdatedAt    int64  `db:"updated_at"`
	LeaseUntil   int64  `db:"lease_until"`
	Version      int64  `db:"version"`
}

func (r deliveryRow) entry() deliverylog.Entry {
	return deliverylog.Entry{
		Key:          deliverylog.Key{RecipientID: r.RecipientID, EntityID: r.EntityID, Kind: deliverylog.Kind(r.Kind)},
		Status:       deliverylog.Status(r.Status),
		AttemptCount: r.AttemptCount,
		Terminal:     r.Terminal,
		LastError:    r.LastError,
		SentAt:       fromMillis(r.SentAt),
		UpdatedAt:    fromMillis(r.UpdatedAt),
		LeaseUntil:   fromMillis(r.LeaseUntil),
		Version:      r.Version,
	}
}

func (s *DeliveryLog) Find(ctx context.Context, key deliverylog.Key) (deliverylog.Entry, bool, error) {
	var row deliveryRow
	err := s.db.x.GetContext(ctx, &row, s.db.q(`SELECT kind, recipient_id, entity_id, status, attempt_count, terminal,
		last_error, sent_at, updated_at, lease_until, version
		FROM delivery_log WHERE kind = ? AND recipient_id = ? AND entity_id = ?`),
		string(key.Kind), key.RecipientID, key.EntityID)
	if errors.Is(err, sql.ErrNoRows) {
		return deliverylog.Entry{}, false, nil
	}
	if err != nil {
		return deliverylog.Entry{}, false, err
	}
	return row.entry(), true, nil
}

func (s *DeliveryLog) InsertIfAbsent(ctx context.Context, e deliverylog.Entry) (bool, error) {
	if err := deliverylog.Validate(e.Key); err != nil {
		return false, err
	}
	res, err := s.db.x.ExecContext(ctx, s.db.q(`INSERT INTO delivery_log
		(kind, recipient_id, entity_id, status, attempt_count, terminal, last_error, sent_at, updated_at, lease_until, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (kind, recipient_id, entity_id) DO NOTHING`),
		string(e.Kind), e.RecipientID, e.EntityID, string(e.Status), e.AttemptCount, e.Terminal,
		e.LastError, millis(e.SentAt), millis(e.UpdatedAt), millis(e.LeaseUntil))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *DeliveryLog) CompareAndSwap(ctx context.Context, version int64, next deliverylog.Entry) (bool, error) {
	if err := deliverylog.Validate(next.Key); err != nil {
		return false, err
	}
	res, err := s.db.x.ExecContext(ctx, s.db.q(`UPDATE delivery_log SET
		status = ?, attempt_count = ?, terminal = ?, last_error = ?, sent_at = ?, updated_at = ?, lease_until = ?,
		version = version + 1
		WHERE kind = ? AND recipient_id = ? AND entity_id = ? AND version = ?`),
		string(next.Status), next.AttemptCount, next.Terminal, next.LastError,
		millis(next.SentAt), millis(next.UpdatedAt), millis(next.LeaseUntil),
		string(next.Kind), next.RecipientID, next.EntityID, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *DeliveryLog) Record(ctx context.Context, e deliverylog.Entry) error {
	if err := deliverylog.Validate(e.Key); err != nil {
		return err
	}
	_, err := s.db.x.ExecContext(ctx, s.db.q(`INSERT INTO delivery_log
		(kind, recipient_id, entity_id, status, attempt_count, terminal, last_error, sent_at, updated_at, lease_until, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (kind, recipient_id, entity_id) DO UPDATE SET
		status = excluded.status, attempt_count = excluded.attempt_count, terminal = excluded.terminal,
		last_error = excluded.last_error, sent_at = excluded.sent_at, updated_at = excluded.updated_at,
		lease_until = excluded.lease_until, version = delivery_log.version + 1`),
		string(e.Kind), e.RecipientID, e.EntityID, string(e.Status), e.AttemptCount, e.Terminal,
		e.LastError, millis(e.SentAt), millis(e.UpdatedAt), millis(e.LeaseUntil))
	return err
}
