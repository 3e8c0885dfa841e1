package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/fedengine/domain"
	"github.com/google/uuid"
)

// Received activity queries
const (
	sqlInsertReceivedActivity = `INSERT INTO received_activities(ap_id, received_at) VALUES (?, ?) ON CONFLICT(ap_id) DO NOTHING`
	sqlDeleteReceivedActivity = `DELETE FROM received_activities WHERE ap_id = ?`
	sqlPruneReceivedActivity  = `DELETE FROM received_activities WHERE received_at < ?`
	sqlCountReceivedActivity  = `SELECT COUNT(*) FROM received_activities`
)

// InsertReceivedActivity records apId atomically. A second insert of the same id returns domain.ErrAlreadyExists.
func (db *DB) InsertReceivedActivity(apId string, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertReceivedActivity, apId, at.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrAlreadyExists
		}
		return nil
	})
}

func (db *DB) DeleteReceivedActivity(apId string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteReceivedActivity, apId)
		return err
	})
}

// PruneReceivedActivities drops records received before the cutoff and returns how many went.
func (db *DB) PruneReceivedActivities(before time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPruneReceivedActivity, before.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (db *DB) CountReceivedActivities() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountReceivedActivity).Scan(&n)
	return n, err
}

// Delivery Queue queries
const (
	deliveryColumns             = `id, inbox_uri, activity_id, activity_json, sender_uri, attempts, next_retry_at, status, last_error, created_at`
	sqlInsertDeliveryQueue      = `INSERT INTO delivery_queue(` + deliveryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries  = `SELECT ` + deliveryColumns + ` FROM delivery_queue WHERE status = 'pending' AND next_retry_at <= ? ORDER BY next_retry_at ASC, created_at ASC LIMIT ?`
	sqlSelectDeliveriesByStatus = `SELECT ` + deliveryColumns + ` FROM delivery_queue WHERE status = ? ORDER BY created_at ASC`
	sqlUpdateDeliveryAttempt    = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ?, last_error = ? WHERE id = ?`
	sqlMarkDeliveryFailed       = `UPDATE delivery_queue SET attempts = ?, status = 'failed', last_error = ? WHERE id = ?`
	sqlDeleteDelivery           = `DELETE FROM delivery_queue WHERE id = ?`
	sqlPruneFailedDeliveries    = `DELETE FROM delivery_queue WHERE status = 'failed' AND created_at < ?`
	sqlSelectDeliveryStats      = `SELECT inbox_uri,
		SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
		MIN(CASE WHEN status = 'pending' THEN next_retry_at END)
		FROM delivery_queue GROUP BY inbox_uri ORDER BY inbox_uri`
)

func scanDelivery(row rowScanner) (*domain.DeliveryQueueItem, error) {
	var item domain.DeliveryQueueItem
	var idStr, status string
	err := row.Scan(&idStr, &item.InboxURI, &item.ActivityId, &item.ActivityJSON, &item.SenderURI, &item.Attempts,
		&item.NextRetryAt, &status, &item.LastError, &item.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if item.Id, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("delivery id %q: %w", idStr, err)
	}
	item.Status = domain.DeliveryStatus(status)
	return &item, nil
}

func scanDeliveries(rows *sql.Rows) ([]domain.DeliveryQueueItem, error) {
	defer rows.Close()
	var items []domain.DeliveryQueueItem
	for rows.Next() {
		item, err := scanDelivery(rows)
		if err != nil {
			return items, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.Status == "" {
		item.Status = domain.DeliveryPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = item.CreatedAt
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.InboxURI,
			item.ActivityId,
			item.ActivityJSON,
			item.SenderURI,
			item.Attempts,
			item.NextRetryAt.UTC(),
			string(item.Status),
			item.LastError,
			item.CreatedAt.UTC(),
		)
		return err
	})
}

// ReadPendingDeliveries returns pending rows due at or before now, oldest due first.
func (db *DB) ReadPendingDeliveries(now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

func (db *DB) ReadDeliveriesByStatus(status domain.DeliveryStatus) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.Query(sqlSelectDeliveriesByStatus, string(status))
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry.UTC(), lastError, id.String())
		return err
	})
}

func (db *DB) MarkDeliveryFailed(id uuid.UUID, attempts int, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryFailed, attempts, lastError, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

// PruneFailedDeliveries removes permanently failed rows created before the cutoff.
func (db *DB) PruneFailedDeliveries(before time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPruneFailedDeliveries, before.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ReadDeliveryStats groups the queue by inbox.
func (db *DB) ReadDeliveryStats() ([]domain.DeliveryStats, error) {
	rows, err := db.db.Query(sqlSelectDeliveryStats)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.DeliveryStats
	for rows.Next() {
		var s domain.DeliveryStats
		var next sql.NullString
		if err := rows.Scan(&s.InboxURI, &s.Pending, &s.Failed, &next); err != nil {
			return stats, err
		}
		if next.Valid {
			if t, err := parseSqliteTime(next.String); err == nil {
				s.NextAt = &t
			}
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Aggregates lose the column type, so MIN(next_retry_at) comes back as text.
func parseSqliteTime(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
