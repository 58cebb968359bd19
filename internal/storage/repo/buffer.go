package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SyncBufferRow is an inbound record waiting for integration. ID reflects
// arrival order.
type SyncBufferRow struct {
	ID                  int64      `db:"id"`
	RecordID            string     `db:"record_id"`
	TableName           string     `db:"table_name"`
	Action              RowAction  `db:"action"`
	Data                string     `db:"data"`
	SourceSiteID        *int64     `db:"source_site_id"`
	ReceivedDatetime    Timestamp  `db:"received_datetime"`
	IntegrationDatetime *Timestamp `db:"integration_datetime"`
	IntegrationError    *string    `db:"integration_error"`
}

const bufferColumns = `id, record_id, table_name, action, data, source_site_id,
	received_datetime, integration_datetime, integration_error`

// BufferRepo stages inbound records.
type BufferRepo struct {
	q sqlx.ExtContext
}

// NewBufferRepo binds the repository to a db or tx.
func NewBufferRepo(q sqlx.ExtContext) *BufferRepo {
	return &BufferRepo{q: q}
}

// Insert appends rows in order. Zero ReceivedDatetime values are set to now.
func (r *BufferRepo) Insert(ctx context.Context, rows ...SyncBufferRow) error {
	now := NewTimestamp(time.Now())
	for _, row := range rows {
		if row.ReceivedDatetime.IsZero() {
			row.ReceivedDatetime = now
		}
		if row.Data == "" {
			row.Data = "{}"
		}
		_, err := sqlx.NamedExecContext(ctx, r.q, `
			INSERT INTO sync_buffer (record_id, table_name, action, data, source_site_id,
				received_datetime)
			VALUES (:record_id, :table_name, :action, :data, :source_site_id,
				:received_datetime)`, row)
		if err != nil {
			return fmt.Errorf("failed to insert buffer row %s %s: %w",
				row.TableName, row.RecordID, err)
		}
	}
	return nil
}

// Pending returns rows not yet integrated for the given source site (nil
// selects rows received by this node's own driver), in arrival order.
func (r *BufferRepo) Pending(ctx context.Context, sourceSiteID *int64) ([]SyncBufferRow, error) {
	query := "SELECT " + bufferColumns + " FROM sync_buffer WHERE integration_datetime IS NULL"
	var args []any
	if sourceSiteID == nil {
		query += " AND source_site_id IS NULL"
	} else {
		query += " AND source_site_id = ?"
		args = append(args, *sourceSiteID)
	}
	query += " ORDER BY id ASC"

	var rows []SyncBufferRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query sync buffer: %w", err)
	}
	return rows, nil
}

// CountPending returns the number of rows not yet integrated.
func (r *BufferRepo) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := sqlx.GetContext(ctx, r.q, &count,
		"SELECT COUNT(*) FROM sync_buffer WHERE integration_datetime IS NULL")
	if err != nil {
		return 0, fmt.Errorf("failed to count sync buffer: %w", err)
	}
	return count, nil
}

// MarkIntegrated stamps rows as integrated and clears earlier errors.
func (r *BufferRepo) MarkIntegrated(ctx context.Context, at time.Time, ids ...int64) error {
	ts := NewTimestamp(at)
	for _, id := range ids {
		_, err := r.q.ExecContext(ctx, `
			UPDATE sync_buffer SET integration_datetime = ?, integration_error = NULL
			WHERE id = ?`, ts, id)
		if err != nil {
			return fmt.Errorf("failed to mark buffer row %d integrated: %w", id, err)
		}
	}
	return nil
}

// SetError records why a row could not be integrated. The row stays pending.
func (r *BufferRepo) SetError(ctx context.Context, id int64, message string) error {
	_, err := r.q.ExecContext(ctx,
		"UPDATE sync_buffer SET integration_error = ? WHERE id = ?", message, id)
	if err != nil {
		return fmt.Errorf("failed to set buffer row %d error: %w", id, err)
	}
	return nil
}
