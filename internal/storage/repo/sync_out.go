package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SyncOutRow is a changelog row queued for one site on the legacy protocol.
type SyncOutRow struct {
	ID        string    `db:"id"`
	SiteID    int64     `db:"site_id"`
	Cursor    int64     `db:"cursor"`
	TableName string    `db:"table_name"`
	RecordID  string    `db:"record_id"`
	RowAction RowAction `db:"row_action"`
}

// Entry rebuilds the changelog entry the row was queued from.
func (r SyncOutRow) Entry() ChangelogEntry {
	return ChangelogEntry{
		Cursor:    r.Cursor,
		TableName: r.TableName,
		RecordID:  r.RecordID,
		RowAction: r.RowAction,
	}
}

// SyncOutRepo manages per-site outbound queues.
type SyncOutRepo struct {
	q sqlx.ExtContext
}

// NewSyncOutRepo binds the repository to a db or tx.
func NewSyncOutRepo(q sqlx.ExtContext) *SyncOutRepo {
	return &SyncOutRepo{q: q}
}

// Enqueue copies changelog entries into the site's queue.
func (r *SyncOutRepo) Enqueue(ctx context.Context, siteID int64, entries []ChangelogEntry) error {
	for _, e := range entries {
		row := SyncOutRow{
			ID:        uuid.NewString(),
			SiteID:    siteID,
			Cursor:    e.Cursor,
			TableName: e.TableName,
			RecordID:  e.RecordID,
			RowAction: e.RowAction,
		}
		_, err := sqlx.NamedExecContext(ctx, r.q, `
			INSERT INTO sync_out (id, site_id, cursor, table_name, record_id, row_action)
			VALUES (:id, :site_id, :cursor, :table_name, :record_id, :row_action)`, row)
		if err != nil {
			return fmt.Errorf("failed to queue %s %s for site %d: %w",
				e.TableName, e.RecordID, siteID, err)
		}
	}
	return nil
}

// Next returns up to limit queued rows for the site in cursor order.
func (r *SyncOutRepo) Next(ctx context.Context, siteID int64, limit uint32) ([]SyncOutRow, error) {
	var rows []SyncOutRow
	err := sqlx.SelectContext(ctx, r.q, &rows, `
		SELECT id, site_id, cursor, table_name, record_id, row_action
		FROM sync_out WHERE site_id = ? ORDER BY cursor ASC LIMIT ?`, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue for site %d: %w", siteID, err)
	}
	return rows, nil
}

// Count returns the queue length for the site.
func (r *SyncOutRepo) Count(ctx context.Context, siteID int64) (uint64, error) {
	var n int64
	err := sqlx.GetContext(ctx, r.q, &n, "SELECT COUNT(*) FROM sync_out WHERE site_id = ?", siteID)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue for site %d: %w", siteID, err)
	}
	return uint64(n), nil
}

// Acknowledge removes delivered rows. Ids queued for other sites are ignored.
func (r *SyncOutRepo) Acknowledge(ctx context.Context, siteID int64, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := []any{siteID}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := r.q.ExecContext(ctx,
		"DELETE FROM sync_out WHERE site_id = ? AND id IN ("+marks+")", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge queue rows for site %d: %w", siteID, err)
	}
	return res.RowsAffected()
}
