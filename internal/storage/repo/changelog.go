package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// RowAction is the kind of mutation recorded in the changelog and buffer.
type RowAction string

const (
	ActionUpsert RowAction = "UPSERT"
	ActionDelete RowAction = "DELETE"
)

// ChangelogEntry is one committed mutation. Cursor is assigned by the
// database and is never reused.
type ChangelogEntry struct {
	Cursor       int64     `db:"cursor"`
	TableName    string    `db:"table_name"`
	RecordID     string    `db:"record_id"`
	RowAction    RowAction `db:"row_action"`
	StoreID      *string   `db:"store_id"`
	NameID       *string   `db:"name_id"`
	SourceSiteID *int64    `db:"source_site_id"`
	IsSyncUpdate bool      `db:"is_sync_update"`
}

const changelogColumns = `cursor, table_name, record_id, row_action, store_id, name_id,
	source_site_id, is_sync_update`

// ChangelogFilter selects changelog rows for an outbound batch.
type ChangelogFilter struct {
	// ExcludeSourceSite drops rows integrated from this site (no echo).
	ExcludeSourceSite *int64
	// VisibleToSite keeps rows without a store and rows whose store belongs
	// to this site.
	VisibleToSite *int64
	// CentralOnly keeps rows without a store.
	CentralOnly bool
	// SiteStoresOnly keeps rows whose store belongs to VisibleToSite.
	SiteStoresOnly bool
	// LocalOnly drops rows written by integration.
	LocalOnly bool
	// Tables restricts the result to the given table names.
	Tables []string
}

// ChangelogRepo reads and appends changelog rows.
type ChangelogRepo struct {
	q sqlx.ExtContext
}

// NewChangelogRepo binds the repository to a db or tx.
func NewChangelogRepo(q sqlx.ExtContext) *ChangelogRepo {
	return &ChangelogRepo{q: q}
}

// Append inserts entry and returns its cursor.
func (r *ChangelogRepo) Append(ctx context.Context, entry ChangelogEntry) (int64, error) {
	res, err := sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO changelog (table_name, record_id, row_action, store_id, name_id,
			source_site_id, is_sync_update)
		VALUES (:table_name, :record_id, :row_action, :store_id, :name_id,
			:source_site_id, :is_sync_update)`, entry)
	if err != nil {
		return 0, fmt.Errorf("failed to append changelog for %s %s: %w",
			entry.TableName, entry.RecordID, err)
	}
	cursor, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read changelog cursor: %w", err)
	}
	return cursor, nil
}

// LatestCursor returns the highest cursor ever assigned, 0 when empty.
func (r *ChangelogRepo) LatestCursor(ctx context.Context) (uint64, error) {
	var cursor int64
	err := sqlx.GetContext(ctx, r.q, &cursor, `SELECT COALESCE(MAX(cursor), 0) FROM changelog`)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest cursor: %w", err)
	}
	return uint64(cursor), nil
}

// Since returns up to limit rows with cursor greater than cursor, ascending.
func (r *ChangelogRepo) Since(ctx context.Context, cursor uint64, limit uint32, f ChangelogFilter) ([]ChangelogEntry, error) {
	where, args := f.where(cursor)
	query := fmt.Sprintf("SELECT %s FROM changelog c WHERE %s ORDER BY c.cursor ASC LIMIT ?",
		changelogColumns, where)
	args = append(args, limit)

	var entries []ChangelogEntry
	if err := sqlx.SelectContext(ctx, r.q, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query changelog: %w", err)
	}
	return entries, nil
}

// Count returns the number of rows Since would page through from cursor.
func (r *ChangelogRepo) Count(ctx context.Context, cursor uint64, f ChangelogFilter) (uint64, error) {
	where, args := f.where(cursor)
	var count int64
	query := "SELECT COUNT(*) FROM changelog c WHERE " + where
	if err := sqlx.GetContext(ctx, r.q, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count changelog: %w", err)
	}
	return uint64(count), nil
}

func (f ChangelogFilter) where(cursor uint64) (string, []any) {
	clauses := []string{"c.cursor > ?"}
	args := []any{int64(cursor)}

	if f.ExcludeSourceSite != nil {
		clauses = append(clauses, "(c.source_site_id IS NULL OR c.source_site_id != ?)")
		args = append(args, *f.ExcludeSourceSite)
	}
	if f.LocalOnly {
		clauses = append(clauses, "c.is_sync_update = 0")
	}

	siteStores := "c.store_id IN (SELECT id FROM store WHERE site_id = ?)"
	switch {
	case f.CentralOnly:
		clauses = append(clauses, "c.store_id IS NULL")
	case f.SiteStoresOnly && f.VisibleToSite != nil:
		clauses = append(clauses, siteStores)
		args = append(args, *f.VisibleToSite)
	case f.VisibleToSite != nil:
		clauses = append(clauses, "(c.store_id IS NULL OR "+siteStores+")")
		args = append(args, *f.VisibleToSite)
	}

	if len(f.Tables) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Tables)), ", ")
		clauses = append(clauses, "c.table_name IN ("+marks+")")
		for _, t := range f.Tables {
			args = append(args, t)
		}
	}
	return strings.Join(clauses, " AND "), args
}
