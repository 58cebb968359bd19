// Package changelog reads outbound batches from the changelog.
//
// A batch is every changelog row after a cursor that the requesting site may
// see, rendered as wire records by the push translators. The end cursor of a
// batch is what the receiver stores once the batch is committed.
package changelog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/translate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// Scope selects which rows a batch may contain.
type Scope int

const (
	// ScopeSite is central data plus the stores of the site.
	ScopeSite Scope = iota
	// ScopeCentral is rows without a store.
	ScopeCentral
	// ScopeSiteStores is only rows of the stores of the site.
	ScopeSiteStores
	// ScopeLocal is rows authored on this node, for pushing upstream.
	ScopeLocal
)

// Filter describes the requester of a batch.
type Filter struct {
	SiteID        *int64
	IsInitialised bool
	Scope         Scope
	// Protocol picks the tables that sync over the requesting transport.
	Protocol translate.Protocol
}

// Batch is one page of outbound records.
type Batch struct {
	Records []wire.CursorRecord
	// EndCursor is the cursor of the last row read, or the latest cursor
	// when nothing was left to read.
	EndCursor uint64
	// TotalRemaining counts rows after the requested cursor, this batch
	// included.
	TotalRemaining uint64
	// Rows is the number of changelog rows read. A row can render as zero
	// or several records.
	Rows int
	// LatestCursor is the newest cursor in the changelog, filtered or not.
	LatestCursor uint64
}

// IsLast reports whether no rows remain after this batch.
func (b *Batch) IsLast() bool {
	return b.TotalRemaining <= uint64(b.Rows)
}

// Reader pages through the changelog.
type Reader struct {
	conn     *sqlx.DB
	registry *translate.Registry
}

// NewReader creates a changelog reader.
func NewReader(conn *sqlx.DB, registry *translate.Registry) *Reader {
	return &Reader{conn: conn, registry: registry}
}

// Outgoing returns up to limit rows after cursor that f allows, ascending.
// All reads share one snapshot so the latest cursor of an empty batch can
// not skip a row committed meanwhile.
func (r *Reader) Outgoing(ctx context.Context, cursor uint64, limit uint32, f Filter) (*Batch, error) {
	tx, err := r.conn.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin changelog read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	log := repo.NewChangelogRepo(tx)
	filter := r.repoFilter(f)

	total, err := log.Count(ctx, cursor, filter)
	if err != nil {
		return nil, err
	}
	entries, err := log.Since(ctx, cursor, limit, filter)
	if err != nil {
		return nil, err
	}

	latest, err := log.LatestCursor(ctx)
	if err != nil {
		return nil, err
	}

	batch := &Batch{TotalRemaining: total, Rows: len(entries), LatestCursor: latest}
	for i := range entries {
		entry := &entries[i]
		records, err := r.registry.Push(ctx, tx, entry)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			batch.Records = append(batch.Records, wire.CursorRecord{Cursor: uint64(entry.Cursor), Record: rec})
		}
	}

	if len(entries) > 0 {
		batch.EndCursor = uint64(entries[len(entries)-1].Cursor)
	} else {
		batch.EndCursor = max(latest, cursor)
	}
	return batch, nil
}

// Entries returns the raw changelog rows Outgoing would read, through q so
// callers can page inside their own transaction.
func (r *Reader) Entries(ctx context.Context, q sqlx.ExtContext, cursor uint64, limit uint32, f Filter) ([]repo.ChangelogEntry, error) {
	return repo.NewChangelogRepo(q).Since(ctx, cursor, limit, r.repoFilter(f))
}

// Render translates changelog rows into wire records.
func (r *Reader) Render(ctx context.Context, entries []repo.ChangelogEntry) ([]wire.CursorRecord, error) {
	var out []wire.CursorRecord
	for i := range entries {
		records, err := r.registry.Push(ctx, r.conn, &entries[i])
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			out = append(out, wire.CursorRecord{Cursor: uint64(entries[i].Cursor), Record: rec})
		}
	}
	return out, nil
}

func (r *Reader) repoFilter(f Filter) repo.ChangelogFilter {
	filter := repo.ChangelogFilter{Tables: r.registry.PushTables(f.Protocol)}
	if f.SiteID != nil && f.IsInitialised {
		filter.ExcludeSourceSite = f.SiteID
	}
	switch f.Scope {
	case ScopeCentral:
		filter.CentralOnly = true
	case ScopeSiteStores:
		filter.VisibleToSite = f.SiteID
		filter.SiteStoresOnly = true
	case ScopeLocal:
		filter.LocalOnly = true
	default:
		filter.VisibleToSite = f.SiteID
	}
	return filter
}
