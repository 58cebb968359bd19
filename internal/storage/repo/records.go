// Package repo holds the row types and repositories behind the sync engine.
//
// Every synchronised entity is a Record: a struct whose `db` tags name the
// columns of its table and whose Table/Key methods identify it. Generic
// helpers build the SQL for each table once from those tags.
//
// Writes to tracked tables go through UpsertTracked and DeleteTracked, which
// append a changelog row in the same transaction. That changelog row is what
// the transports later read to decide what to send.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Record is a row of a synchronised or projected table.
type Record interface {
	// Table is the internal table name, also used as the changelog table name.
	Table() string
	// Key is the primary key value.
	Key() string
}

// StoreScoped is implemented by records that belong to a single store. The
// store id is copied onto changelog rows so central can filter per site.
type StoreScoped interface {
	OwningStoreID() *string
}

// NameScoped is implemented by records owned by a name, such as patient
// documents. The name id is copied onto changelog rows.
type NameScoped interface {
	OwningNameID() *string
}

// Source describes where a tracked write came from.
type Source struct {
	// SiteID is the remote site whose data is being integrated, nil for
	// local mutations.
	SiteID *int64
	// IsSyncUpdate marks writes made by integration rather than by a user.
	IsSyncUpdate bool
}

// LocalSource is the source of mutations made on this node.
var LocalSource = Source{}

// ErrNotFound is returned when a row is expected but missing.
var ErrNotFound = errors.New("record not found")

// tableInfo caches the column list for a record type.
type tableInfo struct {
	name       string
	columns    []string
	hasStoreID bool
	upsert     string
	selectByID string
}

var (
	tableInfoMu    sync.RWMutex
	tableInfoCache = map[reflect.Type]*tableInfo{}
	tableByName    = map[string]*tableInfo{}
)

// infoFor returns the cached table information for rec.
func infoFor(rec Record) *tableInfo {
	t := reflect.TypeOf(rec)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	tableInfoMu.RLock()
	info, ok := tableInfoCache[t]
	tableInfoMu.RUnlock()
	if ok {
		return info
	}

	info = &tableInfo{name: rec.Table()}
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		info.columns = append(info.columns, tag)
		if tag == "store_id" {
			info.hasStoreID = true
		}
	}

	placeholders := make([]string, len(info.columns))
	updates := make([]string, 0, len(info.columns))
	for i, c := range info.columns {
		placeholders[i] = ":" + c
		if c != "id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	info.upsert = fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		info.name, strings.Join(info.columns, ", "), strings.Join(placeholders, ", "),
		strings.Join(updates, ", "))
	info.selectByID = fmt.Sprintf("SELECT %s FROM %s WHERE id = ?",
		strings.Join(info.columns, ", "), info.name)

	tableInfoMu.Lock()
	tableInfoCache[t] = info
	tableByName[info.name] = info
	tableInfoMu.Unlock()
	return info
}

// Upsert inserts rec or replaces the existing row with the same id. It does
// not touch the changelog.
func Upsert(ctx context.Context, q sqlx.ExtContext, rec Record) error {
	info := infoFor(rec)
	if _, err := sqlx.NamedExecContext(ctx, q, info.upsert, rec); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", info.name, rec.Key(), err)
	}
	return nil
}

// Find loads the row with the given id. It returns nil, nil when the row
// does not exist.
func Find[T any, PT interface {
	*T
	Record
}](ctx context.Context, q sqlx.QueryerContext, id string) (PT, error) {
	var row T
	info := infoFor(PT(&row))
	if err := sqlx.GetContext(ctx, q, &row, info.selectByID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find %s %s: %w", info.name, id, err)
	}
	return PT(&row), nil
}

// MustFind is Find that reports a missing row as ErrNotFound.
func MustFind[T any, PT interface {
	*T
	Record
}](ctx context.Context, q sqlx.QueryerContext, id string) (PT, error) {
	row, err := Find[T, PT](ctx, q, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		var zero T
		return nil, fmt.Errorf("%s %s: %w", PT(&zero).Table(), id, ErrNotFound)
	}
	return row, nil
}

// Delete removes the row with the given id from table. Deleting a missing
// row is not an error.
func Delete(ctx context.Context, q sqlx.ExecerContext, table, id string) error {
	if !isKnownTable(table) {
		return fmt.Errorf("failed to delete from %s: unknown table", table)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
	if _, err := q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", table, id, err)
	}
	return nil
}

// QueueForPush appends the changelog row for a mutation already written
// through q. Callers pass the transaction that wrote the row so the row and
// its changelog entry commit together.
func QueueForPush(ctx context.Context, q sqlx.ExtContext, entry ChangelogEntry) (int64, error) {
	if entry.TableName == "" || entry.RecordID == "" {
		return 0, fmt.Errorf("failed to queue %q %q for push: table and record id are required",
			entry.TableName, entry.RecordID)
	}
	return NewChangelogRepo(q).Append(ctx, entry)
}

// UpsertTracked upserts rec and appends an UPSERT changelog row.
func UpsertTracked(ctx context.Context, q sqlx.ExtContext, rec Record, source Source) error {
	if err := Upsert(ctx, q, rec); err != nil {
		return err
	}

	entry := ChangelogEntry{
		TableName:    rec.Table(),
		RecordID:     rec.Key(),
		RowAction:    ActionUpsert,
		SourceSiteID: source.SiteID,
		IsSyncUpdate: source.IsSyncUpdate,
	}
	if scoped, ok := rec.(StoreScoped); ok {
		entry.StoreID = scoped.OwningStoreID()
	}
	if owned, ok := rec.(NameScoped); ok {
		entry.NameID = owned.OwningNameID()
	}
	_, err := QueueForPush(ctx, q, entry)
	return err
}

// DeleteTracked deletes a row and appends a DELETE changelog row. The store
// id of the row, if the table has one, is captured before deletion.
func DeleteTracked(ctx context.Context, q sqlx.ExtContext, table, id string, source Source) error {
	var storeID *string
	if info := lookupTable(table); info != nil && info.hasStoreID {
		query := fmt.Sprintf("SELECT store_id FROM %s WHERE id = ?", table)
		err := sqlx.GetContext(ctx, q, &storeID, query, id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read store of %s %s: %w", table, id, err)
		}
	}

	if err := Delete(ctx, q, table, id); err != nil {
		return err
	}

	_, err := QueueForPush(ctx, q, ChangelogEntry{
		TableName:    table,
		RecordID:     id,
		RowAction:    ActionDelete,
		StoreID:      storeID,
		SourceSiteID: source.SiteID,
		IsSyncUpdate: source.IsSyncUpdate,
	})
	return err
}

func lookupTable(name string) *tableInfo {
	tableInfoMu.RLock()
	defer tableInfoMu.RUnlock()
	return tableByName[name]
}

func isKnownTable(name string) bool {
	if lookupTable(name) != nil {
		return true
	}
	for _, rec := range allRecords {
		if rec.Table() == name {
			infoFor(rec)
			return true
		}
	}
	return false
}
