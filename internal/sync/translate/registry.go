package translate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// ErrDependencyCycle is returned by NewRegistry when pull dependencies form
// a cycle. The integration order would be undefined, so callers must treat
// it as fatal.
var ErrDependencyCycle = errors.New("translator dependency cycle")

// Registry is the immutable set of translators and their integration order.
type Registry struct {
	translators []Translator
	order       []string
	rank        map[string]int
	byTable     map[string][]Translator
	byChangelog map[string][]Translator
	pushTables  map[Protocol][]string
}

// NewRegistry indexes translators and sorts their legacy tables so every
// table comes after the tables it depends on. Dependencies on tables without
// a translator are ignored. Tables with no ordering constraint between them
// keep registration order.
func NewRegistry(translators ...Translator) (*Registry, error) {
	r := &Registry{
		translators: translators,
		rank:        make(map[string]int),
		byTable:     make(map[string][]Translator),
		byChangelog: make(map[string][]Translator),
		pushTables:  make(map[Protocol][]string),
	}

	var tables []string
	deps := make(map[string]map[string]bool)
	for _, t := range translators {
		table := t.TableName()
		if _, seen := r.byTable[table]; !seen {
			tables = append(tables, table)
			deps[table] = make(map[string]bool)
		}
		r.byTable[table] = append(r.byTable[table], t)
		for _, d := range t.PullDependencies() {
			if d != table {
				deps[table][d] = true
			}
		}
		if ct := t.ChangelogTable(); ct != "" {
			if _, seen := r.byChangelog[ct]; !seen {
				p := ProtocolOf(t)
				r.pushTables[p] = append(r.pushTables[p], ct)
			}
			r.byChangelog[ct] = append(r.byChangelog[ct], t)
		}
	}

	indegree := make(map[string]int, len(tables))
	dependents := make(map[string][]string)
	for _, table := range tables {
		for _, d := range tables {
			if deps[table][d] {
				indegree[table]++
				dependents[d] = append(dependents[d], table)
			}
		}
	}

	var queue []string
	for _, table := range tables {
		if indegree[table] == 0 {
			queue = append(queue, table)
		}
	}
	for len(queue) > 0 {
		table := queue[0]
		queue = queue[1:]
		r.rank[table] = len(r.order)
		r.order = append(r.order, table)
		for _, dep := range dependents[table] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(r.order) != len(tables) {
		var stuck []string
		for _, table := range tables {
			if _, ok := r.rank[table]; !ok {
				stuck = append(stuck, table)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}

	return r, nil
}

// Order returns legacy table names in integration order.
func (r *Registry) Order() []string {
	return append([]string(nil), r.order...)
}

// PushTables returns the internal tables pushed over p.
func (r *Registry) PushTables(p Protocol) []string {
	return append([]string(nil), r.pushTables[p]...)
}

// Sort orders buffer rows for integration: by table in registry order, then
// by arrival. Rows of tables without a translator go last.
func (r *Registry) Sort(rows []repo.SyncBufferRow) []repo.SyncBufferRow {
	sorted := append([]repo.SyncBufferRow(nil), rows...)
	rankOf := func(table string) int {
		if rank, ok := r.rank[table]; ok {
			return rank
		}
		return len(r.order)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rankOf(sorted[i].TableName), rankOf(sorted[j].TableName)
		if ri != rj {
			return ri < rj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// Pull runs every translator of the row's table and merges their results.
func (r *Registry) Pull(ctx context.Context, q sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	translators, ok := r.byTable[row.TableName]
	if !ok {
		return IgnoredBecause("no translator for table " + row.TableName), nil
	}

	var result Result
	for _, t := range translators {
		var (
			res Result
			err error
		)
		if row.Action == repo.ActionDelete {
			res, err = t.PullDelete(ctx, q, row)
		} else {
			res, err = t.PullUpsert(ctx, q, row)
		}
		if err != nil {
			var terr *Error
			if errors.As(err, &terr) {
				return Result{}, err
			}
			return Result{}, translateErr(row, "pull translation failed", err)
		}
		result = result.merge(res)
	}
	return result, nil
}

// Push renders a changelog entry as wire records. An entry of a table
// without a push translator yields nothing.
func (r *Registry) Push(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	var records []wire.Record
	for _, t := range r.byChangelog[entry.TableName] {
		var (
			out []wire.Record
			err error
		)
		if entry.RowAction == repo.ActionDelete {
			out, err = t.PushDelete(entry)
		} else {
			out, err = t.PushUpsert(ctx, q, entry)
		}
		if err != nil {
			return nil, &Error{Table: entry.TableName, RecordID: entry.RecordID,
				Reason: "push translation failed", Err: err}
		}
		records = append(records, out...)
	}
	return records, nil
}
