// Package translate converts between legacy wire records and internal rows.
//
// Each synchronised entity has a Translator. A translator names the legacy
// table it reads, the legacy tables whose records must be integrated before
// its own, and four operations:
//
//   - PullUpsert / PullDelete turn a buffered legacy record into internal
//     upserts or deletes, or report it as ignored
//   - PushUpsert / PushDelete turn a changelog entry into legacy records
//
// Any of the four may be not applicable for an entity; embed NoPush or
// NoPullDelete to get that default.
package translate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// Translator maps one entity between the legacy and internal shapes.
type Translator interface {
	// TableName is the legacy table this translator pulls.
	TableName() string
	// PullDependencies are legacy tables integrated before this one.
	PullDependencies() []string
	// ChangelogTable is the internal table this translator pushes, "" if
	// it never pushes.
	ChangelogTable() string

	PullUpsert(ctx context.Context, q sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error)
	PullDelete(ctx context.Context, q sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error)
	PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error)
	PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error)
}

// Kind is the outcome of a pull translation.
type Kind int

const (
	// NotApplicable means the translator has nothing to do with the record.
	NotApplicable Kind = iota
	// Applied means the record produced upserts and/or deletes.
	Applied
	// Ignored means the record is valid but deliberately not integrated.
	Ignored
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	default:
		return "not applicable"
	}
}

// Delete identifies an internal row to remove.
type Delete struct {
	Table string
	ID    string
}

// Result is a successful pull translation.
type Result struct {
	Kind    Kind
	Upserts []repo.Record
	Deletes []Delete
	Reason  string
}

// Upserts returns an Applied result.
func Upserts(records ...repo.Record) Result {
	return Result{Kind: Applied, Upserts: records}
}

// Deletes returns an Applied result.
func Deletes(table string, ids ...string) Result {
	r := Result{Kind: Applied}
	for _, id := range ids {
		r.Deletes = append(r.Deletes, Delete{Table: table, ID: id})
	}
	return r
}

// IgnoredBecause returns an Ignored result.
func IgnoredBecause(reason string) Result {
	return Result{Kind: Ignored, Reason: reason}
}

// merge folds other into r. Applied wins over Ignored, Ignored over
// NotApplicable.
func (r Result) merge(other Result) Result {
	switch {
	case other.Kind == Applied:
		r.Upserts = append(r.Upserts, other.Upserts...)
		r.Deletes = append(r.Deletes, other.Deletes...)
		r.Kind = Applied
	case other.Kind == Ignored && r.Kind == NotApplicable:
		r.Kind = Ignored
		r.Reason = other.Reason
	}
	return r
}

// Error is a translation failure for one record.
type Error struct {
	Table    string
	RecordID string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to translate %s %s: %s: %v", e.Table, e.RecordID, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to translate %s %s: %s", e.Table, e.RecordID, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnknownEnum is wrapped by errors for legacy enum values with no mapping.
var ErrUnknownEnum = errors.New("unknown legacy enum value")

// Protocol is the transport a table syncs over.
type Protocol int

const (
	// ProtocolLegacy is the v5 polling transport, the default.
	ProtocolLegacy Protocol = iota
	// ProtocolDirect is the v6 push/pull transport.
	ProtocolDirect
)

func (p Protocol) String() string {
	if p == ProtocolDirect {
		return "v6"
	}
	return "v5"
}

// DirectSync is embedded by translators whose table syncs over the direct
// protocol.
type DirectSync struct{}

func (DirectSync) Protocol() Protocol { return ProtocolDirect }

// ProtocolOf returns the protocol t syncs over.
func ProtocolOf(t Translator) Protocol {
	if p, ok := t.(interface{ Protocol() Protocol }); ok {
		return p.Protocol()
	}
	return ProtocolLegacy
}

// NoPush is embedded by translators that never push.
type NoPush struct{}

func (NoPush) ChangelogTable() string { return "" }

func (NoPush) PushUpsert(context.Context, sqlx.QueryerContext, *repo.ChangelogEntry) ([]wire.Record, error) {
	return nil, nil
}

func (NoPush) PushDelete(*repo.ChangelogEntry) ([]wire.Record, error) {
	return nil, nil
}

// NoPullDelete is embedded by translators that ignore legacy deletes.
type NoPullDelete struct{}

func (NoPullDelete) PullDelete(context.Context, sqlx.QueryerContext, *repo.SyncBufferRow) (Result, error) {
	return Result{}, nil
}

// NoPullUpsert is embedded by translators that only handle deletes.
type NoPullUpsert struct{}

func (NoPullUpsert) PullUpsert(context.Context, sqlx.QueryerContext, *repo.SyncBufferRow) (Result, error) {
	return Result{}, nil
}
