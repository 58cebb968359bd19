// Package integrate applies buffered sync records to the database.
//
// Rows are deduplicated per record, sorted by table dependency order and
// translated. All writes of one integration run share a single transaction,
// so a failure leaves the database and the buffer as they were. The row that
// failed gets its error recorded afterwards.
//
// Integrations of the same source site are mutually exclusive. Different
// sites integrate in parallel.
package integrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/db"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/integrate/documents"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/translate"
)

// ErrIntegrationInProgress is returned when the site already integrates.
var ErrIntegrationInProgress = errors.New("integration already in progress")

// Error identifies the buffer row an integration failed on.
type Error struct {
	BufferID int64
	Table    string
	RecordID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to integrate %s %s (buffer row %d): %v", e.Table, e.RecordID, e.BufferID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result counts what an integration did with its rows.
type Result struct {
	Applied    int
	Ignored    int
	Superseded int
}

// Total is the number of buffer rows consumed.
func (r Result) Total() int {
	return r.Applied + r.Ignored + r.Superseded
}

// ProgressFunc receives the number of rows integrated so far.
type ProgressFunc func(done, total int)

// Engine integrates sync buffer rows.
type Engine struct {
	conn      *sqlx.DB
	registry  *translate.Registry
	projector *documents.Projector
	locks     *SiteLocks
	logger    *log.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// New creates an engine.
func New(conn *sqlx.DB, registry *translate.Registry, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[integrate] ", log.LstdFlags)
	}
	projector, err := documents.NewProjector()
	if err != nil {
		return nil, err
	}
	return &Engine{
		conn:      conn,
		registry:  registry,
		projector: projector,
		locks:     NewSiteLocks(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Locks exposes the site locks, for status reporting.
func (e *Engine) Locks() *SiteLocks {
	return e.locks
}

// IsIntegrating reports whether the site has an integration running. A nil
// site is this node.
func (e *Engine) IsIntegrating(siteID *int64) bool {
	return e.locks.IsHeld(lockKey(siteID))
}

// Integrate applies rows received from siteID (nil for this node's own
// pulls). It fails with ErrIntegrationInProgress if the site is busy.
func (e *Engine) Integrate(ctx context.Context, rows []repo.SyncBufferRow, siteID *int64, progress ProgressFunc) (Result, error) {
	release, ok := e.locks.TryAcquire(lockKey(siteID))
	if !ok {
		return Result{}, ErrIntegrationInProgress
	}
	defer release()
	return e.integrate(ctx, rows, siteID, progress)
}

// IntegrateNow integrates every pending buffer row of siteID.
func (e *Engine) IntegrateNow(ctx context.Context, siteID *int64, progress ProgressFunc) (Result, error) {
	release, ok := e.locks.TryAcquire(lockKey(siteID))
	if !ok {
		return Result{}, ErrIntegrationInProgress
	}
	defer release()

	rows, err := repo.NewBufferRepo(e.conn).Pending(ctx, siteID)
	if err != nil {
		return Result{}, err
	}
	return e.integrate(ctx, rows, siteID, progress)
}

// Spawn starts a background integration of siteID's pending rows. The lock
// is taken before Spawn returns, so a caller that sees a nil error knows the
// site reports as integrating.
func (e *Engine) Spawn(siteID int64) error {
	release, ok := e.locks.TryAcquire(siteID)
	if !ok {
		return ErrIntegrationInProgress
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()

		ctx := context.Background()
		site := siteID
		rows, err := repo.NewBufferRepo(e.conn).Pending(ctx, &site)
		if err != nil {
			e.logger.Printf("site %d: %v", siteID, err)
			return
		}
		res, err := e.integrate(ctx, rows, &site, nil)
		if err != nil {
			e.logger.Printf("site %d: %v", siteID, err)
			return
		}
		e.logger.Printf("site %d: integrated %d rows (%d applied, %d ignored, %d superseded)",
			siteID, res.Total(), res.Applied, res.Ignored, res.Superseded)
	}()
	return nil
}

// Wait blocks until every spawned integration has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) integrate(ctx context.Context, rows []repo.SyncBufferRow, siteID *int64, progress ProgressFunc) (Result, error) {
	var res Result
	if len(rows) == 0 {
		return res, nil
	}

	latest, superseded := dedupe(rows)
	ordered := e.registry.Sort(latest)
	total := len(rows)
	source := repo.Source{SiteID: siteID, IsSyncUpdate: true}

	// A started transaction always finishes, even if the caller is
	// shutting down.
	txCtx := context.WithoutCancel(ctx)

	var failed *repo.SyncBufferRow
	err := db.WithTx(txCtx, e.conn, func(tx *sqlx.Tx) error {
		res = Result{Superseded: len(superseded)}
		for i := range ordered {
			row := &ordered[i]
			applied, err := e.apply(txCtx, tx, row, source)
			if err != nil {
				failed = row
				return &Error{BufferID: row.ID, Table: row.TableName, RecordID: row.RecordID, Err: err}
			}
			if applied {
				res.Applied++
			} else {
				res.Ignored++
			}
			if progress != nil {
				progress(res.Total(), total)
			}
		}

		ids := make([]int64, 0, total)
		for _, row := range ordered {
			ids = append(ids, row.ID)
		}
		ids = append(ids, superseded...)
		return repo.NewBufferRepo(tx).MarkIntegrated(txCtx, e.now(), ids...)
	})
	if err != nil {
		if failed != nil {
			if serr := repo.NewBufferRepo(e.conn).SetError(txCtx, failed.ID, err.Error()); serr != nil {
				e.logger.Printf("failed to record integration error: %v", serr)
			}
		}
		return Result{}, err
	}
	return res, nil
}

// apply translates one row and writes its effects. It reports false when
// the row produced nothing.
func (e *Engine) apply(ctx context.Context, tx *sqlx.Tx, row *repo.SyncBufferRow, source repo.Source) (bool, error) {
	result, err := e.registry.Pull(ctx, tx, row)
	if err != nil {
		return false, err
	}

	switch result.Kind {
	case translate.Ignored:
		e.logger.Printf("ignored %s %s: %s", row.TableName, row.RecordID, result.Reason)
		return false, nil
	case translate.NotApplicable:
		return false, nil
	}

	for _, rec := range result.Upserts {
		if err := repo.UpsertTracked(ctx, tx, rec, source); err != nil {
			return false, err
		}
		doc, ok := rec.(repo.Document)
		if !ok {
			continue
		}
		derived, err := e.projector.Project(ctx, tx, doc)
		if err != nil {
			return false, err
		}
		for _, d := range derived {
			if err := repo.Upsert(ctx, tx, d); err != nil {
				return false, err
			}
		}
	}
	for _, d := range result.Deletes {
		if err := repo.DeleteTracked(ctx, tx, d.Table, d.ID, source); err != nil {
			return false, err
		}
	}
	return true, nil
}

// dedupe keeps the latest arrival of every (table, record) and returns the
// ids of the older rows.
func dedupe(rows []repo.SyncBufferRow) ([]repo.SyncBufferRow, []int64) {
	type key struct{ table, id string }
	latest := make(map[key]int, len(rows))
	for i, row := range rows {
		k := key{row.TableName, row.RecordID}
		if j, ok := latest[k]; !ok || rows[j].ID < row.ID {
			latest[k] = i
		}
	}

	kept := make([]repo.SyncBufferRow, 0, len(latest))
	var superseded []int64
	for i, row := range rows {
		if latest[key{row.TableName, row.RecordID}] == i {
			kept = append(kept, row)
		} else {
			superseded = append(superseded, row.ID)
		}
	}
	return kept, superseded
}
