// Package driver runs sync cycles on a remote site.
//
// A cycle:
//  1. resets cursors if the central server or site credentials changed
//  2. pushes locally authored changelog rows (v5, then v6)
//  3. waits for central to finish integrating what was pushed
//  4. pulls central records, the site queue and v6 records into the buffer
//  5. integrates the buffer
//
// Each cursor is stored in the transaction that buffers the data it covers,
// so a failed cycle resumes where the last committed batch ended. One cycle
// runs at a time; Run only stops between cycles.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/settings"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/db"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/changelog"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/integrate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/status"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/translate"
	v5 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v5"
	v6 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v6"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// ErrCycleInProgress is returned by Sync while another cycle runs.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// DefaultStatusPoll is the pause between site status checks.
const DefaultStatusPoll = time.Second

// DefaultStatusWait bounds the wait for central to finish integrating.
const DefaultStatusWait = 10 * time.Minute

// Config controls a Driver.
type Config struct {
	Sync       settings.Sync
	HardwareID string

	// StatusPoll and StatusWait tune the wait after a push.
	StatusPoll time.Duration
	StatusWait time.Duration

	// AfterCycle, when set, runs after every successful cycle.
	AfterCycle func()

	Logger *log.Logger
}

// Summary counts what a cycle moved.
type Summary struct {
	Pushed        int
	PushedV6      int
	PulledCentral int
	PulledRemote  int
	PulledV6      int
	Integrated    integrate.Result
	Initialised   bool
}

// Driver runs sync cycles.
type Driver struct {
	conn     *sqlx.DB
	reader   *changelog.Reader
	engine   *integrate.Engine
	recorder *status.Recorder
	legacy   *v5.Client
	direct   *v6.Client
	cfg      Config
	logger   *log.Logger

	running sync.Mutex
	trigger chan struct{}
}

// New creates a driver. recorder may be nil.
func New(conn *sqlx.DB, reader *changelog.Reader, engine *integrate.Engine, recorder *status.Recorder, cfg Config) (*Driver, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[driver] ", log.LstdFlags)
	}
	if cfg.StatusPoll <= 0 {
		cfg.StatusPoll = DefaultStatusPoll
	}
	if cfg.StatusWait <= 0 {
		cfg.StatusWait = DefaultStatusWait
	}
	b := cfg.Sync.BatchSize
	if b.RemotePull == 0 || b.RemotePush == 0 || b.CentralPull == 0 {
		return nil, errors.New("batch sizes must be positive")
	}

	legacy, err := v5.NewClient(v5.Config{
		URL:            cfg.Sync.URL,
		Username:       cfg.Sync.Username,
		PasswordSHA256: cfg.Sync.PasswordSHA256,
		HardwareID:     cfg.HardwareID,
		Timeout:        cfg.Sync.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	direct, err := v6.NewClient(v6.Config{
		URL:            cfg.Sync.DirectURL(),
		Username:       cfg.Sync.Username,
		PasswordSHA256: cfg.Sync.PasswordSHA256,
		HardwareID:     cfg.HardwareID,
		Timeout:        cfg.Sync.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = status.NewRecorder(conn, nil, cfg.Logger)
	}

	return &Driver{
		conn:     conn,
		reader:   reader,
		engine:   engine,
		recorder: recorder,
		legacy:   legacy,
		direct:   direct,
		cfg:      cfg,
		logger:   cfg.Logger,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Direct returns the v6 client, which also carries sync files.
func (d *Driver) Direct() *v6.Client {
	return d.direct
}

// Trigger asks Run for a cycle now. Triggers coalesce.
func (d *Driver) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run runs a cycle immediately, then every interval or on Trigger, until
// ctx is done. A cycle in flight is not cancelled.
func (d *Driver) Run(ctx context.Context) error {
	interval := d.cfg.Sync.Interval()
	if interval <= 0 {
		return fmt.Errorf("invalid sync interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Printf("Starting sync every %s", interval)
	d.Trigger()
	for {
		select {
		case <-ctx.Done():
			d.logger.Println("Sync stopped")
			return nil
		case <-ticker.C:
		case <-d.trigger:
		}
		if ctx.Err() != nil {
			return nil
		}
		if _, err := d.Sync(context.WithoutCancel(ctx)); err != nil {
			d.logger.Printf("Sync cycle failed: %v", err)
		}
	}
}

// Sync runs one cycle and records it in the sync log.
func (d *Driver) Sync(ctx context.Context) (*Summary, error) {
	if !d.running.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer d.running.Unlock()

	if err := d.recorder.Begin(ctx); err != nil {
		return nil, err
	}
	summary, err := d.cycle(ctx)
	code := ""
	if err != nil {
		code = v6.Code(err)
	}
	if ferr := d.recorder.Finish(ctx, err, code); ferr != nil {
		d.logger.Printf("failed to close sync log: %v", ferr)
	}
	if err != nil {
		return summary, err
	}
	if d.cfg.AfterCycle != nil {
		d.cfg.AfterCycle()
	}
	return summary, nil
}

func (d *Driver) cycle(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	kv := repo.NewKeyValueStore(d.conn)

	if err := d.checkSiteDetails(ctx); err != nil {
		return summary, err
	}
	initialised, err := kv.GetBool(ctx, repo.KeyIsInitialised)
	if err != nil {
		return summary, err
	}

	// An uninitialised site has nothing of its own worth pushing yet.
	if initialised {
		if summary.Pushed, err = d.pushLegacy(ctx); err != nil {
			return summary, err
		}
		if summary.PushedV6, err = d.pushDirect(ctx); err != nil {
			return summary, err
		}
	}
	if summary.PulledCentral, err = d.pullCentral(ctx); err != nil {
		return summary, err
	}
	if summary.PulledRemote, err = d.pullRemote(ctx); err != nil {
		return summary, err
	}
	if summary.PulledV6, err = d.pullDirect(ctx, initialised); err != nil {
		return summary, err
	}
	if summary.Integrated, err = d.integrate(ctx); err != nil {
		return summary, err
	}

	if !initialised {
		if err := d.markInitialised(ctx); err != nil {
			return summary, err
		}
		summary.Initialised = true
	}
	return summary, nil
}

// checkSiteDetails resets sync state when the URL or credentials differ
// from the ones the site was initialised with.
func (d *Driver) checkSiteDetails(ctx context.Context) error {
	return db.WithTx(ctx, d.conn, func(tx *sqlx.Tx) error {
		kv := repo.NewKeyValueStore(tx)
		var stored settings.Sync
		var err error
		if stored.URL, err = kv.GetString(ctx, repo.KeySyncURL); err != nil {
			return err
		}
		if stored.Username, err = kv.GetString(ctx, repo.KeySyncUsername); err != nil {
			return err
		}
		if stored.PasswordSHA256, err = kv.GetString(ctx, repo.KeySyncPasswordHash); err != nil {
			return err
		}

		current := d.cfg.Sync
		if stored.URL == "" && stored.Username == "" && stored.PasswordSHA256 == "" {
			return d.storeSiteDetails(ctx, kv, current)
		}
		if !settings.CoreSiteDetailsChanged(stored, current) {
			return nil
		}

		d.logger.Printf("Site details changed (%s as %s), resetting sync state", current.URL, current.Username)
		for _, key := range []repo.Key{repo.KeyPushCursorV5, repo.KeyPullCursorV5, repo.KeyPushCursorV6, repo.KeyPullCursorV6} {
			if err := kv.SetCursor(ctx, key, 0); err != nil {
				return err
			}
		}
		if err := kv.SetBool(ctx, repo.KeyIsInitialised, false); err != nil {
			return err
		}
		return d.storeSiteDetails(ctx, kv, current)
	})
}

func (d *Driver) storeSiteDetails(ctx context.Context, kv *repo.KeyValueStore, s settings.Sync) error {
	if err := kv.SetString(ctx, repo.KeySyncURL, s.URL); err != nil {
		return err
	}
	if err := kv.SetString(ctx, repo.KeySyncUsername, s.Username); err != nil {
		return err
	}
	return kv.SetString(ctx, repo.KeySyncPasswordHash, s.PasswordSHA256)
}

// pushLegacy sends local changelog rows of v5 tables as queued records,
// then waits for central to integrate them.
func (d *Driver) pushLegacy(ctx context.Context) (int, error) {
	if err := d.recorder.StepStarted(ctx, status.StepPush); err != nil {
		return 0, err
	}
	kv := repo.NewKeyValueStore(d.conn)
	cursor, err := kv.Cursor(ctx, repo.KeyPushCursorV5)
	if err != nil {
		return 0, err
	}

	filter := changelog.Filter{Scope: changelog.ScopeLocal}
	pushed := 0
	integrating := false
	var total, done int64
	for {
		batch, err := d.reader.Outgoing(ctx, cursor, d.cfg.Sync.BatchSize.RemotePush, filter)
		if err != nil {
			return pushed, err
		}
		if total == 0 {
			total = int64(batch.TotalRemaining)
		}
		if batch.Rows == 0 {
			break
		}

		records := make([]wire.RemoteRecord, len(batch.Records))
		for i, rec := range batch.Records {
			records[i] = wire.RemoteRecord{SyncOutID: uuid.NewString(), Record: rec.Record}
		}
		remaining := batch.TotalRemaining - uint64(batch.Rows)
		resp, err := d.legacy.PostQueuedRecords(ctx, remaining, records)
		if err != nil {
			return pushed, fmt.Errorf("failed to push records: %w", err)
		}
		integrating = integrating || resp.IntegrationStarted
		if err := kv.SetCursor(ctx, repo.KeyPushCursorV5, batch.EndCursor); err != nil {
			return pushed, err
		}
		cursor = batch.EndCursor
		pushed += len(records)
		done += int64(batch.Rows)
		if err := d.recorder.Progress(ctx, status.StepPush, done, total); err != nil {
			return pushed, err
		}
		if batch.IsLast() {
			break
		}
	}

	// Central refuses further requests from the site until it is done.
	if integrating {
		if err := d.waitForIntegration(ctx); err != nil {
			return pushed, err
		}
	}
	return pushed, d.recorder.StepFinished(ctx, status.StepPush)
}

// pushDirect sends local changelog rows of v6 tables, then waits for
// central to integrate them.
func (d *Driver) pushDirect(ctx context.Context) (int, error) {
	if err := d.recorder.StepStarted(ctx, status.StepPushV6); err != nil {
		return 0, err
	}
	kv := repo.NewKeyValueStore(d.conn)
	cursor, err := kv.Cursor(ctx, repo.KeyPushCursorV6)
	if err != nil {
		return 0, err
	}

	filter := changelog.Filter{Scope: changelog.ScopeLocal, Protocol: translate.ProtocolDirect}
	pushed := 0
	sentLast := false
	var total, done int64
	for {
		batch, err := d.reader.Outgoing(ctx, cursor, d.cfg.Sync.BatchSize.RemotePush, filter)
		if err != nil {
			return pushed, err
		}
		if total == 0 {
			total = int64(batch.TotalRemaining)
		}
		if batch.Rows == 0 {
			break
		}

		_, err = d.direct.Push(ctx, v6.Batch{
			EndCursor:    batch.EndCursor,
			TotalRecords: batch.TotalRemaining,
			Records:      batch.Records,
			IsLastBatch:  batch.IsLast(),
		})
		if err != nil {
			return pushed, fmt.Errorf("failed to push v6 records: %w", err)
		}
		if err := kv.SetCursor(ctx, repo.KeyPushCursorV6, batch.EndCursor); err != nil {
			return pushed, err
		}
		cursor = batch.EndCursor
		pushed += len(batch.Records)
		done += int64(batch.Rows)
		if err := d.recorder.Progress(ctx, status.StepPushV6, done, total); err != nil {
			return pushed, err
		}
		if batch.IsLast() {
			sentLast = true
			break
		}
	}

	if sentLast {
		if err := d.waitForIntegration(ctx); err != nil {
			return pushed, err
		}
	}
	return pushed, d.recorder.StepFinished(ctx, status.StepPushV6)
}

func (d *Driver) waitForIntegration(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StatusWait)
	defer cancel()
	for {
		st, err := d.direct.SiteStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to check site status: %w", err)
		}
		if !st.IsIntegrating {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("central still integrating: %w", ctx.Err())
		case <-time.After(d.cfg.StatusPoll):
		}
	}
}

// pullCentral buffers central records and advances the v5 pull cursor.
func (d *Driver) pullCentral(ctx context.Context) (int, error) {
	if err := d.recorder.StepStarted(ctx, status.StepPullCentral); err != nil {
		return 0, err
	}
	cursor, err := repo.NewKeyValueStore(d.conn).Cursor(ctx, repo.KeyPullCursorV5)
	if err != nil {
		return 0, err
	}
	start := cursor

	pulled := 0
	for {
		batch, err := d.legacy.GetCentralRecords(ctx, cursor, d.cfg.Sync.BatchSize.CentralPull)
		if err != nil {
			return pulled, fmt.Errorf("failed to pull central records: %w", err)
		}

		next := cursor
		rows := make([]repo.SyncBufferRow, len(batch.Data))
		for i, rec := range batch.Data {
			rows[i] = rec.ToBufferRow(nil)
			next = max(next, rec.ID)
		}
		if len(batch.Data) == 0 {
			// Up to date. Skip past rows central had nothing to send for.
			next = max(next, batch.MaxCursor)
		}
		if next != cursor || len(rows) > 0 {
			if err := d.buffer(ctx, rows, repo.KeyPullCursorV5, next); err != nil {
				return pulled, err
			}
		}
		pulled += len(rows)
		cursor = next

		total := int64(max(batch.MaxCursor, cursor) - start)
		if err := d.recorder.Progress(ctx, status.StepPullCentral, int64(cursor-start), total); err != nil {
			return pulled, err
		}
		if len(batch.Data) == 0 || cursor >= batch.MaxCursor {
			break
		}
	}
	return pulled, d.recorder.StepFinished(ctx, status.StepPullCentral)
}

// pullRemote buffers the site queue and acknowledges each page once it is
// committed. A lost acknowledgement redelivers rows, which integrate
// idempotently.
func (d *Driver) pullRemote(ctx context.Context) (int, error) {
	if err := d.recorder.StepStarted(ctx, status.StepPullRemote); err != nil {
		return 0, err
	}
	pulled := 0
	var total int64
	for {
		batch, err := d.legacy.GetQueuedRecords(ctx, d.cfg.Sync.BatchSize.RemotePull)
		if err != nil {
			return pulled, fmt.Errorf("failed to pull queued records: %w", err)
		}
		if total == 0 {
			total = int64(batch.QueueLength)
		}
		if len(batch.Data) == 0 {
			break
		}

		rows := make([]repo.SyncBufferRow, len(batch.Data))
		ids := make([]string, len(batch.Data))
		for i, rec := range batch.Data {
			rows[i] = rec.ToBufferRow(nil)
			ids[i] = rec.SyncOutID
		}
		if err := d.buffer(ctx, rows, "", 0); err != nil {
			return pulled, err
		}
		if err := d.legacy.PostAcknowledgedRecords(ctx, ids); err != nil {
			return pulled, fmt.Errorf("failed to acknowledge queued records: %w", err)
		}
		pulled += len(rows)
		if err := d.recorder.Progress(ctx, status.StepPullRemote, int64(pulled), max(total, int64(pulled))); err != nil {
			return pulled, err
		}
	}
	return pulled, d.recorder.StepFinished(ctx, status.StepPullRemote)
}

// pullDirect buffers v6 records and advances the v6 pull cursor.
func (d *Driver) pullDirect(ctx context.Context, initialised bool) (int, error) {
	if err := d.recorder.StepStarted(ctx, status.StepPullV6); err != nil {
		return 0, err
	}
	cursor, err := repo.NewKeyValueStore(d.conn).Cursor(ctx, repo.KeyPullCursorV6)
	if err != nil {
		return 0, err
	}

	pulled := 0
	var total int64
	for {
		batch, err := d.direct.Pull(ctx, cursor, d.cfg.Sync.BatchSize.CentralPull, initialised)
		if err != nil {
			return pulled, fmt.Errorf("failed to pull v6 records: %w", err)
		}
		if total == 0 {
			total = int64(batch.TotalRecords)
		}

		rows := make([]repo.SyncBufferRow, len(batch.Records))
		for i, rec := range batch.Records {
			rows[i] = rec.Record.ToBufferRow(nil)
		}
		if batch.EndCursor != cursor || len(rows) > 0 {
			if err := d.buffer(ctx, rows, repo.KeyPullCursorV6, batch.EndCursor); err != nil {
				return pulled, err
			}
		}
		pulled += len(rows)
		cursor = batch.EndCursor
		if err := d.recorder.Progress(ctx, status.StepPullV6, int64(pulled), max(total, int64(pulled))); err != nil {
			return pulled, err
		}
		if batch.IsLastBatch {
			break
		}
	}
	return pulled, d.recorder.StepFinished(ctx, status.StepPullV6)
}

// buffer stores rows and, when key is set, the cursor they reach in one
// transaction.
func (d *Driver) buffer(ctx context.Context, rows []repo.SyncBufferRow, key repo.Key, cursor uint64) error {
	return db.WithTx(ctx, d.conn, func(tx *sqlx.Tx) error {
		if err := repo.NewBufferRepo(tx).Insert(ctx, rows...); err != nil {
			return err
		}
		if key == "" {
			return nil
		}
		return repo.NewKeyValueStore(tx).SetCursor(ctx, key, cursor)
	})
}

func (d *Driver) integrate(ctx context.Context) (integrate.Result, error) {
	if err := d.recorder.StepStarted(ctx, status.StepIntegration); err != nil {
		return integrate.Result{}, err
	}
	result, err := d.engine.IntegrateNow(ctx, nil, func(done, total int) {
		d.recorder.Note(status.StepIntegration, int64(done), int64(total))
	})
	if err != nil {
		return result, err
	}
	if result.Total() > 0 {
		d.logger.Printf("Integrated %d records (%d ignored, %d superseded)", result.Applied, result.Ignored, result.Superseded)
	}
	return result, d.recorder.StepFinished(ctx, status.StepIntegration)
}

// markInitialised flags the first complete cycle. Push cursors skip rows
// written before it, which are either pulled data or were never synced.
func (d *Driver) markInitialised(ctx context.Context) error {
	return db.WithTx(ctx, d.conn, func(tx *sqlx.Tx) error {
		latest, err := repo.NewChangelogRepo(tx).LatestCursor(ctx)
		if err != nil {
			return err
		}
		kv := repo.NewKeyValueStore(tx)
		for _, key := range []repo.Key{repo.KeyPushCursorV5, repo.KeyPushCursorV6} {
			if err := kv.SetCursor(ctx, key, latest); err != nil {
				return err
			}
		}
		d.logger.Println("Site initialised")
		return kv.SetBool(ctx, repo.KeyIsInitialised, true)
	})
}
