// Package files moves sync file attachments between a site and central.
//
// Each pass picks the oldest due file reference, uploads or downloads it
// and records the outcome on the reference. Failed transfers back off and
// give up after MaxAttempts.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

const (
	// MaxAttempts is one attempt an hour for a week.
	MaxAttempts = 7 * 24
	// RetryDelay doubles with each retry up to MaxRetryDelay.
	RetryDelay    = 15 * time.Minute
	MaxRetryDelay = 60 * time.Minute
	// NotFoundRetryDelay applies when central does not know the reference
	// yet, which clears on the next push.
	NotFoundRetryDelay = time.Minute

	DefaultSchedule = "@every 1m"
)

// Transport carries file bodies to and from central.
type Transport interface {
	Upload(ctx context.Context, ref *repo.SyncFileReference, body io.Reader) error
	Download(ctx context.Context, ref *repo.SyncFileReference) (io.ReadCloser, error)
}

// Outcome describes the file a pass worked on.
type Outcome struct {
	FileID    string
	Direction repo.FileDirection
	Status    repo.FileStatus
	Err       error
}

// Config controls a Synchroniser.
type Config struct {
	// Schedule is a cron spec for periodic passes (default: every minute).
	Schedule string
	// Watch triggers a pass when files change under the store directory.
	Watch bool
	// Logger for transfer activity (default: stderr logger).
	Logger *log.Logger
	// OnOutcome, when set, receives the outcome of every pass that found a
	// file.
	OnOutcome func(Outcome)
}

// Synchroniser transfers sync files one per pass.
type Synchroniser struct {
	conn      *sqlx.DB
	store     *Store
	transport Transport
	schedule  string
	watch     bool
	logger    *log.Logger
	onOutcome func(Outcome)
	now       func() time.Time

	trigger chan struct{}
}

// New creates a synchroniser.
func New(conn *sqlx.DB, store *Store, transport Transport, cfg *Config) *Synchroniser {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[files] ", log.LstdFlags)
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Synchroniser{
		conn:      conn,
		store:     store,
		transport: transport,
		schedule:  schedule,
		watch:     cfg.Watch,
		logger:    logger,
		onOutcome: cfg.OnOutcome,
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
}

// NextRetry is the delay before the attempt after retries failed ones.
func NextRetry(retries int, notFound bool) time.Duration {
	if notFound {
		return NotFoundRetryDelay
	}
	delay := RetryDelay
	for i := 0; i < retries && delay < MaxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, MaxRetryDelay)
}

// Trigger asks for a pass. Triggers coalesce while a pass is pending.
func (s *Synchroniser) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SyncOnce transfers the next due file, uploads first. It returns nil when
// nothing is due. A failed transfer is recorded on the reference and
// reported in Outcome.Err, the returned error is for database failures.
func (s *Synchroniser) SyncOnce(ctx context.Context) (*Outcome, error) {
	refs := repo.NewFileRepo(s.conn)
	now := s.now()

	ref, err := refs.NextDue(ctx, repo.FileUpload, now)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		if ref, err = refs.NextDue(ctx, repo.FileDownload, now); err != nil {
			return nil, err
		}
	}
	if ref == nil {
		return nil, nil
	}

	ref.Status = repo.FileInProgress
	if err := refs.UpdateStatus(ctx, ref); err != nil {
		return nil, err
	}

	var transferErr error
	if ref.Direction == repo.FileUpload {
		transferErr = s.upload(ctx, ref)
	} else {
		transferErr = s.download(ctx, ref)
	}

	if transferErr == nil {
		ref.Status = repo.FileDone
		ref.Error = nil
		ref.RetryAt = nil
		s.logger.Printf("%s of %s (%s) done", ref.Direction, ref.ID, ref.FileName)
	} else {
		s.fail(ref, transferErr, now)
		s.logger.Printf("%s of %s failed (attempt %d): %v", ref.Direction, ref.ID, ref.Retries, transferErr)
	}

	// The outcome is recorded even when ctx was cancelled mid-transfer.
	if err := refs.UpdateStatus(context.WithoutCancel(ctx), ref); err != nil {
		return nil, err
	}
	return &Outcome{FileID: ref.ID, Direction: ref.Direction, Status: ref.Status, Err: transferErr}, nil
}

func (s *Synchroniser) upload(ctx context.Context, ref *repo.SyncFileReference) error {
	f, err := s.store.Open(ref)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := s.transport.Upload(ctx, ref, f); err != nil {
		return err
	}
	ref.UploadedBytes = ref.TotalBytes
	return nil
}

func (s *Synchroniser) download(ctx context.Context, ref *repo.SyncFileReference) error {
	body, err := s.transport.Download(ctx, ref)
	if err != nil {
		return err
	}
	defer body.Close()

	n, err := s.store.Save(ref, body)
	if err != nil {
		return err
	}
	if ref.TotalBytes > 0 && n != ref.TotalBytes {
		s.logger.Printf("file %s: expected %d bytes, received %d", ref.ID, ref.TotalBytes, n)
	}
	ref.DownloadedBytes = ref.TotalBytes
	return nil
}

func (s *Synchroniser) fail(ref *repo.SyncFileReference, err error, now time.Time) {
	msg := err.Error()
	ref.Error = &msg
	if ref.Retries >= MaxAttempts {
		ref.Status = repo.FilePermanentFailure
		ref.RetryAt = nil
		return
	}
	ref.Status = repo.FileError
	ref.RetryAt = repo.TimestampPtr(now.Add(NextRetry(ref.Retries, errors.Is(err, ErrNotFound))))
	ref.Retries++
}

// Run runs passes on the schedule, on Trigger and, with Watch set, on
// changes under the store directory, until ctx is done.
func (s *Synchroniser) Run(ctx context.Context) error {
	if n, err := repo.NewFileRepo(s.conn).ResetInProgress(ctx); err != nil {
		return err
	} else if n > 0 {
		s.logger.Printf("resumed %d interrupted transfers", n)
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.Trigger); err != nil {
		return fmt.Errorf("invalid file sync schedule %q: %w", s.schedule, err)
	}
	c.Start()
	defer c.Stop()

	if s.watch {
		w, err := newTreeWatcher(s.store.Dir())
		if err != nil {
			s.logger.Printf("file watching disabled: %v", err)
		} else {
			defer w.Close()
			go s.watchLoop(ctx, w)
		}
	}

	s.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			outcome, err := s.SyncOnce(ctx)
			if err != nil {
				s.logger.Printf("file sync pass failed: %v", err)
				continue
			}
			if outcome != nil && s.onOutcome != nil {
				s.onOutcome(*outcome)
			}
			// Keep draining while transfers succeed.
			if outcome != nil && outcome.Err == nil {
				s.Trigger()
			}
		}
	}
}

func (s *Synchroniser) watchLoop(ctx context.Context, w *treeWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events():
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.addIfDir(event.Name)
				s.Trigger()
			}
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			s.logger.Printf("watcher error: %v", err)
		}
	}
}
