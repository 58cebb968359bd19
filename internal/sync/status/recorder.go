package status

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

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

// Step is a stage of a sync cycle.
type Step string

const (
	StepPush        Step = "push"
	StepPullCentral Step = "pull_central"
	StepPullRemote  Step = "pull_remote"
	StepPullV6      Step = "pull_v6"
	StepPushV6      Step = "push_v6"
	StepIntegration Step = "integration"
)

// Steps lists the steps in the order a cycle runs them.
var Steps = []Step{StepPush, StepPushV6, StepPullCentral, StepPullRemote, StepPullV6, StepIntegration}

// StepProgress is the state of one step.
type StepProgress struct {
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
	Total    *int64     `json:"total,omitempty"`
	Done     *int64     `json:"done,omitempty"`
}

// Progress is the broadcast view of a sync log.
type Progress struct {
	ID           string                `json:"id"`
	Started      time.Time             `json:"started"`
	Finished     *time.Time            `json:"finished,omitempty"`
	Steps        map[Step]StepProgress `json:"steps"`
	ErrorMessage *string               `json:"error_message,omitempty"`
	ErrorCode    *string               `json:"error_code,omitempty"`
}

// Recorder writes the sync_log row of the running cycle and broadcasts
// each change. A nil hub only writes.
type Recorder struct {
	conn   *sqlx.DB
	hub    *Hub
	logger *log.Logger
	now    func() time.Time

	mu  sync.Mutex
	cur *repo.SyncLog
}

// NewRecorder creates a recorder.
func NewRecorder(conn *sqlx.DB, hub *Hub, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}
	return &Recorder{conn: conn, hub: hub, logger: logger, now: time.Now}
}

// Begin starts a new sync log.
func (r *Recorder) Begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = &repo.SyncLog{ID: uuid.NewString(), StartedDatetime: repo.NewTimestamp(r.now())}
	return r.save(ctx, MessageSyncStarted)
}

// StepStarted stamps the start of step.
func (r *Recorder) StepStarted(ctx context.Context, step Step) error {
	return r.update(ctx, step, func(f stepFields) {
		*f.started = repo.TimestampPtr(r.now())
	})
}

// Progress records done of total for step.
func (r *Recorder) Progress(ctx context.Context, step Step, done, total int64) error {
	return r.update(ctx, step, func(f stepFields) {
		*f.done = &done
		*f.total = &total
	})
}

// Note records done of total for step in memory and broadcasts it. The
// next write persists it. Use it where the database is locked by the
// caller, such as inside an integration transaction.
func (r *Recorder) Note(step Step, done, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return
	}
	f, err := fieldsOf(r.cur, step)
	if err != nil {
		r.logger.Printf("failed to note progress: %v", err)
		return
	}
	*f.done = &done
	*f.total = &total
	r.broadcast(MessageSyncProgress)
}

// StepFinished stamps the end of step.
func (r *Recorder) StepFinished(ctx context.Context, step Step) error {
	return r.update(ctx, step, func(f stepFields) {
		*f.finished = repo.TimestampPtr(r.now())
	})
}

// Finish closes the log, with the error of the cycle if it failed.
func (r *Recorder) Finish(ctx context.Context, cycleErr error, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return errors.New("no sync log in progress")
	}
	r.cur.FinishedDatetime = repo.TimestampPtr(r.now())
	if cycleErr != nil {
		msg := cycleErr.Error()
		r.cur.ErrorMessage = &msg
		r.cur.ErrorCode = &code
	}
	err := r.save(ctx, MessageSyncFinished)
	r.cur = nil
	return err
}

// Current returns a copy of the running log, nil between cycles.
func (r *Recorder) Current() *repo.SyncLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil
	}
	cp := *r.cur
	return &cp
}

func (r *Recorder) update(ctx context.Context, step Step, fn func(stepFields)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return errors.New("no sync log in progress")
	}
	f, err := fieldsOf(r.cur, step)
	if err != nil {
		return err
	}
	fn(f)
	return r.save(ctx, MessageSyncProgress)
}

// save writes the log. Writes survive cancellation of the cycle.
func (r *Recorder) save(ctx context.Context, msgType MessageType) error {
	if err := repo.Upsert(context.WithoutCancel(ctx), r.conn, *r.cur); err != nil {
		return fmt.Errorf("failed to write sync log: %w", err)
	}
	r.broadcast(msgType)
	return nil
}

func (r *Recorder) broadcast(msgType MessageType) {
	if r.hub == nil {
		return
	}
	msg, err := NewMessage(msgType, ProgressOf(r.cur))
	if err != nil {
		r.logger.Printf("failed to encode progress: %v", err)
		return
	}
	r.hub.Broadcast(msg)
}

type stepFields struct {
	started, finished **repo.Timestamp
	total, done       **int64
}

func fieldsOf(l *repo.SyncLog, step Step) (stepFields, error) {
	switch step {
	case StepPush:
		return stepFields{&l.PushStartedDatetime, &l.PushFinishedDatetime, &l.PushProgressTotal, &l.PushProgressDone}, nil
	case StepPullCentral:
		return stepFields{&l.PullCentralStartedDatetime, &l.PullCentralFinishedDatetime, &l.PullCentralProgressTotal, &l.PullCentralProgressDone}, nil
	case StepPullRemote:
		return stepFields{&l.PullRemoteStartedDatetime, &l.PullRemoteFinishedDatetime, &l.PullRemoteProgressTotal, &l.PullRemoteProgressDone}, nil
	case StepPullV6:
		return stepFields{&l.PullV6StartedDatetime, &l.PullV6FinishedDatetime, &l.PullV6ProgressTotal, &l.PullV6ProgressDone}, nil
	case StepPushV6:
		return stepFields{&l.PushV6StartedDatetime, &l.PushV6FinishedDatetime, &l.PushV6ProgressTotal, &l.PushV6ProgressDone}, nil
	case StepIntegration:
		return stepFields{&l.IntegrationStartedDatetime, &l.IntegrationFinishedDatetime, &l.IntegrationProgressTotal, &l.IntegrationProgressDone}, nil
	}
	return stepFields{}, fmt.Errorf("unknown sync step %q", step)
}

// ProgressOf converts a sync log for display.
func ProgressOf(l *repo.SyncLog) Progress {
	p := Progress{
		ID:           l.ID,
		Started:      l.StartedDatetime.Time,
		Finished:     timeOf(l.FinishedDatetime),
		Steps:        make(map[Step]StepProgress, len(Steps)),
		ErrorMessage: l.ErrorMessage,
		ErrorCode:    l.ErrorCode,
	}
	for _, step := range Steps {
		f, _ := fieldsOf(l, step)
		if *f.started == nil {
			continue
		}
		p.Steps[step] = StepProgress{
			Started:  timeOf(*f.started),
			Finished: timeOf(*f.finished),
			Total:    *f.total,
			Done:     *f.done,
		}
	}
	return p
}

func timeOf(ts *repo.Timestamp) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.Time
	return &t
}
