package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// SyncLog records one driver cycle and the progress of each step.
type SyncLog struct {
	ID                          string     `db:"id" json:"id"`
	StartedDatetime             Timestamp  `db:"started_datetime" json:"started"`
	FinishedDatetime            *Timestamp `db:"finished_datetime" json:"finished,omitempty"`
	PushStartedDatetime         *Timestamp `db:"push_started_datetime" json:"-"`
	PushFinishedDatetime        *Timestamp `db:"push_finished_datetime" json:"-"`
	PushProgressTotal           *int64     `db:"push_progress_total" json:"-"`
	PushProgressDone            *int64     `db:"push_progress_done" json:"-"`
	PullCentralStartedDatetime  *Timestamp `db:"pull_central_started_datetime" json:"-"`
	PullCentralFinishedDatetime *Timestamp `db:"pull_central_finished_datetime" json:"-"`
	PullCentralProgressTotal    *int64     `db:"pull_central_progress_total" json:"-"`
	PullCentralProgressDone     *int64     `db:"pull_central_progress_done" json:"-"`
	PullRemoteStartedDatetime   *Timestamp `db:"pull_remote_started_datetime" json:"-"`
	PullRemoteFinishedDatetime  *Timestamp `db:"pull_remote_finished_datetime" json:"-"`
	PullRemoteProgressTotal     *int64     `db:"pull_remote_progress_total" json:"-"`
	PullRemoteProgressDone      *int64     `db:"pull_remote_progress_done" json:"-"`
	PullV6StartedDatetime       *Timestamp `db:"pull_v6_started_datetime" json:"-"`
	PullV6FinishedDatetime      *Timestamp `db:"pull_v6_finished_datetime" json:"-"`
	PullV6ProgressTotal         *int64     `db:"pull_v6_progress_total" json:"-"`
	PullV6ProgressDone          *int64     `db:"pull_v6_progress_done" json:"-"`
	PushV6StartedDatetime       *Timestamp `db:"push_v6_started_datetime" json:"-"`
	PushV6FinishedDatetime      *Timestamp `db:"push_v6_finished_datetime" json:"-"`
	PushV6ProgressTotal         *int64     `db:"push_v6_progress_total" json:"-"`
	PushV6ProgressDone          *int64     `db:"push_v6_progress_done" json:"-"`
	IntegrationStartedDatetime  *Timestamp `db:"integration_started_datetime" json:"-"`
	IntegrationFinishedDatetime *Timestamp `db:"integration_finished_datetime" json:"-"`
	IntegrationProgressTotal    *int64     `db:"integration_progress_total" json:"-"`
	IntegrationProgressDone     *int64     `db:"integration_progress_done" json:"-"`
	ErrorMessage                *string    `db:"error_message" json:"error_message,omitempty"`
	ErrorCode                   *string    `db:"error_code" json:"error_code,omitempty"`
}

// Table implements Record.
func (SyncLog) Table() string { return "sync_log" }

// Key implements Record.
func (l SyncLog) Key() string { return l.ID }

// SyncLogRepo reads sync logs. Writes use Upsert.
type SyncLogRepo struct {
	q sqlx.ExtContext
}

// NewSyncLogRepo binds the repository to a db or tx.
func NewSyncLogRepo(q sqlx.ExtContext) *SyncLogRepo {
	return &SyncLogRepo{q: q}
}

// Latest returns the most recently started log, nil when there is none.
func (r *SyncLogRepo) Latest(ctx context.Context) (*SyncLog, error) {
	logs, err := r.Since(ctx, nil, 1)
	if err != nil || len(logs) == 0 {
		return nil, err
	}
	return &logs[0], nil
}

// LatestSuccessful returns the latest finished log without an error.
func (r *SyncLogRepo) LatestSuccessful(ctx context.Context) (*SyncLog, error) {
	info := infoFor(SyncLog{})
	var log SyncLog
	err := sqlx.GetContext(ctx, r.q, &log, fmt.Sprintf(`SELECT %s FROM sync_log
		WHERE finished_datetime IS NOT NULL AND error_message IS NULL
		ORDER BY started_datetime DESC LIMIT 1`, columnList(info)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest successful sync log: %w", err)
	}
	return &log, nil
}

// Since returns logs started after since (all when nil), newest first.
func (r *SyncLogRepo) Since(ctx context.Context, since *Timestamp, limit int) ([]SyncLog, error) {
	info := infoFor(SyncLog{})
	query := fmt.Sprintf("SELECT %s FROM sync_log", columnList(info))
	var args []any
	if since != nil {
		query += " WHERE started_datetime >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY started_datetime DESC LIMIT ?"
	args = append(args, limit)

	var logs []SyncLog
	if err := sqlx.SelectContext(ctx, r.q, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to read sync logs: %w", err)
	}
	return logs, nil
}

func columnList(info *tableInfo) string {
	return strings.Join(info.columns, ", ")
}
