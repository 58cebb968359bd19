package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// FileStatus is the transfer state of a sync file.
type FileStatus string

const (
	FileNew              FileStatus = "New"
	FileInProgress       FileStatus = "InProgress"
	FileDone             FileStatus = "Done"
	FileError            FileStatus = "Error"
	FilePermanentFailure FileStatus = "PermanentFailure"
)

// FileDirection says whether this node sends or fetches the file.
type FileDirection string

const (
	FileUpload   FileDirection = "Upload"
	FileDownload FileDirection = "Download"
)

// SyncFileReference is an attachment that must cross sites.
type SyncFileReference struct {
	ID              string        `db:"id"`
	TableName       string        `db:"table_name"`
	RecordID        string        `db:"record_id"`
	FileName        string        `db:"file_name"`
	MimeType        *string       `db:"mime_type"`
	TotalBytes      int64         `db:"total_bytes"`
	UploadedBytes   int64         `db:"uploaded_bytes"`
	DownloadedBytes int64         `db:"downloaded_bytes"`
	Status          FileStatus    `db:"status"`
	Direction       FileDirection `db:"direction"`
	Retries         int           `db:"retries"`
	RetryAt         *Timestamp    `db:"retry_at"`
	Error           *string       `db:"error"`
	CreatedDatetime Timestamp     `db:"created_datetime"`
}

// Table implements Record.
func (SyncFileReference) Table() string { return "sync_file_reference" }

// Key implements Record.
func (f SyncFileReference) Key() string { return f.ID }

// FileRepo queries sync file references.
type FileRepo struct {
	q sqlx.ExtContext
}

// NewFileRepo binds the repository to a db or tx.
func NewFileRepo(q sqlx.ExtContext) *FileRepo {
	return &FileRepo{q: q}
}

// NextDue returns the oldest file in the given direction that is ready for
// a transfer attempt at now, nil when none is due.
func (r *FileRepo) NextDue(ctx context.Context, direction FileDirection, now time.Time) (*SyncFileReference, error) {
	info := infoFor(SyncFileReference{})
	var files []SyncFileReference
	err := sqlx.SelectContext(ctx, r.q, &files, fmt.Sprintf(`
		SELECT %s FROM sync_file_reference
		WHERE direction = ?
		  AND status IN (?, ?)
		  AND (retry_at IS NULL OR retry_at <= ?)
		ORDER BY created_datetime ASC, id ASC
		LIMIT 1`, columnList(info)),
		direction, FileNew, FileError, NewTimestamp(now))
	if err != nil {
		return nil, fmt.Errorf("failed to find due %s file: %w", direction, err)
	}
	if len(files) == 0 {
		return nil, nil
	}
	return &files[0], nil
}

// List returns every file reference, newest first.
func (r *FileRepo) List(ctx context.Context) ([]SyncFileReference, error) {
	info := infoFor(SyncFileReference{})
	var files []SyncFileReference
	err := sqlx.SelectContext(ctx, r.q, &files, fmt.Sprintf(
		"SELECT %s FROM sync_file_reference ORDER BY created_datetime DESC", columnList(info)))
	if err != nil {
		return nil, fmt.Errorf("failed to list file references: %w", err)
	}
	return files, nil
}

// UpdateStatus writes the transfer state columns of f. Metadata columns are
// left alone so a concurrent pull of the same reference is not overwritten.
func (r *FileRepo) UpdateStatus(ctx context.Context, f *SyncFileReference) error {
	_, err := sqlx.NamedExecContext(ctx, r.q, `
		UPDATE sync_file_reference SET
			status = :status,
			retries = :retries,
			retry_at = :retry_at,
			error = :error,
			uploaded_bytes = :uploaded_bytes,
			downloaded_bytes = :downloaded_bytes
		WHERE id = :id`, f)
	if err != nil {
		return fmt.Errorf("failed to update file %s status: %w", f.ID, err)
	}
	return nil
}

// ResetInProgress returns transfers interrupted by a shutdown to Error so
// they are picked up again.
func (r *FileRepo) ResetInProgress(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		"UPDATE sync_file_reference SET status = ? WHERE status = ?", FileError, FileInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted file transfers: %w", err)
	}
	return res.RowsAffected()
}

// Retry makes a failed file due again with a fresh attempt count.
func (r *FileRepo) Retry(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE sync_file_reference
		SET status = ?, retries = 0, retry_at = NULL, error = NULL
		WHERE id = ? AND status IN (?, ?)`, FileNew, id, FileError, FilePermanentFailure)
	if err != nil {
		return fmt.Errorf("failed to retry file %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("file %s is not in a failed state", id)
	}
	return nil
}
