package translate

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// LegacySyncFileReference carries file metadata only. Transfer state is
// local to each node.
type LegacySyncFileReference struct {
	ID              string    `json:"ID"`
	TableName       string    `json:"table_name"`
	RecordID        string    `json:"record_id"`
	FileName        string    `json:"file_name"`
	MimeType        OptString `json:"mime_type"`
	TotalBytes      int64     `json:"total_bytes"`
	CreatedDatetime string    `json:"created_datetime"`
}

// SyncFileReference translates sync_file_reference. A pulled reference is
// a file this node must download, unless the node already tracks it.
type SyncFileReference struct {
	NoPullDelete
	DirectSync
}

func (SyncFileReference) TableName() string          { return "sync_file_reference" }
func (SyncFileReference) PullDependencies() []string { return nil }
func (SyncFileReference) ChangelogTable() string     { return repo.SyncFileReference{}.Table() }

func (SyncFileReference) PullUpsert(ctx context.Context, q sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacySyncFileReference
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	created, err := time.Parse(time.RFC3339Nano, data.CreatedDatetime)
	if err != nil {
		return Result{}, translateErr(row, "invalid created datetime", err)
	}

	ref := repo.SyncFileReference{
		ID:              data.ID,
		TableName:       data.TableName,
		RecordID:        data.RecordID,
		FileName:        data.FileName,
		MimeType:        data.MimeType.Ptr(),
		TotalBytes:      data.TotalBytes,
		Status:          repo.FileNew,
		Direction:       repo.FileDownload,
		CreatedDatetime: repo.NewTimestamp(created),
	}

	existing, err := repo.Find[repo.SyncFileReference](ctx, q, data.ID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		ref.Status = existing.Status
		ref.Direction = existing.Direction
		ref.Retries = existing.Retries
		ref.RetryAt = existing.RetryAt
		ref.Error = existing.Error
		ref.UploadedBytes = existing.UploadedBytes
		ref.DownloadedBytes = existing.DownloadedBytes
	}
	return Upserts(ref), nil
}

func (f SyncFileReference) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.SyncFileReference](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	rec, err := wire.Upsert(f.TableName(), row.ID, LegacySyncFileReference{
		ID:              row.ID,
		TableName:       row.TableName,
		RecordID:        row.RecordID,
		FileName:        row.FileName,
		MimeType:        OptStringOf(row.MimeType),
		TotalBytes:      row.TotalBytes,
		CreatedDatetime: row.CreatedDatetime.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (f SyncFileReference) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(f.TableName(), entry.RecordID)}, nil
}
