package status

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

// Report is a snapshot of the sync state of this node.
type Report struct {
	Latest         *repo.SyncLog
	LastSuccessful *repo.SyncLog
	IsInitialised  bool
	Cursors        map[repo.Key]uint64
	PendingBuffer  int64
	Files          map[repo.FileStatus]int
}

// ReportCursors are the cursor keys a report includes.
var ReportCursors = []repo.Key{
	repo.KeyPushCursorV5, repo.KeyPullCursorV5,
	repo.KeyPushCursorV6, repo.KeyPullCursorV6,
}

// Load reads a report.
func Load(ctx context.Context, q sqlx.ExtContext) (*Report, error) {
	logs := repo.NewSyncLogRepo(q)
	latest, err := logs.Latest(ctx)
	if err != nil {
		return nil, err
	}
	successful, err := logs.LatestSuccessful(ctx)
	if err != nil {
		return nil, err
	}

	kv := repo.NewKeyValueStore(q)
	initialised, err := kv.GetBool(ctx, repo.KeyIsInitialised)
	if err != nil {
		return nil, err
	}
	cursors := make(map[repo.Key]uint64, len(ReportCursors))
	for _, key := range ReportCursors {
		if cursors[key], err = kv.Cursor(ctx, key); err != nil {
			return nil, err
		}
	}

	pending, err := repo.NewBufferRepo(q).CountPending(ctx)
	if err != nil {
		return nil, err
	}
	refs, err := repo.NewFileRepo(q).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync files: %w", err)
	}
	counts := make(map[repo.FileStatus]int)
	for _, ref := range refs {
		counts[ref.Status]++
	}

	return &Report{
		Latest:         latest,
		LastSuccessful: successful,
		IsInitialised:  initialised,
		Cursors:        cursors,
		PendingBuffer:  pending,
		Files:          counts,
	}, nil
}
