package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// LegacyLocation is the legacy Location payload. The legacy table name is
// capitalised.
type LegacyLocation struct {
	ID          string `json:"ID"`
	Code        string `json:"code"`
	Description string `json:"Description"`
	Hold        bool   `json:"hold"`
	StoreID     string `json:"store_ID"`
}

// Location translates store locations.
type Location struct{}

func (Location) TableName() string          { return "Location" }
func (Location) PullDependencies() []string { return []string{"store"} }
func (Location) ChangelogTable() string     { return repo.Location{}.Table() }

func (Location) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyLocation
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	return Upserts(repo.Location{
		ID:      data.ID,
		Code:    data.Code,
		Name:    data.Description,
		OnHold:  data.Hold,
		StoreID: data.StoreID,
	}), nil
}

func (Location) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.Location{}.Table(), row.RecordID), nil
}

func (l Location) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.Location](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	rec, err := wire.Upsert(l.TableName(), row.ID, LegacyLocation{
		ID:          row.ID,
		Code:        row.Code,
		Description: row.Name,
		Hold:        row.OnHold,
		StoreID:     row.StoreID,
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (l Location) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(l.TableName(), entry.RecordID)}, nil
}
