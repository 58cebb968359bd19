package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// LegacyStore is the legacy store payload.
type LegacyStore struct {
	ID               string `json:"ID"`
	NameID           string `json:"name_ID"`
	Code             string `json:"code"`
	SyncIDRemoteSite int64  `json:"sync_id_remote_site"`
}

// Store translates the store table. Stores are configured on central.
type Store struct {
	NoPush
	NoPullDelete
}

func (Store) TableName() string          { return "store" }
func (Store) PullDependencies() []string { return []string{"name"} }

func (Store) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyStore
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	return Upserts(repo.Store{
		ID:     data.ID,
		NameID: data.NameID,
		Code:   data.Code,
		SiteID: data.SyncIDRemoteSite,
	}), nil
}

// LegacyNameStoreJoin is the legacy name_store_join payload.
type LegacyNameStoreJoin struct {
	ID      string `json:"ID"`
	NameID  string `json:"name_ID"`
	StoreID string `json:"store_ID"`
}

// NameStoreJoin translates name_store_join. The customer and supplier flags
// are not on the legacy join, they are copied from the joined name.
type NameStoreJoin struct{}

func (NameStoreJoin) TableName() string          { return "name_store_join" }
func (NameStoreJoin) PullDependencies() []string { return []string{"name", "store"} }
func (NameStoreJoin) ChangelogTable() string     { return repo.NameStoreJoin{}.Table() }

func (NameStoreJoin) PullUpsert(ctx context.Context, q sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyNameStoreJoin
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}

	join := repo.NameStoreJoin{ID: data.ID, NameID: data.NameID, StoreID: data.StoreID}
	name, err := repo.Find[repo.Name](ctx, q, data.NameID)
	if err != nil {
		return Result{}, err
	}
	if name != nil {
		join.NameIsCustomer = name.IsCustomer
		join.NameIsSupplier = name.IsSupplier
	}
	return Upserts(join), nil
}

func (NameStoreJoin) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.NameStoreJoin{}.Table(), row.RecordID), nil
}

func (j NameStoreJoin) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.NameStoreJoin](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	rec, err := wire.Upsert(j.TableName(), row.ID, LegacyNameStoreJoin{
		ID:      row.ID,
		NameID:  row.NameID,
		StoreID: row.StoreID,
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (j NameStoreJoin) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(j.TableName(), entry.RecordID)}, nil
}
