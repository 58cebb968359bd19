package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

// LegacyListMaster is the legacy list_master payload.
type LegacyListMaster struct {
	ID          string `json:"ID"`
	Description string `json:"description"`
	Code        string `json:"code"`
	Note        string `json:"note"`
}

// MasterList translates list_master. The legacy description is the list
// name and the legacy note its description.
type MasterList struct {
	NoPush
}

func (MasterList) TableName() string          { return "list_master" }
func (MasterList) PullDependencies() []string { return nil }

func (MasterList) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyListMaster
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	return Upserts(repo.MasterList{
		ID:          data.ID,
		Name:        data.Description,
		Code:        data.Code,
		Description: data.Note,
	}), nil
}

func (MasterList) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.MasterList{}.Table(), row.RecordID), nil
}
