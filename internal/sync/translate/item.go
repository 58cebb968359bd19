package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

// LegacyItem is the legacy item payload.
type LegacyItem struct {
	ID              string    `json:"ID"`
	Name            string    `json:"item_name"`
	Code            string    `json:"code"`
	UnitID          OptString `json:"unit_ID"`
	TypeOf          string    `json:"type_of"`
	DefaultPackSize int64     `json:"default_pack_size"`
}

// crossReference items only alias other items and have no internal row.
const crossReference = "cross_reference"

var legacyItemTypes = map[string]repo.ItemType{
	"general":   repo.ItemStock,
	"service":   repo.ItemService,
	"non_stock": repo.ItemNonStock,
}

// Item translates the item table.
type Item struct {
	NoPush
}

func (Item) TableName() string          { return "item" }
func (Item) PullDependencies() []string { return []string{"unit"} }

func (Item) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyItem
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	if data.TypeOf == crossReference {
		return IgnoredBecause("cross reference items are not integrated"), nil
	}

	itemType, ok := legacyItemTypes[data.TypeOf]
	if !ok {
		return Result{}, translateErr(row, "unmapped item type", enumError("type_of", data.TypeOf))
	}

	packSize := data.DefaultPackSize
	if packSize <= 0 {
		packSize = 1
	}
	return Upserts(repo.Item{
		ID:              data.ID,
		Name:            data.Name,
		Code:            data.Code,
		UnitID:          data.UnitID.Ptr(),
		Type:            itemType,
		DefaultPackSize: packSize,
	}), nil
}

func (Item) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.Item{}.Table(), row.RecordID), nil
}
