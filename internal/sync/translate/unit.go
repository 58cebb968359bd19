package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

// LegacyUnit is the legacy unit payload.
type LegacyUnit struct {
	ID          string    `json:"ID"`
	Units       string    `json:"units"`
	Comment     OptString `json:"comment"`
	OrderNumber int64     `json:"order_number"`
}

// Unit translates the unit table. Units are central data and never pushed.
type Unit struct {
	NoPush
}

func (Unit) TableName() string          { return "unit" }
func (Unit) PullDependencies() []string { return nil }

func (Unit) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyUnit
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	return Upserts(repo.Unit{
		ID:          data.ID,
		Name:        data.Units,
		Description: data.Comment.Ptr(),
		Index:       data.OrderNumber,
	}), nil
}

func (Unit) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.Unit{}.Table(), row.RecordID), nil
}
