package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// LegacyStockLine is the legacy item_line payload.
type LegacyStockLine struct {
	ID         string    `json:"ID"`
	StoreID    string    `json:"store_ID"`
	ItemID     string    `json:"item_ID"`
	Batch      OptString `json:"batch"`
	ExpiryDate Date      `json:"expiry_date"`
	Hold       bool      `json:"hold"`
	LocationID OptString `json:"location_ID"`
	PackSize   int64     `json:"pack_size"`
	Available  float64   `json:"available"`
	Quantity   float64   `json:"quantity"`
	CostPrice  float64   `json:"cost_price"`
	SellPrice  float64   `json:"sell_price"`
	Note       OptString `json:"note"`
	SupplierID OptString `json:"name_ID"`
	BarcodeID  OptString `json:"barcodeID"`
}

// StockLine translates item_line to stock_line.
type StockLine struct{}

func (StockLine) TableName() string { return "item_line" }

func (StockLine) PullDependencies() []string {
	return []string{"item", "name", "store", "Location"}
}

func (StockLine) ChangelogTable() string { return repo.StockLine{}.Table() }

func (StockLine) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyStockLine
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	return Upserts(repo.StockLine{
		ID:                     data.ID,
		ItemID:                 data.ItemID,
		StoreID:                data.StoreID,
		LocationID:             data.LocationID.Ptr(),
		Batch:                  data.Batch.Ptr(),
		PackSize:               data.PackSize,
		CostPricePerPack:       data.CostPrice,
		SellPricePerPack:       data.SellPrice,
		AvailableNumberOfPacks: data.Available,
		TotalNumberOfPacks:     data.Quantity,
		ExpiryDate:             data.ExpiryDate.Ptr(),
		OnHold:                 data.Hold,
		Note:                   data.Note.Ptr(),
		SupplierID:             data.SupplierID.Ptr(),
		BarcodeID:              data.BarcodeID.Ptr(),
	}), nil
}

func (StockLine) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.StockLine{}.Table(), row.RecordID), nil
}

func (s StockLine) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.StockLine](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	rec, err := wire.Upsert(s.TableName(), row.ID, LegacyStockLine{
		ID:         row.ID,
		StoreID:    row.StoreID,
		ItemID:     row.ItemID,
		Batch:      OptStringOf(row.Batch),
		ExpiryDate: DateOf(row.ExpiryDate),
		Hold:       row.OnHold,
		LocationID: OptStringOf(row.LocationID),
		PackSize:   row.PackSize,
		Available:  row.AvailableNumberOfPacks,
		Quantity:   row.TotalNumberOfPacks,
		CostPrice:  row.CostPricePerPack,
		SellPrice:  row.SellPricePerPack,
		Note:       OptStringOf(row.Note),
		SupplierID: OptStringOf(row.SupplierID),
		BarcodeID:  OptStringOf(row.BarcodeID),
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (s StockLine) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(s.TableName(), entry.RecordID)}, nil
}
