package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// LegacyCurrency is the legacy currency payload.
type LegacyCurrency struct {
	ID             string  `json:"ID"`
	Rate           float64 `json:"rate"`
	Code           string  `json:"currency"`
	IsHomeCurrency bool    `json:"is_home_currency"`
	DateUpdated    Date    `json:"date_updated"`
	IsActive       bool    `json:"is_active"`
}

// Currency translates the currency table.
type Currency struct {
	NoPullDelete
}

func (Currency) TableName() string          { return "currency" }
func (Currency) PullDependencies() []string { return nil }
func (Currency) ChangelogTable() string     { return repo.Currency{}.Table() }

func (Currency) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyCurrency
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	return Upserts(repo.Currency{
		ID:             data.ID,
		Rate:           data.Rate,
		Code:           data.Code,
		IsHomeCurrency: data.IsHomeCurrency,
		DateUpdated:    data.DateUpdated.Ptr(),
		IsActive:       data.IsActive,
	}), nil
}

func (c Currency) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.Currency](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	rec, err := wire.Upsert(c.TableName(), row.ID, LegacyCurrency{
		ID:             row.ID,
		Rate:           row.Rate,
		Code:           row.Code,
		IsHomeCurrency: row.IsHomeCurrency,
		DateUpdated:    DateOf(row.DateUpdated),
		IsActive:       row.IsActive,
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (c Currency) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(c.TableName(), entry.RecordID)}, nil
}
