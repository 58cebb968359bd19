package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// LegacyName is the legacy name payload.
type LegacyName struct {
	ID          string    `json:"ID"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	Type        string    `json:"type"`
	Customer    bool      `json:"customer"`
	Supplier    bool      `json:"supplier"`
	FirstName   OptString `json:"first"`
	LastName    OptString `json:"last"`
	Female      bool      `json:"female"`
	DateOfBirth Date      `json:"date_of_birth"`
	IsDeceased  bool      `json:"isDeceased"`
}

var legacyNameTypes = map[string]repo.NameType{
	"facility": repo.NameFacility,
	"patient":  repo.NamePatient,
	"build":    repo.NameBuild,
	"invad":    repo.NameInvad,
	"repack":   repo.NameRepack,
	"store":    repo.NameStore,
}

func legacyNameType(t repo.NameType) string {
	for legacy, internal := range legacyNameTypes {
		if internal == t {
			return legacy
		}
	}
	return "facility"
}

// Name translates the name table. Gender is only kept for patients.
type Name struct {
	NoPullDelete
}

func (Name) TableName() string          { return "name" }
func (Name) PullDependencies() []string { return nil }
func (Name) ChangelogTable() string     { return repo.Name{}.Table() }

func (Name) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyName
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}

	nameType, ok := legacyNameTypes[data.Type]
	if !ok {
		return Result{}, translateErr(row, "unmapped name type", enumError("type", data.Type))
	}

	var gender *string
	if nameType == repo.NamePatient {
		gender = ptr("MALE")
		if data.Female {
			gender = ptr("FEMALE")
		}
	}

	return Upserts(repo.Name{
		ID:          data.ID,
		Name:        data.Name,
		Code:        data.Code,
		Type:        nameType,
		IsCustomer:  data.Customer,
		IsSupplier:  data.Supplier,
		FirstName:   data.FirstName.Ptr(),
		LastName:    data.LastName.Ptr(),
		Gender:      gender,
		DateOfBirth: data.DateOfBirth.Ptr(),
		IsDeceased:  data.IsDeceased,
	}), nil
}

func (n Name) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.Name](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	rec, err := wire.Upsert(n.TableName(), row.ID, LegacyName{
		ID:          row.ID,
		Name:        row.Name,
		Code:        row.Code,
		Type:        legacyNameType(row.Type),
		Customer:    row.IsCustomer,
		Supplier:    row.IsSupplier,
		FirstName:   OptStringOf(row.FirstName),
		LastName:    OptStringOf(row.LastName),
		Female:      row.Gender != nil && *row.Gender == "FEMALE",
		DateOfBirth: DateOf(row.DateOfBirth),
		IsDeceased:  row.IsDeceased,
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (n Name) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(n.TableName(), entry.RecordID)}, nil
}

// LegacyNameFlags is the part of a legacy name that sets store relationships.
type LegacyNameFlags struct {
	ID       string `json:"ID"`
	Customer bool   `json:"customer"`
	Supplier bool   `json:"supplier"`
}

// NameToNameStoreJoin copies the customer and supplier flags of a legacy
// name onto every name_store_join of that name. The legacy system keeps
// these flags on the name, this system keeps them per store.
type NameToNameStoreJoin struct {
	NoPush
	NoPullDelete
}

func (NameToNameStoreJoin) TableName() string          { return "name" }
func (NameToNameStoreJoin) PullDependencies() []string { return nil }

func (NameToNameStoreJoin) PullUpsert(ctx context.Context, q sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyNameFlags
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}

	joins, err := repo.NameStoreJoinsForName(ctx, q, data.ID)
	if err != nil {
		return Result{}, err
	}
	if len(joins) == 0 {
		return IgnoredBecause("name store joins not found for name"), nil
	}

	upserts := make([]repo.Record, 0, len(joins))
	for _, j := range joins {
		j.NameIsCustomer = data.Customer
		j.NameIsSupplier = data.Supplier
		upserts = append(upserts, j)
	}
	return Upserts(upserts...), nil
}
