package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// LegacyClinician is the legacy clinician payload.
type LegacyClinician struct {
	ID        string    `json:"ID"`
	Code      string    `json:"code"`
	LastName  string    `json:"last_name"`
	Initials  string    `json:"initials"`
	FirstName OptString `json:"first_name"`
	Address1  OptString `json:"address1"`
	Phone     OptString `json:"phone"`
	Mobile    OptString `json:"mobile"`
	Email     OptString `json:"email"`
	Female    bool      `json:"female"`
	Active    bool      `json:"active"`
}

// Clinician translates the clinician table.
type Clinician struct {
	NoPullDelete
}

func (Clinician) TableName() string          { return "clinician" }
func (Clinician) PullDependencies() []string { return nil }
func (Clinician) ChangelogTable() string     { return repo.Clinician{}.Table() }

func (Clinician) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyClinician
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	gender := "MALE"
	if data.Female {
		gender = "FEMALE"
	}
	return Upserts(repo.Clinician{
		ID:        data.ID,
		Code:      data.Code,
		LastName:  data.LastName,
		Initials:  data.Initials,
		FirstName: data.FirstName.Ptr(),
		Address1:  data.Address1.Ptr(),
		Phone:     data.Phone.Ptr(),
		Mobile:    data.Mobile.Ptr(),
		Email:     data.Email.Ptr(),
		Gender:    &gender,
		IsActive:  data.Active,
	}), nil
}

func (c Clinician) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.Clinician](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	rec, err := wire.Upsert(c.TableName(), row.ID, LegacyClinician{
		ID:        row.ID,
		Code:      row.Code,
		LastName:  row.LastName,
		Initials:  row.Initials,
		FirstName: OptStringOf(row.FirstName),
		Address1:  OptStringOf(row.Address1),
		Phone:     OptStringOf(row.Phone),
		Mobile:    OptStringOf(row.Mobile),
		Email:     OptStringOf(row.Email),
		Female:    row.Gender != nil && *row.Gender == "FEMALE",
		Active:    row.IsActive,
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (c Clinician) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(c.TableName(), entry.RecordID)}, nil
}
