package translate

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

// LegacyUserPermission is the legacy om_user_permission payload.
type LegacyUserPermission struct {
	ID         string    `json:"ID"`
	UserID     string    `json:"user_ID"`
	StoreID    OptString `json:"store_ID"`
	Permission string    `json:"permission"`
	ContextID  OptString `json:"context_ID"`
}

var legacyPermissions = map[string]repo.Permission{
	"DocumentQuery":  repo.PermissionDocumentQuery,
	"DocumentMutate": repo.PermissionDocumentMutate,
	"StoreAccess":    repo.PermissionStoreAccess,
}

// UserPermission translates om_user_permission. Permissions are granted on
// central only.
type UserPermission struct {
	NoPush
}

func (UserPermission) TableName() string          { return "om_user_permission" }
func (UserPermission) PullDependencies() []string { return []string{"store"} }

func (UserPermission) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyUserPermission
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	permission, ok := legacyPermissions[data.Permission]
	if !ok {
		return Result{}, translateErr(row, "unmapped permission", enumError("permission", data.Permission))
	}
	return Upserts(repo.UserPermission{
		ID:         data.ID,
		UserID:     data.UserID,
		StoreID:    data.StoreID.Ptr(),
		Permission: permission,
		ContextID:  data.ContextID.Ptr(),
	}), nil
}

func (UserPermission) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.UserPermission{}.Table(), row.RecordID), nil
}
