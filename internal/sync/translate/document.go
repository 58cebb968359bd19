package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// LegacyDocumentRegistry is the legacy om_document_registry payload.
type LegacyDocumentRegistry struct {
	ID           string    `json:"ID"`
	DocumentType string    `json:"document_type"`
	ContextID    string    `json:"context_ID"`
	Category     string    `json:"category"`
	Name         OptString `json:"name"`
	FormSchemaID OptString `json:"form_schema_ID"`
}

var legacyCategories = map[string]repo.DocumentCategory{
	"Patient":          repo.CategoryPatient,
	"ProgramEnrolment": repo.CategoryProgramEnrolment,
	"Encounter":        repo.CategoryEncounter,
	"Custom":           repo.CategoryCustom,
}

// DocumentRegistry translates om_document_registry.
type DocumentRegistry struct {
	NoPush
}

func (DocumentRegistry) TableName() string          { return "om_document_registry" }
func (DocumentRegistry) PullDependencies() []string { return nil }

func (DocumentRegistry) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyDocumentRegistry
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}
	category, ok := legacyCategories[data.Category]
	if !ok {
		return Result{}, translateErr(row, "unmapped registry category", enumError("category", data.Category))
	}
	return Upserts(repo.DocumentRegistry{
		ID:           data.ID,
		DocumentType: data.DocumentType,
		ContextID:    data.ContextID,
		Category:     category,
		Name:         data.Name.Ptr(),
		FormSchemaID: data.FormSchemaID.Ptr(),
	}), nil
}

func (DocumentRegistry) PullDelete(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	return Deletes(repo.DocumentRegistry{}.Table(), row.RecordID), nil
}

// LegacyDocument is the legacy om_document payload. Data is the document
// body and is kept verbatim.
type LegacyDocument struct {
	ID           string          `json:"ID"`
	Name         string          `json:"name"`
	ParentIDs    []string        `json:"parent_IDs"`
	UserID       string          `json:"user_ID"`
	Datetime     string          `json:"datetime"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	FormSchemaID OptString       `json:"form_schema_ID"`
	Status       string          `json:"status"`
	OwnerNameID  OptString       `json:"owner_name_ID"`
	ContextID    string          `json:"context_ID"`
}

// Document translates om_document. Projections of the document body are
// written by the integration engine, not here.
type Document struct {
	NoPullDelete
	DirectSync
}

func (Document) TableName() string { return "om_document" }

func (Document) PullDependencies() []string {
	return []string{"name", "om_document_registry"}
}

func (Document) ChangelogTable() string { return repo.Document{}.Table() }

func (Document) PullUpsert(_ context.Context, _ sqlx.QueryerContext, row *repo.SyncBufferRow) (Result, error) {
	var data LegacyDocument
	if err := decode(row, &data); err != nil {
		return Result{}, err
	}

	status := repo.DocumentStatus(data.Status)
	if status != repo.DocumentActive && status != repo.DocumentDeleted {
		return Result{}, translateErr(row, "unmapped document status", enumError("status", data.Status))
	}
	at, err := time.Parse(time.RFC3339Nano, data.Datetime)
	if err != nil {
		return Result{}, translateErr(row, "invalid document datetime", err)
	}
	parents := data.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	parentIDs, err := json.Marshal(parents)
	if err != nil {
		return Result{}, translateErr(row, "invalid parent ids", err)
	}
	body := string(data.Data)
	if body == "" || body == "null" {
		body = "{}"
	}

	return Upserts(repo.Document{
		ID:           data.ID,
		Name:         data.Name,
		ParentIDs:    string(parentIDs),
		UserID:       data.UserID,
		Datetime:     repo.NewTimestamp(at),
		Type:         data.Type,
		Data:         body,
		FormSchemaID: data.FormSchemaID.Ptr(),
		Status:       status,
		OwnerNameID:  data.OwnerNameID.Ptr(),
		ContextID:    data.ContextID,
	}), nil
}

func (d Document) PushUpsert(ctx context.Context, q sqlx.QueryerContext, entry *repo.ChangelogEntry) ([]wire.Record, error) {
	row, err := repo.Find[repo.Document](ctx, q, entry.RecordID)
	if err != nil || row == nil {
		return nil, err
	}
	var parents []string
	if err := json.Unmarshal([]byte(row.ParentIDs), &parents); err != nil {
		return nil, fmt.Errorf("failed to read parent ids of document %s: %w", row.ID, err)
	}
	rec, err := wire.Upsert(d.TableName(), row.ID, LegacyDocument{
		ID:           row.ID,
		Name:         row.Name,
		ParentIDs:    parents,
		UserID:       row.UserID,
		Datetime:     row.Datetime.UTC().Format(time.RFC3339Nano),
		Type:         row.Type,
		Data:         json.RawMessage(row.Data),
		FormSchemaID: OptStringOf(row.FormSchemaID),
		Status:       string(row.Status),
		OwnerNameID:  OptStringOf(row.OwnerNameID),
		ContextID:    row.ContextID,
	})
	if err != nil {
		return nil, err
	}
	return []wire.Record{rec}, nil
}

func (d Document) PushDelete(entry *repo.ChangelogEntry) ([]wire.Record, error) {
	return []wire.Record{wire.Delete(d.TableName(), entry.RecordID)}, nil
}
