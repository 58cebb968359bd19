// Package wire defines the record shapes exchanged between sites.
//
// Both transports carry the same record body: a legacy table name, a record
// id, an action and the legacy JSON payload. The legacy protocol frames it
// with a changelog ID or a sync-out id, the direct protocol with a cursor.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

// Action is the legacy action name.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// UnmarshalJSON rejects unknown actions so a malformed batch fails parsing.
func (a *Action) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch Action(s) {
	case ActionInsert, ActionUpdate, ActionDelete:
		*a = Action(s)
		return nil
	}
	return fmt.Errorf("unknown sync action %q", s)
}

// Record is a single wire record.
type Record struct {
	TableName string          `json:"tableName"`
	RecordID  string          `json:"recordId"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"recordData,omitempty"`
}

// Upsert builds an update record from a legacy payload.
func Upsert(table, recordID string, payload any) (Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode %s %s: %w", table, recordID, err)
	}
	return Record{TableName: table, RecordID: recordID, Action: ActionUpdate, Data: data}, nil
}

// Delete builds a delete record.
func Delete(table, recordID string) Record {
	return Record{TableName: table, RecordID: recordID, Action: ActionDelete}
}

// ToBufferRow converts the record for staging in the sync buffer. A missing
// or null payload is stored as an empty object.
func (r Record) ToBufferRow(sourceSiteID *int64) repo.SyncBufferRow {
	action := repo.ActionUpsert
	if r.Action == ActionDelete {
		action = repo.ActionDelete
	}
	data := "{}"
	if trimmed := bytes.TrimSpace(r.Data); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		data = string(trimmed)
	}
	return repo.SyncBufferRow{
		RecordID:     r.RecordID,
		TableName:    r.TableName,
		Action:       action,
		Data:         data,
		SourceSiteID: sourceSiteID,
	}
}

// CentralRecord is a record from the central changelog, keyed by its cursor.
type CentralRecord struct {
	ID uint64 `json:"ID"`
	Record
}

// RemoteRecord is a record from a per-site queue or a site's push, keyed by
// an opaque sync id.
type RemoteRecord struct {
	SyncOutID string `json:"syncOutId"`
	Record
}

// CursorRecord is a record with its changelog cursor, used by the direct
// protocol.
type CursorRecord struct {
	Cursor uint64 `json:"cursor"`
	Record Record `json:"record"`
}

// SiteCredentials identify a site on every request of the direct protocol.
type SiteCredentials struct {
	Username       string `json:"username"`
	PasswordSHA256 string `json:"password_sha256"`
	HardwareID     string `json:"site_uuid"`
	AppVersion     string `json:"app_version"`
	AppName        string `json:"app_name"`
	SyncVersion    int    `json:"sync_version"`
}
