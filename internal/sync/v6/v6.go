// Package v6 implements the direct push/pull protocol between sites and an
// open central server.
//
// Every response is an envelope holding either data or a structured error.
// Pull pages the central changelog by cursor, push stages a site's records
// and starts integration on the last batch.
package v6

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/files"
	v5 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v5"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// Route paths, relative to the central server root.
const (
	RoutePull       = "/central/sync/pull"
	RoutePush       = "/central/sync/push"
	RouteSiteStatus = "/central/sync/site_status"
	RouteFiles      = "/central/sync/files"
)

// PullRequest asks for changelog rows after Cursor.
type PullRequest struct {
	Cursor        uint64               `json:"cursor"`
	BatchSize     uint32               `json:"batch_size"`
	Credentials   wire.SiteCredentials `json:"sync_v5_settings"`
	IsInitialised bool                 `json:"is_initialised"`
}

// Batch is a page of changelog records.
type Batch struct {
	// EndCursor is the cursor to continue from.
	EndCursor uint64 `json:"end_cursor"`
	// TotalRecords counts rows left to transfer, this batch included.
	TotalRecords uint64              `json:"total_records"`
	Records      []wire.CursorRecord `json:"records"`
	IsLastBatch  bool                `json:"is_last_batch"`
}

// PushRequest sends a page of a site's changelog.
type PushRequest struct {
	Batch       Batch                `json:"batch"`
	Credentials wire.SiteCredentials `json:"sync_v5_settings"`
}

// PushResponse acknowledges a push.
type PushResponse struct {
	RecordsPushed uint64 `json:"records_pushed"`
}

// SiteStatusRequest asks whether central is integrating the site.
type SiteStatusRequest struct {
	Credentials wire.SiteCredentials `json:"sync_v5_settings"`
}

// SiteStatus answers a SiteStatusRequest.
type SiteStatus struct {
	IsIntegrating bool `json:"is_integrating"`
}

// ErrorKind names a structured error.
type ErrorKind string

const (
	KindCannotConnectToLegacyServer ErrorKind = "CannotConnectToLegacyServer"
	KindLegacyServerError           ErrorKind = "LegacyServerError"
	KindOtherLegacyServerError      ErrorKind = "OtherLegacyServerError"
	KindOtherServerError            ErrorKind = "OtherServerError"
	KindNotACentralServer           ErrorKind = "NotACentralServer"
	KindIntegrationInProgress       ErrorKind = "IntegrationInProgress"
	KindSyncFileNotFound            ErrorKind = "SyncFileNotFound"

	// Client side failures, never sent by a server.
	KindConnection ErrorKind = "ConnectionError"
	KindParsing    ErrorKind = "ParsingError"
)

// Error is a structured protocol error.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
	Status  int       `json:"-"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match file errors with files.ErrNotFound.
func (e *Error) Is(target error) bool {
	return target == files.ErrNotFound && e.Kind == KindSyncFileNotFound
}

// Retryable reports whether the request may succeed later. A node that is
// not a central server never will.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindCannotConnectToLegacyServer, KindIntegrationInProgress, KindSyncFileNotFound:
		return true
	}
	return false
}

func (e *Error) status() int {
	switch e.Kind {
	case KindNotACentralServer:
		return http.StatusBadRequest
	case KindIntegrationInProgress:
		return http.StatusConflict
	case KindSyncFileNotFound:
		return http.StatusNotFound
	}
	if e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FromLegacy classifies a legacy protocol failure.
func FromLegacy(err error) *Error {
	var legacy *v5.Error
	if !errors.As(err, &legacy) {
		return &Error{Kind: KindOtherServerError, Message: err.Error(), Err: err}
	}
	kind := KindOtherLegacyServerError
	switch {
	case legacy.Kind == v5.KindConnection:
		kind = KindCannotConnectToLegacyServer
	case legacy.Server != nil:
		kind = KindLegacyServerError
	}
	return &Error{Kind: kind, Message: legacy.Error(), Status: legacy.Status, Err: err}
}

// Code is the error code recorded for err in the sync log.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	var legacy *v5.Error
	if errors.As(err, &legacy) {
		return string(FromLegacy(legacy).Kind)
	}
	return string(KindOtherServerError)
}

type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}
