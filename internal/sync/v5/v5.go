// Package v5 implements the legacy polling protocol.
//
// A remote site pulls central records by cursor, pushes its queued records
// and pulls the records central queued for it. The client is used by the
// driver of a remote site, the server is mounted by a central node.
package v5

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

// Route paths, relative to the sync server root.
const (
	RouteCentralRecords      = "/sync/v5/central_records"
	RouteQueuedRecords       = "/sync/v5/queued_records"
	RouteAcknowledgedRecords = "/sync/v5/acknowledged_records"
)

// Request headers identifying the calling site.
const (
	HeaderSiteUUID    = "msupply-site-uuid"
	HeaderAppVersion  = "app-version"
	HeaderAppName     = "app-name"
	HeaderSyncVersion = "sync-version"
)

// CentralBatch is a page of central records.
type CentralBatch struct {
	MaxCursor uint64               `json:"maxCursor"`
	Data      []wire.CentralRecord `json:"data"`
}

// RemoteBatch is a page of per-site records, pushed by a site or pulled
// from its queue on central. QueueLength counts records left after Data.
type RemoteBatch struct {
	QueueLength uint64              `json:"queueLength"`
	Data        []wire.RemoteRecord `json:"data"`
}

// PushResponse answers a queued_records push.
type PushResponse struct {
	IntegrationStarted bool `json:"integrationStarted"`
}

// AcknowledgeRequest removes delivered records from the site queue.
type AcknowledgeRequest struct {
	SyncIDs []string `json:"syncIDs"`
}

// ErrorKind classifies client failures.
type ErrorKind int

const (
	// KindConnection is a transport failure or timeout. Retryable.
	KindConnection ErrorKind = iota
	// KindParsing is a response body that could not be decoded.
	KindParsing
	// KindServer is a non-2xx response.
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindParsing:
		return "ParsingError"
	case KindServer:
		return "ServerError"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Server error codes sent by this implementation of the server.
const (
	CodeUnauthorized          = "unauthorized"
	CodeBadRequest            = "bad_request"
	CodeIntegrationInProgress = "integration_in_progress"
	CodeInternal              = "internal_error"
)

// ServerError is the structured body of a failed response.
type ServerError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error is returned by every client call.
type Error struct {
	Kind   ErrorKind
	Route  string
	Status int
	Server *ServerError
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Server != nil:
		return fmt.Sprintf("%s %s (%d): %s: %s", e.Kind, e.Route, e.Status, e.Server.Code, e.Server.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Route, e.Err)
	}
	return fmt.Sprintf("%s %s (%d)", e.Kind, e.Route, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	if e.Kind == KindConnection {
		return true
	}
	return e.Server != nil && e.Server.Code == CodeIntegrationInProgress
}

// IsIntegrationInProgress reports whether err is central refusing a site
// that is still integrating.
func IsIntegrationInProgress(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Server != nil && e.Server.Code == CodeIntegrationInProgress
}
