package v6

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/dbtest"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/changelog"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/files"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/integrate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/translate"
	v5 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v5"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

const (
	testSiteID   = int64(2)
	testHardware = "hw-2"
	testUser     = "clinic"
	testPassword = "hash"
)

type central struct {
	conn   *sqlx.DB
	engine *integrate.Engine
	store  *files.Store
	server *httptest.Server
}

func setupCentral(t *testing.T, cfg ServerConfig) *central {
	t.Helper()
	conn := dbtest.Open(t).Conn()
	registry, err := translate.DefaultRegistry()
	require.NoError(t, err)
	logger := log.New(io.Discard, "", 0)
	engine, err := integrate.New(conn, registry, logger)
	require.NoError(t, err)
	store, err := files.NewStore(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)

	require.NoError(t, repo.NewSiteRepo(conn).Upsert(context.Background(), repo.Site{
		ID: "site-2", SiteID: testSiteID, HardwareID: testHardware,
		SiteName: testUser, HashedPassword: testPassword,
	}))

	cfg.Logger = logger
	srv := httptest.NewServer(NewServer(conn, changelog.NewReader(conn, registry), engine, store, &cfg))
	t.Cleanup(srv.Close)
	t.Cleanup(engine.Wait)
	return &central{conn: conn, engine: engine, store: store, server: srv}
}

func (c *central) client(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(Config{
		URL: c.server.URL, Username: testUser, PasswordSHA256: testPassword,
		HardwareID: testHardware, Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func asError(t *testing.T, err error) *Error {
	t.Helper()
	var e *Error
	require.ErrorAs(t, err, &e)
	return e
}

func TestServer_RemoteNodeIsNotCentral(t *testing.T) {
	c := setupCentral(t, ServerConfig{IsCentral: false})

	_, err := c.client(t).Pull(context.Background(), 0, 10, false)
	e := asError(t, err)
	assert.Equal(t, KindNotACentralServer, e.Kind)
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.False(t, e.Retryable())
}

func TestServer_RejectsOlderMajorVersion(t *testing.T) {
	c := setupCentral(t, ServerConfig{IsCentral: true, AppVersion: "v99.0.0"})

	_, err := c.client(t).SiteStatus(context.Background())
	e := asError(t, err)
	assert.Equal(t, KindOtherServerError, e.Kind)
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.Contains(t, e.Message, "older")
}

func TestServer_RejectsUnknownSite(t *testing.T) {
	c := setupCentral(t, ServerConfig{IsCentral: true})
	client, err := NewClient(Config{URL: c.server.URL, Username: testUser, PasswordSHA256: "nope", HardwareID: testHardware})
	require.NoError(t, err)

	_, err = client.Pull(context.Background(), 0, 10, false)
	e := asError(t, err)
	assert.Equal(t, http.StatusUnauthorized, e.Status)
	assert.Equal(t, "site not found", e.Message)
}

func TestServer_PullPages(t *testing.T) {
	c := setupCentral(t, ServerConfig{IsCentral: true})
	ctx := context.Background()
	client := c.client(t)

	// Legacy tables travel over v5 and are not served here.
	require.NoError(t, repo.UpsertTracked(ctx, c.conn, repo.Currency{ID: "NZD", Code: "NZD", Rate: 1}, repo.LocalSource))
	for _, id := range []string{"f1", "f2", "f3"} {
		require.NoError(t, repo.UpsertTracked(ctx, c.conn, repo.SyncFileReference{
			ID: id, TableName: "document", RecordID: "d1", FileName: id + ".pdf",
			Status: repo.FileNew, Direction: repo.FileUpload, CreatedDatetime: repo.NewTimestamp(time.Now()),
		}, repo.LocalSource))
	}

	batch, err := client.Pull(ctx, 0, 2, false)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, uint64(3), batch.TotalRecords)
	assert.False(t, batch.IsLastBatch)
	assert.Equal(t, batch.Records[1].Cursor, batch.EndCursor)

	batch, err = client.Pull(ctx, batch.EndCursor, 2, false)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "f3", batch.Records[0].Record.RecordID)
	assert.Equal(t, "sync_file_reference", batch.Records[0].Record.TableName)
	assert.Equal(t, uint64(1), batch.TotalRecords)
	assert.True(t, batch.IsLastBatch)

	end := batch.EndCursor
	batch, err = client.Pull(ctx, end, 2, false)
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Equal(t, end, batch.EndCursor)
	assert.True(t, batch.IsLastBatch)
}

func TestServer_PushIntegratesLastBatch(t *testing.T) {
	c := setupCentral(t, ServerConfig{IsCentral: true})
	ctx := context.Background()
	client := c.client(t)

	unit := wire.CursorRecord{Cursor: 1, Record: wire.Record{TableName: "unit", RecordID: "u1", Action: wire.ActionUpdate,
		Data: json.RawMessage(`{"ID":"u1","units":"Tab","comment":"","order_number":1}`)}}
	item := wire.CursorRecord{Cursor: 2, Record: wire.Record{TableName: "item", RecordID: "i1", Action: wire.ActionUpdate,
		Data: json.RawMessage(`{"ID":"i1","item_name":"Amoxicillin","code":"AMX","type_of":"general","unit_ID":"u1"}`)}}

	resp, err := client.Push(ctx, Batch{EndCursor: 1, TotalRecords: 2, Records: []wire.CursorRecord{unit}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.RecordsPushed)
	found, err := repo.Find[repo.Unit](ctx, c.conn, "u1")
	require.NoError(t, err)
	assert.Nil(t, found, "nothing is integrated before the last batch")

	resp, err = client.Push(ctx, Batch{EndCursor: 2, TotalRecords: 1, Records: []wire.CursorRecord{item}, IsLastBatch: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.RecordsPushed)
	c.engine.Wait()

	got, err := repo.Find[repo.Item](ctx, c.conn, "i1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repo.ItemStock, got.Type)

	status, err := client.SiteStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.IsIntegrating)
}

func TestServer_IntegrationInProgress(t *testing.T) {
	c := setupCentral(t, ServerConfig{IsCentral: true})
	ctx := context.Background()
	client := c.client(t)

	release, ok := c.engine.Locks().TryAcquire(testSiteID)
	require.True(t, ok)
	defer release()

	status, err := client.SiteStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsIntegrating)

	_, err = client.Pull(ctx, 0, 10, true)
	e := asError(t, err)
	assert.Equal(t, KindIntegrationInProgress, e.Kind)
	assert.True(t, e.Retryable())

	_, err = client.Push(ctx, Batch{IsLastBatch: true})
	assert.Equal(t, KindIntegrationInProgress, asError(t, err).Kind)
}

func TestServer_Files(t *testing.T) {
	c := setupCentral(t, ServerConfig{IsCentral: true})
	ctx := context.Background()
	client := c.client(t)

	ref := &repo.SyncFileReference{ID: "f1", TableName: "document", RecordID: "d1", FileName: "scan.txt",
		TotalBytes: 5, Status: repo.FileNew, Direction: repo.FileDownload, CreatedDatetime: repo.NewTimestamp(time.Now())}

	err := client.Upload(ctx, ref, strings.NewReader("hello"))
	assert.ErrorIs(t, err, files.ErrNotFound, "reference not synced yet")

	require.NoError(t, repo.Upsert(ctx, c.conn, *ref))
	_, err = client.Download(ctx, ref)
	assert.ErrorIs(t, err, files.ErrNotFound, "body not uploaded yet")

	require.NoError(t, client.Upload(ctx, ref, strings.NewReader("hello")))
	stored, err := repo.Find[repo.SyncFileReference](ctx, c.conn, "f1")
	require.NoError(t, err)
	assert.Equal(t, repo.FileDone, stored.Status)
	assert.Equal(t, int64(5), stored.UploadedBytes)

	body, err := client.Download(ctx, ref)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	other := *ref
	other.RecordID = "d2"
	_, err = client.Download(ctx, &other)
	assert.ErrorIs(t, err, files.ErrNotFound)
}

func TestClient_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewClient(Config{URL: url})
	require.NoError(t, err)
	_, err = client.Pull(context.Background(), 0, 1, false)
	e := asError(t, err)
	assert.Equal(t, KindConnection, e.Kind)
	assert.True(t, e.Retryable())
}

func TestClient_NonEnvelopeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{URL: srv.URL})
	require.NoError(t, err)
	_, err = client.SiteStatus(context.Background())
	e := asError(t, err)
	assert.Equal(t, KindOtherServerError, e.Kind)
	assert.Equal(t, http.StatusBadGateway, e.Status)
}

func TestFromLegacy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"connection", &v5.Error{Kind: v5.KindConnection, Err: errors.New("refused")}, KindCannotConnectToLegacyServer},
		{"structured", &v5.Error{Kind: v5.KindServer, Status: 401, Server: &v5.ServerError{Code: "unauthorized"}}, KindLegacyServerError},
		{"parsing", &v5.Error{Kind: v5.KindParsing, Err: errors.New("eof")}, KindOtherLegacyServerError},
		{"other", errors.New("disk full"), KindOtherServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromLegacy(tt.err).Kind)
			assert.Equal(t, string(tt.want), Code(tt.err))
		})
	}
	assert.Equal(t, "NotACentralServer", Code(&Error{Kind: KindNotACentralServer}))
}
