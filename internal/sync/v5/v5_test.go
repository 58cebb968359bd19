package v5

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/dbtest"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/changelog"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/integrate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/translate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/wire"
)

const (
	testSiteID   = int64(2)
	testHardware = "hw-2"
	testUser     = "clinic"
	testPassword = "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8"
)

type central struct {
	conn   *sqlx.DB
	engine *integrate.Engine
	server *httptest.Server
}

func setupCentral(t *testing.T) *central {
	t.Helper()
	conn := dbtest.Open(t).Conn()
	registry, err := translate.DefaultRegistry()
	require.NoError(t, err)
	logger := log.New(io.Discard, "", 0)
	engine, err := integrate.New(conn, registry, logger)
	require.NoError(t, err)

	require.NoError(t, repo.NewSiteRepo(conn).Upsert(context.Background(), repo.Site{
		ID: "site-2", SiteID: testSiteID, HardwareID: testHardware,
		SiteName: testUser, HashedPassword: testPassword,
	}))

	srv := httptest.NewServer(NewServer(conn, changelog.NewReader(conn, registry), engine, logger))
	t.Cleanup(srv.Close)
	t.Cleanup(engine.Wait)
	return &central{conn: conn, engine: engine, server: srv}
}

func (c *central) client(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(Config{
		URL:            c.server.URL,
		Username:       testUser,
		PasswordSHA256: testPassword,
		HardwareID:     testHardware,
		Timeout:        5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestClient_SendsSiteHeaders(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		_, _ = w.Write([]byte(`{"maxCursor": 200, "data": [
			{"ID": 2, "tableName": "unit", "recordId": "u2", "action": "delete"},
			{"ID": 3, "tableName": "unit", "recordId": "u3", "action": "insert", "recordData": {"ID": "u3"}}
		]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{URL: srv.URL, Username: "u", PasswordSHA256: "p", HardwareID: "hw"})
	require.NoError(t, err)

	batch, err := client.GetCentralRecords(context.Background(), 100, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), batch.MaxCursor)
	require.Len(t, batch.Data, 2)
	assert.Equal(t, uint64(2), batch.Data[0].ID)
	assert.Equal(t, wire.ActionDelete, batch.Data[0].Action)
	assert.JSONEq(t, `{"ID":"u3"}`, string(batch.Data[1].Data))

	require.NotNil(t, got)
	assert.Equal(t, RouteCentralRecords, got.URL.Path)
	assert.Equal(t, "100", got.URL.Query().Get("cursor"))
	assert.Equal(t, "2", got.URL.Query().Get("limit"))
	user, password, ok := got.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", password)
	assert.Equal(t, "hw", got.Header.Get(HeaderSiteUUID))
	assert.Equal(t, wire.AppVersion, got.Header.Get(HeaderAppVersion))
	assert.Equal(t, wire.AppName, got.Header.Get(HeaderAppName))
	assert.Equal(t, "3", got.Header.Get(HeaderSyncVersion))
}

func TestClient_ErrorKinds(t *testing.T) {
	ctx := context.Background()

	t.Run("server error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":"sync_failed","message":"boom","data":{"table":"item"}}`))
		}))
		defer srv.Close()
		client, err := NewClient(Config{URL: srv.URL})
		require.NoError(t, err)

		_, err = client.GetCentralRecords(ctx, 0, 1)
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, KindServer, e.Kind)
		assert.Equal(t, http.StatusInternalServerError, e.Status)
		assert.Equal(t, "sync_failed", e.Server.Code)
		assert.JSONEq(t, `{"table":"item"}`, string(e.Server.Data))
		assert.False(t, e.Retryable())
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"maxCursor": "lots"`))
		}))
		defer srv.Close()
		client, err := NewClient(Config{URL: srv.URL})
		require.NoError(t, err)

		_, err = client.GetCentralRecords(ctx, 0, 1)
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, KindParsing, e.Kind)
	})

	t.Run("unknown action", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"maxCursor": 1, "data": [{"ID": 1, "tableName": "unit", "recordId": "u", "action": "merge"}]}`))
		}))
		defer srv.Close()
		client, err := NewClient(Config{URL: srv.URL})
		require.NoError(t, err)

		_, err = client.GetCentralRecords(ctx, 0, 1)
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, KindParsing, e.Kind)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		client, err := NewClient(Config{URL: url})
		require.NoError(t, err)

		_, err = client.GetCentralRecords(ctx, 0, 1)
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, KindConnection, e.Kind)
		assert.True(t, e.Retryable())
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)
		client, err := NewClient(Config{URL: srv.URL, Timeout: 50 * time.Millisecond})
		require.NoError(t, err)

		_, err = client.GetCentralRecords(ctx, 0, 1)
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, KindConnection, e.Kind)
	})
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewClient(Config{URL: "central.example.org"})
	assert.Error(t, err)
}

func TestServer_RejectsUnknownSite(t *testing.T) {
	c := setupCentral(t)
	client, err := NewClient(Config{URL: c.server.URL, Username: testUser, PasswordSHA256: "wrong", HardwareID: testHardware})
	require.NoError(t, err)

	_, err = client.GetCentralRecords(context.Background(), 0, 10)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, http.StatusUnauthorized, e.Status)
	assert.Equal(t, CodeUnauthorized, e.Server.Code)
}

func TestServer_CentralRecords(t *testing.T) {
	c := setupCentral(t)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, c.conn, repo.Store{ID: "s1", NameID: "n1", Code: "S1", SiteID: testSiteID}))
	for _, id := range []string{"NZD", "USD", "AUD"} {
		require.NoError(t, repo.UpsertTracked(ctx, c.conn, repo.Currency{ID: id, Code: id, Rate: 1}, repo.LocalSource))
	}
	// Store data is not central data.
	require.NoError(t, repo.UpsertTracked(ctx, c.conn, repo.StockLine{ID: "sl1", ItemID: "i1", StoreID: "s1"}, repo.LocalSource))
	latest, err := repo.NewChangelogRepo(c.conn).LatestCursor(ctx)
	require.NoError(t, err)

	client := c.client(t)
	batch, err := client.GetCentralRecords(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, latest, batch.MaxCursor)
	require.Len(t, batch.Data, 2)
	assert.Equal(t, "NZD", batch.Data[0].RecordID)
	assert.Equal(t, "currency", batch.Data[0].TableName)

	batch, err = client.GetCentralRecords(ctx, batch.Data[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, batch.Data, 1)
	assert.Equal(t, "AUD", batch.Data[0].RecordID)

	batch, err = client.GetCentralRecords(ctx, batch.Data[0].ID, 2)
	require.NoError(t, err)
	assert.Empty(t, batch.Data)
	assert.Equal(t, latest, batch.MaxCursor)
}

func TestServer_PushIntegratesOnLastBatch(t *testing.T) {
	c := setupCentral(t)
	ctx := context.Background()
	client := c.client(t)

	resp, err := client.PostQueuedRecords(ctx, 1, []wire.RemoteRecord{{
		SyncOutID: "o1",
		Record: wire.Record{TableName: "unit", RecordID: "u1", Action: wire.ActionInsert,
			Data: json.RawMessage(`{"ID":"u1","units":"Tab","comment":"","order_number":1}`)},
	}})
	require.NoError(t, err)
	assert.False(t, resp.IntegrationStarted)

	resp, err = client.PostQueuedRecords(ctx, 0, []wire.RemoteRecord{{
		SyncOutID: "o2",
		Record: wire.Record{TableName: "item", RecordID: "i1", Action: wire.ActionInsert,
			Data: json.RawMessage(`{"ID":"i1","item_name":"Amoxicillin","code":"AMX","type_of":"general","unit_ID":"u1"}`)},
	}})
	require.NoError(t, err)
	assert.True(t, resp.IntegrationStarted)
	c.engine.Wait()

	item, err := repo.Find[repo.Item](ctx, c.conn, "i1")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NotNil(t, item.UnitID)
	assert.Equal(t, "u1", *item.UnitID)

	pending, err := repo.NewBufferRepo(c.conn).CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestServer_RejectsWhileIntegrating(t *testing.T) {
	c := setupCentral(t)
	ctx := context.Background()
	client := c.client(t)

	release, ok := c.engine.Locks().TryAcquire(testSiteID)
	require.True(t, ok)

	_, err := client.PostQueuedRecords(ctx, 0, nil)
	assert.True(t, IsIntegrationInProgress(err))
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, http.StatusConflict, e.Status)
	assert.True(t, e.Retryable())

	_, err = client.GetQueuedRecords(ctx, 10)
	assert.True(t, IsIntegrationInProgress(err))

	_, err = client.GetCentralRecords(ctx, 0, 10)
	assert.True(t, IsIntegrationInProgress(err))

	release()
	_, err = client.GetQueuedRecords(ctx, 10)
	assert.NoError(t, err)
	_, err = client.GetCentralRecords(ctx, 0, 10)
	assert.NoError(t, err)
}

func TestServer_QueuedRecordsAndAcknowledge(t *testing.T) {
	c := setupCentral(t)
	ctx := context.Background()
	client := c.client(t)

	require.NoError(t, repo.Upsert(ctx, c.conn, repo.Store{ID: "s1", NameID: "n1", Code: "S1", SiteID: testSiteID}))
	require.NoError(t, repo.Upsert(ctx, c.conn, repo.Store{ID: "s9", NameID: "n9", Code: "S9", SiteID: 9}))
	for _, line := range []repo.StockLine{
		{ID: "sl1", ItemID: "i1", StoreID: "s1"},
		{ID: "sl2", ItemID: "i1", StoreID: "s1"},
		{ID: "other", ItemID: "i1", StoreID: "s9"},
	} {
		require.NoError(t, repo.UpsertTracked(ctx, c.conn, line, repo.LocalSource))
	}

	batch, err := client.GetQueuedRecords(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch.Data, 1)
	assert.Equal(t, "sl1", batch.Data[0].RecordID)
	assert.Equal(t, "item_line", batch.Data[0].TableName)
	assert.Equal(t, uint64(1), batch.QueueLength)

	// Unacknowledged records are delivered again.
	again, err := client.GetQueuedRecords(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again.Data, 1)
	assert.Equal(t, batch.Data[0].SyncOutID, again.Data[0].SyncOutID)

	require.NoError(t, client.PostAcknowledgedRecords(ctx, []string{batch.Data[0].SyncOutID}))

	batch, err = client.GetQueuedRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Data, 1)
	assert.Equal(t, "sl2", batch.Data[0].RecordID)
	assert.Zero(t, batch.QueueLength)
	require.NoError(t, client.PostAcknowledgedRecords(ctx, []string{batch.Data[0].SyncOutID}))

	batch, err = client.GetQueuedRecords(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Data)

	// New changes are queued on the next poll.
	require.NoError(t, repo.UpsertTracked(ctx, c.conn, repo.StockLine{ID: "sl3", ItemID: "i1", StoreID: "s1"}, repo.LocalSource))
	batch, err = client.GetQueuedRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Data, 1)
	assert.Equal(t, "sl3", batch.Data[0].RecordID)
}

func TestServer_QueueDropsRowsDeletedSinceQueued(t *testing.T) {
	c := setupCentral(t)
	ctx := context.Background()
	client := c.client(t)

	require.NoError(t, repo.Upsert(ctx, c.conn, repo.Store{ID: "s1", NameID: "n1", Code: "S1", SiteID: testSiteID}))
	require.NoError(t, repo.UpsertTracked(ctx, c.conn, repo.StockLine{ID: "sl1", ItemID: "i1", StoreID: "s1"}, repo.LocalSource))

	_, err := client.GetQueuedRecords(ctx, 10)
	require.NoError(t, err)
	// Remove the row without a changelog entry so the queued upsert has
	// nothing to render.
	require.NoError(t, repo.Delete(ctx, c.conn, "stock_line", "sl1"))

	batch, err := client.GetQueuedRecords(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch.Data)
	n, err := repo.NewSyncOutRepo(c.conn).Count(ctx, testSiteID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
