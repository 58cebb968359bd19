package driver

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/settings"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/dbtest"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/changelog"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/files"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/integrate"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/translate"
	v5 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v5"
	v6 "github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/v6"
)

const (
	siteID   = int64(2)
	hardware = "hw-2"
	username = "clinic"
	password = "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8"
)

var quiet = log.New(io.Discard, "", 0)

type node struct {
	conn   *sqlx.DB
	reader *changelog.Reader
	engine *integrate.Engine
}

func newNode(t *testing.T) *node {
	t.Helper()
	conn := dbtest.Open(t).Conn()
	registry, err := translate.DefaultRegistry()
	require.NoError(t, err)
	engine, err := integrate.New(conn, registry, quiet)
	require.NoError(t, err)
	t.Cleanup(engine.Wait)
	return &node{conn: conn, reader: changelog.NewReader(conn, registry), engine: engine}
}

// newCentral serves both protocols from one node, the way omsync serve
// does on the central role.
func newCentral(t *testing.T) (*node, *httptest.Server) {
	t.Helper()
	central := newNode(t)
	require.NoError(t, repo.NewSiteRepo(central.conn).Upsert(context.Background(), repo.Site{
		ID: "site-2", SiteID: siteID, HardwareID: hardware, SiteName: username, HashedPassword: password,
	}))
	store, err := files.NewStore(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/sync/v5/", v5.NewServer(central.conn, central.reader, central.engine, quiet))
	mux.Handle("/central/", v6.NewServer(central.conn, central.reader, central.engine, store,
		&v6.ServerConfig{IsCentral: true, Logger: quiet}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return central, srv
}

func syncSettings(url string) settings.Sync {
	return settings.Sync{
		URL:             url,
		Username:        username,
		PasswordSHA256:  password,
		IntervalSeconds: 60,
		TimeoutSeconds:  5,
		BatchSize:       settings.BatchSize{RemotePull: 2, RemotePush: 2, CentralPull: 2},
	}
}

func newDriver(t *testing.T, remote *node, s settings.Sync) *Driver {
	t.Helper()
	d, err := New(remote.conn, remote.reader, remote.engine, nil, Config{
		Sync:       s,
		HardwareID: hardware,
		StatusPoll: 10 * time.Millisecond,
		Logger:     quiet,
	})
	require.NoError(t, err)
	return d
}

func cursor(t *testing.T, conn *sqlx.DB, key repo.Key) uint64 {
	t.Helper()
	c, err := repo.NewKeyValueStore(conn).Cursor(context.Background(), key)
	require.NoError(t, err)
	return c
}

func TestSync_InitialPullInBatches(t *testing.T) {
	ctx := context.Background()
	central, srv := newCentral(t)
	for _, id := range []string{"NZD", "USD", "AUD"} {
		require.NoError(t, repo.UpsertTracked(ctx, central.conn,
			repo.Currency{ID: id, Code: id, Rate: 1, IsActive: true}, repo.LocalSource))
	}

	remote := newNode(t)
	d := newDriver(t, remote, syncSettings(srv.URL))

	summary, err := d.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.PulledCentral)
	assert.Equal(t, 3, summary.Integrated.Applied)
	assert.True(t, summary.Initialised)
	assert.Zero(t, summary.Pushed, "an uninitialised site does not push")

	for _, id := range []string{"NZD", "USD", "AUD"} {
		got, err := repo.Find[repo.Currency](ctx, remote.conn, id)
		require.NoError(t, err)
		require.NotNil(t, got, id)
		assert.True(t, got.IsActive)
	}
	assert.Equal(t, uint64(3), cursor(t, remote.conn, repo.KeyPullCursorV5))
	assert.Equal(t, uint64(3), cursor(t, remote.conn, repo.KeyPullCursorV6), "v6 end cursor of an empty batch is the latest")

	initialised, err := repo.NewKeyValueStore(remote.conn).GetBool(ctx, repo.KeyIsInitialised)
	require.NoError(t, err)
	assert.True(t, initialised)

	latest, err := repo.NewSyncLogRepo(remote.conn).Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Nil(t, latest.ErrorMessage)
	require.NotNil(t, latest.FinishedDatetime)
	require.NotNil(t, latest.PullCentralProgressDone)
	assert.Equal(t, int64(3), *latest.PullCentralProgressDone)
	assert.NotNil(t, latest.IntegrationFinishedDatetime)
	assert.Nil(t, latest.PushStartedDatetime)

	// Nothing new: the next cycle moves nothing.
	summary, err = d.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.PulledCentral)
	assert.Zero(t, summary.Integrated.Total())
	assert.False(t, summary.Initialised)
}

func TestSync_PushesLocalChanges(t *testing.T) {
	ctx := context.Background()
	central, srv := newCentral(t)
	remote := newNode(t)
	d := newDriver(t, remote, syncSettings(srv.URL))

	_, err := d.Sync(ctx)
	require.NoError(t, err)

	for _, id := range []string{"FJD", "WST", "TOP"} {
		require.NoError(t, repo.UpsertTracked(ctx, remote.conn,
			repo.Currency{ID: id, Code: id, Rate: 2}, repo.LocalSource))
	}
	require.NoError(t, repo.UpsertTracked(ctx, remote.conn, repo.SyncFileReference{
		ID: "f1", TableName: "document", RecordID: "d1", FileName: "scan.pdf", TotalBytes: 4,
		Status: repo.FileNew, Direction: repo.FileUpload, CreatedDatetime: repo.NewTimestamp(time.Now()),
	}, repo.LocalSource))

	summary, err := d.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Pushed)
	assert.Equal(t, 1, summary.PushedV6)
	assert.Zero(t, summary.PulledCentral, "central does not echo the site's own rows")
	central.engine.Wait()

	for _, id := range []string{"FJD", "WST", "TOP"} {
		got, err := repo.Find[repo.Currency](ctx, central.conn, id)
		require.NoError(t, err)
		require.NotNil(t, got, id)
		assert.Equal(t, 2.0, got.Rate)
	}
	ref, err := repo.Find[repo.SyncFileReference](ctx, central.conn, "f1")
	require.NoError(t, err)
	require.NotNil(t, ref, "v6 push integrated before the cycle finished")

	latestCursor, err := repo.NewChangelogRepo(remote.conn).LatestCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, latestCursor, cursor(t, remote.conn, repo.KeyPushCursorV6))
	assert.Less(t, cursor(t, remote.conn, repo.KeyPushCursorV5), latestCursor, "v5 push stops at its own tables")

	summary, err = d.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Pushed)
	assert.Zero(t, summary.PushedV6)
}

func TestSync_SiteDetailsChangeResetsCursors(t *testing.T) {
	ctx := context.Background()
	_, srv := newCentral(t)
	remote := newNode(t)

	kv := repo.NewKeyValueStore(remote.conn)
	require.NoError(t, kv.SetString(ctx, repo.KeySyncURL, "http://old-central"))
	require.NoError(t, kv.SetString(ctx, repo.KeySyncUsername, username))
	require.NoError(t, kv.SetString(ctx, repo.KeySyncPasswordHash, password))
	require.NoError(t, kv.SetCursor(ctx, repo.KeyPullCursorV5, 99))
	require.NoError(t, kv.SetBool(ctx, repo.KeyIsInitialised, true))

	d := newDriver(t, remote, syncSettings(srv.URL))
	summary, err := d.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Initialised, "the site initialises again")
	assert.Zero(t, summary.Pushed)
	assert.Equal(t, uint64(0), cursor(t, remote.conn, repo.KeyPullCursorV5))

	url, err := kv.GetString(ctx, repo.KeySyncURL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, url)
}

func TestSync_FailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	remote := newNode(t)
	d := newDriver(t, remote, syncSettings(url))
	_, err := d.Sync(ctx)
	require.Error(t, err)

	latest, err := repo.NewSyncLogRepo(remote.conn).Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest.ErrorCode)
	assert.Equal(t, string(v6.KindCannotConnectToLegacyServer), *latest.ErrorCode)
	assert.NotNil(t, latest.FinishedDatetime)

	initialised, err := repo.NewKeyValueStore(remote.conn).GetBool(ctx, repo.KeyIsInitialised)
	require.NoError(t, err)
	assert.False(t, initialised)
}

func TestSync_NotReentrant(t *testing.T) {
	_, srv := newCentral(t)
	d := newDriver(t, newNode(t), syncSettings(srv.URL))

	d.running.Lock()
	_, err := d.Sync(context.Background())
	d.running.Unlock()
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestRun_StopsBetweenCycles(t *testing.T) {
	_, srv := newCentral(t)
	remote := newNode(t)
	cycles := make(chan struct{}, 4)
	d, err := New(remote.conn, remote.reader, remote.engine, nil, Config{
		Sync:       syncSettings(srv.URL),
		HardwareID: hardware,
		AfterCycle: func() { cycles <- struct{}{} },
		Logger:     quiet,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not run")
	}
	d.Trigger()
	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered cycle did not run")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestNew_RejectsBadSettings(t *testing.T) {
	remote := newNode(t)
	s := syncSettings("not a url")
	_, err := New(remote.conn, remote.reader, remote.engine, nil, Config{Sync: s})
	assert.Error(t, err)

	s = syncSettings("http://central")
	s.BatchSize.CentralPull = 0
	_, err = New(remote.conn, remote.reader, remote.engine, nil, Config{Sync: s})
	assert.Error(t, err)
}
