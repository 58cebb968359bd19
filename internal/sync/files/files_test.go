package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/dbtest"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

type fakeTransport struct {
	mu        sync.Mutex
	uploadErr error
	uploaded  map[string][]byte
	remote    map[string]string
}

func (f *fakeTransport) Upload(_ context.Context, ref *repo.SyncFileReference, body io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if f.uploaded == nil {
		f.uploaded = make(map[string][]byte)
	}
	f.uploaded[ref.ID] = data
	return nil
}

func (f *fakeTransport) Download(_ context.Context, ref *repo.SyncFileReference) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.remote[ref.ID]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

var testNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, transport Transport) (*Synchroniser, *sqlx.DB, *Store) {
	t.Helper()
	conn := dbtest.Open(t).Conn()
	store, err := NewStore(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)
	s := New(conn, store, transport, &Config{Schedule: "@every 1h", Logger: log.New(io.Discard, "", 0)})
	s.now = func() time.Time { return testNow }
	return s, conn, store
}

func addRef(t *testing.T, conn *sqlx.DB, ref repo.SyncFileReference) *repo.SyncFileReference {
	t.Helper()
	if ref.TableName == "" {
		ref.TableName, ref.RecordID = "document", "d1"
	}
	if ref.FileName == "" {
		ref.FileName = "scan.pdf"
	}
	if ref.Status == "" {
		ref.Status = repo.FileNew
	}
	if ref.CreatedDatetime.IsZero() {
		ref.CreatedDatetime = repo.NewTimestamp(testNow.Add(-time.Hour))
	}
	require.NoError(t, repo.Upsert(context.Background(), conn, ref))
	return &ref
}

func load(t *testing.T, conn *sqlx.DB, id string) *repo.SyncFileReference {
	t.Helper()
	ref, err := repo.Find[repo.SyncFileReference](context.Background(), conn, id)
	require.NoError(t, err)
	require.NotNil(t, ref)
	return ref
}

func TestNextRetry(t *testing.T) {
	tests := []struct {
		retries  int
		notFound bool
		want     time.Duration
	}{
		{0, false, 15 * time.Minute},
		{1, false, 30 * time.Minute},
		{2, false, 60 * time.Minute},
		{3, false, 60 * time.Minute},
		{100, false, 60 * time.Minute},
		{0, true, time.Minute},
		{50, true, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextRetry(tt.retries, tt.notFound), "retries=%d notFound=%v", tt.retries, tt.notFound)
	}
}

func TestSyncOnce_NothingDue(t *testing.T) {
	s, _, _ := setup(t, &fakeTransport{})
	outcome, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestSyncOnce_Upload(t *testing.T) {
	transport := &fakeTransport{}
	s, conn, store := setup(t, transport)
	ref := addRef(t, conn, repo.SyncFileReference{ID: "f1", Direction: repo.FileUpload, TotalBytes: 5})
	_, err := store.Save(ref, strings.NewReader("hello"))
	require.NoError(t, err)

	outcome, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, repo.FileDone, outcome.Status)

	got := load(t, conn, "f1")
	assert.Equal(t, repo.FileDone, got.Status)
	assert.Equal(t, int64(5), got.UploadedBytes)
	assert.Equal(t, []byte("hello"), transport.uploaded["f1"])
}

func TestSyncOnce_UploadBackoff(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		retries     int
		wantStatus  repo.FileStatus
		wantRetries int
		wantDelay   time.Duration
	}{
		{"not found on central", ErrNotFound, 0, repo.FileError, 1, time.Minute},
		{"first failure", errors.New("connection reset"), 0, repo.FileError, 1, 15 * time.Minute},
		{"third failure", errors.New("connection reset"), 2, repo.FileError, 3, 60 * time.Minute},
		{"out of attempts", errors.New("connection reset"), MaxAttempts, repo.FilePermanentFailure, MaxAttempts, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, conn, store := setup(t, &fakeTransport{uploadErr: tt.err})
			ref := addRef(t, conn, repo.SyncFileReference{
				ID: "f1", Direction: repo.FileUpload, Status: repo.FileError, Retries: tt.retries,
			})
			_, err := store.Save(ref, strings.NewReader("x"))
			require.NoError(t, err)

			outcome, err := s.SyncOnce(context.Background())
			require.NoError(t, err)
			require.NotNil(t, outcome)
			assert.ErrorIs(t, outcome.Err, tt.err)

			got := load(t, conn, "f1")
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantRetries, got.Retries)
			require.NotNil(t, got.Error)
			assert.Contains(t, *got.Error, tt.err.Error())
			if tt.wantDelay == 0 {
				assert.Nil(t, got.RetryAt)
				return
			}
			require.NotNil(t, got.RetryAt)
			assert.True(t, testNow.Add(tt.wantDelay).Equal(got.RetryAt.Time), "retry at %s", got.RetryAt.Time)
		})
	}
}

func TestSyncOnce_FailedFileWaitsForRetryAt(t *testing.T) {
	s, conn, _ := setup(t, &fakeTransport{uploadErr: errors.New("down")})
	addRef(t, conn, repo.SyncFileReference{
		ID: "f1", Direction: repo.FileUpload, Status: repo.FileError, Retries: 1,
		RetryAt: repo.TimestampPtr(testNow.Add(time.Minute)),
	})

	outcome, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestSyncOnce_UploadMissingLocalFile(t *testing.T) {
	s, conn, _ := setup(t, &fakeTransport{})
	addRef(t, conn, repo.SyncFileReference{ID: "f1", Direction: repo.FileUpload})

	outcome, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.ErrorIs(t, outcome.Err, ErrNoLocalFile)

	got := load(t, conn, "f1")
	assert.Equal(t, repo.FileError, got.Status)
	require.NotNil(t, got.RetryAt)
	assert.True(t, testNow.Add(RetryDelay).Equal(got.RetryAt.Time))
}

func TestSyncOnce_Download(t *testing.T) {
	transport := &fakeTransport{remote: map[string]string{"f2": "report body"}}
	s, conn, store := setup(t, transport)
	ref := addRef(t, conn, repo.SyncFileReference{ID: "f2", Direction: repo.FileDownload, TotalBytes: 11})

	outcome, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.NoError(t, outcome.Err)

	got := load(t, conn, "f2")
	assert.Equal(t, repo.FileDone, got.Status)
	assert.Equal(t, int64(11), got.DownloadedBytes)

	data, err := os.ReadFile(store.Path(ref))
	require.NoError(t, err)
	assert.Equal(t, "report body", string(data))
}

func TestSyncOnce_UploadsBeforeDownloads(t *testing.T) {
	transport := &fakeTransport{remote: map[string]string{"down": "d"}}
	s, conn, store := setup(t, transport)
	addRef(t, conn, repo.SyncFileReference{ID: "down", Direction: repo.FileDownload,
		CreatedDatetime: repo.NewTimestamp(testNow.Add(-2 * time.Hour))})
	up := addRef(t, conn, repo.SyncFileReference{ID: "up", Direction: repo.FileUpload})
	_, err := store.Save(up, strings.NewReader("u"))
	require.NoError(t, err)

	outcome, err := s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "up", outcome.FileID)

	outcome, err = s.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "down", outcome.FileID)
}

func TestStore_PathStaysInsideDir(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	path := store.Path(&repo.SyncFileReference{ID: "f1", TableName: "../..", RecordID: "a/b", FileName: "../../etc/passwd"})
	rel, err := filepath.Rel(store.Dir(), path)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."), rel)
	assert.Equal(t, filepath.Join("_", "b", "f1_passwd"), rel)
}

func TestStore_SaveAndOpen(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ref := &repo.SyncFileReference{ID: "f1", TableName: "document", RecordID: "d1", FileName: "a.txt"}

	_, err = store.Open(ref)
	assert.ErrorIs(t, err, ErrNoLocalFile)

	n, err := store.Save(ref, bytes.NewReader([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	f, err := store.Open(ref)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestRun_DrainsDueFiles(t *testing.T) {
	transport := &fakeTransport{remote: map[string]string{"a": "1", "b": "2"}}
	s, conn, _ := setup(t, transport)
	addRef(t, conn, repo.SyncFileReference{ID: "a", Direction: repo.FileDownload})
	addRef(t, conn, repo.SyncFileReference{ID: "b", Direction: repo.FileDownload, Status: repo.FileInProgress})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return load(t, conn, "a").Status == repo.FileDone && load(t, conn, "b").Status == repo.FileDone
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
