package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/dbtest"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/sync/status"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/ui"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		text    string
		want    time.Time
		wantErr bool
	}{
		{"rfc3339", "2024-03-01T08:30:00Z", time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC), false},
		{"date", "2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"hours ago", "3 hours ago", now.Add(-3 * time.Hour), false},
		{"nonsense", "the colour purple", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSince(tt.text, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.WithinDuration(t, tt.want, got, time.Second)
		})
	}
}

func TestParseSince_Yesterday(t *testing.T) {
	now := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	got, err := parseSince("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Day())
	assert.Equal(t, time.March, got.Month())
}

func TestImportSites(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t).Conn()

	count, err := importSites(ctx, conn, strings.NewReader(`
[[site]]
id = "site-2"
site_id = 2
hardware_id = "hw-2"
site_name = "clinic"
password = "password"

[[site]]
id = "site-3"
site_id = 3
site_name = "ward"
hashed_password = "abc123"
`))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	site, err := repo.NewSiteRepo(conn).Authenticate(ctx, "hw-2", "clinic",
		"5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8")
	require.NoError(t, err)
	assert.Equal(t, int64(2), site.SiteID)

	sites, err := repo.NewSiteRepo(conn).List(ctx)
	require.NoError(t, err)
	assert.Len(t, sites, 2)
}

func TestImportSites_Rejects(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"both passwords", `[[site]]
id = "s"
site_id = 1
site_name = "a"
password = "x"
hashed_password = "y"`},
		{"no password", `[[site]]
id = "s"
site_id = 1
site_name = "a"`},
		{"missing site id", `[[site]]
id = "s"
site_name = "a"
password = "x"`},
		{"unknown key", `[[site]]
id = "s"
site_id = 1
site_name = "a"
password = "x"
colour = "red"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dbtest.Open(t).Conn()
			_, err := importSites(context.Background(), conn, strings.NewReader(tt.toml))
			assert.Error(t, err)

			sites, err := repo.NewSiteRepo(conn).List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, sites)
		})
	}
}

func TestImportRegistry_RecordsChanges(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t).Conn()

	count, err := importRegistry(ctx, conn, strings.NewReader(`
- id: reg-patient
  document_type: Patient
  context_id: patient
  category: PATIENT
  name: Patient
- id: reg-hiv
  document_type: HivCareProgram
  context_id: hiv
  category: PROGRAM_ENROLMENT
`))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := repo.Find[repo.DocumentRegistry](ctx, conn, "reg-hiv")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, repo.CategoryProgramEnrolment, got.Category)
	assert.Nil(t, got.Name)

	entries, err := repo.NewChangelogRepo(conn).Since(ctx, 0, 10, repo.ChangelogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "document_registry", entries[0].TableName)
	assert.Nil(t, entries[0].SourceSiteID)
}

func TestImportRegistry_UnknownCategory(t *testing.T) {
	conn := dbtest.Open(t).Conn()
	_, err := importRegistry(context.Background(), conn, strings.NewReader(`
- id: r
  document_type: X
  category: VACCINE
`))
	assert.ErrorContains(t, err, "unknown category")
}

func TestRenderReport(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	ui.SetOutput(&bytes.Buffer{})
	t.Cleanup(func() { ui.SetOutput(os.Stdout) })

	started := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	finished := repo.NewTimestamp(started.Add(1500 * time.Millisecond))
	msg, code := "connection refused", "CONNECTION_ERROR"
	tests := []struct {
		name   string
		report status.Report
		want   []string
	}{
		{
			name:   "never synced",
			report: status.Report{Cursors: map[repo.Key]uint64{}},
			want:   []string{"Initialised", "no", "never", string(repo.KeyPullCursorV5)},
		},
		{
			name: "succeeded",
			report: status.Report{
				IsInitialised: true,
				Latest:        &repo.SyncLog{StartedDatetime: repo.NewTimestamp(started), FinishedDatetime: &finished},
				Cursors:       map[repo.Key]uint64{repo.KeyPullCursorV5: 42},
				Files:         map[repo.FileStatus]int{repo.FileDone: 3},
			},
			want: []string{"yes", "ok in 1.5s", "42", "Done", "3"},
		},
		{
			name: "failed",
			report: status.Report{
				Latest:  &repo.SyncLog{StartedDatetime: repo.NewTimestamp(started), FinishedDatetime: &finished, ErrorMessage: &msg, ErrorCode: &code},
				Cursors: map[repo.Key]uint64{},
			},
			want: []string{"failed [CONNECTION_ERROR]: connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := renderReport(&tt.report)
			for _, want := range tt.want {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestValidators(t *testing.T) {
	assert.NoError(t, validatePort("8000"))
	assert.Error(t, validatePort("0"))
	assert.Error(t, validatePort("http"))
	assert.NoError(t, validateURL("https://central.example:8000"))
	assert.Error(t, validateURL("central:8000"))
	assert.Equal(t, "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8", hashPassword("password"))
}
