package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/dbtest"
)

func TestSiteRepo_Authenticate(t *testing.T) {
	conn := dbtest.Open(t).Conn()
	ctx := context.Background()
	sites := NewSiteRepo(conn)

	require.NoError(t, sites.Upsert(ctx, Site{ID: "a", SiteID: 2, HardwareID: "hw", SiteName: "clinic", HashedPassword: "h1"}))
	require.NoError(t, sites.Upsert(ctx, Site{ID: "b", SiteID: 3, HardwareID: "hw", SiteName: "depot", HashedPassword: "h2"}))

	site, err := sites.Authenticate(ctx, "hw", "depot", "h2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), site.SiteID)

	tests := []struct {
		name, hardware, user, password string
	}{
		{"wrong password", "hw", "depot", "h1"},
		{"wrong hardware", "other", "depot", "h2"},
		{"unknown name", "hw", "store", "h2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sites.Authenticate(ctx, tt.hardware, tt.user, tt.password)
			assert.ErrorIs(t, err, ErrUnknownSite)
		})
	}
}
