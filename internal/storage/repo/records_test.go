package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/dbtest"
)

func TestUpsertAndFind(t *testing.T) {
	conn := dbtest.Open(t).Conn()
	ctx := context.Background()

	date := "2024-03-01"
	cur := Currency{ID: "NZD", Rate: 1, Code: "NZD", IsHomeCurrency: true, DateUpdated: &date, IsActive: true}
	require.NoError(t, Upsert(ctx, conn, cur))

	got, err := Find[Currency](ctx, conn, "NZD")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cur, *got)

	cur.Rate = 0.6
	cur.DateUpdated = nil
	require.NoError(t, Upsert(ctx, conn, cur))
	got, err = Find[Currency](ctx, conn, "NZD")
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Rate)
	assert.Nil(t, got.DateUpdated)

	missing, err := Find[Currency](ctx, conn, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = MustFind[Currency](ctx, conn, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertTracked_AppendsChangelog(t *testing.T) {
	conn := dbtest.Open(t).Conn()
	ctx := context.Background()

	site := int64(7)
	line := StockLine{ID: "sl1", ItemID: "i1", StoreID: "store_a", PackSize: 1}
	require.NoError(t, UpsertTracked(ctx, conn, line, Source{SiteID: &site, IsSyncUpdate: true}))
	require.NoError(t, UpsertTracked(ctx, conn, Unit{ID: "u1", Name: "Tab"}, LocalSource))

	entries, err := NewChangelogRepo(conn).Since(ctx, 0, 10, ChangelogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "stock_line", entries[0].TableName)
	assert.Equal(t, ActionUpsert, entries[0].RowAction)
	require.NotNil(t, entries[0].StoreID)
	assert.Equal(t, "store_a", *entries[0].StoreID)
	require.NotNil(t, entries[0].SourceSiteID)
	assert.Equal(t, site, *entries[0].SourceSiteID)
	assert.True(t, entries[0].IsSyncUpdate)

	assert.Equal(t, "unit", entries[1].TableName)
	assert.Nil(t, entries[1].StoreID)
	assert.Nil(t, entries[1].SourceSiteID)
	assert.False(t, entries[1].IsSyncUpdate)
}

func TestDeleteTracked_CapturesStore(t *testing.T) {
	conn := dbtest.Open(t).Conn()
	ctx := context.Background()

	require.NoError(t, Upsert(ctx, conn, Location{ID: "loc1", StoreID: "store_b"}))
	require.NoError(t, DeleteTracked(ctx, conn, "location", "loc1", LocalSource))

	got, err := Find[Location](ctx, conn, "loc1")
	require.NoError(t, err)
	assert.Nil(t, got)

	entries, err := NewChangelogRepo(conn).Since(ctx, 0, 10, ChangelogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionDelete, entries[0].RowAction)
	require.NotNil(t, entries[0].StoreID)
	assert.Equal(t, "store_b", *entries[0].StoreID)
}

func TestDelete_UnknownTable(t *testing.T) {
	conn := dbtest.Open(t).Conn()
	err := Delete(context.Background(), conn, "nope; DROP TABLE unit", "x")
	assert.Error(t, err)
}

func TestQueueForPush(t *testing.T) {
	conn := dbtest.Open(t).Conn()
	ctx := context.Background()

	store, owner := "s1", "patient_1"
	first, err := QueueForPush(ctx, conn, ChangelogEntry{
		TableName: "stock_line", RecordID: "sl1", RowAction: ActionUpsert, StoreID: &store,
	})
	require.NoError(t, err)
	second, err := QueueForPush(ctx, conn, ChangelogEntry{
		TableName: "document", RecordID: "doc1", RowAction: ActionUpsert, NameID: &owner,
	})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	entries, err := NewChangelogRepo(conn).Since(ctx, 0, 10, ChangelogFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[1].NameID)
	assert.Equal(t, owner, *entries[1].NameID)

	_, err = QueueForPush(ctx, conn, ChangelogEntry{TableName: "unit", RowAction: ActionUpsert})
	assert.Error(t, err)
}
