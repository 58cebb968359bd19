package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/dbtest"
)

func TestBuffer_PendingBySource(t *testing.T) {
	conn := dbtest.Open(t).Conn()
	ctx := context.Background()
	buf := NewBufferRepo(conn)

	site := int64(3)
	require.NoError(t, buf.Insert(ctx,
		SyncBufferRow{RecordID: "a", TableName: "unit", Action: ActionUpsert, Data: `{"ID":"a"}`},
		SyncBufferRow{RecordID: "b", TableName: "unit", Action: ActionUpsert, SourceSiteID: &site},
		SyncBufferRow{RecordID: "c", TableName: "unit", Action: ActionDelete},
	))

	local, err := buf.Pending(ctx, nil)
	require.NoError(t, err)
	require.Len(t, local, 2)
	assert.Equal(t, "a", local[0].RecordID)
	assert.Equal(t, "c", local[1].RecordID)
	assert.Less(t, local[0].ID, local[1].ID)
	assert.False(t, local[0].ReceivedDatetime.IsZero())

	remote, err := buf.Pending(ctx, &site)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, "{}", remote[0].Data)

	require.NoError(t, buf.SetError(ctx, local[0].ID, "bad"))
	local, err = buf.Pending(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, local[0].IntegrationError)
	assert.Equal(t, "bad", *local[0].IntegrationError)

	require.NoError(t, buf.MarkIntegrated(ctx, time.Now(), local[0].ID, local[1].ID))
	local, err = buf.Pending(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, local)

	count, err := buf.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
