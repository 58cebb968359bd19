package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/dbtest"
)

func TestKeyValueStore(t *testing.T) {
	conn := dbtest.Open(t).Conn()
	ctx := context.Background()
	kv := NewKeyValueStore(conn)

	cursor, err := kv.Cursor(ctx, KeyPullCursorV6)
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, kv.SetCursor(ctx, KeyPullCursorV6, 42))
	require.NoError(t, kv.SetCursor(ctx, KeyPullCursorV6, 43))
	cursor, err = kv.Cursor(ctx, KeyPullCursorV6)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), cursor)

	initialised, err := kv.GetBool(ctx, KeyIsInitialised)
	require.NoError(t, err)
	assert.False(t, initialised)
	require.NoError(t, kv.SetBool(ctx, KeyIsInitialised, true))
	initialised, err = kv.GetBool(ctx, KeyIsInitialised)
	require.NoError(t, err)
	assert.True(t, initialised)

	require.NoError(t, kv.SetString(ctx, KeySyncURL, "http://central"))
	url, err := kv.GetString(ctx, KeySyncURL)
	require.NoError(t, err)
	assert.Equal(t, "http://central", url)

	assert.Equal(t, Key("sync_out_cursor_5"), SyncOutCursorKey(5))
}
