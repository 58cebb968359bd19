package translate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

func TestDate_Unmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    *string
		wantErr bool
	}{
		{`"0000-00-00"`, nil, false},
		{`""`, nil, false},
		{`null`, nil, false},
		{`"2021-07-09"`, ptr("2021-07-09"), false},
		{`"09/07/2021"`, nil, true},
		{`12`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Date
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Ptr())
		})
	}
}

func TestDate_MarshalUnset(t *testing.T) {
	b, err := json.Marshal(DateOf(nil))
	require.NoError(t, err)
	assert.Equal(t, `"0000-00-00"`, string(b))
}

func TestOptString(t *testing.T) {
	assert.Nil(t, OptString("").Ptr())
	assert.Equal(t, "x", *OptString("x").Ptr())
	assert.Equal(t, OptString(""), OptStringOf(nil))
}

func TestDatetimeSplit(t *testing.T) {
	var d Date
	require.NoError(t, json.Unmarshal([]byte(`"2023-10-01"`), &d))
	ts, ok := datetimeOf(d, 45296)
	require.True(t, ok)
	assert.Equal(t, time.Date(2023, 10, 1, 12, 34, 56, 0, time.UTC), ts.Time)

	day, seconds := splitDatetime(&ts)
	assert.Equal(t, "2023-10-01", *day.Ptr())
	assert.Equal(t, int64(45296), seconds)

	_, ok = datetimeOf(Date{}, 10)
	assert.False(t, ok)

	day, seconds = splitDatetime((*repo.Timestamp)(nil))
	assert.Nil(t, day.Ptr())
	assert.Zero(t, seconds)
}
