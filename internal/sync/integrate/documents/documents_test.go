package documents

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
)

func TestValidate(t *testing.T) {
	p, err := NewProjector()
	require.NoError(t, err)

	tests := []struct {
		name     string
		category repo.DocumentCategory
		body     string
		wantErr  bool
	}{
		{"patient", repo.CategoryPatient, `{"id":"p1","firstName":"Ann","extra":{"a":1}}`, false},
		{"patient without id", repo.CategoryPatient, `{"firstName":"Ann"}`, true},
		{"patient bad gender", repo.CategoryPatient, `{"id":"p1","gender":"female"}`, true},
		{"patient bad birth date", repo.CategoryPatient, `{"id":"p1","dateOfBirth":"03/04/1990"}`, true},
		{"enrolment", repo.CategoryProgramEnrolment, `{"enrolmentDatetime":"2024-01-01T00:00:00Z"}`, false},
		{"enrolment missing datetime", repo.CategoryProgramEnrolment, `{"status":"ACTIVE"}`, true},
		{"encounter", repo.CategoryEncounter, `{"startDatetime":"2024-01-01T00:00:00Z","clinician":{"id":"c"}}`, false},
		{"encounter bad status", repo.CategoryEncounter, `{"startDatetime":"2024-01-01T00:00:00Z","status":"LOST"}`, true},
		{"custom object", repo.CategoryCustom, `{"anything":true}`, false},
		{"custom array", repo.CategoryCustom, `[1,2]`, true},
		{"not json", repo.CategoryPatient, `{"id":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.category, []byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidDocument))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestProjectionIDStable(t *testing.T) {
	assert.Equal(t, projectionID("p1/encounter/1"), projectionID("p1/encounter/1"))
	assert.NotEqual(t, projectionID("p1/encounter/1"), projectionID("p1/encounter/2"))
}

func TestNormalize(t *testing.T) {
	in := "  Jose\u0301 "
	got := normalize(&in)
	require.NotNil(t, got)
	assert.Equal(t, "Jos\u00e9", *got)

	blank := "   "
	assert.Nil(t, normalize(&blank))
	assert.Nil(t, normalize(nil))
}
