package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSchema = `
version = "1"
strict = true

[[columns]]
name = "key"
type = "string"
primary_key = true

[[columns]]
name = "value"
type = "string"
required = true
max_length = 100

[[columns]]
name = "priority"
type = "integer"
min = 0
max = 10

[[columns]]
name = "email"
type = "string"
pattern = '^[a-z0-9._%+\-]+@[a-z0-9.\-]+$'
`

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSchema(t *testing.T) {
	s, err := Load(writeSchema(t, sampleSchema))
	require.NoError(t, err)

	assert.Equal(t, "1", s.Version)
	assert.True(t, s.Strict)
	require.Len(t, s.Columns, 4)

	// primary_key implies required + unique.
	key := s.GetColumn("key")
	require.NotNil(t, key)
	assert.True(t, key.Required)
	assert.True(t, key.Unique)

	assert.Nil(t, s.GetColumn("missing"))
	assert.Equal(t, []string{"key", "value", "priority", "email"}, s.ColumnNames())
}

func TestLoadSchemaErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	var notFound *ErrSchemaNotFound
	assert.ErrorAs(t, err, &notFound)

	_, err = Load(writeSchema(t, "version = \"1\"\nstrict = false\n"))
	var invalid *ErrInvalidSchema
	assert.ErrorAs(t, err, &invalid)

	_, err = Load(writeSchema(t, `
version = "1"
[[columns]]
name = "x"
type = "blob"
`))
	assert.ErrorAs(t, err, &invalid)

	_, err = Load(writeSchema(t, `
version = "1"
[[columns]]
name = "x"
type = "string"
[[columns]]
name = "x"
type = "string"
`))
	assert.ErrorAs(t, err, &invalid)
}

func TestValidateBatchStrict(t *testing.T) {
	s, err := Load(writeSchema(t, sampleSchema))
	require.NoError(t, err)
	v, err := NewValidator(s)
	require.NoError(t, err)

	tests := []struct {
		name    string
		rows    []Row
		wantCol string
	}{
		{
			name:    "missing required",
			rows:    []Row{{"key": "a"}},
			wantCol: "value",
		},
		{
			name:    "bad integer",
			rows:    []Row{{"key": "a", "value": "x", "priority": "high"}},
			wantCol: "priority",
		},
		{
			name:    "integer out of range",
			rows:    []Row{{"key": "a", "value": "x", "priority": "99"}},
			wantCol: "priority",
		},
		{
			name:    "pattern mismatch",
			rows:    []Row{{"key": "a", "value": "x", "email": "not-an-email"}},
			wantCol: "email",
		},
		{
			name: "duplicate primary key",
			rows: []Row{
				{"key": "same", "value": "1"},
				{"key": "same", "value": "2"},
			},
			wantCol: "key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateBatch(tt.rows)
			require.Error(t, err)
			var ve *ErrValidation
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantCol, ve.Column)
		})
	}
}

func TestValidateBatchValidRows(t *testing.T) {
	s, err := Load(writeSchema(t, sampleSchema))
	require.NoError(t, err)
	v, err := NewValidator(s)
	require.NoError(t, err)

	warnings, err := v.ValidateBatch([]Row{
		{"key": "page.title@de", "value": "Willkommen", "priority": "5", "email": "vivian@example.com"},
		{"key": "page.title@en", "value": "Welcome"},
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestValidateBatchLenient(t *testing.T) {
	s, err := Load(writeSchema(t, sampleSchema))
	require.NoError(t, err)
	s.Strict = false
	v, err := NewValidator(s)
	require.NoError(t, err)

	warnings, err := v.ValidateBatch([]Row{{"key": "a", "priority": "banana"}})
	require.NoError(t, err)
	require.Len(t, warnings, 2) // missing value + bad priority
	assert.Equal(t, "value", warnings[0].Column)
	assert.Equal(t, "priority", warnings[1].Column)
}

func TestValidateTimestampAndBool(t *testing.T) {
	s := &Schema{
		Version: "1",
		Strict:  true,
		Columns: []ColumnDef{
			{Name: "at", Type: TypeTimestamp},
			{Name: "on", Type: TypeBoolean},
		},
	}
	v, err := NewValidator(s)
	require.NoError(t, err)

	_, err = v.ValidateBatch([]Row{{"at": "2026-01-10T12:00:00Z", "on": "true"}})
	assert.NoError(t, err)
	_, err = v.ValidateBatch([]Row{{"at": "1736860900"}})
	assert.NoError(t, err)
	_, err = v.ValidateBatch([]Row{{"at": "yesterday"}})
	assert.Error(t, err)
	_, err = v.ValidateBatch([]Row{{"on": "maybe"}})
	assert.Error(t, err)
}

func TestSchemaSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.toml")
	s := &Schema{
		Version: "2",
		Strict:  true,
		Columns: []ColumnDef{{Name: "key", Type: TypeString, PrimaryKey: true}},
	}
	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2", loaded.Version)
	assert.True(t, loaded.GetColumn("key").Unique)
}
