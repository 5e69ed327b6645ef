package migrate

import (
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (id INT);\n\n-- +migrate Down\nDROP TABLE a;\n"

	m, err := Parse("003_create_a.sql", content)

	require.NoError(t, err)
	assert.Equal(t, 3, m.Version)
	assert.Equal(t, "create_a", m.Name)
	assert.Equal(t, "CREATE TABLE a (id INT);", m.UpSQL)
	assert.Equal(t, "DROP TABLE a;", m.DownSQL)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
	}{
		{"no underscore", "001.sql", "-- +migrate Up\nSELECT 1;"},
		{"non numeric version", "abc_name.sql", "-- +migrate Up\nSELECT 1;"},
		{"zero version", "000_name.sql", "-- +migrate Up\nSELECT 1;"},
		{"empty up section", "001_name.sql", "-- +migrate Up\n-- +migrate Down\nDROP TABLE a;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.filename, tt.content)
			assert.Error(t, err)
		})
	}
}

func TestLoad_SortsAndRejectsDuplicates(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_second.sql": {Data: []byte("-- +migrate Up\nSELECT 2;")},
		"migrations/001_first.sql":  {Data: []byte("-- +migrate Up\nSELECT 1;")},
		"migrations/README.md":      {Data: []byte("notes")},
	}

	migrations, err := Load(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, 2, migrations[1].Version)

	fsys["migrations/002_again.sql"] = &fstest.MapFile{Data: []byte("-- +migrate Up\nSELECT 3;")}
	_, err = Load(fsys, "migrations")
	assert.ErrorContains(t, err, "duplicate migration version 2")
}

func TestLoad_ShippedMigrations(t *testing.T) {
	migrations, err := Load(os.DirFS("../../cmd/migrate"), "migrations")

	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "device_tokens", migrations[0].Name)
	for _, m := range migrations {
		assert.NotEmpty(t, m.DownSQL, "migration %d must be reversible", m.Version)
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	applied := map[int]time.Time{1: time.Now(), 3: time.Now()}

	pending := Pending(migrations, applied)

	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)
}
