package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maloquacious/crimestore/internal/crime"
	"github.com/maloquacious/crimestore/internal/logger"
	"github.com/maloquacious/crimestore/internal/store"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:   filepath.Join(t.TempDir(), store.DefaultDBFile),
		WAL:    true,
		Logger: logger.Nop,
	}
}

func openStore(t *testing.T, cfg Config) *SQLiteStore {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(title string) crime.Crime {
	c := crime.New()
	c.Title = title
	c.Date = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "empty path")

	_, err = New(Config{Path: "x.db", Driver: "postgres"})
	assert.Error(t, err, "unknown driver")

	s, err := New(Config{Path: "x.db", Driver: DriverMattn})
	require.NoError(t, err)
	assert.Equal(t, "x.db", s.Path())
}

func TestOpen_FreshStore(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	res := s.Migration()
	assert.True(t, res.Created)
	assert.Equal(t, SchemaVersion, res.To)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)

	state, err := s.CheckState(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, state)

	crimes, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, crimes)
	assert.NotNil(t, crimes, "empty list, not nil")
}

func TestCRUD(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	c := sample("")
	require.NoError(t, s.Insert(ctx, c))

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c, *got)

	c.Title = "Stolen bike"
	c.IsSolved = true
	c.Suspect = "Jane"
	c.PhoneNumber = "555-0199"
	c.PhotoFileName = "IMG_1.jpg"
	c.Date = c.Date.Add(time.Hour)
	require.NoError(t, s.Update(ctx, c))

	got, err = s.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c, *got)
	assert.Equal(t, "Stolen bike", got.Title)

	// Clearing the photo stores NULL and reads back as empty.
	c.PhotoFileName = ""
	require.NoError(t, s.Update(ctx, c))
	got, err = s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.HasPhoto())

	require.NoError(t, s.Delete(ctx, c.ID))
	got, err = s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGet_UnknownIsNil(t *testing.T) {
	s := openStore(t, testConfig(t))

	got, err := s.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInsert_DuplicateLeavesStoreUnchanged(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	c := sample("first")
	require.NoError(t, s.Insert(ctx, c))

	dup := c
	dup.Title = "second"
	err := s.Insert(ctx, dup)
	require.ErrorIs(t, err, store.ErrDuplicateID)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdate_UnknownLeavesStoreUnchanged(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	existing := sample("kept")
	require.NoError(t, s.Insert(ctx, existing))

	err := s.Update(ctx, sample("ghost"))
	require.ErrorIs(t, err, store.ErrNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, existing, all[0])

	assert.ErrorIs(t, s.Delete(ctx, uuid.New()), store.ErrNotFound)
}

func TestInsertUpdate_RejectNilID(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	assert.ErrorIs(t, s.Insert(ctx, crime.Crime{}), crime.ErrNilID)
	assert.ErrorIs(t, s.Update(ctx, crime.Crime{}), crime.ErrNilID)
}

func TestList_InsertionOrderIsStable(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	var want []uuid.UUID
	for _, title := range []string{"c", "a", "b"} {
		c := sample(title)
		require.NoError(t, s.Insert(ctx, c))
		want = append(want, c.ID)
	}
	// Updating must not move a record.
	first, err := s.Get(ctx, want[0])
	require.NoError(t, err)
	first.Title = "z"
	require.NoError(t, s.Update(ctx, *first))

	for i := 0; i < 2; i++ {
		all, err := s.List(ctx)
		require.NoError(t, err)
		var got []uuid.UUID
		for _, c := range all {
			got = append(got, c.ID)
		}
		assert.Equal(t, want, got)
	}
}

func TestReopenKeepsData(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))
	c := sample("persisted")
	require.NoError(t, s.Insert(ctx, c))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	s2 := openStore(t, cfg)
	assert.False(t, s2.Migration().Created)
	got, err := s2.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c, *got)
}

// writeV1Store builds a version-1 datastore at path holding crimes.
func writeV1Store(t *testing.T, path string, crimes ...crime.Crime) {
	t.Helper()
	db, err := sql.Open(DriverModernc, path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(schemaV1)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (1, 0)`)
	require.NoError(t, err)
	for _, c := range crimes {
		_, err = db.Exec(`INSERT INTO crime (id, title, date, is_solved) VALUES (?, ?, ?, ?)`,
			c.ID.String(), c.Title, c.Date.UnixMilli(), boolToInt(c.IsSolved))
		require.NoError(t, err)
	}
}

func TestOpen_MigratesV1ToCurrent(t *testing.T) {
	cfg := testConfig(t)
	old := []crime.Crime{sample("one"), sample("two")}
	old[1].IsSolved = true
	writeV1Store(t, cfg.Path, old...)

	state, version, err := Inspect(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, store.StateVersionMismatch, state)
	assert.Equal(t, 1, version)

	s := openStore(t, cfg)
	res := s.Migration()
	assert.Equal(t, 1, res.From)
	assert.Equal(t, SchemaVersion, res.To)
	assert.Equal(t, []int{2, 3, 4}, res.Applied)

	all, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	for i, got := range all {
		want := old[i]
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Title, got.Title)
		assert.True(t, want.Date.Equal(got.Date))
		assert.Equal(t, want.IsSolved, got.IsSolved)
		assert.Empty(t, got.Suspect)
		assert.Empty(t, got.PhotoFileName)
		assert.Empty(t, got.PhoneNumber)
	}
}

func TestOpen_SchemaTooNew(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	_, err := s.db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, 0)`, SchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	again, err := New(cfg)
	require.NoError(t, err)
	err = again.Open(context.Background())
	require.ErrorIs(t, err, store.ErrSchemaTooNew)
}

func TestOpen_Seed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Seed = true
	s := openStore(t, cfg)

	bundled, err := BundledSeed()
	require.NoError(t, err)
	require.NotEmpty(t, bundled)

	all, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bundled, all)
}

func TestOpen_SeedOnlyOnCreation(t *testing.T) {
	cfg := testConfig(t)
	writeV1Store(t, cfg.Path)
	cfg.Seed = true
	cfg.SeedData = []crime.Crime{sample("seeded")}

	s := openStore(t, cfg)
	all, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "migrated stores are never seeded")
}

func TestParseSeed(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int
		wantErr bool
	}{
		{name: "empty", data: "crimes: []", want: 0},
		{name: "one", data: "crimes:\n  - id: 6ba7b810-9dad-11d1-80b4-00c04fd430c8\n    title: x\n    date: 2024-01-01T00:00:00Z\n", want: 1},
		{name: "bad id", data: "crimes:\n  - id: nope\n", wantErr: true},
		{name: "duplicate", data: "crimes:\n  - id: 6ba7b810-9dad-11d1-80b4-00c04fd430c8\n  - id: 6ba7b810-9dad-11d1-80b4-00c04fd430c8\n", wantErr: true},
		{name: "not yaml", data: "crimes: [", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSeed([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestInspect(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	state, _, err := Inspect(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, store.StateMissing, state)

	s := openStore(t, cfg)
	require.NoError(t, s.Close())

	state, version, err := Inspect(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, state)
	assert.Equal(t, SchemaVersion, version)
}

func TestClosedStore(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.List(ctx)
	assert.ErrorIs(t, err, store.ErrNotOpen)
	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotOpen)
	assert.ErrorIs(t, s.Insert(ctx, sample("x")), store.ErrNotOpen)
	assert.ErrorIs(t, s.Checkpoint(ctx), store.ErrNotOpen)
	state, err := s.CheckState(ctx)
	assert.ErrorIs(t, err, store.ErrNotOpen)
	assert.Equal(t, store.StateMissing, state)
}

func TestCheckpoint(t *testing.T) {
	s := openStore(t, testConfig(t))
	require.NoError(t, s.Insert(context.Background(), sample("x")))
	assert.NoError(t, s.Checkpoint(context.Background()))
}
