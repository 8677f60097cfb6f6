package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maloquacious/crimestore/internal/config"
	"github.com/maloquacious/crimestore/internal/crime"
	"github.com/maloquacious/crimestore/internal/logger"
	"github.com/maloquacious/crimestore/internal/reactive"
	"github.com/maloquacious/crimestore/internal/store"
	"github.com/maloquacious/crimestore/internal/store/sqlite"
)

const waitFor = 2 * time.Second

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), store.DefaultDBFile)
	cfg.Store.CheckpointSchedule = config.CheckpointOff
	return cfg
}

func openRepo(t *testing.T, cfg *config.Config, opts ...Option) *Repository {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Nop)}, opts...)
	r, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func titled(title string) crime.Crime {
	c := crime.New()
	c.Title = title
	return c
}

func recv[T any](t *testing.T, s *reactive.Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a snapshot")
	}
	var zero T
	return zero
}

func TestOpen_FreshStore(t *testing.T) {
	r := openRepo(t, testConfig(t))
	ctx := context.Background()

	res := r.Migration()
	assert.True(t, res.Created)
	assert.Empty(t, res.Applied)
	assert.Equal(t, sqlite.SchemaVersion, res.To)

	version, err := r.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, sqlite.SchemaVersion, version)
	assert.Equal(t, float64(sqlite.SchemaVersion), testutil.ToFloat64(r.metrics.schemaVersion))

	crimes, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, crimes)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Repository.QueueSize = 0
	_, err := Open(context.Background(), cfg, WithLogger(logger.Nop))
	assert.Error(t, err)
}

func TestOpen_WithSeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Seed = true
	seed := []crime.Crime{titled("seeded one"), titled("seeded two")}
	r := openRepo(t, cfg, WithSeed(seed))

	crimes, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, crimes, 2)
	assert.Equal(t, "seeded one", crimes[0].Title)
	assert.Equal(t, "seeded two", crimes[1].Title)
}

func TestAddUpdateGet(t *testing.T) {
	r := openRepo(t, testConfig(t))
	ctx := context.Background()

	c := crime.New()
	require.NoError(t, r.Add(ctx, c))

	c.Title = "Stolen bike"
	require.NoError(t, r.Update(ctx, c))

	got, err := r.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Stolen bike", got.Title)
}

func TestGet_ReturnsLastValueWritten(t *testing.T) {
	r := openRepo(t, testConfig(t))
	ctx := context.Background()

	c := titled("v0")
	require.NoError(t, r.Add(ctx, c))
	for i := 1; i <= 5; i++ {
		c.Title = fmt.Sprintf("v%d", i)
		c.IsSolved = i%2 == 0
		require.NoError(t, r.Update(ctx, c))
	}

	got, err := r.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c, *got)

	never, err := r.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, never)

	require.NoError(t, r.Delete(ctx, c.ID))
	deleted, err := r.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func TestWriteErrorsReachTheCaller(t *testing.T) {
	r := openRepo(t, testConfig(t))
	ctx := context.Background()

	c := titled("original")
	require.NoError(t, r.Add(ctx, c))

	dup := c
	dup.Title = "duplicate"
	assert.ErrorIs(t, r.Add(ctx, dup), store.ErrDuplicateID)
	assert.ErrorIs(t, r.Update(ctx, titled("ghost")), store.ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, uuid.New()), store.ErrNotFound)
	assert.ErrorIs(t, r.Modify(ctx, uuid.New(), func(*crime.Crime) error { return nil }), store.ErrNotFound)
	assert.ErrorIs(t, r.Add(ctx, crime.Crime{}), crime.ErrNilID)

	got, err := r.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "original", got.Title)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues("add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues("add", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues("add", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues("update", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues("delete", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues("modify", "not_found")))
}

func TestModify(t *testing.T) {
	r := openRepo(t, testConfig(t))
	ctx := context.Background()

	c := titled("open case")
	require.NoError(t, r.Add(ctx, c))

	require.NoError(t, r.Modify(ctx, c.ID, func(c *crime.Crime) error {
		c.IsSolved = true
		c.Suspect = "Mrs. Peacock"
		return nil
	}))
	got, err := r.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsSolved)
	assert.Equal(t, "Mrs. Peacock", got.Suspect)
	assert.Equal(t, "open case", got.Title)

	errStop := errors.New("stop")
	assert.ErrorIs(t, r.Modify(ctx, c.ID, func(*crime.Crime) error { return errStop }), errStop)
	assert.Error(t, r.Modify(ctx, c.ID, func(c *crime.Crime) error {
		c.ID = uuid.New()
		return nil
	}))
}

func TestConcurrentWritesAreNotLost(t *testing.T) {
	cfg := testConfig(t)
	cfg.Repository.QueueSize = 4
	r := openRepo(t, cfg)
	ctx := context.Background()

	counter := titled("0")
	require.NoError(t, r.Add(ctx, counter))

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Modify(ctx, counter.ID, func(c *crime.Crime) error {
				n, err := strconv.Atoi(c.Title)
				if err != nil {
					return err
				}
				c.Title = strconv.Itoa(n + 1)
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := r.Get(ctx, counter.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, strconv.Itoa(writers), got.Title)
	assert.Equal(t, float64(writers), testutil.ToFloat64(r.metrics.writes.WithLabelValues("modify", "ok")))
}

func TestConcurrentAdds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Repository.QueueSize = 2
	r := openRepo(t, cfg)
	ctx := context.Background()

	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Add(ctx, titled(fmt.Sprintf("c%d", i))))
		}(i)
	}
	wg.Wait()

	crimes, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, crimes, writers)
}

func TestSubscribeAll_OneSnapshotPerWrite(t *testing.T) {
	r := openRepo(t, testConfig(t))
	ctx := context.Background()

	sub, err := r.SubscribeAll(ctx)
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Empty(t, recv(t, sub))

	const writes = 5
	ids := make([]uuid.UUID, 0, writes)
	for i := 0; i < writes; i++ {
		c := titled(fmt.Sprintf("w%d", i))
		ids = append(ids, c.ID)
		require.NoError(t, r.Add(ctx, c))
	}

	for i := 1; i <= writes; i++ {
		snapshot := recv(t, sub)
		require.Len(t, snapshot, i)
		for j, c := range snapshot {
			assert.Equal(t, ids[j], c.ID)
		}
	}
	select {
	case v := <-sub.C():
		t.Fatalf("unexpected extra snapshot %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeOne_SeesOnlyItsCrime(t *testing.T) {
	r := openRepo(t, testConfig(t))
	ctx := context.Background()

	c := titled("watched")
	require.NoError(t, r.Add(ctx, c))

	sub, err := r.SubscribeOne(ctx, c.ID)
	require.NoError(t, err)
	defer sub.Cancel()
	first := recv(t, sub)
	require.NotNil(t, first)
	assert.Equal(t, "watched", first.Title)

	require.NoError(t, r.Add(ctx, titled("other")))
	c.Title = "watched and updated"
	require.NoError(t, r.Update(ctx, c))

	next := recv(t, sub)
	require.NotNil(t, next)
	assert.Equal(t, "watched and updated", next.Title)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.writes.WithLabelValues("update", "ok")))
}

func TestActiveSubscriptionsGauge(t *testing.T) {
	r := openRepo(t, testConfig(t))
	ctx := context.Background()

	sub, err := r.SubscribeAll(ctx)
	require.NoError(t, err)
	n, err := testutil.GatherAndCount(r.Registry(), "crimestore_reactive_active_subscriptions")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	var active float64
	for _, f := range families {
		if f.GetName() == "crimestore_reactive_active_subscriptions" {
			active = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, active)
	sub.Cancel()
	assert.Equal(t, 0, r.layer.Active())
}

func TestSubmit_CancelledContext(t *testing.T) {
	r := openRepo(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := titled("never")
	assert.ErrorIs(t, r.Add(ctx, c), context.Canceled)

	got, err := r.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClose_DrainsQueuedWrites(t *testing.T) {
	cfg := testConfig(t)
	cfg.Repository.QueueSize = 1
	r, err := Open(context.Background(), cfg, WithLogger(logger.Nop))
	require.NoError(t, err)
	ctx := context.Background()

	const writers = 30
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := r.Add(ctx, titled(fmt.Sprintf("c%d", i)))
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrClosed)
		}(i)
	}
	require.NoError(t, r.Close())
	wg.Wait()

	reopened := openRepo(t, cfg)
	crimes, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Len(t, crimes, accepted)
}

func TestClose(t *testing.T) {
	cfg := testConfig(t)
	r, err := Open(context.Background(), cfg, WithLogger(logger.Nop))
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := r.SubscribeAll(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("subscription not cancelled by Close")
	}
	assert.ErrorIs(t, r.Add(ctx, titled("late")), ErrClosed)
	_, err = r.SubscribeAll(ctx)
	assert.ErrorIs(t, err, reactive.ErrClosed)
}

func TestCheckpointSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.CheckpointSchedule = "@every 1s"
	r := openRepo(t, cfg)
	require.NoError(t, r.Add(context.Background(), titled("wal")))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(r.metrics.checkpoints.WithLabelValues("ok")) >= 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestResultLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("wrapped: %w", store.ErrDuplicateID), "duplicate"},
		{store.ErrNotFound, "not_found"},
		{crime.ErrNilID, "invalid"},
		{store.NewStorageError("sqlite", "insert", errors.New("disk I/O error")), "unavailable"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resultLabel(tt.err))
	}
}
