package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/unreact/pkg/locator"
	"github.com/3leaps/unreact/pkg/platform"
	"github.com/3leaps/unreact/pkg/registry"
	"github.com/3leaps/unreact/test/platformtest"
)

const (
	refA = "https://discord.com/channels/1/10/100"
	refB = "https://discord.com/channels/1/10/101"
	refC = "https://discord.com/channels/1/20/200"
)

// flakyRegistry injects failures into a real registry.
type flakyRegistry struct {
	Registry

	mu           sync.Mutex
	insertErr    error
	deleteErr    error
	deleteAllErr error
}

func (f *flakyRegistry) set(fn func(f *flakyRegistry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *flakyRegistry) Insert(ctx context.Context, rec registry.Record) (bool, error) {
	f.mu.Lock()
	err := f.insertErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Registry.Insert(ctx, rec)
}

func (f *flakyRegistry) Delete(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Registry.Delete(ctx, ref)
}

func (f *flakyRegistry) DeleteAll(ctx context.Context) (int64, error) {
	f.mu.Lock()
	err := f.deleteAllErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Registry.DeleteAll(ctx)
}

func openStore(t *testing.T, path string) *registry.Store {
	t.Helper()
	store, err := registry.Open(context.Background(), registry.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newGateway() *platformtest.Gateway {
	gw := platformtest.New()
	gw.AddContainer("10", platform.KindStandard)
	gw.AddMessage("10", "100")
	gw.AddMessage("10", "101")
	gw.AddContainer("20", platform.KindThread)
	gw.AddMessage("20", "200")
	return gw
}

func newScheduler(t *testing.T, gw platform.Gateway, reg Registry, cfg Config) *Scheduler {
	t.Helper()
	if cfg.Interval == 0 {
		// Long enough that the timer never fires during a test; firings are
		// driven through fire() directly.
		cfg.Interval = time.Hour
	}
	s, err := New(gw, reg, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func generation(t *testing.T, s *Scheduler, ref string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.tasks[ref]
	require.True(t, ok, "no live task for %s", ref)
	return tk.generation
}

func TestNew_Validation(t *testing.T) {
	gw := newGateway()
	store := openStore(t, ":memory:")

	_, err := New(nil, store, Config{})
	require.Error(t, err)

	_, err = New(gw, nil, Config{})
	require.Error(t, err)

	_, err = New(gw, store, Config{Interval: 500 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minimum")

	_, err = New(gw, store, Config{Interval: 1900 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whole number of seconds")

	s, err := New(gw, store, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, s.Interval())
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestStart_DoubleStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	store := openStore(t, ":memory:")
	s := newScheduler(t, gw, store, Config{})

	status, err := s.Start(ctx, refA)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, status)

	status, err = s.Start(ctx, "  "+refA+"\n")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyActive, status)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Live: 1, Durable: 1}, stats)
	assert.Len(t, s.cron.Entries(), 1)
}

func TestStart_InvalidReferenceNeverReachesGateway(t *testing.T) {
	gw := newGateway()
	s := newScheduler(t, gw, openStore(t, ":memory:"), Config{})

	_, err := s.Start(context.Background(), "not-a-url")
	require.Error(t, err)
	assert.ErrorIs(t, err, locator.ErrInvalidReference)
	assert.Equal(t, 0, gw.FetchCount())
}

func TestStart_ResolutionFailuresCreateNothing(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		wantErr error
	}{
		{"message not found", "https://discord.com/channels/1/10/999", platform.ErrMessageNotFound},
		{"container not found", "https://discord.com/channels/1/99/100", platform.ErrContainerNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t, ":memory:")
			s := newScheduler(t, newGateway(), store, Config{})

			_, err := s.Start(ctx, tt.ref)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			assert.False(t, s.IsActive(tt.ref))
			rec, err := store.Get(ctx, tt.ref)
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestStart_UnsupportedContainers(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	gw.AddContainer("30", platform.KindForum)
	gw.AddMessage("30", "300")
	gw.AddContainer("40", platform.KindUnsupported)
	gw.AddMessage("40", "400")
	store := openStore(t, ":memory:")
	s := newScheduler(t, gw, store, Config{})

	_, err := s.Start(ctx, "https://discord.com/channels/1/30/300")
	require.Error(t, err)
	assert.True(t, IsUnsupportedContainer(err))
	assert.True(t, IsForumContainer(err))
	assert.Contains(t, err.Error(), "thread")

	_, err = s.Start(ctx, "https://discord.com/channels/1/40/400")
	require.Error(t, err)
	assert.True(t, IsUnsupportedContainer(err))
	assert.False(t, IsForumContainer(err))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStart_PersistenceFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	reg := &flakyRegistry{Registry: openStore(t, ":memory:")}
	reg.set(func(f *flakyRegistry) { f.insertErr = errors.New("disk full") })
	s := newScheduler(t, newGateway(), reg, Config{})

	_, err := s.Start(ctx, refA)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, s.IsActive(refA))
	assert.Empty(t, s.cron.Entries())

	// Recovers once the registry does.
	reg.set(func(f *flakyRegistry) { f.insertErr = nil })
	status, err := s.Start(ctx, refA)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, status)
}

func TestStart_ConcurrentStartsYieldOneTask(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, ":memory:")
	s := newScheduler(t, newGateway(), store, Config{})

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[Status]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := s.Start(ctx, refA)
			assert.NoError(t, err)
			mu.Lock()
			statuses[status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[StatusStarted])
	assert.Equal(t, n-1, statuses[StatusAlreadyActive])
	assert.Len(t, s.cron.Entries(), 1)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, ":memory:")
	s := newScheduler(t, newGateway(), store, Config{})

	t.Run("unknown reference is not active", func(t *testing.T) {
		status, err := s.Stop(ctx, refC)
		require.NoError(t, err)
		assert.Equal(t, StatusNotActive, status)
	})

	t.Run("invalid reference", func(t *testing.T) {
		_, err := s.Stop(ctx, "nope")
		assert.ErrorIs(t, err, locator.ErrInvalidReference)
	})

	t.Run("live task", func(t *testing.T) {
		_, err := s.Start(ctx, refA)
		require.NoError(t, err)

		status, err := s.Stop(ctx, refA)
		require.NoError(t, err)
		assert.Equal(t, StatusStopped, status)
		assert.False(t, s.IsActive(refA))
		assert.Empty(t, s.cron.Entries())

		rec, err := store.Get(ctx, refA)
		require.NoError(t, err)
		assert.Nil(t, rec)

		status, err = s.Stop(ctx, refA)
		require.NoError(t, err)
		assert.Equal(t, StatusNotActive, status)
	})

	t.Run("durable record without live task", func(t *testing.T) {
		_, err := store.Insert(ctx, registry.Record{Reference: refB, ContainerID: "10", MessageID: "101"})
		require.NoError(t, err)

		status, err := s.Stop(ctx, refB)
		require.NoError(t, err)
		assert.Equal(t, StatusStopped, status)
	})
}

func TestStop_RestoredReferenceOutsideAllowedHosts(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, ":memory:")

	legacy := "https://discordapp.com/channels/1/10/100"
	_, err := store.Insert(ctx, registry.Record{Reference: legacy, ContainerID: "10", MessageID: "100"})
	require.NoError(t, err)

	loc, err := locator.New(locator.Options{AllowedHosts: []string{"discord.com"}})
	require.NoError(t, err)
	s := newScheduler(t, newGateway(), store, Config{Locator: loc})

	report, err := s.ReconcileOnBoot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Restored)
	require.True(t, s.IsActive(legacy))

	status, err := s.Stop(ctx, " "+legacy+" ")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
	assert.False(t, s.IsActive(legacy))
	assert.Empty(t, s.cron.Entries())

	rec, err := store.Get(ctx, legacy)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Untracked now, so the locator verdict stands.
	_, err = s.Stop(ctx, legacy)
	assert.ErrorIs(t, err, locator.ErrHostNotAllowed)
}

func TestStop_RegistryFailureStillStopsTask(t *testing.T) {
	ctx := context.Background()
	reg := &flakyRegistry{Registry: openStore(t, ":memory:")}
	s := newScheduler(t, newGateway(), reg, Config{})

	_, err := s.Start(ctx, refA)
	require.NoError(t, err)

	reg.set(func(f *flakyRegistry) { f.deleteErr = errors.New("locked") })
	_, err = s.Stop(ctx, refA)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.False(t, s.IsActive(refA))
}

func TestStop_NoFiringAfterReturn(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	s := newScheduler(t, gw, openStore(t, ":memory:"), Config{})

	_, err := s.Start(ctx, refA)
	require.NoError(t, err)
	gen := generation(t, s, refA)

	s.fire(refA, gen)
	assert.Equal(t, 1, gw.ClearCount("10", "100"))

	_, err = s.Stop(ctx, refA)
	require.NoError(t, err)

	// A firing scheduled before Stop must not act.
	s.fire(refA, gen)
	assert.Equal(t, 1, gw.ClearCount("10", "100"))

	// Nor may a stale firing act on a newer task for the same reference.
	_, err = s.Start(ctx, refA)
	require.NoError(t, err)
	s.fire(refA, gen)
	assert.Equal(t, 1, gw.ClearCount("10", "100"))

	s.fire(refA, generation(t, s, refA))
	assert.Equal(t, 2, gw.ClearCount("10", "100"))
}

func TestStopAll(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, ":memory:")
	s := newScheduler(t, newGateway(), store, Config{})

	for _, ref := range []string{refA, refB} {
		_, err := s.Start(ctx, ref)
		require.NoError(t, err)
	}
	// Durable-only record counts as well.
	_, err := store.Insert(ctx, registry.Record{Reference: refC, ContainerID: "20", MessageID: "200"})
	require.NoError(t, err)

	n, err := s.StopAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.StopAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, s.cron.Entries())
}

func TestStopAll_StaleRegistry(t *testing.T) {
	ctx := context.Background()
	reg := &flakyRegistry{Registry: openStore(t, ":memory:")}
	s := newScheduler(t, newGateway(), reg, Config{})

	_, err := s.Start(ctx, refA)
	require.NoError(t, err)

	reg.set(func(f *flakyRegistry) { f.deleteAllErr = errors.New("readonly") })
	n, err := s.StopAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleRegistry)
	assert.Equal(t, 1, n)
	assert.False(t, s.IsActive(refA))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Live: 0, Durable: 1}, stats)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, ":memory:")
	s := newScheduler(t, newGateway(), store, Config{})

	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	tick := base
	s.now = func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}

	_, err := s.Start(ctx, refB)
	require.NoError(t, err)
	_, err = s.Start(ctx, refA)
	require.NoError(t, err)

	// A record restored later but created earlier sorts first and is not live.
	_, err = store.Insert(ctx, registry.Record{Reference: refC, ContainerID: "20", MessageID: "200", CreatedAt: base})
	require.NoError(t, err)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, refC, entries[0].Reference)
	assert.False(t, entries[0].Active)
	assert.True(t, entries[0].Durable)

	assert.Equal(t, refB, entries[1].Reference)
	assert.True(t, entries[1].Active)
	assert.Equal(t, refA, entries[2].Reference)
	assert.True(t, entries[2].Active)
	assert.Equal(t, "10", entries[2].ContainerID)
	assert.Equal(t, "100", entries[2].MessageID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Live: 2, Durable: 3}, stats)
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, ":memory:")
	s := newScheduler(t, newGateway(), store, Config{})

	_, err := s.Start(ctx, refA)
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))

	assert.False(t, s.IsActive(refA))
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "shutdown must not touch the registry")

	_, err = s.Start(ctx, refB)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRestart_RestoresExactlyOneTask(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	gw := newGateway()

	store1, err := registry.Open(ctx, registry.Config{Path: path})
	require.NoError(t, err)
	s1, err := New(gw, store1, Config{Interval: time.Hour})
	require.NoError(t, err)

	_, err = s1.Start(ctx, refA)
	require.NoError(t, err)

	// Simulated crash: no Stop, just drop everything.
	require.NoError(t, s1.Shutdown(ctx))
	require.NoError(t, store1.Close())

	store2 := openStore(t, path)
	s2 := newScheduler(t, gw, store2, Config{})

	report, err := s2.ReconcileOnBoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 0, report.Pruned)

	stats, err := s2.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Live: 1, Durable: 1}, stats)
	assert.Len(t, s2.cron.Entries(), 1)
	assert.True(t, s2.IsActive(refA))
}

func TestReconcileOnBoot_PrunesDeadRecordsOnce(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	store := openStore(t, ":memory:")

	created := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	for _, rec := range []registry.Record{
		{Reference: refA, ContainerID: "10", MessageID: "100", CreatedAt: created},
		{Reference: refB, ContainerID: "10", MessageID: "101", CreatedAt: created},
		{Reference: refC, ContainerID: "20", MessageID: "200", CreatedAt: created},
	} {
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)
	}
	gw.RemoveMessage("10", "101")
	gw.RemoveContainer("20")

	s := newScheduler(t, gw, store, Config{})

	report, err := s.ReconcileOnBoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored)
	assert.Equal(t, 2, report.Pruned)
	assert.Equal(t, 0, report.Failed)
	assert.ElementsMatch(t, []string{refB, refC}, report.PrunedReferences)
	assert.Equal(t, 3, report.Total())

	// Restored task keeps its original creation time.
	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, created.Equal(entries[0].CreatedAt))

	// Second pass is a no-op.
	report, err = s.ReconcileOnBoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{AlreadyActive: 1}, report)

	// A fresh boot finds only the live record.
	fresh := newScheduler(t, gw, store, Config{})
	report, err = fresh.ReconcileOnBoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Restored: 1}, report)
}

func TestLogging_ReactionsAndPruneReason(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	gw.SetReactions("10", "100", 3)
	store := openStore(t, ":memory:")
	_, err := store.Insert(ctx, registry.Record{Reference: refB, ContainerID: "10", MessageID: "101"})
	require.NoError(t, err)
	gw.RemoveMessage("10", "101")

	core, logs := observer.New(zap.InfoLevel)
	s := newScheduler(t, gw, store, Config{Logger: zap.New(core)})

	_, err = s.Start(ctx, refA)
	require.NoError(t, err)
	started := logs.FilterMessage("Task started").All()
	require.Len(t, started, 1)
	assert.Equal(t, int64(3), started[0].ContextMap()["reactions"])

	report, err := s.ReconcileOnBoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)

	gone := logs.FilterMessage("Message is gone; pruning record").All()
	require.Len(t, gone, 1)
	assert.Equal(t, zap.InfoLevel, gone[0].Level)
	assert.Equal(t, refB, gone[0].ContextMap()["reference"])
	assert.Zero(t, logs.FilterMessage("Record did not resolve; pruning").Len())
}

func TestReconcileOnBoot_PruneFailureIsCounted(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	reg := &flakyRegistry{Registry: openStore(t, ":memory:")}
	_, err := reg.Insert(ctx, registry.Record{Reference: refB, ContainerID: "10", MessageID: "101"})
	require.NoError(t, err)
	gw.RemoveMessage("10", "101")
	reg.set(func(f *flakyRegistry) { f.deleteErr = errors.New("locked") })

	s := newScheduler(t, gw, reg, Config{})
	report, err := s.ReconcileOnBoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Failed: 1}, report)
}

func TestReconcileOnBoot_CancelledContextPrunesNothing(t *testing.T) {
	store := openStore(t, ":memory:")
	_, err := store.Insert(context.Background(), registry.Record{Reference: refA, ContainerID: "10", MessageID: "100"})
	require.NoError(t, err)

	s := newScheduler(t, newGateway(), store, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ReconcileOnBoot(ctx)
	require.Error(t, err)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFire_FailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	s := newScheduler(t, gw, openStore(t, ":memory:"), Config{BreakerThreshold: 100})

	_, err := s.Start(ctx, refA)
	require.NoError(t, err)
	gen := generation(t, s, refA)

	gw.SetClearError(platform.ErrAccessDenied)
	for i := 0; i < 3; i++ {
		s.fire(refA, gen)
	}
	assert.Equal(t, 3, gw.ClearCount("10", "100"))
	assert.True(t, s.IsActive(refA), "a failing task is never cancelled")

	gw.SetClearError(nil)
	s.fire(refA, gen)
	assert.Equal(t, 4, gw.ClearCount("10", "100"))
}

func TestFire_BreakerSkipsAfterThreshold(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	s := newScheduler(t, gw, openStore(t, ":memory:"), Config{
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})

	_, err := s.Start(ctx, refA)
	require.NoError(t, err)
	gen := generation(t, s, refA)

	gw.SetClearError(platform.ErrUnavailable)
	for i := 0; i < 5; i++ {
		s.fire(refA, gen)
	}
	assert.Equal(t, 2, gw.ClearCount("10", "100"))
	assert.True(t, s.IsActive(refA))
}

func TestTimer_FiresOnInterval(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real timers")
	}
	ctx := context.Background()
	gw := newGateway()
	s := newScheduler(t, gw, openStore(t, ":memory:"), Config{Interval: time.Second})

	_, err := s.Start(ctx, refA)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gw.ClearCount("10", "100") >= 1
	}, 5*time.Second, 50*time.Millisecond)

	_, err = s.Stop(ctx, refA)
	require.NoError(t, err)
	// Let a firing that was already past its lookup finish.
	time.Sleep(100 * time.Millisecond)
	after := gw.ClearCount("10", "100")

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, gw.ClearCount("10", "100"))
}
