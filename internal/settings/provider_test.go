package settings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/taskhive/taskhive-backend/internal/db"
	"gorm.io/gorm"
)

func openSettingsDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

type fakeStore struct {
	mu    sync.Mutex
	doc   SettingsUpdate
	err   error
	loads atomic.Int32
}

func (f *fakeStore) Load(context.Context) (SettingsUpdate, error) {
	f.loads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc, f.err
}

func (f *fakeStore) Save(_ context.Context, patch SettingsUpdate, _ string) (SettingsUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return SettingsUpdate{}, f.err
	}
	f.doc = Merge(f.doc, patch)
	return f.doc, nil
}

func (f *fakeStore) set(doc SettingsUpdate, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc = doc
	f.err = err
}

func TestStoreSaveMergesAndLoads(t *testing.T) {
	conn := openSettingsDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	doc, errLoad := store.Load(ctx)
	if errLoad != nil {
		t.Fatalf("load empty: %v", errLoad)
	}
	if doc.Enabled != nil {
		t.Fatalf("expected empty document, got %+v", doc)
	}

	if _, errSave := store.Save(ctx, SettingsUpdate{RateLimits: &RateLimitsUpdate{MaxRequestsPerHour: intPtr(7)}}, "admin@example.com"); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}
	if _, errSave := store.Save(ctx, SettingsUpdate{Enabled: boolPtr(false)}, "other@example.com"); errSave != nil {
		t.Fatalf("save: %v", errSave)
	}

	doc, errLoad = store.Load(ctx)
	if errLoad != nil {
		t.Fatalf("load: %v", errLoad)
	}
	resolved := Resolve(doc)
	if resolved.Enabled {
		t.Fatalf("enabled = true, want false")
	}
	if resolved.RateLimits.MaxRequestsPerHour != 7 {
		t.Fatalf("hourly = %d, want 7", resolved.RateLimits.MaxRequestsPerHour)
	}
	if resolved.RateLimits.MaxRequestsPerDay != DefaultMaxRequestsPerDay {
		t.Fatalf("daily = %d, want default", resolved.RateLimits.MaxRequestsPerDay)
	}
	if resolved.UpdatedBy != "other@example.com" || resolved.UpdatedAt == nil {
		t.Fatalf("bookkeeping not stored: %+v", resolved)
	}
}

func TestCachedProviderServesSnapshotUntilTTL(t *testing.T) {
	clock := quartz.NewMock(t)
	store := &fakeStore{doc: SettingsUpdate{Model: strPtr("first")}}
	provider := NewCachedProvider(store, WithClock(clock), WithTTL(30*time.Second))
	ctx := context.Background()

	if got := provider.Current(ctx).Model; got != "first" {
		t.Fatalf("model = %q, want first", got)
	}
	store.set(SettingsUpdate{Model: strPtr("second")}, nil)
	if got := provider.Current(ctx).Model; got != "first" {
		t.Fatalf("model = %q before TTL, want cached first", got)
	}

	clock.Advance(31 * time.Second)
	if got := provider.Current(ctx).Model; got != "second" {
		t.Fatalf("model = %q after TTL, want second", got)
	}
	if loads := store.loads.Load(); loads != 2 {
		t.Fatalf("loads = %d, want 2", loads)
	}
}

func TestCachedProviderFallsBackOnLoadFailure(t *testing.T) {
	clock := quartz.NewMock(t)
	store := &fakeStore{err: errors.New("db down")}
	provider := NewCachedProvider(store, WithClock(clock))
	ctx := context.Background()

	if got := provider.Current(ctx); got.RateLimits != Defaults().RateLimits || !got.Enabled {
		t.Fatalf("expected defaults on first failure, got %+v", got)
	}

	store.set(SettingsUpdate{Enabled: boolPtr(false)}, nil)
	if errRefresh := provider.Refresh(ctx); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	if provider.Current(ctx).Enabled {
		t.Fatalf("enabled = true after refresh, want false")
	}

	store.set(SettingsUpdate{}, errors.New("db down again"))
	clock.Advance(DefaultCacheTTL + time.Second)
	if provider.Current(ctx).Enabled {
		t.Fatalf("expected last good snapshot to be served")
	}
}

func TestCachedProviderUpdateInvalidates(t *testing.T) {
	clock := quartz.NewMock(t)
	store := &fakeStore{}
	provider := NewCachedProvider(store, WithClock(clock))
	ctx := context.Background()

	if got := provider.Current(ctx).RateLimits.MaxRequestsPerHour; got != DefaultMaxRequestsPerHour {
		t.Fatalf("hourly = %d, want default", got)
	}
	resolved, changed, errUpdate := provider.Update(ctx, SettingsUpdate{
		APIKey:     strPtr(""),
		RateLimits: &RateLimitsUpdate{MaxRequestsPerHour: intPtr(3)},
	}, "admin@example.com")
	if errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	if len(changed) != 1 || changed[0] != "rateLimits" {
		t.Fatalf("changed = %v, want [rateLimits]", changed)
	}
	if resolved.RateLimits.MaxRequestsPerHour != 3 {
		t.Fatalf("resolved hourly = %d, want 3", resolved.RateLimits.MaxRequestsPerHour)
	}
	if got := provider.Current(ctx).RateLimits.MaxRequestsPerHour; got != 3 {
		t.Fatalf("hourly after update = %d, want 3 without waiting for TTL", got)
	}

	if _, _, errUpdate := provider.Update(ctx, SettingsUpdate{Temperature: floatPtr(9)}, "admin@example.com"); !errors.Is(errUpdate, ErrInvalidSettings) {
		t.Fatalf("update with bad temperature = %v, want ErrInvalidSettings", errUpdate)
	}
}

// slowStore reads the document, then blocks the first Load until released.
type slowStore struct {
	*fakeStore
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStore) Load(ctx context.Context) (SettingsUpdate, error) {
	doc, err := s.fakeStore.Load(ctx)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.started)
		<-s.release
	}
	return doc, err
}

func TestCachedProviderIgnoresLoadOverlappingUpdate(t *testing.T) {
	clock := quartz.NewMock(t)
	store := &slowStore{
		fakeStore: &fakeStore{},
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	provider := NewCachedProvider(store, WithClock(clock))
	ctx := context.Background()

	done := make(chan AIGlobalSettings)
	go func() { done <- provider.Current(ctx) }()
	<-store.started

	if _, _, errUpdate := provider.Update(ctx, SettingsUpdate{RateLimits: &RateLimitsUpdate{MaxRequestsPerHour: intPtr(3)}}, "admin@example.com"); errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	close(store.release)
	if got := (<-done).RateLimits.MaxRequestsPerHour; got != DefaultMaxRequestsPerHour {
		t.Fatalf("overlapping read hourly = %d, want default", got)
	}

	if got := provider.Current(ctx).RateLimits.MaxRequestsPerHour; got != 3 {
		t.Fatalf("hourly after overlapping load = %d, want 3", got)
	}
}
