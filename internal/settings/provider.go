package settings

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Provider supplies the current AI settings.
type Provider interface {
	Current(ctx context.Context) AIGlobalSettings
}

// DocumentStore persists the partial settings document.
type DocumentStore interface {
	Load(ctx context.Context) (SettingsUpdate, error)
	Save(ctx context.Context, patch SettingsUpdate, updatedBy string) (SettingsUpdate, error)
}

// snapshot is one resolved settings value and the time it was loaded.
type snapshot struct {
	value    AIGlobalSettings
	loadedAt time.Time
	stale    bool
}

// CachedProvider serves settings from an in-memory snapshot and reloads it
// from the store once the TTL passes. Concurrent reloads are collapsed.
type CachedProvider struct {
	store DocumentStore
	clock quartz.Clock
	ttl   time.Duration

	current atomic.Pointer[snapshot]
	group   singleflight.Group
	// generation is bumped by Invalidate; a load started under an older
	// generation never installs a fresh snapshot.
	generation atomic.Uint64
}

// ProviderOption customizes a CachedProvider.
type ProviderOption func(*CachedProvider)

// WithClock overrides the clock used for TTL checks.
func WithClock(clock quartz.Clock) ProviderOption {
	return func(p *CachedProvider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithTTL overrides the snapshot lifetime.
func WithTTL(ttl time.Duration) ProviderOption {
	return func(p *CachedProvider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// NewCachedProvider constructs a provider over store.
func NewCachedProvider(store DocumentStore, opts ...ProviderOption) *CachedProvider {
	p := &CachedProvider{
		store: store,
		clock: quartz.NewReal(),
		ttl:   DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns the cached settings, reloading when expired. It never
// fails: a failed reload keeps the last good snapshot, or the defaults.
func (p *CachedProvider) Current(ctx context.Context) AIGlobalSettings {
	if snap := p.current.Load(); snap != nil && !snap.stale && p.clock.Since(snap.loadedAt) < p.ttl {
		return snap.value
	}
	value, errLoad := p.reload(ctx)
	if errLoad != nil {
		metrics.SettingsLoadFailures.Inc()
		if snap := p.current.Load(); snap != nil {
			log.WithError(errLoad).Warn("settings: reload failed, serving last snapshot")
			return snap.value
		}
		log.WithError(errLoad).Warn("settings: load failed, serving defaults")
		return Defaults()
	}
	return value
}

// Refresh forces a reload from the store.
func (p *CachedProvider) Refresh(ctx context.Context) error {
	_, errLoad := p.reload(ctx)
	return errLoad
}

// Invalidate marks the snapshot stale so the next read reloads. The stale
// value is still served if that reload fails.
func (p *CachedProvider) Invalidate() {
	p.generation.Add(1)
	snap := p.current.Load()
	if snap == nil {
		return
	}
	next := *snap
	next.stale = true
	p.current.CompareAndSwap(snap, &next)
}

// Update validates and stores a partial update, then invalidates the cache.
// It returns the resolved settings and the names of the fields provided.
func (p *CachedProvider) Update(ctx context.Context, patch SettingsUpdate, adminEmail string) (AIGlobalSettings, []string, error) {
	if p == nil || p.store == nil {
		return AIGlobalSettings{}, nil, errors.New("settings: nil store")
	}
	patch = patch.Normalize()
	if errValidate := patch.Validate(); errValidate != nil {
		return AIGlobalSettings{}, nil, errValidate
	}
	patch.UpdatedAt = nil
	patch.UpdatedBy = nil
	changed := patch.ChangedFields()

	merged, errSave := p.store.Save(ctx, patch, adminEmail)
	if errSave != nil {
		return AIGlobalSettings{}, nil, errSave
	}
	p.Invalidate()
	return Resolve(merged), changed, nil
}

func (p *CachedProvider) reload(ctx context.Context) (AIGlobalSettings, error) {
	if p.store == nil {
		return AIGlobalSettings{}, errors.New("settings: nil store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	generation := p.generation.Load()
	key := AISettingsKey + ":" + strconv.FormatUint(generation, 10)
	// The shared load must not inherit one caller's cancellation.
	result, errDo, _ := p.group.Do(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultLoadTimeout)
		defer cancel()
		doc, errLoad := p.store.Load(loadCtx)
		if errLoad != nil {
			return nil, errLoad
		}
		value := Resolve(doc)
		next := &snapshot{value: value, loadedAt: p.clock.Now()}
		if p.generation.Load() != generation {
			// Invalidated while loading: keep it only as a fallback.
			next.stale = true
		}
		p.current.Store(next)
		return value, nil
	})
	if errDo != nil {
		return AIGlobalSettings{}, errDo
	}
	return result.(AIGlobalSettings), nil
}
