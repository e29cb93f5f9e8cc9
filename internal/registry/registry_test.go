package registry

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/events"
	"github.com/oriys/interceptor/internal/storage"
	"github.com/sirupsen/logrus"
)

func newTestRegistry(opts ...Option) *Registry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(storage.NewMemoryStore(), logger, opts...)
}

// mapCache 是内存版的脚本缓存
type mapCache struct {
	mu    sync.Mutex
	items map[string]*domain.Script
	hits  int
}

func newMapCache() *mapCache {
	return &mapCache{items: make(map[string]*domain.Script)}
}

func (c *mapCache) GetScript(ctx context.Context, id string) (*domain.Script, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[id]
	if !ok {
		return nil, nil
	}
	c.hits++
	return s.Clone(), nil
}

func (c *mapCache) SetScript(ctx context.Context, s *domain.Script) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[s.ID] = s.Clone()
	return nil
}

func (c *mapCache) InvalidateScript(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

type recordingPublisher struct {
	types []string
}

func (p *recordingPublisher) PublishScriptChanged(ctx context.Context, eventType string, s *domain.Script) error {
	p.types = append(p.types, eventType)
	return nil
}

func strPtr(s string) *string { return &s }

func TestRegistry_CreateGetRoundTrip(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	names := []string{"echoPlusOne", "a", "under_score", "hy-phen", "MiXeD_123"}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			created, err := r.Create(ctx, &domain.CreateScriptRequest{
				Name:        name,
				Description: "desc " + name,
				Code:        "context.value + 1",
			})
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			got, err := r.Get(ctx, created.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Name != name || got.Description != "desc "+name || got.Code != "context.value + 1" || got.Runtime != domain.RuntimeJavaScript {
				t.Errorf("round trip mismatch: %+v", got)
			}
		})
	}
}

func TestRegistry_CreateDuplicate(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first, err := r.Create(ctx, &domain.CreateScriptRequest{Name: "dup", Code: "1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.Create(ctx, &domain.CreateScriptRequest{Name: "dup", Code: "2"})
	if !errors.Is(err, domain.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	got, err := r.Get(ctx, first.ID)
	if err != nil || got.Code != "1" {
		t.Errorf("first script affected: %+v, %v", got, err)
	}
}

func TestRegistry_CreateInvalid(t *testing.T) {
	r := newTestRegistry()
	tests := []struct {
		name string
		req  *domain.CreateScriptRequest
	}{
		{"bad charset", &domain.CreateScriptRequest{Name: "bad name!", Code: "1"}},
		{"empty name", &domain.CreateScriptRequest{Name: "", Code: "1"}},
		{"empty code", &domain.CreateScriptRequest{Name: "ok", Code: "  "}},
		{"bad runtime", &domain.CreateScriptRequest{Name: "ok", Code: "1", Runtime: "python"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Create(context.Background(), tt.req); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRegistry_Update(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	a, _ := r.Create(ctx, &domain.CreateScriptRequest{Name: "alpha", Code: "1"})
	r.Create(ctx, &domain.CreateScriptRequest{Name: "beta", Code: "2"})

	updated, err := r.Update(ctx, a.ID, &domain.UpdateScriptRequest{Name: strPtr("gamma"), Code: strPtr("3")})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Name != "gamma" || updated.Code != "3" || updated.UpdatedAt.Before(a.UpdatedAt) {
		t.Errorf("updated = %+v", updated)
	}

	tests := []struct {
		name    string
		id      string
		req     *domain.UpdateScriptRequest
		wantErr error
	}{
		{"rename to taken", a.ID, &domain.UpdateScriptRequest{Name: strPtr("beta")}, domain.ErrDuplicateName},
		{"bad charset", a.ID, &domain.UpdateScriptRequest{Name: strPtr("no spaces")}, domain.ErrInvalidInput},
		{"missing", "nope", &domain.UpdateScriptRequest{Name: strPtr("x")}, domain.ErrNotFound},
		{"empty update", a.ID, &domain.UpdateScriptRequest{}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Update(ctx, tt.id, tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	// 重命名自身为原名不算冲突
	if _, err := r.Update(ctx, a.ID, &domain.UpdateScriptRequest{Name: strPtr("gamma")}); err != nil {
		t.Errorf("self rename: %v", err)
	}
}

func TestRegistry_Delete(t *testing.T) {
	pub := &recordingPublisher{}
	r := newTestRegistry(WithPublisher(pub))
	ctx := context.Background()

	s, _ := r.Create(ctx, &domain.CreateScriptRequest{Name: "gone", Code: "1"})
	if err := r.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := r.Get(ctx, s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get after delete: expected ErrNotFound, got %v", err)
	}
	if err := r.Delete(ctx, s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Delete: expected ErrNotFound, got %v", err)
	}

	// 名称释放后可重新创建
	if _, err := r.Create(ctx, &domain.CreateScriptRequest{Name: "gone", Code: "2"}); err != nil {
		t.Errorf("recreate after delete: %v", err)
	}

	want := []string{events.TypeScriptCreated, events.TypeScriptDeleted, events.TypeScriptCreated}
	if len(pub.types) != len(want) {
		t.Fatalf("events = %v, want %v", pub.types, want)
	}
	for i := range want {
		if pub.types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, pub.types[i], want[i])
		}
	}
}

func TestRegistry_CacheInvalidation(t *testing.T) {
	cache := newMapCache()
	r := newTestRegistry(WithCache(cache))
	ctx := context.Background()

	s, _ := r.Create(ctx, &domain.CreateScriptRequest{Name: "cached", Code: "1"})
	r.Get(ctx, s.ID)
	r.Get(ctx, s.ID)
	if cache.hits != 1 {
		t.Errorf("cache hits = %d, want 1", cache.hits)
	}

	r.Update(ctx, s.ID, &domain.UpdateScriptRequest{Code: strPtr("2")})
	got, _ := r.Get(ctx, s.ID)
	if got.Code != "2" {
		t.Errorf("stale cache: code = %s", got.Code)
	}
}

// pausingStore 在 armed 时读取脚本后暂停，直到 resume 关闭
type pausingStore struct {
	storage.ScriptStore
	mu      sync.Mutex
	armed   bool
	reached chan struct{}
	resume  chan struct{}
}

func (s *pausingStore) GetScript(ctx context.Context, id string) (*domain.Script, error) {
	script, err := s.ScriptStore.GetScript(ctx, id)
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	s.mu.Unlock()
	if armed {
		close(s.reached)
		<-s.resume
	}
	return script, err
}

func TestRegistry_StaleReadNotCachedAfterDelete(t *testing.T) {
	store := &pausingStore{
		ScriptStore: storage.NewMemoryStore(),
		reached:     make(chan struct{}),
		resume:      make(chan struct{}),
	}
	cache := newMapCache()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := New(store, logger, WithCache(cache))
	ctx := context.Background()

	s, err := r.Create(ctx, &domain.CreateScriptRequest{Name: "racy", Code: "1"})
	if err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	store.armed = true
	store.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Get(ctx, s.ID)
	}()
	<-store.reached

	if err := r.Delete(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	close(store.resume)
	<-done

	if _, err := r.Get(ctx, s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted script still readable: %v", err)
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if _, ok := cache.items[s.ID]; ok {
		t.Error("stale script written back to cache after delete")
	}
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	for _, name := range []string{"s1", "s2", "s3"} {
		r.Create(ctx, &domain.CreateScriptRequest{Name: name, Code: "1"})
	}

	page, total, err := r.List(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(page) != 2 {
		t.Errorf("List() = %d items, total %d", len(page), total)
	}
	if _, _, err := r.List(ctx, 1, 101); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("limit 101: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := r.List(ctx, 92233720368547760, 100); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("overflowing page: expected ErrInvalidInput, got %v", err)
	}
}

func TestRegistry_ConcurrentCreateSameName(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(context.Background(), &domain.CreateScriptRequest{Name: "race", Code: "1"}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", succeeded)
	}
}
