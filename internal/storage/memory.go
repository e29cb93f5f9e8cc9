package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/interceptor/internal/domain"
)

// MemoryStore 是进程内的文档存储实现，用于开发环境与测试。
// 所有写操作在同一把锁内完成，名称唯一性检查与插入是原子的。
type MemoryStore struct {
	mu       sync.RWMutex
	scripts  map[string]*domain.Script
	byName   map[string]string
	traffic  []*domain.TrafficRecord
	seq      int64
	proxyCfg *domain.ProxyConfiguration
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scripts: make(map[string]*domain.Script),
		byName:  make(map[string]string),
	}
}

// ========== 脚本 ==========

// CreateScript 插入脚本，名称已存在时返回 domain.ErrScriptExists
func (m *MemoryStore) CreateScript(ctx context.Context, s *domain.Script) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[s.Name]; exists {
		return domain.ErrScriptExists
	}
	m.scripts[s.ID] = s.Clone()
	m.byName[s.Name] = s.ID
	return nil
}

// GetScript 按 ID 获取脚本
func (m *MemoryStore) GetScript(ctx context.Context, id string) (*domain.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scripts[id]
	if !ok {
		return nil, domain.ErrScriptNotFound
	}
	return s.Clone(), nil
}

// GetScriptByName 按名称获取脚本
func (m *MemoryStore) GetScriptByName(ctx context.Context, name string) (*domain.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[name]
	if !ok {
		return nil, domain.ErrScriptNotFound
	}
	return m.scripts[id].Clone(), nil
}

// UpdateScript 更新脚本；重命名时原子地检查新名称是否被其他脚本占用
func (m *MemoryStore) UpdateScript(ctx context.Context, s *domain.Script) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.scripts[s.ID]
	if !ok {
		return domain.ErrScriptNotFound
	}
	if current.Name != s.Name {
		if owner, exists := m.byName[s.Name]; exists && owner != s.ID {
			return domain.ErrScriptExists
		}
		delete(m.byName, current.Name)
		m.byName[s.Name] = s.ID
	}
	m.scripts[s.ID] = s.Clone()
	return nil
}

// DeleteScript 永久删除脚本
func (m *MemoryStore) DeleteScript(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scripts[id]
	if !ok {
		return domain.ErrScriptNotFound
	}
	delete(m.byName, s.Name)
	delete(m.scripts, id)
	return nil
}

// ListScripts 按更新时间倒序分页列出脚本
func (m *MemoryStore) ListScripts(ctx context.Context, offset, limit int) ([]*domain.Script, int, error) {
	m.mu.RLock()
	all := make([]*domain.Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		all = append(all, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].Name < all[j].Name
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	return paginate(all, offset, limit), len(all), nil
}

// ========== 流量记录 ==========

// InsertTraffic 追加一条流量记录并分配插入序号
func (m *MemoryStore) InsertTraffic(ctx context.Context, rec *domain.TrafficRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	rec.Seq = m.seq
	m.traffic = append(m.traffic, rec.Clone())
	return nil
}

// QueryTraffic 过滤、排序并分页返回流量记录
func (m *MemoryStore) QueryTraffic(ctx context.Context, q *domain.TrafficQuery) ([]*domain.TrafficRecord, error) {
	m.mu.RLock()
	matched := make([]*domain.TrafficRecord, 0)
	for _, rec := range m.traffic {
		if q.Matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].Seq > matched[j].Seq
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, q.Offset(), q.Limit), nil
}

// DeleteTrafficBefore 删除早于指定时间的记录
func (m *MemoryStore) DeleteTrafficBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.traffic[:0]
	var removed int64
	for _, rec := range m.traffic {
		if rec.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	// 清除尾部引用，便于回收
	for i := len(kept); i < len(m.traffic); i++ {
		m.traffic[i] = nil
	}
	m.traffic = kept
	return removed, nil
}

// CountTraffic 返回记录总数
func (m *MemoryStore) CountTraffic(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.traffic)), nil
}

// ========== 代理配置 ==========

// GetProxyConfig 返回当前代理配置的副本
func (m *MemoryStore) GetProxyConfig(ctx context.Context) (*domain.ProxyConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.proxyCfg == nil {
		return nil, domain.ErrConfigNotFound
	}
	return m.proxyCfg.Clone(), nil
}

// SaveProxyConfig 覆盖保存代理配置
func (m *MemoryStore) SaveProxyConfig(ctx context.Context, cfg *domain.ProxyConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.proxyCfg = cfg.Clone()
	return nil
}

// Ping 内存存储始终可用
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close 内存存储无需释放资源
func (m *MemoryStore) Close() error {
	return nil
}

// paginate 返回 items[offset:offset+limit]，越界（含负偏移）时返回空切片
func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 || offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if limit <= 0 || end > len(items) || end < offset {
		end = len(items)
	}
	return items[offset:end]
}
