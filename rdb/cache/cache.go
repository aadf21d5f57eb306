package cache

import (
	"container/list"
	"time"

	"github.com/hatlonely/rdbx/log"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Options 结果缓存配置，MaxSize 和 MaxMemory 都是单表上限，0 表示不限制
type Options struct {
	Enabled    bool                     `cfg:"enabled" def:"true"`
	MaxSize    int                      `cfg:"maxSize" def:"1000" validate:"gte=0"`
	MaxMemory  int64                    `cfg:"maxMemory" def:"0" validate:"gte=0"`
	DefaultTTL time.Duration            `cfg:"defaultTTL" def:"0s" validate:"gte=0"`
	TableTTL   map[string]time.Duration `cfg:"tableTTL"`
}

// Stats 缓存统计
type Stats struct {
	Hits    int64
	Misses  int64
	Total   int64
	HitRate float64
	Size    int
}

// defaultEntrySize 无法编码的值按固定大小估算
const defaultEntrySize = 128

type entryRef struct {
	table string
	key   string
}

type entry struct {
	key        string
	value      any
	insertedAt time.Time
	ttl        time.Duration
	size       int64
	deps       []string
	elem       *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) >= e.ttl
}

type table struct {
	entries map[string]*entry
	lru     *list.List // 队首为最近使用
	memory  int64
}

// Cache 按表组织的结果缓存，LRU 淘汰，TTL 惰性过期
//
// 缓存归属于单个会话，不做并发保护。
type Cache struct {
	options    Options
	tables     map[string]*table
	dependents map[string]map[entryRef]struct{} // 被依赖表 -> 依赖它的缓存项
	hits       int64
	misses     int64

	logger log.Logger
	now    func() time.Time
}

// storeOptions 写入缓存时的选项
type storeOptions struct {
	ttl          time.Duration
	hasTTL       bool
	dependencies []string
}

type storeOption func(*storeOptions)

// WithTTL 覆盖该项的过期时间，0 表示不过期
func WithTTL(ttl time.Duration) storeOption {
	return func(options *storeOptions) {
		options.ttl = ttl
		options.hasTTL = true
	}
}

// WithDependencies 声明结果依赖的其他表，这些表失效时该项一并失效
func WithDependencies(tables ...string) storeOption {
	return func(options *storeOptions) {
		options.dependencies = append(options.dependencies, tables...)
	}
}

// NewCacheWithOptions 创建结果缓存
func NewCacheWithOptions(options *Options) (*Cache, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	if options.MaxSize < 0 || options.MaxMemory < 0 || options.DefaultTTL < 0 {
		return nil, errors.Errorf("invalid cache options %+v", *options)
	}
	return &Cache{
		options:    *options,
		tables:     map[string]*table{},
		dependents: map[string]map[entryRef]struct{}{},
		logger:     log.Nop(),
		now:        time.Now,
	}, nil
}

// SetLogger 设置日志器，淘汰和失效以 debug 级别记录
func (c *Cache) SetLogger(logger log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Lookup 查找缓存项，nil 和空结果同样算作命中，过期项视为未命中并删除
func (c *Cache) Lookup(tableName, key string) (any, bool) {
	t, ok := c.tables[tableName]
	if !ok {
		c.misses++
		return nil, false
	}
	e, ok := t.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if e.expired(c.now()) {
		c.remove(tableName, t, e)
		c.misses++
		return nil, false
	}

	t.lru.MoveToFront(e.elem)
	c.hits++
	return e.value, true
}

// Store 写入或覆盖缓存项，之后淘汰最久未使用的项直到满足数量和内存上限
func (c *Cache) Store(tableName, key string, value any, opts ...storeOption) {
	options := &storeOptions{}
	for _, opt := range opts {
		opt(options)
	}

	ttl := c.options.DefaultTTL
	if tableTTL, ok := c.options.TableTTL[tableName]; ok {
		ttl = tableTTL
	}
	if options.hasTTL {
		ttl = options.ttl
	}

	t, ok := c.tables[tableName]
	if !ok {
		t = &table{entries: map[string]*entry{}, lru: list.New()}
		c.tables[tableName] = t
	}
	if old, ok := t.entries[key]; ok {
		c.remove(tableName, t, old)
	}

	e := &entry{
		key:        key,
		value:      value,
		insertedAt: c.now(),
		ttl:        ttl,
		size:       estimateSize(value),
	}
	for _, dep := range options.dependencies {
		if dep == tableName || contains(e.deps, dep) {
			continue
		}
		e.deps = append(e.deps, dep)
		if c.dependents[dep] == nil {
			c.dependents[dep] = map[entryRef]struct{}{}
		}
		c.dependents[dep][entryRef{table: tableName, key: key}] = struct{}{}
	}
	e.elem = t.lru.PushFront(e)
	t.entries[key] = e
	t.memory += e.size

	for t.lru.Len() > 0 && c.overLimit(t) {
		oldest := t.lru.Back().Value.(*entry)
		c.remove(tableName, t, oldest)
		c.logger.Debug("cache entry evicted", "table", tableName, "key", oldest.key, "size", oldest.size)
	}
}

func (c *Cache) overLimit(t *table) bool {
	if c.options.MaxSize > 0 && t.lru.Len() > c.options.MaxSize {
		return true
	}
	return c.options.MaxMemory > 0 && t.memory > c.options.MaxMemory
}

// Invalidate 删除表的所有缓存项，以及其他表中依赖该表的缓存项
func (c *Cache) Invalidate(tableName string) {
	dropped := 0
	if t, ok := c.tables[tableName]; ok {
		dropped += len(t.entries)
		for _, e := range t.entries {
			c.unlink(tableName, e)
		}
		delete(c.tables, tableName)
	}

	for ref := range c.dependents[tableName] {
		t, ok := c.tables[ref.table]
		if !ok {
			continue
		}
		if e, ok := t.entries[ref.key]; ok {
			c.remove(ref.table, t, e)
			dropped++
		}
	}
	delete(c.dependents, tableName)

	if dropped > 0 {
		c.logger.Debug("cache invalidated", "table", tableName, "entries", dropped)
	}
}

// Clear 清空所有缓存项并重置统计
func (c *Cache) Clear() {
	c.tables = map[string]*table{}
	c.dependents = map[string]map[entryRef]struct{}{}
	c.hits = 0
	c.misses = 0
}

// Stats 返回命中统计和当前缓存项总数
func (c *Cache) Stats() Stats {
	stats := Stats{
		Hits:   c.hits,
		Misses: c.misses,
		Total:  c.hits + c.misses,
		Size:   c.Size(),
	}
	if stats.Total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.Total)
	}
	return stats
}

// Size 返回所有表的缓存项总数
func (c *Cache) Size() int {
	size := 0
	for _, t := range c.tables {
		size += len(t.entries)
	}
	return size
}

// TableSize 返回单表的缓存项数
func (c *Cache) TableSize(tableName string) int {
	if t, ok := c.tables[tableName]; ok {
		return len(t.entries)
	}
	return 0
}

// Memory 返回单表缓存项的估算内存
func (c *Cache) Memory(tableName string) int64 {
	if t, ok := c.tables[tableName]; ok {
		return t.memory
	}
	return 0
}

// Contains 判断缓存项是否存在且未过期，不影响统计和 LRU 顺序
func (c *Cache) Contains(tableName, key string) bool {
	t, ok := c.tables[tableName]
	if !ok {
		return false
	}
	e, ok := t.entries[key]
	return ok && !e.expired(c.now())
}

func (c *Cache) remove(tableName string, t *table, e *entry) {
	t.lru.Remove(e.elem)
	delete(t.entries, e.key)
	t.memory -= e.size
	c.unlink(tableName, e)
}

// unlink 清除缓存项在依赖索引中的记录
func (c *Cache) unlink(tableName string, e *entry) {
	ref := entryRef{table: tableName, key: e.key}
	for _, dep := range e.deps {
		if refs, ok := c.dependents[dep]; ok {
			delete(refs, ref)
			if len(refs) == 0 {
				delete(c.dependents, dep)
			}
		}
	}
}

// estimateSize 以 msgpack 编码长度估算缓存项大小
func estimateSize(value any) int64 {
	if value == nil {
		return 1
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		return defaultEntrySize
	}
	return int64(len(data))
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
