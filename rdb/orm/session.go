package orm

import (
	"context"
	"reflect"

	"github.com/hatlonely/rdbx/cfg"
	"github.com/hatlonely/rdbx/log"
	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/cache"
	"github.com/hatlonely/rdbx/rdb/database"
	"github.com/hatlonely/rdbx/rdb/schema"
	"github.com/pkg/errors"
)

// Options 会话配置
type Options struct {
	Database database.Options `cfg:"database"`
	Cache    cache.Options    `cfg:"cache"`

	// 为空时不输出日志
	Log *log.Options `cfg:"log"`

	// 为每条语句创建 tracing span，使用全局 TracerProvider
	EnableTracing bool `cfg:"enableTracing"`
}

// Session 持有一个数据库连接、关系注册表、结果缓存和关系旁表
//
// 会话内所有操作同步执行，不做并发保护，多个 goroutine 共享会话时需要调用方串行化。
type Session struct {
	db        *database.SQLite
	registry  *schema.Registry
	builder   *schema.TableModelBuilder
	cache     *cache.Cache // 未启用时为 nil
	relations *sideTable
	logger    log.Logger
	closer    interface{ Close() error }

	migrated map[string]bool
	scopes   []*scope
	closed   bool
}

// New 创建会话
func New(options *Options) (*Session, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	s := &Session{
		registry:  schema.NewRegistry(),
		builder:   schema.NewTableModelBuilder(),
		relations: newSideTable(),
		logger:    log.Nop(),
		migrated:  map[string]bool{},
	}

	if options.Log != nil {
		l, err := log.NewSLogWithOptions(options.Log)
		if err != nil {
			return nil, errors.WithMessage(err, "log.NewSLogWithOptions failed")
		}
		s.logger, s.closer = l, l
	}

	dbOptions := options.Database
	dbOptions.EnableTracing = dbOptions.EnableTracing || options.EnableTracing
	db, err := database.NewSQLiteWithOptions(&dbOptions)
	if err != nil {
		s.closeLogger()
		return nil, errors.WithMessage(err, "database.NewSQLiteWithOptions failed")
	}
	db.SetLogger(s.logger)
	s.db = db

	if options.Cache.Enabled {
		c, err := cache.NewCacheWithOptions(&options.Cache)
		if err != nil {
			db.Close()
			s.closeLogger()
			return nil, errors.WithMessage(err, "cache.NewCacheWithOptions failed")
		}
		c.SetLogger(s.logger)
		s.cache = c
	}

	return s, nil
}

// NewFromFile 从 yaml/toml/json 配置文件创建会话
func NewFromFile(path string) (*Session, error) {
	var options Options
	if err := cfg.Load(path, &options); err != nil {
		return nil, errors.WithMessage(err, "cfg.Load failed")
	}
	return New(&options)
}

// Register 从结构体构建模型并注册，之后需要调用 Resolve
func (s *Session) Register(values ...any) error {
	if s.closed {
		return rdb.ErrSessionClosed
	}
	models := make([]*schema.TableModel, 0, len(values))
	for _, v := range values {
		m, err := s.builder.FromStruct(v)
		if err != nil {
			return errors.WithMessagef(err, "failed to build model from %T", v)
		}
		models = append(models, m)
	}
	return s.registry.Register(models...)
}

// Resolve 绑定所有关系，并为新模型和中间表建表
func (s *Session) Resolve(ctx context.Context) error {
	if s.closed {
		return rdb.ErrSessionClosed
	}
	if err := s.registry.Resolve(); err != nil {
		return err
	}

	for _, m := range s.registry.Models() {
		if s.migrated[m.Table] {
			continue
		}
		if err := s.db.Migrate(ctx, m); err != nil {
			return errors.WithMessagef(err, "migrate %s failed", m.Name)
		}
		s.migrated[m.Table] = true
	}
	for _, j := range s.registry.Junctions(nil) {
		if s.migrated[j.Table] {
			continue
		}
		if err := s.db.MigrateJunction(ctx, j); err != nil {
			return errors.WithMessagef(err, "migrate junction %s failed", j.Table)
		}
		s.migrated[j.Table] = true
	}
	return nil
}

// Registry 会话的关系注册表
func (s *Session) Registry() *schema.Registry {
	return s.registry
}

// DB 底层存储
func (s *Session) DB() *database.SQLite {
	return s.db
}

// Logger 会话日志器
func (s *Session) Logger() log.Logger {
	return s.logger
}

// SetLogger 替换会话及其存储、缓存的日志器
func (s *Session) SetLogger(logger log.Logger) {
	if logger == nil {
		return
	}
	s.logger = logger
	s.db.SetLogger(logger)
	if s.cache != nil {
		s.cache.SetLogger(logger)
	}
}

// Cache 结果缓存，未启用时为 nil
func (s *Session) Cache() *cache.Cache {
	return s.cache
}

// CacheStats 结果缓存统计，未启用时为零值
func (s *Session) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// ClearCache 清空结果缓存和统计
func (s *Session) ClearCache() {
	if s.cache != nil {
		s.cache.Clear()
	}
}

// Metrics 结果缓存的 prometheus 采集器，未启用缓存时为 nil
func (s *Session) Metrics(name string) *cache.Metrics {
	if s.cache == nil {
		return nil
	}
	return cache.NewMetrics(name, s.cache)
}

// Closed 会话是否已关闭
func (s *Session) Closed() bool {
	return s.closed
}

// Close 关闭会话，回滚未完成的事务并丢弃缓存和关系旁表
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	ctx := context.Background()
	if len(s.scopes) > 0 {
		s.scopes = nil
		if err := s.db.Rollback(ctx); err != nil {
			s.logger.Warn("rollback on close failed", "error", err)
		}
	}

	s.relations.close()
	if s.cache != nil {
		s.cache.Clear()
	}
	err := s.db.Close()
	s.closeLogger()
	return err
}

func (s *Session) closeLogger() {
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.logger.Warn("close logger failed", "error", err)
		}
	}
}

// modelOf 按 Go 类型查找已注册模型
func (s *Session) modelOf(rt reflect.Type) (*schema.TableModel, error) {
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	for _, m := range s.registry.Models() {
		if m.Type == rt {
			for _, rel := range m.Relations {
				if !rel.Resolved() {
					return nil, rdb.NewError(rdb.ErrInvalidRelationship, m.Table, rel.Name,
						"relationship %s is not resolved, call Resolve first", rel)
				}
			}
			return m, nil
		}
	}
	return nil, errors.Errorf("model %s is not registered", rt)
}

// invalidate 写入前后使相关表的缓存和关系旁表失效，事务中同时记录到当前作用域
func (s *Session) invalidate(ctx context.Context, tables ...string) {
	for _, table := range tables {
		if s.cache != nil {
			s.cache.Invalidate(table)
		}
		if n := s.relations.invalidate(ctx, table); n > 0 {
			s.logger.DebugContext(ctx, "relation cache invalidated", "table", table, "entries", n)
		}
		if len(s.scopes) > 0 {
			s.scopes[len(s.scopes)-1].written[table] = true
		}
	}
}

// exec 执行写语句，执行前先使相关表失效
func (s *Session) exec(ctx context.Context, kind error, table string, field string, sql string, args []any, affects ...string) (int64, error) {
	s.invalidate(ctx, append([]string{table}, affects...)...)
	result, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, database.WrapStorageError(err, kind, table, field)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, rdb.WrapError(kind, table, field, err)
	}
	return n, nil
}

// query 执行读语句并分类错误
func (s *Session) query(ctx context.Context, table string, sql string, args []any) ([]database.Row, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, database.WrapStorageError(err, rdb.ErrFetchFailed, table, "")
	}
	return rows, nil
}
