package orm

import (
	"context"
	"time"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/cache"
	"github.com/hatlonely/rdbx/rdb/plan"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
)

// QuerySet 模型 T 的不可变查询，链式方法返回新的 QuerySet
type QuerySet[T any] struct {
	session *Session
	plan    *plan.Plan
}

func newQuerySet[T any](s *Session, model *schema.TableModel) *QuerySet[T] {
	return &QuerySet[T]{session: s, plan: plan.New(s.registry, model)}
}

func (q *QuerySet[T]) with(p *plan.Plan) *QuerySet[T] {
	return &QuerySet[T]{session: q.session, plan: p}
}

// Err 构建过程中的第一个错误
func (q *QuerySet[T]) Err() error {
	return q.plan.Err()
}

// Plan 底层查询计划
func (q *QuerySet[T]) Plan() *plan.Plan {
	return q.plan
}

func (q *QuerySet[T]) Filter(lookups query.Lookups) *QuerySet[T] {
	return q.with(q.plan.Filter(lookups))
}

func (q *QuerySet[T]) Fields(names ...string) *QuerySet[T] {
	return q.with(q.plan.Fields(names...))
}

func (q *QuerySet[T]) Exclude(names ...string) *QuerySet[T] {
	return q.with(q.plan.Exclude(names...))
}

func (q *QuerySet[T]) Only(names ...string) *QuerySet[T] {
	return q.with(q.plan.Only(names...))
}

func (q *QuerySet[T]) Order(field string, direction rdb.Direction) *QuerySet[T] {
	return q.with(q.plan.Order(field, direction))
}

func (q *QuerySet[T]) Limit(n int) *QuerySet[T] {
	return q.with(q.plan.Limit(n))
}

func (q *QuerySet[T]) Offset(n int) *QuerySet[T] {
	return q.with(q.plan.Offset(n))
}

func (q *QuerySet[T]) SelectRelated(paths ...string) *QuerySet[T] {
	return q.with(q.plan.SelectRelated(paths...))
}

func (q *QuerySet[T]) PrefetchRelated(paths ...string) *QuerySet[T] {
	return q.with(q.plan.PrefetchRelated(paths...))
}

func (q *QuerySet[T]) BypassCache() *QuerySet[T] {
	return q.with(q.plan.BypassCache())
}

func (q *QuerySet[T]) CacheTTL(ttl time.Duration) *QuerySet[T] {
	return q.with(q.plan.CacheTTL(ttl))
}

// Compile 编译为 SQL，不执行
func (q *QuerySet[T]) Compile(mode rdb.FetchMode) (*plan.Compiled, error) {
	return q.plan.Compile(mode)
}

// FetchAll 返回所有匹配的实例
func (q *QuerySet[T]) FetchAll(ctx context.Context) ([]*T, error) {
	v, err := q.session.fetch(ctx, q.plan, rdb.FetchAll)
	if err != nil {
		return nil, err
	}
	instances := v.([]any)
	items := make([]*T, len(instances))
	for i, instance := range instances {
		items[i] = instance.(*T)
	}
	return items, nil
}

// FetchOne 返回唯一匹配的实例，没有匹配时返回 ErrRecordNotFound，多于一个时返回 ErrFetchFailed
func (q *QuerySet[T]) FetchOne(ctx context.Context) (*T, error) {
	return q.single(ctx, rdb.FetchOne)
}

// FetchFirst 按排序返回第一个实例，没有匹配时返回 nil
func (q *QuerySet[T]) FetchFirst(ctx context.Context) (*T, error) {
	return q.single(ctx, rdb.FetchFirst)
}

// FetchLast 按反向排序返回第一个实例，没有匹配时返回 nil
func (q *QuerySet[T]) FetchLast(ctx context.Context) (*T, error) {
	return q.single(ctx, rdb.FetchLast)
}

func (q *QuerySet[T]) single(ctx context.Context, mode rdb.FetchMode) (*T, error) {
	v, err := q.session.fetch(ctx, q.plan, mode)
	if err != nil {
		return nil, err
	}
	item, _ := v.(*T)
	if item == nil && mode == rdb.FetchOne {
		return nil, rdb.NewError(rdb.ErrRecordNotFound, q.plan.Model().Table, "", "no %s matches the query", q.plan.Model().Name)
	}
	return item, nil
}

// Count 匹配的行数，受 Limit 和 Offset 影响
func (q *QuerySet[T]) Count(ctx context.Context) (int64, error) {
	v, err := q.session.fetch(ctx, q.plan, rdb.FetchCount)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Exists 是否存在匹配的行
func (q *QuerySet[T]) Exists(ctx context.Context) (bool, error) {
	v, err := q.session.fetch(ctx, q.plan, rdb.FetchExists)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// fetch 编译并执行计划，按获取方式读写结果缓存
//
// 缓存值以主表为键，并依赖查询涉及的其他表。
func (s *Session) fetch(ctx context.Context, p *plan.Plan, mode rdb.FetchMode) (any, error) {
	if s.closed {
		return nil, rdb.ErrSessionClosed
	}
	compiled, err := p.Compile(mode)
	if err != nil {
		return nil, err
	}

	table := compiled.Model.Table
	useCache := s.cache != nil && !p.Bypass()
	if useCache {
		if v, ok := s.cache.Lookup(table, compiled.Signature); ok {
			return v, nil
		}
	}

	rows, err := s.query(ctx, table, compiled.SQL, compiled.Args)
	if err != nil {
		return nil, err
	}

	var result any
	switch mode {
	case rdb.FetchCount:
		n, err := toInt64(scalar(rows))
		if err != nil {
			return nil, rdb.WrapError(rdb.ErrFetchFailed, table, "", err)
		}
		result = n
	case rdb.FetchExists:
		result = truthy(scalar(rows))
	default:
		if mode == rdb.FetchOne && len(rows) > 1 {
			return nil, rdb.NewError(rdb.ErrFetchFailed, table, "", "query for one %s returned more than one row", compiled.Model.Name)
		}
		instances, err := s.materialize(ctx, compiled, rows)
		if err != nil {
			return nil, err
		}
		if mode == rdb.FetchAll {
			result = instances
		} else if len(instances) > 0 {
			result = instances[0]
		}
	}

	if useCache {
		deps := cache.WithDependencies(compiled.Tables[1:]...)
		if ttl, ok := p.TTL(); ok {
			s.cache.Store(table, compiled.Signature, result, deps, cache.WithTTL(ttl))
		} else {
			s.cache.Store(table, compiled.Signature, result, deps)
		}
	}
	return result, nil
}
