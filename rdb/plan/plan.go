package plan

import (
	"strings"
	"time"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
)

type filter struct {
	predicate query.Predicate
	target    query.Target
}

type order struct {
	target    query.Target
	direction rdb.Direction
}

// Plan 不可变的查询计划，所有链式方法都返回新的计划
//
// 构建过程中的第一个错误保存在计划上，由 Err 和 Compile 返回，
// 之后的链式调用不再生效。
type Plan struct {
	registry *schema.Registry
	model    *schema.TableModel

	filters    []filter
	projection []string // nil 表示全部列
	orders     []order
	limit      int
	hasLimit   bool
	offset     int
	eager      []string
	prefetch   []string
	bypass     bool
	ttl        time.Duration
	hasTTL     bool

	err error
}

// New 创建模型的查询计划
func New(registry *schema.Registry, model *schema.TableModel) *Plan {
	return &Plan{registry: registry, model: model}
}

func (p *Plan) clone() *Plan {
	c := *p
	c.filters = append([]filter(nil), p.filters...)
	c.orders = append([]order(nil), p.orders...)
	c.eager = append([]string(nil), p.eager...)
	c.prefetch = append([]string(nil), p.prefetch...)
	if p.projection != nil {
		c.projection = append([]string{}, p.projection...)
	}
	return &c
}

func (p *Plan) fail(err error) *Plan {
	c := p.clone()
	c.err = err
	return c
}

// Err 返回构建过程中的第一个错误
func (p *Plan) Err() error {
	return p.err
}

// Model 返回计划的主模型
func (p *Plan) Model() *schema.TableModel {
	return p.model
}

// Filter 追加过滤条件，与已有条件以 AND 组合
func (p *Plan) Filter(lookups query.Lookups) *Plan {
	if p.err != nil {
		return p
	}
	predicates, err := lookups.Predicates()
	if err != nil {
		return p.fail(err)
	}

	c := p.clone()
	for _, pred := range predicates {
		target, err := query.Resolve(p.registry, p.model, pred.Path)
		if err != nil {
			return p.fail(err)
		}
		if _, err := pred.Build(target.Column); err != nil {
			return p.fail(err)
		}
		c.filters = append(c.filters, filter{predicate: pred, target: target})
	}
	return c
}

// Fields 收窄投影为给定列与当前投影的交集
func (p *Plan) Fields(names ...string) *Plan {
	if p.err != nil {
		return p
	}
	if err := p.checkFields(names); err != nil {
		return p.fail(err)
	}

	wanted := toSet(names)
	c := p.clone()
	c.projection = p.narrow(func(column string) bool { return wanted[column] })
	return c
}

// Only 将投影重置为给定列
func (p *Plan) Only(names ...string) *Plan {
	if p.err != nil {
		return p
	}
	if err := p.checkFields(names); err != nil {
		return p.fail(err)
	}

	wanted := toSet(names)
	c := p.clone()
	c.projection = nil
	c.projection = c.narrow(func(column string) bool { return wanted[column] })
	return c
}

// Exclude 从投影中去掉给定列，主键不能去掉
func (p *Plan) Exclude(names ...string) *Plan {
	if p.err != nil {
		return p
	}
	if err := p.checkFields(names); err != nil {
		return p.fail(err)
	}
	for _, name := range names {
		if name == p.model.PrimaryKey {
			return p.fail(rdb.NewError(rdb.ErrInvalidFilter, p.model.Table, name, "primary key cannot be excluded"))
		}
	}

	unwanted := toSet(names)
	c := p.clone()
	c.projection = p.narrow(func(column string) bool { return !unwanted[column] })
	return c
}

// narrow 在当前投影上按条件过滤列，主键始终保留
func (p *Plan) narrow(keep func(string) bool) []string {
	current := p.projection
	if current == nil {
		current = p.model.Columns()
	}
	projection := []string{}
	for _, column := range current {
		if column == p.model.PrimaryKey || keep(column) {
			projection = append(projection, column)
		}
	}
	return projection
}

func (p *Plan) checkFields(names []string) error {
	for _, name := range names {
		if !p.model.HasField(name) {
			return rdb.NewError(rdb.ErrInvalidFilter, p.model.Table, name, "unknown field %s on %s", name, p.model.Name)
		}
	}
	return nil
}

// Narrowed 投影是否已收窄，收窄后不再进行预加载
func (p *Plan) Narrowed() bool {
	return p.projection != nil
}

// Order 追加排序字段，字段可以跨关系，如 author__name
func (p *Plan) Order(field string, direction rdb.Direction) *Plan {
	if p.err != nil {
		return p
	}
	direction = rdb.Direction(strings.ToUpper(string(direction)))
	if direction != rdb.Asc && direction != rdb.Desc {
		return p.fail(rdb.NewError(rdb.ErrInvalidOrder, p.model.Table, field, "unknown direction %q", direction))
	}

	target, err := query.Resolve(p.registry, p.model, strings.Split(field, rdb.PathDelimiter))
	if err != nil {
		if rdb.KindOf(err) == rdb.ErrInvalidFilter {
			return p.fail(rdb.NewError(rdb.ErrInvalidOrder, p.model.Table, field, "unknown order field %s", field))
		}
		return p.fail(err)
	}

	c := p.clone()
	c.orders = append(c.orders, order{target: target, direction: direction})
	return c
}

// Limit 限制返回行数
func (p *Plan) Limit(n int) *Plan {
	if p.err != nil {
		return p
	}
	if n < 0 {
		return p.fail(rdb.NewError(rdb.ErrInvalidOffset, p.model.Table, "", "negative limit %d", n))
	}
	c := p.clone()
	c.limit, c.hasLimit = n, true
	return c
}

// Offset 跳过前 n 行，未设置 Limit 时表示不限制行数
func (p *Plan) Offset(n int) *Plan {
	if p.err != nil {
		return p
	}
	if n < 0 {
		return p.fail(rdb.NewError(rdb.ErrInvalidOffset, p.model.Table, "", "negative offset %d", n))
	}
	c := p.clone()
	c.offset = n
	return c
}

// SelectRelated 通过 JOIN 预加载正向外键链
func (p *Plan) SelectRelated(paths ...string) *Plan {
	if p.err != nil {
		return p
	}
	c := p.clone()
	for _, path := range paths {
		target, err := p.walk(path)
		if err != nil {
			return p.fail(err)
		}
		for _, rel := range target {
			if !rel.Forward() {
				return p.fail(rdb.NewError(rdb.ErrInvalidRelationship, p.model.Table, path,
					"%s is not a foreign key chain, use PrefetchRelated", path))
			}
		}
		c.eager = appendUnique(c.eager, path)
	}
	return c
}

// PrefetchRelated 批量预取反向外键或多对多集合
func (p *Plan) PrefetchRelated(paths ...string) *Plan {
	if p.err != nil {
		return p
	}
	c := p.clone()
	for _, path := range paths {
		target, err := p.walk(path)
		if err != nil {
			return p.fail(err)
		}
		for _, rel := range target {
			if rel.Forward() {
				return p.fail(rdb.NewError(rdb.ErrInvalidRelationship, p.model.Table, path,
					"%s is a foreign key, use SelectRelated", rel.Name))
			}
		}
		c.prefetch = appendUnique(c.prefetch, path)
	}
	return c
}

// walk 逐段解析关系路径
func (p *Plan) walk(path string) ([]*schema.Relation, error) {
	var rels []*schema.Relation
	model := p.model
	for _, seg := range strings.Split(path, rdb.PathDelimiter) {
		rel, ok := p.registry.Relation(model, seg)
		if !ok {
			return nil, rdb.NewError(rdb.ErrInvalidRelationship, model.Table, seg, "%s has no relationship %s", model.Name, seg)
		}
		rels = append(rels, rel)
		model = rel.Target
	}
	return rels, nil
}

// BypassCache 本次执行不读写缓存
func (p *Plan) BypassCache() *Plan {
	if p.err != nil {
		return p
	}
	c := p.clone()
	c.bypass = true
	return c
}

// CacheTTL 覆盖本次结果的缓存过期时间，0 表示不过期
func (p *Plan) CacheTTL(ttl time.Duration) *Plan {
	if p.err != nil {
		return p
	}
	if ttl < 0 {
		return p.fail(rdb.NewError(rdb.ErrInvalidFilter, p.model.Table, "", "negative cache ttl %s", ttl))
	}
	c := p.clone()
	c.ttl, c.hasTTL = ttl, true
	return c
}

// Bypass 是否绕过缓存
func (p *Plan) Bypass() bool {
	return p.bypass
}

// TTL 返回查询级缓存过期时间
func (p *Plan) TTL() (time.Duration, bool) {
	return p.ttl, p.hasTTL
}

// Eager 返回生效的预加载路径，投影收窄时为空
func (p *Plan) Eager() []string {
	if p.Narrowed() {
		return nil
	}
	return append([]string(nil), p.eager...)
}

// Prefetch 返回批量预取路径
func (p *Plan) Prefetch() []string {
	return append([]string(nil), p.prefetch...)
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

func appendUnique(paths []string, path string) []string {
	for _, p := range paths {
		if p == path {
			return paths
		}
	}
	return append(paths, path)
}
