package orm

import (
	"context"
	"reflect"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/database"
	"github.com/hatlonely/rdbx/rdb/plan"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
	"github.com/pkg/errors"
)

// Proxy 实例上一个关系访问器的延迟加载句柄
//
// 首次访问时查询并写入关系旁表，之后直到相关表被写入前都直接返回旁表中的值。
// 带额外过滤条件的 Proxy 不读写旁表。
type Proxy struct {
	session *Session
	owner   any
	model   *schema.TableModel
	rel     *schema.Relation
	lookups []query.Lookups
}

// Lazy 返回实例 owner 上访问器 accessor 的延迟加载句柄
func (s *Session) Lazy(owner any, accessor string) (*Proxy, error) {
	if s.closed {
		return nil, rdb.ErrSessionClosed
	}
	if owner == nil {
		return nil, errors.New("owner is nil")
	}
	model, err := s.modelOf(reflect.TypeOf(owner))
	if err != nil {
		return nil, err
	}
	rel, ok := s.registry.Relation(model, accessor)
	if !ok {
		return nil, rdb.NewError(rdb.ErrInvalidRelationship, model.Table, accessor, "%s has no relationship %s", model.Name, accessor)
	}
	return &Proxy{session: s, owner: owner, model: model, rel: rel}, nil
}

// Relation 句柄对应的关系
func (p *Proxy) Relation() *schema.Relation {
	return p.rel
}

// Many 访问结果是否为集合
func (p *Proxy) Many() bool {
	return p.rel.ToMany()
}

// Filter 在关系目标上追加过滤条件，返回新的句柄
func (p *Proxy) Filter(lookups query.Lookups) *Proxy {
	c := *p
	c.lookups = append(append([]query.Lookups(nil), p.lookups...), lookups)
	return &c
}

// Loaded 关系值是否已在旁表中
func (p *Proxy) Loaded(ctx context.Context) bool {
	if p.session.closed || len(p.lookups) > 0 {
		return false
	}
	key, ok := p.key()
	if !ok {
		return false
	}
	_, ok = p.session.relations.get(ctx, key)
	return ok
}

// Value 单值关系的目标实例，外键为空或目标不存在时返回 nil
func (p *Proxy) Value(ctx context.Context) (any, error) {
	if p.rel.ToMany() {
		return nil, rdb.NewError(rdb.ErrInvalidRelationship, p.model.Table, p.rel.Name, "%s is a to-many relationship", p.rel.Name)
	}
	entry, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// All 集合关系的所有目标实例，按目标主键升序
func (p *Proxy) All(ctx context.Context) ([]any, error) {
	if !p.rel.ToMany() {
		return nil, rdb.NewError(rdb.ErrInvalidRelationship, p.model.Table, p.rel.Name, "%s is a single-valued relationship", p.rel.Name)
	}
	entry, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]any{}, entry.Values...), nil
}

// Get 读取单值关系目标上的一个字段，目标为空时返回 ErrRecordNotFound
func (p *Proxy) Get(ctx context.Context, field string) (any, error) {
	v, err := p.Value(ctx)
	if err != nil {
		return nil, err
	}
	target := p.rel.Target
	if v == nil {
		return nil, rdb.NewError(rdb.ErrRecordNotFound, target.Table, field, "%s.%s is empty", p.model.Name, p.rel.Name)
	}
	if !target.HasField(field) {
		return nil, rdb.NewError(rdb.ErrInvalidFilter, target.Table, field, "unknown field %s on %s", field, target.Name)
	}
	values, err := target.Values(v)
	if err != nil {
		return nil, rdb.WrapError(rdb.ErrFetchFailed, target.Table, field, err)
	}
	return values[field], nil
}

// key 旁表键，实例没有主键时返回 false
func (p *Proxy) key() (relationKey, bool) {
	if !p.model.HasIdentity(p.owner) {
		return relationKey{}, false
	}
	pk, err := p.model.PrimaryValue(p.owner)
	if err != nil {
		return relationKey{}, false
	}
	return relationKey{Table: p.model.Table, Key: database.NormalizeKey(pk), Accessor: p.rel.Name}, true
}

func (p *Proxy) load(ctx context.Context) (relationEntry, error) {
	s := p.session
	if s.closed {
		return relationEntry{}, rdb.ErrSessionClosed
	}

	key, hasKey := p.key()
	cacheable := hasKey && len(p.lookups) == 0
	if cacheable {
		if entry, ok := s.relations.get(ctx, key); ok {
			return entry, nil
		}
	}

	entry := relationEntry{Many: p.rel.ToMany(), Tables: relationTables(p.rel)}
	pl, ok, err := p.plan()
	if err != nil {
		return relationEntry{}, err
	}
	if ok {
		if entry.Many {
			v, err := s.fetch(ctx, pl, rdb.FetchAll)
			if err != nil {
				return relationEntry{}, err
			}
			entry.Values = append([]any{}, v.([]any)...)
		} else {
			v, err := s.fetch(ctx, pl, rdb.FetchFirst)
			if err != nil {
				return relationEntry{}, err
			}
			entry.Value = v
		}
	}

	if cacheable {
		if err := s.relations.set(ctx, key, entry); err != nil {
			return relationEntry{}, rdb.WrapError(rdb.ErrFetchFailed, p.model.Table, p.rel.Name, err)
		}
	}
	return entry, nil
}

// plan 构建目标模型上按所属实例过滤的查询，不需要查询时返回 false
func (p *Proxy) plan() (*plan.Plan, bool, error) {
	rel, target := p.rel, p.rel.Target
	pl := plan.New(p.session.registry, target)

	switch rel.Kind {
	case schema.ForeignKey:
		values, err := p.model.Values(p.owner)
		if err != nil {
			return nil, false, rdb.WrapError(rdb.ErrFetchFailed, p.model.Table, rel.Column, err)
		}
		fk := values[rel.Column]
		if fk == nil {
			return nil, false, nil
		}
		pl = pl.Filter(query.Lookups{target.PrimaryKey: fk})
	default:
		if !p.model.HasIdentity(p.owner) {
			return nil, false, nil
		}
		pk, err := p.model.PrimaryValue(p.owner)
		if err != nil {
			return nil, false, rdb.WrapError(rdb.ErrFetchFailed, p.model.Table, "", err)
		}
		switch {
		case rel.Kind == schema.ReverseForeignKey:
			pl = pl.Filter(query.Lookups{rel.Column: pk})
		case rel.Symmetrical:
			pl = pl.Filter(query.Lookups{rel.Name: pk})
		default:
			pl = pl.Filter(query.Lookups{rel.RelatedName: pk})
		}
		pl = pl.Order(target.PrimaryKey, rdb.Asc)
	}

	for _, lookups := range p.lookups {
		pl = pl.Filter(lookups)
	}
	if err := pl.Err(); err != nil {
		return nil, false, err
	}
	return pl, true, nil
}

// RelatedOne 以 *T 返回单值关系的目标
func RelatedOne[T any](ctx context.Context, s *Session, owner any, accessor string) (*T, error) {
	p, err := s.Lazy(owner, accessor)
	if err != nil {
		return nil, err
	}
	v, err := p.Value(ctx)
	if err != nil || v == nil {
		return nil, err
	}
	item, ok := v.(*T)
	if !ok {
		return nil, errors.Errorf("%s.%s holds %T, not %T", p.model.Name, accessor, v, item)
	}
	return item, nil
}

// RelatedMany 以 []*T 返回集合关系的目标
func RelatedMany[T any](ctx context.Context, s *Session, owner any, accessor string) ([]*T, error) {
	p, err := s.Lazy(owner, accessor)
	if err != nil {
		return nil, err
	}
	values, err := p.All(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]*T, len(values))
	for i, v := range values {
		item, ok := v.(*T)
		if !ok {
			return nil, errors.Errorf("%s.%s holds %T, not %T", p.model.Name, accessor, v, item)
		}
		items[i] = item
	}
	return items, nil
}
