package orm

import (
	"context"
	"fmt"
	"reflect"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/database"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
	"github.com/pkg/errors"
)

// M2M 实例上一个多对多访问器的关联管理
//
// 对称关系写入时同时维护两个方向的中间表行。
type M2M struct {
	session *Session
	owner   any
	model   *schema.TableModel
	rel     *schema.Relation
}

// M2M 返回实例 owner 上多对多访问器 accessor 的关联管理
func (s *Session) M2M(owner any, accessor string) (*M2M, error) {
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
	if rel.Kind != schema.ManyToMany && rel.Kind != schema.ReverseManyToMany {
		return nil, rdb.NewError(rdb.ErrInvalidRelationship, model.Table, accessor, "%s is not a many-to-many relationship", rel)
	}
	return &M2M{session: s, owner: owner, model: model, rel: rel}, nil
}

// Add 关联目标，已存在的关联忽略；targets 可以是目标实例或目标主键
func (m *M2M) Add(ctx context.Context, targets ...any) error {
	if len(targets) == 0 {
		return nil
	}
	owner, keys, err := m.keys(targets)
	if err != nil {
		return err
	}
	return m.session.WithTx(ctx, func(ctx context.Context) error {
		sql := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, %s) VALUES (?, ?)",
			query.Quote(m.rel.Junction), query.Quote(m.rel.SourceColumn), query.Quote(m.rel.TargetColumn))
		for _, key := range keys {
			if _, err := m.session.exec(ctx, rdb.ErrInsertFailed, m.rel.Junction, "", sql, []any{owner, key}); err != nil {
				return err
			}
			if m.rel.Symmetrical {
				if _, err := m.session.exec(ctx, rdb.ErrInsertFailed, m.rel.Junction, "", sql, []any{key, owner}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Remove 解除与目标的关联，不存在的关联忽略
func (m *M2M) Remove(ctx context.Context, targets ...any) error {
	if len(targets) == 0 {
		return nil
	}
	owner, keys, err := m.keys(targets)
	if err != nil {
		return err
	}

	cond := query.And(
		&query.TermQuery{Field: query.Quote(m.rel.SourceColumn), Value: owner},
		&query.InQuery{Field: query.Quote(m.rel.TargetColumn), Values: keys},
	)
	if m.rel.Symmetrical {
		cond = query.Or(cond, query.And(
			&query.InQuery{Field: query.Quote(m.rel.SourceColumn), Values: keys},
			&query.TermQuery{Field: query.Quote(m.rel.TargetColumn), Value: owner},
		))
	}
	return m.delete(ctx, cond)
}

// Clear 解除所有关联
func (m *M2M) Clear(ctx context.Context) error {
	owner, _, err := m.keys(nil)
	if err != nil {
		return err
	}
	var cond query.Query = &query.TermQuery{Field: query.Quote(m.rel.SourceColumn), Value: owner}
	if m.rel.Symmetrical {
		cond = query.Or(cond, &query.TermQuery{Field: query.Quote(m.rel.TargetColumn), Value: owner})
	}
	return m.delete(ctx, cond)
}

// Set 把关联替换为 targets
func (m *M2M) Set(ctx context.Context, targets ...any) error {
	if _, _, err := m.keys(targets); err != nil {
		return err
	}
	return m.session.WithTx(ctx, func(ctx context.Context) error {
		if err := m.Clear(ctx); err != nil {
			return err
		}
		return m.Add(ctx, targets...)
	})
}

// All 当前关联的所有目标实例，按目标主键升序
func (m *M2M) All(ctx context.Context) ([]any, error) {
	p, err := m.session.Lazy(m.owner, m.rel.Name)
	if err != nil {
		return nil, err
	}
	return p.All(ctx)
}

// Count 当前关联数
func (m *M2M) Count(ctx context.Context) (int, error) {
	values, err := m.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(values), nil
}

func (m *M2M) delete(ctx context.Context, cond query.Query) error {
	where, args, err := cond.ToSQL()
	if err != nil {
		return rdb.WrapError(rdb.ErrDeleteFailed, m.rel.Junction, "", err)
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", query.Quote(m.rel.Junction), where)
	_, err = m.session.exec(ctx, rdb.ErrDeleteFailed, m.rel.Junction, "", sql, args)
	return err
}

// keys 所属实例主键和目标主键，没有主键的实例返回 ErrReferentialIntegrity
func (m *M2M) keys(targets []any) (any, []any, error) {
	if m.session.closed {
		return nil, nil, rdb.ErrSessionClosed
	}
	if !m.model.HasIdentity(m.owner) {
		return nil, nil, rdb.NewError(rdb.ErrReferentialIntegrity, m.model.Table, m.model.PrimaryKey,
			"%s must be saved before using %s", m.model.Name, m.rel.Name)
	}
	owner, err := m.model.PrimaryValue(m.owner)
	if err != nil {
		return nil, nil, rdb.WrapError(rdb.ErrReferentialIntegrity, m.model.Table, m.model.PrimaryKey, err)
	}

	target := m.rel.Target
	keys := make([]any, 0, len(targets))
	for _, t := range targets {
		if t == nil {
			return nil, nil, rdb.NewError(rdb.ErrReferentialIntegrity, target.Table, target.PrimaryKey, "nil %s", target.Name)
		}
		rt := reflect.TypeOf(t)
		if rt.Kind() == reflect.Ptr && rt.Elem() == target.Type || rt == target.Type {
			if !target.HasIdentity(t) {
				return nil, nil, rdb.NewError(rdb.ErrReferentialIntegrity, target.Table, target.PrimaryKey,
					"%s must be saved before it is related", target.Name)
			}
			pk, err := target.PrimaryValue(t)
			if err != nil {
				return nil, nil, rdb.WrapError(rdb.ErrReferentialIntegrity, target.Table, target.PrimaryKey, err)
			}
			keys = append(keys, database.NormalizeKey(pk))
			continue
		}
		keys = append(keys, database.NormalizeKey(t))
	}
	return database.NormalizeKey(owner), keys, nil
}
