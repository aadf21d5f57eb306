package orm

import (
	"context"
	"fmt"
	"strings"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/database"
	"github.com/hatlonely/rdbx/rdb/plan"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
)

// prefetchBatch 预取时单条 IN 语句的最大参数个数
const prefetchBatch = 500

// ownerColumn 多对多预取时携带所属实例主键的列标签
const ownerColumn = "__owner"

// eagerStep 结果集中一条预加载路径
type eagerStep struct {
	path   string
	parent string
	rel    *schema.Relation
}

// materialize 把结果行转换为实例，填充 JOIN 预加载的关系，再执行批量预取
func (s *Session) materialize(ctx context.Context, c *plan.Compiled, rows []database.Row) ([]any, error) {
	steps, err := s.eagerSteps(c.Model, c.Eager)
	if err != nil {
		return nil, err
	}

	instances := make([]any, 0, len(rows))
	var keys []relationKey
	var entries []relationEntry
	for _, row := range rows {
		inst := c.Model.New()
		if err := row.Scan(c.Model, "", inst); err != nil {
			return nil, rdb.WrapError(rdb.ErrFetchFailed, c.Model.Table, "", err)
		}
		instances = append(instances, inst)

		// 路径按前缀在前的顺序排列，父实例总是先于子实例构建
		loaded := map[string]any{"": inst}
		models := map[string]*schema.TableModel{"": c.Model}
		for _, step := range steps {
			owner, ok := loaded[step.parent]
			if !ok || owner == nil {
				continue
			}
			ownerModel := models[step.parent]
			target := step.rel.Target

			var related any
			if row.Get(step.path, target.PrimaryKey) != nil {
				related = target.New()
				if err := row.Scan(target, step.path, related); err != nil {
					return nil, rdb.WrapError(rdb.ErrFetchFailed, target.Table, "", err)
				}
			}
			loaded[step.path] = related
			models[step.path] = target

			pk, err := ownerModel.PrimaryValue(owner)
			if err != nil {
				return nil, rdb.WrapError(rdb.ErrFetchFailed, ownerModel.Table, "", err)
			}
			keys = append(keys, relationKey{Table: ownerModel.Table, Key: database.NormalizeKey(pk), Accessor: step.rel.Name})
			entries = append(entries, relationEntry{Value: related, Tables: relationTables(step.rel)})
		}
	}
	if len(keys) > 0 {
		if err := s.relations.setAll(ctx, keys, entries); err != nil {
			return nil, rdb.WrapError(rdb.ErrFetchFailed, c.Model.Table, "", err)
		}
	}

	if len(c.Prefetch) > 0 && len(instances) > 0 {
		if err := s.prefetch(ctx, c.Model, instances, c.Prefetch); err != nil {
			return nil, err
		}
	}
	return instances, nil
}

func (s *Session) eagerSteps(model *schema.TableModel, paths []string) ([]eagerStep, error) {
	var steps []eagerStep
	for _, path := range paths {
		segments := strings.Split(path, rdb.PathDelimiter)
		current := model
		for i, seg := range segments {
			rel, ok := s.registry.Relation(current, seg)
			if !ok {
				return nil, rdb.NewError(rdb.ErrInvalidRelationship, current.Table, seg, "%s has no relationship %s", current.Name, seg)
			}
			if i == len(segments)-1 {
				steps = append(steps, eagerStep{
					path:   path,
					parent: strings.Join(segments[:i], rdb.PathDelimiter),
					rel:    rel,
				})
			}
			current = rel.Target
		}
	}
	return steps, nil
}

// prefetch 每个路径每一层发一次批量查询，按所属实例分组后写入关系旁表
func (s *Session) prefetch(ctx context.Context, model *schema.TableModel, instances []any, paths []string) error {
	done := map[string][]any{}
	for _, path := range paths {
		owners, ownerModel, prefix := instances, model, ""
		for _, seg := range strings.Split(path, rdb.PathDelimiter) {
			current := seg
			if prefix != "" {
				current = prefix + rdb.PathDelimiter + seg
			}
			rel, ok := s.registry.Relation(ownerModel, seg)
			if !ok {
				return rdb.NewError(rdb.ErrInvalidRelationship, ownerModel.Table, seg, "%s has no relationship %s", ownerModel.Name, seg)
			}

			children, ok := done[current]
			if !ok {
				var err error
				if children, err = s.attach(ctx, ownerModel, rel, owners); err != nil {
					return err
				}
				done[current] = children
			}
			owners, ownerModel, prefix = children, rel.Target, current
		}
	}
	return nil
}

// attach 批量加载 owners 的关系并写入关系旁表，返回加载到的所有实例
//
// 正向外键按外键值查询目标，其余关系按所属实例主键查询。
func (s *Session) attach(ctx context.Context, model *schema.TableModel, rel *schema.Relation, owners []any) ([]any, error) {
	var sideKeys []relationKey
	var lookups, keys []any
	seenOwner := map[relationKey]bool{}
	seenKey := map[any]bool{}
	for _, owner := range owners {
		if !model.HasIdentity(owner) {
			continue
		}
		pk, err := model.PrimaryValue(owner)
		if err != nil {
			return nil, rdb.WrapError(rdb.ErrFetchFailed, model.Table, "", err)
		}
		sideKey := relationKey{Table: model.Table, Key: database.NormalizeKey(pk), Accessor: rel.Name}
		if seenOwner[sideKey] {
			continue
		}
		seenOwner[sideKey] = true

		lookup := sideKey.Key
		if rel.Kind == schema.ForeignKey {
			values, err := model.Values(owner)
			if err != nil {
				return nil, rdb.WrapError(rdb.ErrFetchFailed, model.Table, rel.Column, err)
			}
			lookup = database.NormalizeKey(values[rel.Column])
		}
		sideKeys = append(sideKeys, sideKey)
		lookups = append(lookups, lookup)
		if lookup != nil && !seenKey[lookup] {
			seenKey[lookup] = true
			keys = append(keys, lookup)
		}
	}

	groups, all, err := s.loadRelated(ctx, rel, keys)
	if err != nil {
		return nil, err
	}

	entries := make([]relationEntry, len(sideKeys))
	for i, lookup := range lookups {
		entry := relationEntry{Many: rel.ToMany(), Tables: relationTables(rel)}
		children := groups[lookup]
		if entry.Many {
			entry.Values = append([]any{}, children...)
		} else if len(children) > 0 {
			entry.Value = children[0]
		}
		entries[i] = entry
	}
	if len(sideKeys) > 0 {
		if err := s.relations.setAll(ctx, sideKeys, entries); err != nil {
			return nil, rdb.WrapError(rdb.ErrFetchFailed, model.Table, "", err)
		}
	}
	return all, nil
}

// loadRelated 按所属实例主键批量查询关系目标，返回按所属主键分组的实例
func (s *Session) loadRelated(ctx context.Context, rel *schema.Relation, keys []any) (map[any][]any, []any, error) {
	target := rel.Target
	groups := map[any][]any{}
	var all []any

	for start := 0; start < len(keys); start += prefetchBatch {
		end := start + prefetchBatch
		if end > len(keys) {
			end = len(keys)
		}
		sql, args, groupBy, err := relatedSQL(rel, keys[start:end])
		if err != nil {
			return nil, nil, err
		}
		rows, err := s.query(ctx, target.Table, sql, args)
		if err != nil {
			return nil, nil, err
		}
		for _, row := range rows {
			inst := target.New()
			if err := row.Scan(target, "", inst); err != nil {
				return nil, nil, rdb.WrapError(rdb.ErrFetchFailed, target.Table, "", err)
			}
			owner := database.NormalizeKey(row[groupBy])
			groups[owner] = append(groups[owner], inst)
			all = append(all, inst)
		}
	}
	return groups, all, nil
}

// relatedSQL 生成批量加载语句，返回分组列标签
func relatedSQL(rel *schema.Relation, keys []any) (string, []any, string, error) {
	target := rel.Target
	alias := "t"

	var from, groupBy string
	var cond query.Query
	selects := query.Quote(alias) + ".*"
	switch rel.Kind {
	case schema.ForeignKey:
		from = fmt.Sprintf("%s AS %s", query.Quote(target.Table), query.Quote(alias))
		cond = &query.InQuery{Field: query.Column(alias, target.PrimaryKey), Values: keys}
		groupBy = target.PrimaryKey
	case schema.ReverseForeignKey:
		from = fmt.Sprintf("%s AS %s", query.Quote(target.Table), query.Quote(alias))
		cond = &query.InQuery{Field: query.Column(alias, rel.Column), Values: keys}
		groupBy = rel.Column
	case schema.ManyToMany, schema.ReverseManyToMany:
		from = fmt.Sprintf("%s AS %s INNER JOIN %s AS %s ON %s = %s",
			query.Quote(target.Table), query.Quote(alias), query.Quote(rel.Junction), query.Quote("j"),
			query.Column("j", rel.TargetColumn), query.Column(alias, target.PrimaryKey))
		cond = &query.InQuery{Field: query.Column("j", rel.SourceColumn), Values: keys}
		selects += fmt.Sprintf(", %s AS %s", query.Column("j", rel.SourceColumn), query.Quote(ownerColumn))
		groupBy = ownerColumn
	default:
		return "", nil, "", rdb.NewError(rdb.ErrInvalidRelationship, rel.Model.Table, rel.Name, "unexpected relation kind %s", rel.Kind)
	}

	where, args, err := cond.ToSQL()
	if err != nil {
		return "", nil, "", rdb.WrapError(rdb.ErrInvalidFilter, target.Table, "", err)
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s ASC",
		selects, from, where, query.Column(alias, target.PrimaryKey))
	return sql, args, groupBy, nil
}
