package join

import (
	"fmt"
	"strings"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
)

// Join 单个 join 描述
type Join struct {
	SourceTable  string
	SourceAlias  string
	TargetTable  string
	TargetAlias  string
	SourceColumn string
	TargetColumn string
	Outer        bool
	Path         string // 到达目标表的访问器路径，中间表与目标表共享同一路径
	Relation     *schema.Relation
	Junction     bool // 多对多关系中的中间表
}

// SQL 生成 JOIN 子句
func (j Join) SQL() string {
	kind := "INNER JOIN"
	if j.Outer {
		kind = "LEFT JOIN"
	}
	return fmt.Sprintf("%s %s AS %s ON %s = %s", kind,
		query.Quote(j.TargetTable), query.Quote(j.TargetAlias),
		query.Column(j.TargetAlias, j.TargetColumn), query.Column(j.SourceAlias, j.SourceColumn))
}

// Plan 一组关系路径的 join 计划
type Plan struct {
	Base      *schema.TableModel
	BaseAlias string
	Joins     []Join

	registry *schema.Registry
	aliases  map[string]string // 路径 -> 目标表别名
	models   map[string]*schema.TableModel
	outer    map[string]bool
	counts   map[string]int // 表名 -> 已出现次数
	toMany   bool
}

// NewPlan 创建只包含基表的 join 计划，基表别名即表名
func NewPlan(registry *schema.Registry, base *schema.TableModel) *Plan {
	return &Plan{
		Base:      base,
		BaseAlias: base.Table,
		registry:  registry,
		aliases:   map[string]string{"": base.Table},
		models:    map[string]*schema.TableModel{"": base},
		outer:     map[string]bool{},
		counts:    map[string]int{base.Table: 1},
	}
}

// Build 按顺序规划多条路径
func Build(registry *schema.Registry, base *schema.TableModel, paths ...string) (*Plan, error) {
	p := NewPlan(registry, base)
	for _, path := range paths {
		if err := p.Add(path); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Add 规划一条关系路径，如 author__publisher
//
// 逐段从左到右解析，每段贡献一个 join（多对多贡献中间表和目标表两个）；
// 已规划的前缀直接复用。外连接之后的 join 也是外连接，避免过滤掉主表行。
func (p *Plan) Add(path string) error {
	if path == "" {
		return nil
	}

	segments := strings.Split(path, rdb.PathDelimiter)
	prefix := ""
	for _, seg := range segments {
		next := seg
		if prefix != "" {
			next = prefix + rdb.PathDelimiter + seg
		}
		if _, ok := p.aliases[next]; ok {
			prefix = next
			continue
		}

		source := p.models[prefix]
		rel, ok := p.registry.Relation(source, seg)
		if !ok {
			return rdb.NewError(rdb.ErrInvalidRelationship, source.Table, seg,
				"%s has no relationship %s", source.Name, seg)
		}
		p.hop(prefix, next, rel)
		prefix = next
	}
	return nil
}

func (p *Plan) hop(prefix, path string, rel *schema.Relation) {
	sourceAlias := p.aliases[prefix]
	parentOuter := p.outer[prefix]
	target := rel.Target

	switch rel.Kind {
	case schema.ForeignKey:
		outer := rel.Nullable || parentOuter
		p.add(Join{
			SourceTable:  rel.Model.Table,
			SourceAlias:  sourceAlias,
			TargetTable:  target.Table,
			TargetAlias:  p.alias(target.Table),
			SourceColumn: rel.Column,
			TargetColumn: target.PrimaryKey,
			Outer:        outer,
			Path:         path,
			Relation:     rel,
		}, target)
	case schema.ReverseForeignKey:
		p.toMany = p.toMany || rel.ToMany()
		p.add(Join{
			SourceTable:  rel.Model.Table,
			SourceAlias:  sourceAlias,
			TargetTable:  target.Table,
			TargetAlias:  p.alias(target.Table),
			SourceColumn: rel.Model.PrimaryKey,
			TargetColumn: rel.Column,
			Outer:        true,
			Path:         path,
			Relation:     rel,
		}, target)
	case schema.ManyToMany, schema.ReverseManyToMany:
		p.toMany = true
		junctionAlias := p.alias(rel.Junction)
		p.Joins = append(p.Joins, Join{
			SourceTable:  rel.Model.Table,
			SourceAlias:  sourceAlias,
			TargetTable:  rel.Junction,
			TargetAlias:  junctionAlias,
			SourceColumn: rel.Model.PrimaryKey,
			TargetColumn: rel.SourceColumn,
			Outer:        true,
			Path:         path,
			Relation:     rel,
			Junction:     true,
		})
		p.add(Join{
			SourceTable:  rel.Junction,
			SourceAlias:  junctionAlias,
			TargetTable:  target.Table,
			TargetAlias:  p.alias(target.Table),
			SourceColumn: rel.TargetColumn,
			TargetColumn: target.PrimaryKey,
			Outer:        true,
			Path:         path,
			Relation:     rel,
		}, target)
	}
}

func (p *Plan) add(j Join, target *schema.TableModel) {
	p.Joins = append(p.Joins, j)
	p.aliases[j.Path] = j.TargetAlias
	p.models[j.Path] = target
	p.outer[j.Path] = j.Outer
}

// alias 表第一次出现使用表名，之后依次追加 _1、_2
func (p *Plan) alias(table string) string {
	n := p.counts[table]
	p.counts[table] = n + 1
	if n == 0 {
		return table
	}
	return fmt.Sprintf("%s_%d", table, n)
}

// Alias 返回路径目标表的别名，空路径为基表
func (p *Plan) Alias(path string) (string, bool) {
	alias, ok := p.aliases[path]
	return alias, ok
}

// Model 返回路径的目标模型
func (p *Plan) Model(path string) (*schema.TableModel, bool) {
	m, ok := p.models[path]
	return m, ok
}

// ToMany 是否包含一对多或多对多的 join，此时查询需要 DISTINCT
func (p *Plan) ToMany() bool {
	return p.toMany
}

// Tables 返回参与查询的所有表，基表在前
func (p *Plan) Tables() []string {
	tables := []string{p.Base.Table}
	seen := map[string]bool{p.Base.Table: true}
	for _, j := range p.Joins {
		if !seen[j.TargetTable] {
			seen[j.TargetTable] = true
			tables = append(tables, j.TargetTable)
		}
	}
	return tables
}

// SQL 生成所有 JOIN 子句
func (p *Plan) SQL() string {
	clauses := make([]string, len(p.Joins))
	for i, j := range p.Joins {
		clauses[i] = j.SQL()
	}
	return strings.Join(clauses, " ")
}
