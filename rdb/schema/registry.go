package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/jinzhu/inflection"
	"github.com/pkg/errors"
	"gorm.io/gorm/schema"
)

// Junction 多对多关系的中间表
type Junction struct {
	Table        string
	Source       *TableModel
	SourceColumn string // 引用 Source 主键
	Target       *TableModel
	TargetColumn string // 引用 Target 主键
	Relation     *Relation
}

// Registry 关系注册表，由一个会话持有
//
// 使用分两步：先 Register 所有模型，再 Resolve 绑定关系。
// 目标模型可以晚于声明方注册，Resolve 之后仍未找到目标的关系视为错误。
type Registry struct {
	naming schema.NamingStrategy

	models    map[string]*TableModel
	tables    map[string]*TableModel
	order     []*TableModel
	accessors map[string]map[string]*Relation // 模型名 -> 访问器名 -> 关系
	reverse   map[string][]*Relation          // 模型名 -> 指向它的反向关系
	junctions map[string]*Junction
}

// NewRegistry 创建空的关系注册表
func NewRegistry() *Registry {
	return &Registry{
		models:    map[string]*TableModel{},
		tables:    map[string]*TableModel{},
		accessors: map[string]map[string]*Relation{},
		reverse:   map[string][]*Relation{},
		junctions: map[string]*Junction{},
	}
}

// Register 注册模型，模型名和表名都不能重复
func (r *Registry) Register(models ...*TableModel) error {
	for _, m := range models {
		if m == nil {
			return errors.New("nil model")
		}
		if _, ok := r.models[m.Name]; ok {
			return rdb.NewError(rdb.ErrInvalidRelationship, m.Table, "", "model %s already registered", m.Name)
		}
		if _, ok := r.tables[m.Table]; ok {
			return rdb.NewError(rdb.ErrInvalidRelationship, m.Table, "", "table %s already registered", m.Table)
		}
		if _, ok := r.junctions[m.Table]; ok {
			return rdb.NewError(rdb.ErrInvalidRelationship, m.Table, "", "table %s is used as a junction table", m.Table)
		}

		r.models[m.Name] = m
		r.tables[m.Table] = m
		r.order = append(r.order, m)
		r.accessors[m.Name] = map[string]*Relation{}
	}
	return nil
}

// Resolve 绑定所有未解析的关系，生成反向访问器和中间表
func (r *Registry) Resolve() error {
	var pending []string
	for _, m := range r.order {
		for _, rel := range m.Relations {
			if rel.Resolved() {
				continue
			}
			if _, ok := r.Model(rel.TargetName); !ok {
				pending = append(pending, fmt.Sprintf("%s.%s -> %s", m.Name, rel.Name, rel.TargetName))
			}
		}
	}
	if len(pending) > 0 {
		return rdb.NewError(rdb.ErrInvalidRelationship, "", "", "unresolved targets: %s", strings.Join(pending, ", "))
	}

	for _, m := range r.order {
		for _, rel := range m.Relations {
			if rel.Resolved() {
				continue
			}
			target, _ := r.Model(rel.TargetName)

			var err error
			switch rel.Kind {
			case ForeignKey:
				err = r.bindForeignKey(rel, target)
			case ManyToMany:
				err = r.bindManyToMany(rel, target)
			default:
				err = rdb.NewError(rdb.ErrInvalidRelationship, m.Table, rel.Name, "unexpected declared relation kind %s", rel.Kind)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) bindForeignKey(rel *Relation, target *TableModel) error {
	m := rel.Model
	if err := r.addAccessor(m, rel); err != nil {
		return err
	}
	rel.Target = target

	name := rel.RelatedName
	if name == "" {
		name = r.reverseName(m, rel.Unique)
		rel.RelatedName = name
	}
	rev := &Relation{
		Kind:        ReverseForeignKey,
		Name:        name,
		Model:       target,
		Target:      m,
		TargetName:  m.Name,
		Column:      rel.Column,
		OnDelete:    rel.OnDelete,
		OnUpdate:    rel.OnUpdate,
		Nullable:    rel.Nullable,
		Unique:      rel.Unique,
		RelatedName: rel.Name,
		Reverse:     rel,
	}
	rel.Reverse = rev
	if err := r.addAccessor(target, rev); err != nil {
		return err
	}
	r.reverse[target.Name] = append(r.reverse[target.Name], rev)
	return nil
}

func (r *Registry) bindManyToMany(rel *Relation, target *TableModel) error {
	m := rel.Model
	self := m == target
	if rel.Symmetrical && !self {
		return rdb.NewError(rdb.ErrInvalidRelationship, m.Table, rel.Name, "symmetrical requires a self-referential relation")
	}
	if err := r.addAccessor(m, rel); err != nil {
		return err
	}
	rel.Target = target

	if rel.Junction == "" {
		tables := []string{m.Table, target.Table}
		sort.Strings(tables)
		rel.Junction = strings.Join(tables, "_")
	}
	if self {
		base := inflection.Singular(m.Table)
		rel.SourceColumn = base + "_id_left"
		rel.TargetColumn = base + "_id_right"
	} else {
		rel.SourceColumn = inflection.Singular(m.Table) + "_id"
		rel.TargetColumn = inflection.Singular(target.Table) + "_id"
	}

	if _, ok := r.tables[rel.Junction]; ok {
		return rdb.NewError(rdb.ErrInvalidRelationship, m.Table, rel.Name, "junction table %s clashes with a model table", rel.Junction)
	}
	if j, ok := r.junctions[rel.Junction]; ok {
		return rdb.NewError(rdb.ErrInvalidRelationship, m.Table, rel.Name,
			"junction table %s already used by %s", rel.Junction, j.Relation)
	}
	r.junctions[rel.Junction] = &Junction{
		Table:        rel.Junction,
		Source:       m,
		SourceColumn: rel.SourceColumn,
		Target:       target,
		TargetColumn: rel.TargetColumn,
		Relation:     rel,
	}

	// 对称关系两端是同一个访问器，不生成反向访问器
	if rel.Symmetrical {
		return nil
	}

	name := rel.RelatedName
	if name == "" {
		name = r.reverseName(m, false)
		rel.RelatedName = name
	}
	rev := &Relation{
		Kind:         ReverseManyToMany,
		Name:         name,
		Model:        target,
		Target:       m,
		TargetName:   m.Name,
		Junction:     rel.Junction,
		SourceColumn: rel.TargetColumn,
		TargetColumn: rel.SourceColumn,
		RelatedName:  rel.Name,
		Reverse:      rel,
	}
	rel.Reverse = rev
	if err := r.addAccessor(target, rev); err != nil {
		return err
	}
	r.reverse[target.Name] = append(r.reverse[target.Name], rev)
	return nil
}

// reverseName 反向访问器默认名：声明方模型名的蛇形形式，一对多时取复数
func (r *Registry) reverseName(m *TableModel, unique bool) string {
	name := r.naming.ColumnName("", m.Name)
	if unique {
		return name
	}
	return inflection.Plural(name)
}

func (r *Registry) addAccessor(m *TableModel, rel *Relation) error {
	if m.HasField(rel.Name) {
		return rdb.NewError(rdb.ErrInvalidRelationship, m.Table, rel.Name,
			"accessor %s clashes with a column of %s", rel.Name, m.Name)
	}
	if prev, ok := r.accessors[m.Name][rel.Name]; ok {
		return rdb.NewError(rdb.ErrInvalidRelationship, m.Table, rel.Name,
			"accessor %s already defined by %s", rel.Name, prev)
	}
	r.accessors[m.Name][rel.Name] = rel
	return nil
}

// Model 按模型名或表名查找已注册模型
func (r *Registry) Model(name string) (*TableModel, bool) {
	if m, ok := r.models[name]; ok {
		return m, true
	}
	m, ok := r.tables[name]
	return m, ok
}

// Models 按注册顺序返回所有模型
func (r *Registry) Models() []*TableModel {
	return append([]*TableModel(nil), r.order...)
}

// Relation 按访问器名查找模型上已解析的关系（含反向关系）
func (r *Registry) Relation(m *TableModel, name string) (*Relation, bool) {
	rel, ok := r.accessors[m.Name][name]
	return rel, ok
}

// Relations 返回模型上所有已解析的关系，先正向后反向
func (r *Registry) Relations(m *TableModel) []*Relation {
	var rels []*Relation
	for _, rel := range m.Relations {
		if rel.Resolved() {
			rels = append(rels, rel)
		}
	}
	return append(rels, r.reverse[m.Name]...)
}

// Dependents 返回引用该模型的所有外键声明
func (r *Registry) Dependents(m *TableModel) []*Relation {
	var rels []*Relation
	for _, rev := range r.reverse[m.Name] {
		if rev.Kind == ReverseForeignKey {
			rels = append(rels, rev.Reverse)
		}
	}
	return rels
}

// Junctions 返回涉及该模型的中间表，m 为 nil 时返回全部，按表名排序
func (r *Registry) Junctions(m *TableModel) []*Junction {
	var junctions []*Junction
	for _, j := range r.junctions {
		if m == nil || j.Source == m || j.Target == m {
			junctions = append(junctions, j)
		}
	}
	sort.Slice(junctions, func(i, k int) bool {
		return junctions[i].Table < junctions[k].Table
	})
	return junctions
}

// Junction 按表名查找中间表
func (r *Registry) Junction(table string) (*Junction, bool) {
	j, ok := r.junctions[table]
	return j, ok
}
