package schema

import (
	"fmt"
	"strings"
)

// RelationKind 关系类型
type RelationKind string

const (
	ForeignKey        RelationKind = "foreign_key"
	ManyToMany        RelationKind = "many_to_many"
	ReverseForeignKey RelationKind = "reverse_foreign_key"
	ReverseManyToMany RelationKind = "reverse_many_to_many"
)

// Action 被引用行删除或主键变更时对依赖行的处理方式
type Action string

const (
	Cascade  Action = "cascade"
	SetNull  Action = "set_null"
	Restrict Action = "restrict"
	NoAction Action = "no_action"
)

// ParseAction 解析引用动作，大小写、空格、连字符不敏感
func ParseAction(s string) (Action, error) {
	normalized := strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(s)))
	switch Action(normalized) {
	case Cascade, SetNull, Restrict, NoAction:
		return Action(normalized), nil
	}
	return "", fmt.Errorf("unknown referential action %q", s)
}

// Relation 关系描述
//
// 各类型字段含义：
//   - ForeignKey: Model 上的 Column 引用 Target 主键
//   - ReverseForeignKey: Target 上的 Column 引用 Model 主键
//   - ManyToMany / ReverseManyToMany: Junction 表中 SourceColumn 引用 Model 主键，TargetColumn 引用 Target 主键
type Relation struct {
	Kind         RelationKind
	Name         string      // Model 上的访问器名
	Model        *TableModel // 访问器所在模型
	Target       *TableModel // Resolve 之后才有值
	TargetName   string      // 声明时引用的模型名或表名
	Column       string
	OnDelete     Action
	OnUpdate     Action
	Nullable     bool
	Unique       bool
	RelatedName  string // 反向访问器名
	Junction     string
	SourceColumn string
	TargetColumn string
	Symmetrical  bool
	Reverse      *Relation // 对应的反向（或正向）关系
}

// Resolved 目标模型是否已绑定
func (r *Relation) Resolved() bool {
	return r.Target != nil
}

// Forward 是否为正向外键
func (r *Relation) Forward() bool {
	return r.Kind == ForeignKey
}

// ToMany 访问结果是否为集合
func (r *Relation) ToMany() bool {
	switch r.Kind {
	case ManyToMany, ReverseManyToMany:
		return true
	case ReverseForeignKey:
		return !r.Unique
	}
	return false
}

// Declaring 返回声明该关系的正向描述
func (r *Relation) Declaring() *Relation {
	if r.Kind == ReverseForeignKey || r.Kind == ReverseManyToMany {
		return r.Reverse
	}
	return r
}

func (r *Relation) String() string {
	target := r.TargetName
	if r.Target != nil {
		target = r.Target.Name
	}
	return fmt.Sprintf("%s.%s(%s -> %s)", r.Model.Name, r.Name, r.Kind, target)
}
