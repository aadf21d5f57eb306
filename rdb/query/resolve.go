package query

import (
	"strings"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/schema"
)

// Target 字段路径的解析结果
type Target struct {
	Relations []*schema.Relation // 途经的关系，非空时需要 join
	Model     *schema.TableModel // 列所在模型
	Column    string
}

// JoinPath 返回需要 join 的关系路径，无需 join 时为空串
func (t Target) JoinPath() string {
	names := make([]string, len(t.Relations))
	for i, rel := range t.Relations {
		names[i] = rel.Name
	}
	return strings.Join(names, rdb.PathDelimiter)
}

// Resolve 沿关系解析字段路径
//
// 中间段必须是关系访问器，否则返回 ErrInvalidRelationship；
// 末段为列名，或外键访问器（比较外键列），或集合访问器（比较目标主键），否则返回 ErrInvalidFilter。
func Resolve(registry *schema.Registry, model *schema.TableModel, path []string) (Target, error) {
	if len(path) == 0 {
		return Target{}, rdb.NewError(rdb.ErrInvalidFilter, model.Table, "", "empty field path")
	}

	target := Target{Model: model}
	for _, seg := range path[:len(path)-1] {
		rel, ok := registry.Relation(target.Model, seg)
		if !ok {
			return Target{}, rdb.NewError(rdb.ErrInvalidRelationship, target.Model.Table, seg,
				"%s has no relationship %s", target.Model.Name, seg)
		}
		target.Relations = append(target.Relations, rel)
		target.Model = rel.Target
	}

	last := path[len(path)-1]
	if target.Model.HasField(last) {
		target.Column = last
		return target, nil
	}
	if rel, ok := registry.Relation(target.Model, last); ok {
		if rel.Forward() {
			target.Column = rel.Column
			return target, nil
		}
		target.Relations = append(target.Relations, rel)
		target.Model = rel.Target
		target.Column = rel.Target.PrimaryKey
		return target, nil
	}
	return Target{}, rdb.NewError(rdb.ErrInvalidFilter, target.Model.Table, last,
		"unknown field %s on %s", last, target.Model.Name)
}
