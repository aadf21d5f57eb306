package query

import "strings"

// QueryType 查询类型
type QueryType string

const (
	QueryTypeBool    QueryType = "bool"
	QueryTypeTerm    QueryType = "term"
	QueryTypeRange   QueryType = "range"
	QueryTypeIn      QueryType = "in"
	QueryTypeNull    QueryType = "null"
	QueryTypePattern QueryType = "pattern"
)

// Query 查询节点接口，Field 为已限定的列表达式
type Query interface {
	Type() QueryType
	ToSQL() (string, []any, error)
}

// Quote 用双引号引用标识符
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Column 返回 "alias"."column" 形式的列表达式
func Column(alias, column string) string {
	if alias == "" {
		return Quote(column)
	}
	return Quote(alias) + "." + Quote(column)
}
