package query

import (
	"fmt"
	"reflect"
)

// TermQuery 精确匹配查询，Value 为 nil 时编译为 IS NULL
type TermQuery struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	Not   bool   `json:"not,omitempty"`
}

func (q *TermQuery) Type() QueryType {
	return QueryTypeTerm
}

func (q *TermQuery) ToSQL() (string, []any, error) {
	if isNil(q.Value) {
		return (&NullQuery{Field: q.Field, IsNull: !q.Not}).ToSQL()
	}
	op := "="
	if q.Not {
		op = "!="
	}
	return fmt.Sprintf("%s %s ?", q.Field, op), []any{deref(q.Value)}, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// deref 解引用指针参数，便于签名编码和驱动绑定
func deref(v any) any {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil
	}
	return rv.Interface()
}
