package query

import "fmt"

// NullQuery 空值查询
type NullQuery struct {
	Field  string `json:"field"`
	IsNull bool   `json:"is_null"`
}

func (q *NullQuery) Type() QueryType {
	return QueryTypeNull
}

func (q *NullQuery) ToSQL() (string, []any, error) {
	if q.IsNull {
		return fmt.Sprintf("%s IS NULL", q.Field), nil, nil
	}
	return fmt.Sprintf("%s IS NOT NULL", q.Field), nil, nil
}
