package query

import (
	"fmt"
	"strings"
)

// InQuery 集合查询，空集合时 IN 恒假、NOT IN 恒真
type InQuery struct {
	Field  string `json:"field"`
	Values []any  `json:"values"`
	Not    bool   `json:"not,omitempty"`
}

func (q *InQuery) Type() QueryType {
	return QueryTypeIn
}

func (q *InQuery) ToSQL() (string, []any, error) {
	if len(q.Values) == 0 {
		if q.Not {
			return "1=1", nil, nil
		}
		return "1=0", nil, nil
	}

	placeholders := make([]string, len(q.Values))
	args := make([]any, len(q.Values))
	for i, v := range q.Values {
		placeholders[i] = "?"
		args[i] = deref(v)
	}

	op := "IN"
	if q.Not {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", q.Field, op, strings.Join(placeholders, ", ")), args, nil
}
