package query

import (
	"fmt"
	"strings"
)

// BoolQuery 布尔查询
type BoolQuery struct {
	Must           []Query `json:"must,omitempty"`
	Should         []Query `json:"should,omitempty"`
	MustNot        []Query `json:"must_not,omitempty"`
	MinShouldMatch *int    `json:"minimum_should_match,omitempty"`
}

// And 以 AND 组合多个查询
func And(queries ...Query) *BoolQuery {
	return &BoolQuery{Must: queries}
}

// Or 以 OR 组合多个查询
func Or(queries ...Query) *BoolQuery {
	return &BoolQuery{Should: queries}
}

func (q *BoolQuery) Type() QueryType {
	return QueryTypeBool
}

func (q *BoolQuery) ToSQL() (string, []any, error) {
	var conditions []string
	var args []any

	if len(q.Must) > 0 {
		mustConditions, mustArgs, err := toSQLs(q.Must)
		if err != nil {
			return "", nil, err
		}
		if len(mustConditions) == 1 {
			conditions = append(conditions, mustConditions[0])
		} else {
			conditions = append(conditions, "("+strings.Join(mustConditions, " AND ")+")")
		}
		args = append(args, mustArgs...)
	}

	if len(q.Should) > 0 {
		shouldConditions, shouldArgs, err := toSQLs(q.Should)
		if err != nil {
			return "", nil, err
		}
		// 如果设置了 MinShouldMatch 且不为1，使用条件计数方案
		if q.MinShouldMatch != nil && *q.MinShouldMatch != 1 {
			caseConditions := make([]string, len(shouldConditions))
			for i, condition := range shouldConditions {
				caseConditions[i] = fmt.Sprintf("CASE WHEN (%s) THEN 1 ELSE 0 END", condition)
			}
			conditions = append(conditions, fmt.Sprintf("(%s) >= %d", strings.Join(caseConditions, " + "), *q.MinShouldMatch))
		} else {
			conditions = append(conditions, "("+strings.Join(shouldConditions, " OR ")+")")
		}
		args = append(args, shouldArgs...)
	}

	if len(q.MustNot) > 0 {
		mustNotConditions, mustNotArgs, err := toSQLs(q.MustNot)
		if err != nil {
			return "", nil, err
		}
		for i, condition := range mustNotConditions {
			mustNotConditions[i] = "NOT (" + condition + ")"
		}
		conditions = append(conditions, "("+strings.Join(mustNotConditions, " AND ")+")")
		args = append(args, mustNotArgs...)
	}

	if len(conditions) == 0 {
		return "1=1", nil, nil
	}

	return strings.Join(conditions, " AND "), args, nil
}

func toSQLs(queries []Query) ([]string, []any, error) {
	conditions := make([]string, 0, len(queries))
	var args []any
	for _, query := range queries {
		sql, queryArgs, err := query.ToSQL()
		if err != nil {
			return nil, nil, err
		}
		// 多条件片段加括号，避免与外层 AND/OR 结合出错
		if (query.Type() == QueryTypeBool || query.Type() == QueryTypeRange) &&
			(strings.Contains(sql, " AND ") || strings.Contains(sql, " OR ")) {
			sql = "(" + sql + ")"
		}
		conditions = append(conditions, sql)
		args = append(args, queryArgs...)
	}
	return conditions, args, nil
}
