package query

import (
	"fmt"
	"strings"
)

// PatternMode 模式匹配方式
type PatternMode string

const (
	PatternExact    PatternMode = "exact"
	PatternPrefix   PatternMode = "prefix"
	PatternSuffix   PatternMode = "suffix"
	PatternContains PatternMode = "contains"
)

// PatternQuery 字符串模式查询
//
// 区分大小写时使用 GLOB，不区分时使用 LIKE ... ESCAPE '\'，
// Value 中的通配符都会被转义，只按字面匹配。
type PatternQuery struct {
	Field           string      `json:"field"`
	Value           string      `json:"value"`
	Mode            PatternMode `json:"mode"`
	CaseInsensitive bool        `json:"case_insensitive,omitempty"`
}

var (
	likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	globEscaper = strings.NewReplacer(`*`, `[*]`, `?`, `[?]`, `[`, `[[]`)
)

func (q *PatternQuery) Type() QueryType {
	return QueryTypePattern
}

func (q *PatternQuery) ToSQL() (string, []any, error) {
	if q.CaseInsensitive {
		pattern := wrap(likeEscaper.Replace(q.Value), "%", q.Mode)
		return fmt.Sprintf(`%s LIKE ? ESCAPE '\'`, q.Field), []any{pattern}, nil
	}
	if q.Mode == PatternExact {
		return (&TermQuery{Field: q.Field, Value: q.Value}).ToSQL()
	}
	pattern := wrap(globEscaper.Replace(q.Value), "*", q.Mode)
	return fmt.Sprintf("%s GLOB ?", q.Field), []any{pattern}, nil
}

func wrap(value, wildcard string, mode PatternMode) string {
	switch mode {
	case PatternPrefix:
		return value + wildcard
	case PatternSuffix:
		return wildcard + value
	case PatternContains:
		return wildcard + value + wildcard
	}
	return value
}
