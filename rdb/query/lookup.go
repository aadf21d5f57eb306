package query

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/hatlonely/rdbx/rdb"
)

// Operator 过滤操作符，由字段名后缀指定
type Operator string

const (
	OpExact       Operator = "exact"
	OpIExact      Operator = "iexact"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpNe          Operator = "ne"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpIsNull      Operator = "isnull"
	OpNotNull     Operator = "notnull"
	OpStartsWith  Operator = "startswith"
	OpEndsWith    Operator = "endswith"
	OpContains    Operator = "contains"
	OpIStartsWith Operator = "istartswith"
	OpIEndsWith   Operator = "iendswith"
	OpIContains   Operator = "icontains"
)

var operators = map[Operator]struct{}{
	OpExact: {}, OpIExact: {}, OpLt: {}, OpLte: {}, OpGt: {}, OpGte: {}, OpNe: {},
	OpIn: {}, OpNotIn: {}, OpIsNull: {}, OpNotNull: {},
	OpStartsWith: {}, OpEndsWith: {}, OpContains: {},
	OpIStartsWith: {}, OpIEndsWith: {}, OpIContains: {},
}

// Lookups 过滤条件，键为带后缀的字段路径，如 author__name__startswith
type Lookups map[string]any

// Predicate 单个过滤条件
type Predicate struct {
	Path     []string // 字段路径，最后一段为字段或外键访问器
	Operator Operator
	Value    any
}

// Key 返回条件的规范化键，用于错误信息和排序
func (p Predicate) Key() string {
	return strings.Join(p.Path, rdb.PathDelimiter) + rdb.PathDelimiter + string(p.Operator)
}

// ParseLookup 解析单个过滤键
func ParseLookup(key string, value any) (Predicate, error) {
	segments := strings.Split(key, rdb.PathDelimiter)
	for _, seg := range segments {
		if seg == "" {
			return Predicate{}, rdb.NewError(rdb.ErrInvalidFilter, "", key, "empty path segment")
		}
	}

	op := OpExact
	if len(segments) > 1 {
		if _, ok := operators[Operator(segments[len(segments)-1])]; ok {
			op = Operator(segments[len(segments)-1])
			segments = segments[:len(segments)-1]
		}
	}
	return Predicate{Path: segments, Operator: op, Value: value}, nil
}

// Predicates 按键排序解析所有条件，保证编译结果确定
func (l Lookups) Predicates() ([]Predicate, error) {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	predicates := make([]Predicate, 0, len(keys))
	for _, k := range keys {
		p, err := ParseLookup(k, l[k])
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, p)
	}
	return predicates, nil
}

// Build 校验操作数并生成查询节点，column 为已限定的列表达式
func (p Predicate) Build(column string) (Query, error) {
	switch p.Operator {
	case OpExact:
		return &TermQuery{Field: column, Value: p.Value}, nil
	case OpNe:
		return &TermQuery{Field: column, Value: p.Value, Not: true}, nil
	case OpLt, OpLte, OpGt, OpGte:
		if isNil(p.Value) {
			return nil, p.errorf("operator %s does not accept null", p.Operator)
		}
		q := &RangeQuery{Field: column}
		switch p.Operator {
		case OpLt:
			q.Lt = p.Value
		case OpLte:
			q.Lte = p.Value
		case OpGt:
			q.Gt = p.Value
		case OpGte:
			q.Gte = p.Value
		}
		return q, nil
	case OpIn, OpNotIn:
		values, ok := toSlice(p.Value)
		if !ok {
			return nil, p.errorf("operator %s requires a slice or array, got %T", p.Operator, p.Value)
		}
		return &InQuery{Field: column, Values: values, Not: p.Operator == OpNotIn}, nil
	case OpIsNull, OpNotNull:
		b, ok := p.Value.(bool)
		if !ok {
			return nil, p.errorf("operator %s requires a bool, got %T", p.Operator, p.Value)
		}
		return &NullQuery{Field: column, IsNull: b == (p.Operator == OpIsNull)}, nil
	case OpIExact, OpStartsWith, OpEndsWith, OpContains, OpIStartsWith, OpIEndsWith, OpIContains:
		s, ok := deref(p.Value).(string)
		if !ok {
			return nil, p.errorf("operator %s requires a string, got %T", p.Operator, p.Value)
		}
		q := &PatternQuery{Field: column, Value: s}
		switch p.Operator {
		case OpIExact:
			q.Mode, q.CaseInsensitive = PatternExact, true
		case OpStartsWith:
			q.Mode = PatternPrefix
		case OpEndsWith:
			q.Mode = PatternSuffix
		case OpContains:
			q.Mode = PatternContains
		case OpIStartsWith:
			q.Mode, q.CaseInsensitive = PatternPrefix, true
		case OpIEndsWith:
			q.Mode, q.CaseInsensitive = PatternSuffix, true
		case OpIContains:
			q.Mode, q.CaseInsensitive = PatternContains, true
		}
		return q, nil
	}
	return nil, p.errorf("unknown operator %s", p.Operator)
}

func (p Predicate) errorf(format string, args ...any) error {
	return rdb.NewError(rdb.ErrInvalidFilter, "", strings.Join(p.Path, rdb.PathDelimiter), format, args...)
}

func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	// []byte 视为标量
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	values := make([]any, rv.Len())
	for i := range values {
		values[i] = rv.Index(i).Interface()
	}
	return values, true
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s=%v", p.Key(), p.Value)
}
