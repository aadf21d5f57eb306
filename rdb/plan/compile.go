package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/join"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Column 结果集中的一列
type Column struct {
	Path  string // 所属关系路径，主表为空
	Name  string // 列名
	Label string // 结果集中的列标签
}

// Compiled 编译后的查询
type Compiled struct {
	Mode      rdb.FetchMode
	SQL       string
	Args      []any
	Signature string
	Model     *schema.TableModel
	Joins     []join.Join
	Columns   []Column
	Eager     []string // 需要从结果集填充的正向关系路径
	Prefetch  []string
	Tables    []string // 结果依赖的所有表，主表在前
}

// Label 关系列在结果集中的标签
func Label(path, column string) string {
	if path == "" {
		return column
	}
	return path + "." + column
}

// Compile 按获取方式编译为 SQL、参数和缓存签名
func (p *Plan) Compile(mode rdb.FetchMode) (*Compiled, error) {
	if p.err != nil {
		return nil, p.err
	}
	switch mode {
	case rdb.FetchAll, rdb.FetchOne, rdb.FetchFirst, rdb.FetchLast, rdb.FetchCount, rdb.FetchExists:
	default:
		return nil, errors.Errorf("unknown fetch mode %q", mode)
	}

	eager := p.eagerPaths()
	paths := make([]string, 0, len(p.filters)+len(p.orders)+len(eager))
	for _, f := range p.filters {
		paths = append(paths, f.target.JoinPath())
	}
	for _, o := range p.orders {
		paths = append(paths, o.target.JoinPath())
	}
	paths = append(paths, eager...)

	joins, err := join.Build(p.registry, p.model, paths...)
	if err != nil {
		return nil, err
	}

	where, args, err := p.where(joins)
	if err != nil {
		return nil, err
	}

	c := &Compiled{
		Mode:     mode,
		Args:     args,
		Model:    p.model,
		Joins:    joins.Joins,
		Prefetch: p.Prefetch(),
	}

	from := fmt.Sprintf("FROM %s AS %s", query.Quote(p.model.Table), query.Quote(joins.BaseAlias))
	if len(joins.Joins) > 0 {
		from += " " + joins.SQL()
	}
	if where != "" {
		from += " WHERE " + where
	}

	pk := query.Column(joins.BaseAlias, p.model.PrimaryKey)
	distinct := ""
	if joins.ToMany() {
		distinct = "DISTINCT "
	}

	switch mode {
	case rdb.FetchCount:
		inner := fmt.Sprintf("SELECT %s%s %s", distinct, pk, from)
		if page := p.pagination(mode); page != "" {
			inner += p.orderBy(joins, false) + page
		}
		c.SQL = fmt.Sprintf("SELECT COUNT(*) FROM (%s)", inner)
	case rdb.FetchExists:
		c.SQL = fmt.Sprintf("SELECT EXISTS (SELECT 1 %s%s)", from, p.pagination(mode))
	default:
		c.Eager = eager
		c.Columns = p.columns(eager, joins)
		selects := make([]string, len(c.Columns))
		for i, col := range c.Columns {
			alias, _ := joins.Alias(col.Path)
			selects[i] = query.Column(alias, col.Name)
			if col.Path != "" {
				selects[i] += " AS " + query.Quote(col.Label)
			}
		}
		c.SQL = fmt.Sprintf("SELECT %s%s %s%s%s", distinct, strings.Join(selects, ", "), from,
			p.orderBy(joins, mode == rdb.FetchLast), p.pagination(mode))
	}

	tables, err := p.tables(joins)
	if err != nil {
		return nil, err
	}
	c.Tables = tables

	c.Signature, err = signature(c)
	if err != nil {
		return nil, rdb.WrapError(rdb.ErrInvalidFilter, p.model.Table, "", err)
	}
	return c, nil
}

// eagerPaths 显式预加载路径加上过滤、排序隐含的正向外键路径，投影收窄时为空
func (p *Plan) eagerPaths() []string {
	if p.Narrowed() {
		return nil
	}
	paths := append([]string(nil), p.eager...)
	implicit := func(target query.Target) {
		if len(target.Relations) == 0 {
			return
		}
		for _, rel := range target.Relations {
			if !rel.Forward() {
				return
			}
		}
		paths = appendUnique(paths, target.JoinPath())
	}
	for _, f := range p.filters {
		implicit(f.target)
	}
	for _, o := range p.orders {
		implicit(o.target)
	}

	// 嵌套路径的前缀也需要填充
	var expanded []string
	for _, path := range paths {
		segments := strings.Split(path, rdb.PathDelimiter)
		for i := range segments {
			expanded = appendUnique(expanded, strings.Join(segments[:i+1], rdb.PathDelimiter))
		}
	}
	return expanded
}

func (p *Plan) where(joins *join.Plan) (string, []any, error) {
	if len(p.filters) == 0 {
		return "", nil, nil
	}
	nodes := make([]query.Query, 0, len(p.filters))
	for _, f := range p.filters {
		alias, _ := joins.Alias(f.target.JoinPath())
		node, err := f.predicate.Build(query.Column(alias, f.target.Column))
		if err != nil {
			return "", nil, err
		}
		nodes = append(nodes, node)
	}
	return query.And(nodes...).ToSQL()
}

// orderBy 默认按主键升序，并追加主键作为稳定排序的兜底
func (p *Plan) orderBy(joins *join.Plan, reverse bool) string {
	var terms []string
	hasPK := false
	for _, o := range p.orders {
		alias, _ := joins.Alias(o.target.JoinPath())
		if alias == joins.BaseAlias && o.target.Model == p.model && o.target.Column == p.model.PrimaryKey {
			hasPK = true
		}
		terms = append(terms, query.Column(alias, o.target.Column)+" "+string(flip(o.direction, reverse)))
	}
	if !hasPK {
		terms = append(terms, query.Column(joins.BaseAlias, p.model.PrimaryKey)+" "+string(flip(rdb.Asc, reverse)))
	}
	return " ORDER BY " + strings.Join(terms, ", ")
}

func flip(d rdb.Direction, reverse bool) rdb.Direction {
	if !reverse {
		return d
	}
	if d == rdb.Asc {
		return rdb.Desc
	}
	return rdb.Asc
}

func (p *Plan) pagination(mode rdb.FetchMode) string {
	limit, hasLimit := p.limit, p.hasLimit
	switch mode {
	case rdb.FetchFirst, rdb.FetchLast:
		limit, hasLimit = 1, true
	case rdb.FetchOne:
		// 多取一行用于判断结果是否唯一
		if !hasLimit || limit > 2 {
			limit, hasLimit = 2, true
		}
	}

	switch {
	case hasLimit && p.offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, p.offset)
	case hasLimit:
		return fmt.Sprintf(" LIMIT %d", limit)
	case p.offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", p.offset)
	}
	return ""
}

func (p *Plan) columns(eager []string, joins *join.Plan) []Column {
	base := p.projection
	if base == nil {
		base = p.model.Columns()
	}
	columns := make([]Column, 0, len(base))
	for _, name := range base {
		columns = append(columns, Column{Name: name, Label: name})
	}
	for _, path := range eager {
		model, _ := joins.Model(path)
		for _, name := range model.Columns() {
			columns = append(columns, Column{Path: path, Name: name, Label: Label(path, name)})
		}
	}
	return columns
}

// tables 查询本身涉及的表加上预取路径涉及的表和中间表
func (p *Plan) tables(joins *join.Plan) ([]string, error) {
	tables := joins.Tables()
	if len(p.prefetch) == 0 {
		return tables, nil
	}

	prefetch, err := join.Build(p.registry, p.model, p.prefetch...)
	if err != nil {
		return nil, err
	}
	for _, j := range prefetch.Joins {
		tables = appendUnique(tables, j.TargetTable)
	}
	return tables, nil
}

// signature 对获取方式、SQL、参数和预加载指令做 sha256
func signature(c *Compiled) (string, error) {
	args, err := msgpack.Marshal(c.Args)
	if err != nil {
		return "", errors.Wrap(err, "msgpack.Marshal failed")
	}

	h := sha256.New()
	for _, part := range []string{
		string(c.Mode),
		c.SQL,
		strings.Join(c.Eager, ","),
		strings.Join(c.Prefetch, ","),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x00})
	}
	h.Write(args)
	return hex.EncodeToString(h.Sum(nil)), nil
}
