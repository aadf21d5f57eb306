package orm

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/database"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
	"github.com/pkg/errors"
)

// Repository 模型 T 的读写入口
type Repository[T any] struct {
	session *Session
	model   *schema.TableModel
}

// NewRepository 创建模型 T 的仓库，T 必须已注册且关系已解析
func NewRepository[T any](s *Session) (*Repository[T], error) {
	if s.closed {
		return nil, rdb.ErrSessionClosed
	}
	model, err := s.modelOf(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}
	return &Repository[T]{session: s, model: model}, nil
}

// Model 仓库对应的模型
func (r *Repository[T]) Model() *schema.TableModel {
	return r.model
}

// Query 以该模型为主表开始一个查询
func (r *Repository[T]) Query() *QuerySet[T] {
	return newQuerySet[T](r.session, r.model)
}

// Get 按主键查询，不存在时返回 ErrRecordNotFound
func (r *Repository[T]) Get(ctx context.Context, pk any) (*T, error) {
	return r.Query().Filter(query.Lookups{r.model.PrimaryKey: pk}).FetchOne(ctx)
}

// Create 插入实例，整数主键为零值时由数据库分配并回填
func (r *Repository[T]) Create(ctx context.Context, v *T) error {
	s := r.session
	if s.closed {
		return rdb.ErrSessionClosed
	}
	values, err := r.model.Values(v)
	if err != nil {
		return rdb.WrapError(rdb.ErrInsertFailed, r.model.Table, "", err)
	}

	pk, _ := r.model.Field(r.model.PrimaryKey)
	autoPK := pk.Type == schema.FieldTypeInt && !r.model.HasIdentity(v)
	if err := s.checkForeignKeys(ctx, r.model, values); err != nil {
		return err
	}

	var columns, placeholders []string
	var args []any
	for i := range r.model.Fields {
		field := &r.model.Fields[i]
		if field.Primary && autoPK {
			continue
		}
		value, err := database.DriverValue(field, values[field.Name])
		if err != nil {
			return rdb.WrapError(rdb.ErrInsertFailed, r.model.Table, field.Name, err)
		}
		columns = append(columns, query.Quote(field.Name))
		placeholders = append(placeholders, "?")
		args = append(args, value)
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		query.Quote(r.model.Table), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if len(columns) == 0 {
		sql = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", query.Quote(r.model.Table))
	}

	s.invalidate(ctx, r.model.Table)
	result, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return database.WrapStorageError(err, rdb.ErrInsertFailed, r.model.Table, "")
	}

	if autoPK {
		id, err := result.LastInsertId()
		if err != nil {
			return rdb.WrapError(rdb.ErrInsertFailed, r.model.Table, r.model.PrimaryKey, err)
		}
		if err := (database.Row{r.model.PrimaryKey: id}).Scan(r.model, "", v); err != nil {
			return rdb.WrapError(rdb.ErrInsertFailed, r.model.Table, r.model.PrimaryKey, err)
		}
	}
	return nil
}

// Update 按主键更新所有非主键列，行不存在时返回 ErrRecordNotFound
func (r *Repository[T]) Update(ctx context.Context, v *T) error {
	s := r.session
	if s.closed {
		return rdb.ErrSessionClosed
	}
	if !r.model.HasIdentity(v) {
		return rdb.NewError(rdb.ErrInvalidUpdate, r.model.Table, r.model.PrimaryKey, "%s instance has no primary key", r.model.Name)
	}
	values, err := r.model.Values(v)
	if err != nil {
		return rdb.WrapError(rdb.ErrUpdateFailed, r.model.Table, "", err)
	}
	if err := s.checkForeignKeys(ctx, r.model, values); err != nil {
		return err
	}

	var sets []string
	var args []any
	for i := range r.model.Fields {
		field := &r.model.Fields[i]
		if field.Primary {
			continue
		}
		value, err := database.DriverValue(field, values[field.Name])
		if err != nil {
			return rdb.WrapError(rdb.ErrUpdateFailed, r.model.Table, field.Name, err)
		}
		sets = append(sets, query.Quote(field.Name)+" = ?")
		args = append(args, value)
	}
	if len(sets) == 0 {
		return rdb.NewError(rdb.ErrInvalidUpdate, r.model.Table, "", "%s has no columns to update", r.model.Name)
	}
	args = append(args, values[r.model.PrimaryKey])

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		query.Quote(r.model.Table), strings.Join(sets, ", "), query.Quote(r.model.PrimaryKey))
	n, err := s.exec(ctx, rdb.ErrUpdateFailed, r.model.Table, "", sql, args)
	if err != nil {
		return err
	}
	if n == 0 {
		return rdb.NewError(rdb.ErrRecordNotFound, r.model.Table, r.model.PrimaryKey,
			"%s %v does not exist", r.model.Name, values[r.model.PrimaryKey])
	}
	return nil
}

// UpdatePK 修改实例主键，依赖行按 on_update 处理
//
// restrict 和 no_action 在存在依赖行时拒绝修改，cascade 和 set_null 由外键子句完成。
func (r *Repository[T]) UpdatePK(ctx context.Context, v *T, newPK any) error {
	s := r.session
	if s.closed {
		return rdb.ErrSessionClosed
	}
	if !r.model.HasIdentity(v) {
		return rdb.NewError(rdb.ErrInvalidUpdate, r.model.Table, r.model.PrimaryKey, "%s instance has no primary key", r.model.Name)
	}
	if newPK == nil {
		return rdb.NewError(rdb.ErrInvalidUpdate, r.model.Table, r.model.PrimaryKey, "primary key cannot be null")
	}
	oldPK, err := r.model.PrimaryValue(v)
	if err != nil {
		return rdb.WrapError(rdb.ErrUpdateFailed, r.model.Table, r.model.PrimaryKey, err)
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		affects := s.junctionTables(r.model)
		for _, rel := range s.registry.Dependents(r.model) {
			affects = append(affects, rel.Model.Table)
			if rel.OnUpdate != schema.Restrict && rel.OnUpdate != schema.NoAction {
				continue
			}
			exists, err := s.hasDependents(ctx, rel, oldPK, nil)
			if err != nil {
				return err
			}
			if exists {
				return rdb.NewError(rdb.ErrReferentialIntegrity, rel.Model.Table, rel.Column,
					"cannot change primary key of %s %v: referenced by %s.%s", r.model.Name, oldPK, rel.Model.Name, rel.Column)
			}
		}

		sql := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
			query.Quote(r.model.Table), query.Quote(r.model.PrimaryKey), query.Quote(r.model.PrimaryKey))
		n, err := s.exec(ctx, rdb.ErrUpdateFailed, r.model.Table, r.model.PrimaryKey, sql, []any{newPK, oldPK}, affects...)
		if err != nil {
			return err
		}
		if n == 0 {
			return rdb.NewError(rdb.ErrRecordNotFound, r.model.Table, r.model.PrimaryKey, "%s %v does not exist", r.model.Name, oldPK)
		}
		if err := (database.Row{r.model.PrimaryKey: newPK}).Scan(r.model, "", v); err != nil {
			return rdb.WrapError(rdb.ErrUpdateFailed, r.model.Table, r.model.PrimaryKey, err)
		}
		return nil
	})
}

// Delete 删除实例，依赖行按 on_delete 处理，中间表中的关联一并删除
func (r *Repository[T]) Delete(ctx context.Context, v *T) error {
	if r.session.closed {
		return rdb.ErrSessionClosed
	}
	if !r.model.HasIdentity(v) {
		return rdb.NewError(rdb.ErrDeleteFailed, r.model.Table, r.model.PrimaryKey, "%s instance has no primary key", r.model.Name)
	}
	pk, err := r.model.PrimaryValue(v)
	if err != nil {
		return rdb.WrapError(rdb.ErrDeleteFailed, r.model.Table, r.model.PrimaryKey, err)
	}
	return r.DeleteByKey(ctx, pk)
}

// DeleteByKey 按主键删除，行不存在时返回 ErrRecordNotFound
func (r *Repository[T]) DeleteByKey(ctx context.Context, pk any) error {
	s := r.session
	if s.closed {
		return rdb.ErrSessionClosed
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.deleteRow(ctx, r.model, pk, map[relationKey]bool{})
		if err != nil {
			return err
		}
		if n == 0 {
			return rdb.NewError(rdb.ErrRecordNotFound, r.model.Table, r.model.PrimaryKey, "%s %v does not exist", r.model.Name, pk)
		}
		return nil
	})
}

// deleteRow 递归执行引用动作后删除一行，visited 防止自引用环
func (s *Session) deleteRow(ctx context.Context, model *schema.TableModel, pk any, visited map[relationKey]bool) (int64, error) {
	key := relationKey{Table: model.Table, Key: database.NormalizeKey(pk)}
	if visited[key] {
		return 0, nil
	}
	visited[key] = true

	for _, rel := range s.registry.Dependents(model) {
		switch rel.OnDelete {
		case schema.Cascade:
			child := rel.Model
			sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
				query.Quote(child.PrimaryKey), query.Quote(child.Table), query.Quote(rel.Column))
			rows, err := s.query(ctx, child.Table, sql, []any{pk})
			if err != nil {
				return 0, err
			}
			for _, row := range rows {
				if _, err := s.deleteRow(ctx, child, row[child.PrimaryKey], visited); err != nil {
					return 0, err
				}
			}
		case schema.SetNull:
			sql := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = ?",
				query.Quote(rel.Model.Table), query.Quote(rel.Column), query.Quote(rel.Column))
			if _, err := s.exec(ctx, rdb.ErrDeleteFailed, rel.Model.Table, rel.Column, sql, []any{pk}); err != nil {
				return 0, err
			}
		default:
			// 自引用时忽略指向自身的行
			var self any
			if rel.Model == model {
				self = pk
			}
			exists, err := s.hasDependents(ctx, rel, pk, self)
			if err != nil {
				return 0, err
			}
			if exists {
				return 0, rdb.NewError(rdb.ErrReferentialIntegrity, rel.Model.Table, rel.Column,
					"cannot delete %s %v: referenced by %s.%s", model.Name, pk, rel.Model.Name, rel.Column)
			}
		}
	}

	for _, j := range s.registry.Junctions(model) {
		var conds []string
		var args []any
		if j.Source == model {
			conds = append(conds, query.Quote(j.SourceColumn)+" = ?")
			args = append(args, pk)
		}
		if j.Target == model {
			conds = append(conds, query.Quote(j.TargetColumn)+" = ?")
			args = append(args, pk)
		}
		sql := fmt.Sprintf("DELETE FROM %s WHERE %s", query.Quote(j.Table), strings.Join(conds, " OR "))
		if _, err := s.exec(ctx, rdb.ErrDeleteFailed, j.Table, "", sql, args); err != nil {
			return 0, err
		}
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", query.Quote(model.Table), query.Quote(model.PrimaryKey))
	return s.exec(ctx, rdb.ErrDeleteFailed, model.Table, "", sql, []any{pk})
}

// hasDependents 是否存在引用 pk 的依赖行，exclude 非空时忽略该主键的行
func (s *Session) hasDependents(ctx context.Context, rel *schema.Relation, pk any, exclude any) (bool, error) {
	child := rel.Model
	sql := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = ?", query.Quote(child.Table), query.Quote(rel.Column))
	args := []any{pk}
	if exclude != nil {
		sql += fmt.Sprintf(" AND %s <> ?", query.Quote(child.PrimaryKey))
		args = append(args, exclude)
	}
	sql += ")"

	rows, err := s.query(ctx, child.Table, sql, args)
	if err != nil {
		return false, err
	}
	return truthy(scalar(rows)), nil
}

// checkForeignKeys 写入前校验外键值指向的行存在
func (s *Session) checkForeignKeys(ctx context.Context, model *schema.TableModel, values map[string]any) error {
	for _, rel := range model.Relations {
		if rel.Kind != schema.ForeignKey {
			continue
		}
		value := values[rel.Column]
		if value == nil {
			continue
		}
		target := rel.Target
		sql := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = ?)", query.Quote(target.Table), query.Quote(target.PrimaryKey))
		rows, err := s.query(ctx, target.Table, sql, []any{value})
		if err != nil {
			return err
		}
		if !truthy(scalar(rows)) {
			return rdb.NewError(rdb.ErrReferentialIntegrity, model.Table, rel.Column,
				"%s %v referenced by %s.%s does not exist", target.Name, value, model.Name, rel.Column)
		}
	}
	return nil
}

func (s *Session) junctionTables(model *schema.TableModel) []string {
	var tables []string
	for _, j := range s.registry.Junctions(model) {
		tables = append(tables, j.Table)
	}
	return tables
}

// scalar 单行单列结果的值
func scalar(rows []database.Row) any {
	if len(rows) == 0 {
		return nil
	}
	for _, v := range rows[0] {
		return v
	}
	return nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	}
	return false
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case nil:
		return 0, nil
	}
	return 0, errors.Errorf("unexpected scalar %T", v)
}
