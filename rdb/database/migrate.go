package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/hatlonely/rdbx/rdb/schema"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrTableNotFound = errors.New("table not found")

// ColumnInfo 数据库中实际存在的列
type ColumnInfo struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool
}

// TableInfo 数据库中实际存在的表结构
type TableInfo struct {
	Name    string
	Columns []ColumnInfo
}

// Column 按列名查找
func (t *TableInfo) Column(name string) (ColumnInfo, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// Migrate 创建模型对应的表，表已存在时校验列是否齐全
func (s *SQLite) Migrate(ctx context.Context, model *schema.TableModel) error {
	if _, err := s.Exec(ctx, buildCreateTableSQL(model)); err != nil {
		return errors.WithMessagef(err, "failed to create table %s", model.Table)
	}
	return s.verify(ctx, model.Table, model.Columns())
}

// MigrateJunction 创建多对多中间表，两列组成联合主键
func (s *SQLite) MigrateJunction(ctx context.Context, j *schema.Junction) error {
	if _, err := s.Exec(ctx, buildCreateJunctionSQL(j)); err != nil {
		return errors.WithMessagef(err, "failed to create junction table %s", j.Table)
	}
	return s.verify(ctx, j.Table, []string{j.SourceColumn, j.TargetColumn})
}

func (s *SQLite) verify(ctx context.Context, table string, columns []string) error {
	info, err := s.Introspect(ctx, table)
	if err != nil {
		return err
	}
	for _, column := range columns {
		if _, ok := info.Column(column); !ok {
			return errors.Errorf("table %s exists without column %s", table, column)
		}
	}
	return nil
}

// Introspect 通过 gorm Migrator 读取表结构
func (s *SQLite) Introspect(ctx context.Context, table string) (*TableInfo, error) {
	db, err := s.gormDB(ctx)
	if err != nil {
		return nil, err
	}

	migrator := db.Migrator()
	if !migrator.HasTable(table) {
		return nil, errors.Wrapf(ErrTableNotFound, "table %s", table)
	}
	columnTypes, err := migrator.ColumnTypes(table)
	if err != nil {
		return nil, errors.Wrapf(err, "migrator.ColumnTypes failed, table: [%v]", table)
	}

	info := &TableInfo{Name: table}
	for _, ct := range columnTypes {
		column := ColumnInfo{Name: ct.Name(), Type: ct.DatabaseTypeName()}
		column.Nullable, _ = ct.Nullable()
		column.PrimaryKey, _ = ct.PrimaryKey()
		info.Columns = append(info.Columns, column)
	}
	return info, nil
}

// Tables 返回数据库中的所有表
func (s *SQLite) Tables(ctx context.Context) ([]string, error) {
	db, err := s.gormDB(ctx)
	if err != nil {
		return nil, err
	}
	tables, err := db.Migrator().GetTables()
	if err != nil {
		return nil, errors.Wrap(err, "migrator.GetTables failed")
	}
	return tables, nil
}

// gormDB 在当前连接上包一层 gorm，事务中复用事务连接
func (s *SQLite) gormDB(ctx context.Context) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.New(sqlite.Config{Conn: s.conn()}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "gorm.Open failed")
	}
	return db.WithContext(ctx), nil
}

// buildCreateTableSQL 构建创建表的 SQL 语句，外键带上引用动作
func buildCreateTableSQL(model *schema.TableModel) string {
	var columns []string
	for _, field := range model.Fields {
		columns = append(columns, buildColumnDefinition(field))
	}

	for _, rel := range model.Relations {
		if rel.Kind != schema.ForeignKey || rel.Target == nil {
			continue
		}
		columns = append(columns, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s ON UPDATE %s",
			query.Quote(rel.Column), query.Quote(rel.Target.Table), query.Quote(rel.Target.PrimaryKey),
			actionSQL(rel.OnDelete), actionSQL(rel.OnUpdate)))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		query.Quote(model.Table), strings.Join(columns, ",\n  "))
}

func buildCreateJunctionSQL(j *schema.Junction) string {
	sourcePK, _ := j.Source.Field(j.Source.PrimaryKey)
	targetPK, _ := j.Target.Field(j.Target.PrimaryKey)

	columns := []string{
		fmt.Sprintf("%s %s NOT NULL", query.Quote(j.SourceColumn), mapFieldTypeToSQL(sourcePK.Type, sourcePK.Size)),
		fmt.Sprintf("%s %s NOT NULL", query.Quote(j.TargetColumn), mapFieldTypeToSQL(targetPK.Type, targetPK.Size)),
		fmt.Sprintf("PRIMARY KEY (%s, %s)", query.Quote(j.SourceColumn), query.Quote(j.TargetColumn)),
		fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE CASCADE ON UPDATE CASCADE",
			query.Quote(j.SourceColumn), query.Quote(j.Source.Table), query.Quote(j.Source.PrimaryKey)),
		fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE CASCADE ON UPDATE CASCADE",
			query.Quote(j.TargetColumn), query.Quote(j.Target.Table), query.Quote(j.Target.PrimaryKey)),
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		query.Quote(j.Table), strings.Join(columns, ",\n  "))
}

// buildColumnDefinition 构建单个字段定义，整数主键为 rowid 别名自动分配
func buildColumnDefinition(field schema.FieldDefinition) string {
	parts := []string{query.Quote(field.Name), mapFieldTypeToSQL(field.Type, field.Size)}

	if field.Primary {
		parts = append(parts, "PRIMARY KEY")
		return strings.Join(parts, " ")
	}
	if !field.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if field.Unique {
		parts = append(parts, "UNIQUE")
	}
	if field.Default != nil {
		parts = append(parts, "DEFAULT "+formatDefaultValue(field.Default))
	}
	return strings.Join(parts, " ")
}

// mapFieldTypeToSQL 字段类型映射为 SQLite 声明类型
//
// BOOLEAN 和 DATETIME 声明会让驱动直接返回 bool 和 time.Time。
func mapFieldTypeToSQL(fieldType schema.FieldType, size int) string {
	switch fieldType {
	case schema.FieldTypeString:
		if size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", size)
		}
		return "TEXT"
	case schema.FieldTypeInt:
		return "INTEGER"
	case schema.FieldTypeFloat:
		return "REAL"
	case schema.FieldTypeBool:
		return "BOOLEAN"
	case schema.FieldTypeDate:
		return "DATETIME"
	default:
		return "TEXT"
	}
}

// formatDefaultValue 格式化默认值
func formatDefaultValue(value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("'%s'", strings.ReplaceAll(v, "'", "''"))
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func actionSQL(action schema.Action) string {
	switch action {
	case schema.Cascade:
		return "CASCADE"
	case schema.SetNull:
		return "SET NULL"
	case schema.Restrict:
		return "RESTRICT"
	default:
		return "NO ACTION"
	}
}
