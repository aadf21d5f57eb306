package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hatlonely/rdbx/rdb"
	"gorm.io/gorm/schema"
)

// TableModel 表模型定义，注册后不可修改
type TableModel struct {
	Name       string       // 模型名，即结构体名
	Table      string       // 表名
	Type       reflect.Type // 结构体类型
	Fields     []FieldDefinition
	PrimaryKey string     // 主键字段名
	Relations  []*Relation // 本模型声明的关系（外键、多对多）

	fieldIndex map[string]int
}

// FieldDefinition 字段定义
type FieldDefinition struct {
	Name     string // 列名
	GoName   string
	Index    []int
	Type     FieldType
	Required bool
	Nullable bool
	Unique   bool
	Primary  bool
	Default  any
	Size     int // 字段长度，如 VARCHAR(255)
}

// FieldType 字段类型
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeBool   FieldType = "bool"
	FieldTypeDate   FieldType = "date"
	FieldTypeJSON   FieldType = "json"
)

// M2M 多对多关系的声明占位类型，不对应任何列
type M2M struct{}

// Field 按列名查找字段
func (m *TableModel) Field(name string) (*FieldDefinition, bool) {
	idx, ok := m.fieldIndex[name]
	if !ok {
		return nil, false
	}
	return &m.Fields[idx], true
}

// HasField 判断列是否存在
func (m *TableModel) HasField(name string) bool {
	_, ok := m.fieldIndex[name]
	return ok
}

// Columns 返回所有列名，顺序与结构体字段一致
func (m *TableModel) Columns() []string {
	columns := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		columns = append(columns, f.Name)
	}
	return columns
}

// PrimaryValue 读取实例的主键值，实例必须是该模型的结构体或其指针
func (m *TableModel) PrimaryValue(v any) (any, error) {
	rv, err := m.structValue(v)
	if err != nil {
		return nil, err
	}
	pk, _ := m.Field(m.PrimaryKey)
	return rv.FieldByIndex(pk.Index).Interface(), nil
}

// HasIdentity 判断实例是否已分配主键（非零值）
func (m *TableModel) HasIdentity(v any) bool {
	rv, err := m.structValue(v)
	if err != nil {
		return false
	}
	pk, _ := m.Field(m.PrimaryKey)
	return !rv.FieldByIndex(pk.Index).IsZero()
}

// Values 以列名为键导出实例的所有字段值，指针字段为 nil 时导出 nil
func (m *TableModel) Values(v any) (map[string]any, error) {
	rv, err := m.structValue(v)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		fv := rv.FieldByIndex(f.Index)
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				values[f.Name] = nil
				continue
			}
			fv = fv.Elem()
		}
		values[f.Name] = fv.Interface()
	}
	return values, nil
}

// New 创建该模型的新实例指针
func (m *TableModel) New() any {
	return reflect.New(m.Type).Interface()
}

func (m *TableModel) structValue(v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return reflect.Value{}, fmt.Errorf("nil %s instance", m.Name)
		}
		rv = rv.Elem()
	}
	if rv.Type() != m.Type {
		return reflect.Value{}, fmt.Errorf("expected %s, got %s", m.Type, rv.Type())
	}
	return rv, nil
}

// TableModelBuilder 表模型构建器
type TableModelBuilder struct {
	naming schema.NamingStrategy
}

// NewTableModelBuilder 创建新的表模型构建器
func NewTableModelBuilder() *TableModelBuilder {
	return &TableModelBuilder{}
}

// tabler 自定义表名
type tabler interface {
	TableName() string
}

// FromStruct 从结构体构建 TableModel
// 支持的 tag 格式：
// - `rdb:"column_name,type=string,size=255,required,null,primary,unique,default=x"`
// - `rdb:"author_id,fk=Author,on_delete=cascade,on_update=restrict,related=books"` 外键
// - `rdb:"tags,m2m=Tag,through=book_tags,related=books,symmetrical"` 多对多，字段类型通常为 M2M
// 表名优先使用 TableName() 方法，否则为结构体名的蛇形复数形式
func (b *TableModelBuilder) FromStruct(v any) (*TableModel, error) {
	rt := reflect.TypeOf(v)
	for rt != nil && rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	if rt == nil || rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct, got %T", v)
	}

	model := &TableModel{
		Name:       rt.Name(),
		Table:      b.naming.TableName(rt.Name()),
		Type:       rt,
		fieldIndex: map[string]int{},
	}
	if t, ok := reflect.New(rt).Interface().(tabler); ok && t.TableName() != "" {
		model.Table = t.TableName()
	}

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("rdb")
		if tag == "-" {
			continue // 跳过被忽略的字段
		}

		opts := parseTag(tag)
		if _, ok := opts.values["m2m"]; ok {
			rel, err := b.parseManyToMany(model, field, opts)
			if err != nil {
				return nil, err
			}
			model.Relations = append(model.Relations, rel)
			continue
		}
		if !field.IsExported() {
			continue
		}

		fieldDef, err := b.parseField(model, field, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse field %s: %v", field.Name, err)
		}
		if _, dup := model.fieldIndex[fieldDef.Name]; dup {
			return nil, fmt.Errorf("duplicate column %s in %s", fieldDef.Name, model.Name)
		}
		model.fieldIndex[fieldDef.Name] = len(model.Fields)
		model.Fields = append(model.Fields, fieldDef)

		if fieldDef.Primary {
			if model.PrimaryKey != "" {
				return nil, fmt.Errorf("model %s declares more than one primary key", model.Name)
			}
			model.PrimaryKey = fieldDef.Name
		}

		if _, ok := opts.values["fk"]; ok {
			rel, err := b.parseForeignKey(model, fieldDef, opts)
			if err != nil {
				return nil, err
			}
			model.Relations = append(model.Relations, rel)
		}
	}

	if model.PrimaryKey == "" {
		// 约定 id 列为主键
		if idx, ok := model.fieldIndex["id"]; ok {
			model.Fields[idx].Primary = true
			model.PrimaryKey = "id"
		} else {
			return nil, fmt.Errorf("model %s has no primary key", model.Name)
		}
	}

	return model, nil
}

// MustFromStruct 同 FromStruct，失败时 panic，便于包级变量声明
func (b *TableModelBuilder) MustFromStruct(v any) *TableModel {
	model, err := b.FromStruct(v)
	if err != nil {
		panic(err)
	}
	return model
}

type tagOptions struct {
	name   string
	flags  map[string]bool
	values map[string]string
}

func parseTag(tag string) tagOptions {
	opts := tagOptions{flags: map[string]bool{}, values: map[string]string{}}
	if tag == "" {
		return opts
	}

	parts := strings.Split(tag, ",")
	// 第一部分是字段名（如果指定）
	if parts[0] != "" && !strings.Contains(parts[0], "=") {
		opts.name = strings.TrimSpace(parts[0])
		parts = parts[1:]
	}

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if kv := strings.SplitN(part, "=", 2); len(kv) == 2 {
			opts.values[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		} else {
			opts.flags[part] = true
		}
	}
	return opts
}

// parseField 解析字段的 rdb tag
func (b *TableModelBuilder) parseField(model *TableModel, field reflect.StructField, opts tagOptions) (FieldDefinition, error) {
	fieldDef := FieldDefinition{
		Name:     b.naming.ColumnName(model.Table, field.Name),
		GoName:   field.Name,
		Index:    field.Index,
		Type:     inferFieldType(field.Type),
		Nullable: field.Type.Kind() == reflect.Ptr,
	}
	if opts.name != "" {
		fieldDef.Name = opts.name
	}

	if value, ok := opts.values["type"]; ok {
		fieldDef.Type = FieldType(value)
	}
	for key, value := range opts.values {
		switch key {
		case "size":
			if size, err := strconv.Atoi(value); err == nil {
				fieldDef.Size = size
			}
		case "default":
			fieldDef.Default = parseDefaultValue(value, fieldDef.Type)
		}
	}

	for flag := range opts.flags {
		switch flag {
		case "required", "not_null":
			fieldDef.Required = true
		case "null", "nullable":
			fieldDef.Nullable = true
		case "primary", "pk":
			fieldDef.Primary = true
		case "unique":
			fieldDef.Unique = true
		}
	}
	if fieldDef.Required {
		fieldDef.Nullable = false
	}
	if fieldDef.Primary && fieldDef.Nullable {
		return fieldDef, fmt.Errorf("primary key cannot be nullable")
	}

	return fieldDef, nil
}

func (b *TableModelBuilder) parseForeignKey(model *TableModel, field FieldDefinition, opts tagOptions) (*Relation, error) {
	rel := &Relation{
		Kind:        ForeignKey,
		Name:        accessorName(field.Name),
		Model:       model,
		TargetName:  opts.values["fk"],
		Column:      field.Name,
		OnDelete:    NoAction,
		OnUpdate:    NoAction,
		Nullable:    field.Nullable,
		Unique:      field.Unique || opts.flags["one_to_one"],
		RelatedName: opts.values["related"],
	}
	if name, ok := opts.values["as"]; ok {
		rel.Name = name
	}

	var err error
	if v, ok := opts.values["on_delete"]; ok {
		if rel.OnDelete, err = ParseAction(v); err != nil {
			return nil, rdb.WrapError(rdb.ErrInvalidRelationship, model.Table, field.Name, err)
		}
	}
	if v, ok := opts.values["on_update"]; ok {
		if rel.OnUpdate, err = ParseAction(v); err != nil {
			return nil, rdb.WrapError(rdb.ErrInvalidRelationship, model.Table, field.Name, err)
		}
	}

	// SET NULL 要求外键列可为空，声明时即校验
	if (rel.OnDelete == SetNull || rel.OnUpdate == SetNull) && !rel.Nullable {
		return nil, rdb.NewError(rdb.ErrInvalidRelationship, model.Table, field.Name,
			"set_null requires a nullable foreign key")
	}
	if model.HasField(rel.Name) {
		return nil, rdb.NewError(rdb.ErrInvalidRelationship, model.Table, field.Name,
			"accessor %q clashes with a column, use as=<name>", rel.Name)
	}

	return rel, nil
}

func (b *TableModelBuilder) parseManyToMany(model *TableModel, field reflect.StructField, opts tagOptions) (*Relation, error) {
	name := opts.name
	if name == "" {
		name = b.naming.ColumnName(model.Table, field.Name)
	}
	if name == "" || name == "_" {
		return nil, rdb.NewError(rdb.ErrInvalidRelationship, model.Table, "", "many-to-many declaration needs a name")
	}
	return &Relation{
		Kind:        ManyToMany,
		Name:        name,
		Model:       model,
		TargetName:  opts.values["m2m"],
		Junction:    opts.values["through"],
		Symmetrical: opts.flags["symmetrical"],
		RelatedName: opts.values["related"],
	}, nil
}

// accessorName 外键列名去掉 _id 后缀作为访问器名
func accessorName(column string) string {
	if strings.HasSuffix(column, "_id") && len(column) > 3 {
		return strings.TrimSuffix(column, "_id")
	}
	return column + "_ref"
}

// inferFieldType 从 Go 类型推断字段类型
func inferFieldType(t reflect.Type) FieldType {
	// 处理指针类型
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t == reflect.TypeOf(time.Time{}) {
		return FieldTypeDate
	}

	switch t.Kind() {
	case reflect.String:
		return FieldTypeString
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return FieldTypeInt
	case reflect.Float32, reflect.Float64:
		return FieldTypeFloat
	case reflect.Bool:
		return FieldTypeBool
	default:
		// 其他复杂类型默认为 JSON
		return FieldTypeJSON
	}
}

// parseDefaultValue 解析默认值
func parseDefaultValue(value string, fieldType FieldType) any {
	switch fieldType {
	case FieldTypeString:
		// 去掉引号
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			return value[1 : len(value)-1]
		}
		return value
	case FieldTypeInt:
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		return 0
	case FieldTypeFloat:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		return 0.0
	case FieldTypeBool:
		return value == "true" || value == "1"
	default:
		return value
	}
}
