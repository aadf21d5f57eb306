package database

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/hatlonely/rdbx/rdb/schema"
	"github.com/pkg/errors"
)

var timeType = reflect.TypeOf(time.Time{})

// Scan 把行中带 prefix 标签的列写入模型实例，prefix 为空时读取主表列
//
// prefix 非空时列标签为 prefix.column，对应 JOIN 预加载的关系列。
func (r Row) Scan(model *schema.TableModel, prefix string, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.Elem().Type() != model.Type {
		return errors.Errorf("dest must be *%s, got %T", model.Type, dest)
	}
	rv = rv.Elem()

	for _, field := range model.Fields {
		label := field.Name
		if prefix != "" {
			label = prefix + "." + field.Name
		}
		value, ok := r[label]
		if !ok {
			continue
		}
		if err := setFieldValue(rv.FieldByIndex(field.Index), value, field.Type); err != nil {
			return errors.Wrapf(err, "failed to set field %s.%s", model.Name, field.Name)
		}
	}
	return nil
}

// Get 读取 prefix 下的某一列
func (r Row) Get(prefix, column string) any {
	if prefix == "" {
		return r[column]
	}
	return r[prefix+"."+column]
}

// DriverValue 把字段值转换为驱动能写入的值，JSON 字段编码为文本
func DriverValue(field *schema.FieldDefinition, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if field.Type != schema.FieldTypeJSON {
		return value, nil
	}
	if b, ok := value.([]byte); ok {
		return string(b), nil
	}
	buf, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "json.Marshal failed, field: [%v]", field.Name)
	}
	return string(buf), nil
}

// NormalizeKey 把主键值统一为可比较的形式，整数统一为 int64
func NormalizeKey(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return NormalizeKey(rv.Elem().Interface())
	case reflect.Slice:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	}
	return v
}

// setFieldValue 设置字段值，处理驱动返回类型与结构体字段类型的差异
func setFieldValue(fieldValue reflect.Value, value any, fieldType schema.FieldType) error {
	if value == nil {
		fieldValue.Set(reflect.Zero(fieldValue.Type()))
		return nil
	}

	// 指针字段分配新值
	if fieldValue.Kind() == reflect.Ptr {
		elem := reflect.New(fieldValue.Type().Elem())
		if err := setFieldValue(elem.Elem(), value, fieldType); err != nil {
			return err
		}
		fieldValue.Set(elem)
		return nil
	}

	if fieldType == schema.FieldTypeJSON {
		var buf []byte
		switch v := value.(type) {
		case string:
			buf = []byte(v)
		case []byte:
			buf = v
		}
		if buf != nil {
			if fieldValue.Kind() == reflect.Slice && fieldValue.Type().Elem().Kind() == reflect.Uint8 {
				fieldValue.SetBytes(append([]byte(nil), buf...))
				return nil
			}
			return json.Unmarshal(buf, fieldValue.Addr().Interface())
		}
	}

	// BOOLEAN 以外的声明类型会以整数返回
	if fieldValue.Kind() == reflect.Bool {
		switch v := value.(type) {
		case bool:
			fieldValue.SetBool(v)
			return nil
		case int64:
			fieldValue.SetBool(v != 0)
			return nil
		}
	}

	if fieldValue.Type() == timeType {
		switch v := value.(type) {
		case time.Time:
			fieldValue.Set(reflect.ValueOf(v))
			return nil
		case string:
			t, err := parseTime(v)
			if err != nil {
				return err
			}
			fieldValue.Set(reflect.ValueOf(t))
			return nil
		}
	}

	if b, ok := value.([]byte); ok && fieldValue.Kind() == reflect.String {
		fieldValue.SetString(string(b))
		return nil
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(fieldValue.Type()) {
		fieldValue.Set(rv)
		return nil
	}
	if isNumber(rv.Kind()) && isNumber(fieldValue.Kind()) {
		fieldValue.Set(rv.Convert(fieldValue.Type()))
		return nil
	}
	if rv.Kind() == fieldValue.Kind() && rv.Type().ConvertibleTo(fieldValue.Type()) {
		fieldValue.Set(rv.Convert(fieldValue.Type()))
		return nil
	}

	return fmt.Errorf("cannot convert %v to %v", rv.Type(), fieldValue.Type())
}

// parseTime 尝试多种时间格式解析
func parseTime(v string) (time.Time, error) {
	timeFormats := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02",
		time.RFC3339Nano,
	}

	var lastErr error
	for _, format := range timeFormats {
		t, err := time.Parse(format, v)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("cannot parse time string %s: %v", v, lastErr)
}

func isNumber(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
