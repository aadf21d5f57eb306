package cfg

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var timeType = reflect.TypeOf(time.Time{})

var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Bind 把解码得到的通用数据写入 object，结构体字段按 cfg tag 匹配，大小写不敏感
//
// 源数据中没有的字段保持原值，因此可以先 SetDefaults 再 Bind。
func Bind(data any, object any) error {
	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.Errorf("object must be a non-nil pointer, got %T", object)
	}
	return convert(data, rv.Elem(), "")
}

func convert(src any, dst reflect.Value, path string) error {
	sv := reflect.ValueOf(src)
	if !sv.IsValid() {
		return nil
	}
	for sv.Kind() == reflect.Ptr || sv.Kind() == reflect.Interface {
		if sv.IsNil() {
			return nil
		}
		sv = sv.Elem()
	}

	if dst.Kind() == reflect.Ptr {
		// 新分配的结构体先填充默认值
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
			if err := setDefaults(dst); err != nil {
				return errors.WithMessage(err, path)
			}
		}
		return convert(sv.Interface(), dst.Elem(), path)
	}

	switch dst.Type() {
	case durationType:
		return convertDuration(sv, dst, path)
	case timeType:
		return convertTime(sv, dst, path)
	}

	switch dst.Kind() {
	case reflect.Struct:
		return convertStruct(sv, dst, path)
	case reflect.Map:
		return convertMap(sv, dst, path)
	case reflect.Slice:
		if sv.Kind() != reflect.Slice && sv.Kind() != reflect.Array {
			return errors.Errorf("%s: expected a list, got %s", path, sv.Type())
		}
		slice := reflect.MakeSlice(dst.Type(), sv.Len(), sv.Len())
		for i := 0; i < sv.Len(); i++ {
			if err := convert(sv.Index(i).Interface(), slice.Index(i), joinPath(path, i)); err != nil {
				return err
			}
		}
		dst.Set(slice)
		return nil
	case reflect.Interface:
		if dst.NumMethod() == 0 {
			dst.Set(sv)
			return nil
		}
	}

	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}
	// 字符串不接受数字，数字之间允许转换（JSON 数字为 float64）
	if dst.Kind() != reflect.String && sv.Kind() != reflect.String && sv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return errors.Errorf("%s: cannot convert %s to %s", path, sv.Type(), dst.Type())
}

func convertStruct(sv reflect.Value, dst reflect.Value, path string) error {
	if sv.Kind() != reflect.Map {
		return errors.Errorf("%s: expected a mapping, got %s", path, sv.Type())
	}
	keys := map[string]reflect.Value{}
	for _, key := range sv.MapKeys() {
		keys[strings.ToLower(toString(key))] = sv.MapIndex(key)
	}

	rt := dst.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !dst.Field(i).CanSet() {
			continue
		}
		name := fieldName(field)
		if name == "-" {
			continue
		}
		value, ok := keys[strings.ToLower(name)]
		if !ok {
			continue
		}
		if err := convert(value.Interface(), dst.Field(i), joinPath(path, name)); err != nil {
			return err
		}
	}
	return nil
}

func convertMap(sv reflect.Value, dst reflect.Value, path string) error {
	if sv.Kind() != reflect.Map {
		return errors.Errorf("%s: expected a mapping, got %s", path, sv.Type())
	}
	if dst.IsNil() {
		dst.Set(reflect.MakeMap(dst.Type()))
	}
	for _, key := range sv.MapKeys() {
		k := reflect.New(dst.Type().Key()).Elem()
		if err := convert(toString(key), k, path); err != nil {
			return err
		}
		v := reflect.New(dst.Type().Elem()).Elem()
		if err := convert(sv.MapIndex(key).Interface(), v, joinPath(path, toString(key))); err != nil {
			return err
		}
		dst.SetMapIndex(k, v)
	}
	return nil
}

// convertDuration 字符串按 time.ParseDuration 解析，整数为纳秒，浮点数为秒
func convertDuration(sv reflect.Value, dst reflect.Value, path string) error {
	switch sv.Kind() {
	case reflect.String:
		d, err := time.ParseDuration(sv.String())
		if err != nil {
			return errors.Wrapf(err, "%s: invalid duration", path)
		}
		dst.SetInt(int64(d))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		dst.SetInt(sv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		dst.SetInt(int64(sv.Uint()))
	case reflect.Float32, reflect.Float64:
		dst.SetInt(int64(sv.Float() * float64(time.Second)))
	default:
		return errors.Errorf("%s: cannot convert %s to duration", path, sv.Type())
	}
	return nil
}

func convertTime(sv reflect.Value, dst reflect.Value, path string) error {
	switch {
	case sv.Type() == timeType:
		dst.Set(sv)
	case sv.Kind() == reflect.String:
		t, err := parseTime(sv.String())
		if err != nil {
			return errors.WithMessage(err, path)
		}
		dst.Set(reflect.ValueOf(t))
	case sv.CanInt():
		dst.Set(reflect.ValueOf(time.Unix(sv.Int(), 0)))
	default:
		return errors.Errorf("%s: cannot convert %s to time", path, sv.Type())
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	for _, format := range timeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("invalid time %q", s)
}

// fieldName 字段在配置中的键名：cfg tag，其次 json tag，最后字段名
func fieldName(field reflect.StructField) string {
	for _, key := range []string{"cfg", "json"} {
		if tag := field.Tag.Get(key); tag != "" {
			if name := strings.Split(tag, ",")[0]; name != "" {
				return name
			}
		}
	}
	return field.Name
}

func toString(v reflect.Value) string {
	for v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	if v.Kind() == reflect.String {
		return v.String()
	}
	return fmt.Sprint(v.Interface())
}

func joinPath(path string, key any) string {
	switch k := key.(type) {
	case int:
		return path + "[" + strconv.Itoa(k) + "]"
	case string:
		if path == "" {
			return k
		}
		return path + "." + k
	}
	return path
}
