package cfg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Format 配置文件格式
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

var validate = validator.New()

// FormatOf 按扩展名判断配置格式
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", errors.Errorf("unsupported config file %s", path)
}

// Load 读取配置文件写入 object
//
// 依次执行 SetDefaults、按扩展名解码并 Bind、Validate，文件中显式给出的值覆盖默认值。
func Load(path string, object any) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "os.ReadFile failed, path: [%v]", path)
	}
	if err := Unmarshal(data, format, object); err != nil {
		return errors.WithMessagef(err, "load %s failed", path)
	}
	return nil
}

// Unmarshal 按格式解码 data 并写入 object，包含默认值和校验
func Unmarshal(data []byte, format Format, object any) error {
	if err := SetDefaults(object); err != nil {
		return errors.WithMessage(err, "SetDefaults failed")
	}

	raw, err := Decode(data, format)
	if err != nil {
		return err
	}
	if err := Bind(raw, object); err != nil {
		return errors.WithMessage(err, "Bind failed")
	}
	return Validate(object)
}

// Decode 把配置数据解码为通用的 map/slice/标量结构
func Decode(data []byte, format Format) (any, error) {
	var result any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &result); err != nil {
			return nil, errors.Wrap(err, "yaml.Unmarshal failed")
		}
	case FormatTOML:
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(err, "toml.Unmarshal failed")
		}
		result = m
	case FormatJSON:
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil, nil
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, errors.Wrap(err, "json.Unmarshal failed")
		}
	default:
		return nil, errors.Errorf("unknown format %q", format)
	}
	return result, nil
}

// Validate 按 validate tag 校验结构体，nil 和非结构体直接通过
func Validate(object any) error {
	if object == nil {
		return nil
	}
	if err := validate.Struct(object); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return errors.Wrap(err, "validate failed")
	}
	return nil
}
