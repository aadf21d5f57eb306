package rdb

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidFilter        = errors.New("invalid filter")
	ErrInvalidRelationship  = errors.New("invalid relationship")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrInvalidOffset        = errors.New("invalid offset")
	ErrInvalidUpdate        = errors.New("invalid update")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrRecordNotFound       = errors.New("record not found")
	ErrWriteConflict        = errors.New("write conflict")
	ErrFetchFailed          = errors.New("fetch failed")
	ErrInsertFailed         = errors.New("insert failed")
	ErrUpdateFailed         = errors.New("update failed")
	ErrDeleteFailed         = errors.New("delete failed")
	ErrSessionClosed        = errors.New("session closed")
)

// Error 携带表、字段上下文的错误，Kind 为上面的哨兵错误之一
type Error struct {
	Kind    error
	Table   string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var parts []string
	if e.Table != "" {
		parts = append(parts, "table="+e.Table)
	}
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}

	msg := e.Kind.Error()
	if len(parts) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(parts, " "))
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return e != nil && e.Kind == target
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Cause 兼容 github.com/pkg/errors 的 Cause 链
func (e *Error) Cause() error {
	return e.Unwrap()
}

// NewError 创建不带原始错误的分类错误
func NewError(kind error, table, field, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Table:   table,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError 用分类和上下文包装原始错误，原始错误通过 Unwrap 保留
func WrapError(kind error, table, field string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:  kind,
		Table: table,
		Field: field,
		Err:   err,
	}
}

// KindOf 返回错误的分类，无法识别时返回 nil
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// FetchMode 查询结果的获取方式，参与缓存签名计算
type FetchMode string

const (
	FetchAll    FetchMode = "all"
	FetchOne    FetchMode = "one"
	FetchFirst  FetchMode = "first"
	FetchLast   FetchMode = "last"
	FetchCount  FetchMode = "count"
	FetchExists FetchMode = "exists"
)

// Direction 排序方向
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// PathDelimiter 字段路径中关系跳转的分隔符，如 author__name
const PathDelimiter = "__"
