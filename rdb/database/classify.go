package database

import (
	"github.com/hatlonely/rdbx/rdb"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Classify 按 sqlite3 扩展错误码给存储错误归类
//
// 外键约束失败归为 rdb.ErrReferentialIntegrity，唯一、非空、检查等其他约束失败
// 以及锁冲突归为 rdb.ErrWriteConflict，无法识别时返回 nil。
func Classify(err error) error {
	var e sqlite3.Error
	if !errors.As(err, &e) {
		return nil
	}

	if e.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return rdb.ErrReferentialIntegrity
	}
	switch e.Code {
	case sqlite3.ErrConstraint, sqlite3.ErrBusy, sqlite3.ErrLocked:
		return rdb.ErrWriteConflict
	}
	return nil
}

// WrapStorageError 用分类后的错误包装存储错误，无法归类时使用 fallback
func WrapStorageError(err error, fallback error, table, field string) error {
	if err == nil {
		return nil
	}
	if rdb.KindOf(err) != nil {
		return err
	}
	kind := Classify(err)
	if kind == nil {
		kind = fallback
	}
	return rdb.WrapError(kind, table, field, err)
}
