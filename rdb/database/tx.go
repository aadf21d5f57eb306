package database

import (
	"context"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/hatlonely/rdbx/rdb/query"
	"github.com/pkg/errors"
)

var ErrNoTransaction = errors.New("no transaction in progress")

// InTx 是否处于事务中
func (s *SQLite) InTx() bool {
	return s.tx != nil
}

// Begin 开启事务，不支持嵌套，嵌套作用域使用 Savepoint
func (s *SQLite) Begin(ctx context.Context) error {
	if s.tx != nil {
		return errors.New("transaction already in progress")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "db.BeginTx failed")
	}
	s.tx = tx
	s.logger.DebugContext(ctx, "begin")
	return nil
}

// Commit 提交事务
//
// 提交失败时驱动已回滚事务，锁冲突归为 rdb.ErrWriteConflict。
func (s *SQLite) Commit(ctx context.Context) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		s.logger.WarnContext(ctx, "commit failed", "error", err)
		return WrapStorageError(errors.Wrap(err, "tx.Commit failed"), rdb.ErrWriteConflict, "", "")
	}
	s.logger.DebugContext(ctx, "commit")
	return nil
}

// Rollback 回滚事务
func (s *SQLite) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		return errors.Wrap(err, "tx.Rollback failed")
	}
	s.logger.DebugContext(ctx, "rollback")
	return nil
}

// Savepoint 在当前事务中创建保存点
func (s *SQLite) Savepoint(ctx context.Context, name string) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	_, err := s.Exec(ctx, "SAVEPOINT "+query.Quote(name))
	return err
}

// Release 释放保存点，保存点之后的修改并入外层事务
func (s *SQLite) Release(ctx context.Context, name string) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	_, err := s.Exec(ctx, "RELEASE SAVEPOINT "+query.Quote(name))
	return err
}

// RollbackTo 回滚到保存点并释放它
func (s *SQLite) RollbackTo(ctx context.Context, name string) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	if _, err := s.Exec(ctx, "ROLLBACK TO SAVEPOINT "+query.Quote(name)); err != nil {
		return err
	}
	_, err := s.Exec(ctx, "RELEASE SAVEPOINT "+query.Quote(name))
	return err
}
