package orm

import (
	"context"
	"fmt"

	"github.com/hatlonely/rdbx/rdb"
	"github.com/pkg/errors"
)

// scope 一层事务作用域，记录作用域内写过的表
type scope struct {
	savepoint string // 最外层为空
	written   map[string]bool
}

// InTx 是否处于事务作用域中
func (s *Session) InTx() bool {
	return len(s.scopes) > 0
}

// Begin 开启事务作用域，嵌套时使用保存点
func (s *Session) Begin(ctx context.Context) error {
	if s.closed {
		return rdb.ErrSessionClosed
	}

	sc := &scope{written: map[string]bool{}}
	if len(s.scopes) == 0 {
		if err := s.db.Begin(ctx); err != nil {
			return err
		}
	} else {
		sc.savepoint = fmt.Sprintf("rdbx_sp_%d", len(s.scopes))
		if err := s.db.Savepoint(ctx, sc.savepoint); err != nil {
			return err
		}
	}
	s.scopes = append(s.scopes, sc)
	return nil
}

// Commit 提交当前作用域，嵌套作用域的写入并入外层
func (s *Session) Commit(ctx context.Context) error {
	sc, err := s.pop()
	if err != nil {
		return err
	}

	if sc.savepoint == "" {
		if err := s.db.Commit(ctx); err != nil {
			// 提交失败时事务已回滚，作用域内读到的数据不能留在缓存里
			for table := range sc.written {
				s.invalidate(ctx, table)
			}
			return err
		}
		return nil
	}
	parent := s.scopes[len(s.scopes)-1]
	for table := range sc.written {
		parent.written[table] = true
	}
	return s.db.Release(ctx, sc.savepoint)
}

// Rollback 回滚当前作用域，并再次使作用域内写过的表失效
//
// 作用域内读到的未提交数据可能已进入缓存，回滚后一并丢弃。
func (s *Session) Rollback(ctx context.Context) error {
	sc, err := s.pop()
	if err != nil {
		return err
	}

	if sc.savepoint == "" {
		err = s.db.Rollback(ctx)
	} else {
		err = s.db.RollbackTo(ctx, sc.savepoint)
	}
	for table := range sc.written {
		s.invalidate(ctx, table)
	}
	return err
}

func (s *Session) pop() (*scope, error) {
	if s.closed {
		return nil, rdb.ErrSessionClosed
	}
	if len(s.scopes) == 0 {
		return nil, errors.New("no transaction in progress")
	}
	sc := s.scopes[len(s.scopes)-1]
	s.scopes = s.scopes[:len(s.scopes)-1]
	return sc, nil
}

// WithTx 在事务作用域中执行 fn
//
// fn 返回 nil 时提交，返回错误或 panic 时回滚；错误原样返回，panic 继续抛出。
// 回滚失败只记录日志，不覆盖原始错误。
func (s *Session) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if err := s.Rollback(ctx); err != nil {
				s.logger.WarnContext(ctx, "rollback after panic failed", "error", err)
			}
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		if rerr := s.Rollback(ctx); rerr != nil {
			s.logger.WarnContext(ctx, "rollback failed", "error", rerr)
		}
		return err
	}

	return s.Commit(ctx)
}
