package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hatlonely/rdbx/log"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Options SQLite 连接配置
type Options struct {
	// 数据库文件路径，:memory: 为内存库
	Path string `cfg:"path" def:":memory:" validate:"required"`

	// 写锁等待时间
	BusyTimeout time.Duration `cfg:"busyTimeout" def:"5s" validate:"gte=0"`

	// 日志模式，内存库会忽略 WAL
	JournalMode string `cfg:"journalMode" def:"WAL" validate:"omitempty,oneof=DELETE TRUNCATE PERSIST MEMORY WAL OFF"`

	// 是否为每条语句创建 tracing span
	EnableTracing bool `cfg:"enableTracing"`
}

// Row 查询结果中的一行，键为列标签
type Row map[string]any

// SQLite 单连接的 SQLite 存储
//
// 连接池只保留一个连接，事务进行中所有语句都走事务连接。
type SQLite struct {
	db     *sql.DB
	tx     *sql.Tx
	path   string
	logger log.Logger
	tracer trace.Tracer
}

// NewSQLiteWithOptions 打开数据库并设置 pragma
func NewSQLiteWithOptions(options *Options) (*SQLite, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	path := options.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "sql.Open failed, path: [%v]", path)
	}

	// 单连接，内存库的数据也依附在这个连接上
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "db.Ping failed")
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", options.BusyTimeout.Milliseconds()),
	}
	if options.JournalMode != "" {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA journal_mode = %s", options.JournalMode))
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to set pragma [%s]", pragma)
		}
	}

	s := &SQLite{
		db:     db,
		path:   path,
		logger: log.Nop(),
	}
	if options.EnableTracing {
		s.tracer = otel.Tracer("github.com/hatlonely/rdbx/rdb/database")
	}
	return s, nil
}

// SetLogger 设置日志器，语句以 debug 级别记录
func (s *SQLite) SetLogger(logger log.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Path 数据库路径
func (s *SQLite) Path() string {
	return s.path
}

// conn 当前语句使用的连接，事务中为事务本身
func (s *SQLite) conn() gorm.ConnPool {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Query 执行查询并读取所有行
func (s *SQLite) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	var rows []Row
	err := s.observe(ctx, "rdbx.query", query, args, func(ctx context.Context) error {
		rs, err := s.conn().QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rs.Close()

		for rs.Next() {
			row, err := scanRow(rs)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return rs.Err()
	})
	if err != nil {
		return nil, errors.Wrapf(err, "query failed, sql: [%s]", query)
	}
	return rows, nil
}

// Exec 执行写语句
func (s *SQLite) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.observe(ctx, "rdbx.exec", query, args, func(ctx context.Context) error {
		var err error
		result, err = s.conn().ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "exec failed, sql: [%s]", query)
	}
	return result, nil
}

// observe 记录语句日志，开启 tracing 时包一层 span
func (s *SQLite) observe(ctx context.Context, name string, statement string, args []any, fn func(context.Context) error) error {
	start := time.Now()

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, name,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", "sqlite"),
				attribute.String("db.statement", statement),
			),
		)
		defer span.End()
	}

	err := fn(ctx)
	duration := time.Since(start)

	if span != nil {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	if err != nil {
		s.logger.DebugContext(ctx, "statement failed", "sql", statement, "args", args, "duration", duration, "error", err)
	} else {
		s.logger.DebugContext(ctx, "statement", "sql", statement, "args", args, "duration", duration)
	}
	return err
}

// scanRow 把当前行读成 Row
func scanRow(rows *sql.Rows) (Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := rows.Scan(valuePtrs...); err != nil {
		return nil, err
	}

	row := make(Row, len(columns))
	for i, col := range columns {
		row[col] = values[i]
	}
	return row, nil
}

// Close 关闭数据库，未结束的事务会被回滚
func (s *SQLite) Close() error {
	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("rollback on close failed", "error", err)
		}
		s.tx = nil
	}
	return s.db.Close()
}
