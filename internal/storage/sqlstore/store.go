package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/storage"
)

// queryer 同时由 *sql.DB 与 *sql.Tx 实现。
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store 是基于 database/sql 的 storage.Store 实现。
type Store struct {
	*conn
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open 建立连接并执行嵌入的迁移脚本。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dialect, err := cfg.dialect()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "数据库配置无效")
	}
	db, err := openDatabase(ctx, dialect, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开数据库失败")
	}
	if err := runMigrations(ctx, db, dialect); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行数据库迁移失败")
	}
	return &Store{conn: &conn{q: db, dialect: dialect}, db: db}, nil
}

// Dialect 返回当前连接的数据库方言。
func (s *Store) Dialect() Dialect { return s.dialect }

// Atomic 在数据库事务中执行 fn。
func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&conn{q: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Close 释放连接池。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func storageErr(err error, action string) error {
	if err == nil {
		return nil
	}
	if isDuplicate(err) {
		return xerrors.Wrap(storage.CodeDuplicateRecord, err, action)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, action)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("%s失败", action))
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// placeholders 生成 n 个以逗号分隔的占位符。
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
