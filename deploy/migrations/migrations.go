package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// files 按方言分目录保存 SQL 迁移文件。
//
//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// For 返回指定方言（mysql 或 sqlite）的迁移文件系统。
func For(dialect string) (fs.FS, error) {
	switch dialect {
	case "mysql", "sqlite":
		return fs.Sub(files, dialect)
	default:
		return nil, fmt.Errorf("不支持的数据库方言: %s", dialect)
	}
}
