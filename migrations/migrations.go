// Package migrations 内嵌各数据库方言的建表脚本，供 cmd/migrate 使用。
package migrations

import (
	"embed"
	"fmt"
)

//go:embed postgres/*.sql mysql/*.sql
var files embed.FS

// Load 读取指定方言与方向的迁移脚本
func Load(dialect, action string) ([]byte, error) {
	switch dialect {
	case "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	switch action {
	case "up", "down":
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
	return files.ReadFile(fmt.Sprintf("%s/001_initial_schema.%s.sql", dialect, action))
}
