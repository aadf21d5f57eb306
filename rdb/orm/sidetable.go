package orm

import (
	"context"

	"github.com/hatlonely/rdbx/kv/store"
	"github.com/hatlonely/rdbx/rdb/schema"
)

// relationKey 旁表键：实例所在表、主键、访问器
type relationKey struct {
	Table    string
	Key      any
	Accessor string
}

// relationEntry 已解析的关系值，Tables 为值所依赖的表
type relationEntry struct {
	Value  any
	Values []any
	Many   bool
	Tables []string
}

// sideTable 会话持有的关系缓存，实例本身不携带任何隐藏状态
type sideTable struct {
	store store.Store[relationKey, relationEntry]
}

func newSideTable() *sideTable {
	return &sideTable{store: store.NewMapStoreWithOptions[relationKey, relationEntry]()}
}

func (t *sideTable) get(ctx context.Context, key relationKey) (relationEntry, bool) {
	entry, err := t.store.Get(ctx, key)
	if err != nil {
		return relationEntry{}, false
	}
	return entry, true
}

func (t *sideTable) set(ctx context.Context, key relationKey, entry relationEntry) error {
	return t.store.Set(ctx, key, entry)
}

func (t *sideTable) setAll(ctx context.Context, keys []relationKey, entries []relationEntry) error {
	_, err := t.store.BatchSet(ctx, keys, entries)
	return err
}

// invalidate 删除实例表或依赖表为 table 的条目
func (t *sideTable) invalidate(ctx context.Context, table string) int {
	n, _ := t.store.DelFunc(ctx, func(key relationKey, entry relationEntry) bool {
		if key.Table == table {
			return true
		}
		for _, dep := range entry.Tables {
			if dep == table {
				return true
			}
		}
		return false
	})
	return n
}

func (t *sideTable) close() {
	_ = t.store.Close()
}

// relationTables 关系值依赖的表，多对多包含中间表
func relationTables(rel *schema.Relation) []string {
	if rel.Junction != "" {
		return []string{rel.Target.Table, rel.Junction}
	}
	return []string{rel.Target.Table}
}
