package store

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrConditionFailed = errors.New("condition failed")
	ErrClosed          = errors.New("store closed")
)

// setOptions 用于设置 KV 数据时的选项
type setOptions struct {
	IfNotExist bool
}

// setOption 用于设置 KV 数据时的选项
type setOption func(*setOptions)

func WithIfNotExist() setOption {
	return func(options *setOptions) {
		options.IfNotExist = true
	}
}

// Store KV 存储接口
type Store[K, V any] interface {
	// Set 设置键值对，WithIfNotExist 时键存在则返回 ErrConditionFailed
	Set(ctx context.Context, key K, value V, opts ...setOption) error
	// Get 获取键对应的值，键不存在时返回 ErrKeyNotFound
	Get(ctx context.Context, key K) (V, error)
	// Del 删除键，键不存在时也返回成功
	Del(ctx context.Context, key K) error
	// BatchSet 批量设置，返回每个键的操作结果
	BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error)
	// DelFunc 删除所有满足条件的键，返回删除数量
	DelFunc(ctx context.Context, fn func(key K, value V) bool) (int, error)
	// Len 键的数量
	Len() int
	Close() error
}
