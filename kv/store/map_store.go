package store

import "context"

// MapStore 基于 map 的存储，不做并发保护，关闭后所有操作返回 ErrClosed
type MapStore[K comparable, V any] struct {
	m map[K]V
}

func NewMapStoreWithOptions[K comparable, V any]() *MapStore[K, V] {
	return &MapStore[K, V]{
		m: make(map[K]V),
	}
}

func (s *MapStore[K, V]) Set(ctx context.Context, key K, value V, opts ...setOption) error {
	if s.m == nil {
		return ErrClosed
	}

	options := &setOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.IfNotExist {
		if _, exists := s.m[key]; exists {
			return ErrConditionFailed
		}
	}

	s.m[key] = value
	return nil
}

func (s *MapStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	if s.m == nil {
		return zero, ErrClosed
	}
	value, exists := s.m[key]
	if !exists {
		return zero, ErrKeyNotFound
	}
	return value, nil
}

func (s *MapStore[K, V]) Del(ctx context.Context, key K) error {
	if s.m == nil {
		return ErrClosed
	}
	delete(s.m, key)
	return nil
}

func (s *MapStore[K, V]) BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error) {
	if s.m == nil {
		return nil, ErrClosed
	}
	if len(keys) != len(vals) {
		return nil, ErrConditionFailed
	}

	options := &setOptions{}
	for _, opt := range opts {
		opt(options)
	}

	errs := make([]error, len(keys))
	for i, key := range keys {
		if options.IfNotExist {
			if _, exists := s.m[key]; exists {
				errs[i] = ErrConditionFailed
				continue
			}
		}
		s.m[key] = vals[i]
	}

	return errs, nil
}

func (s *MapStore[K, V]) DelFunc(ctx context.Context, fn func(key K, value V) bool) (int, error) {
	if s.m == nil {
		return 0, ErrClosed
	}
	n := 0
	for key, value := range s.m {
		if fn(key, value) {
			delete(s.m, key)
			n++
		}
	}
	return n, nil
}

func (s *MapStore[K, V]) Len() int {
	return len(s.m)
}

func (s *MapStore[K, V]) Close() error {
	s.m = nil
	return nil
}
