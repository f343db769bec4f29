package async

import (
	"context"
	"sync"
)

// Future 代表一个异步计算的结果。
type Future[T any] struct {
	result T
	err    error
	done   chan struct{}
	once   sync.Once
}

// NewFuture 异步执行 fn 并返回可等待的 Future。
// fn 接收调用方传入的 ctx，由调用方负责取消。
func NewFuture[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{
		done: make(chan struct{}),
	}
	SafeGo(func() {
		defer f.once.Do(func() { close(f.done) })
		res, err := fn(ctx)
		f.result = res
		f.err = err
	})
	return f
}

// Get 阻塞等待计算完成并返回结果。
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.done:
		return f.result, f.err
	}
}
