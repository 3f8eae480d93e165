package workers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result is the outcome of one fan-out call.
type Result[T any] struct {
	Key   string
	Value T
	Err   error
}

// FanOut runs fn for every key on the pool and returns once all of them have
// finished or timed out. Results keep the order of keys. A call that exceeds
// timeout is reported with context.DeadlineExceeded; the others are
// unaffected. With a nil pool, or when the pool rejects a task, the call
// runs on the caller's goroutine instead.
func FanOut[T any](ctx context.Context, pool *Pool, keys []string, timeout time.Duration, fn func(ctx context.Context, key string) (T, error)) []Result[T] {
	results := make([]Result[T], len(keys))
	var wg sync.WaitGroup

	for i, key := range keys {
		i, key := i, key
		call := func() {
			defer wg.Done()
			results[i] = callWithTimeout(ctx, key, timeout, fn)
		}

		wg.Add(1)
		if pool == nil {
			call()
			continue
		}
		err := pool.SubmitFunc(func(context.Context) error {
			call()
			return results[i].Err
		})
		if err != nil {
			call()
		}
	}

	wg.Wait()
	return results
}

func callWithTimeout[T any](parent context.Context, key string, timeout time.Duration, fn func(context.Context, string) (T, error)) (res Result[T]) {
	res.Key = key
	ctx, cancel := parent, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	}
	defer cancel()

	done := make(chan Result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result[T]{Key: key, Err: &PanicError{Recovered: r}}
			}
		}()
		v, err := fn(ctx, key)
		done <- Result[T]{Key: key, Value: v, Err: err}
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		res.Err = fmt.Errorf("%s: %w", key, ctx.Err())
		return res
	}
}
