// Package await bridges callback style completion into a blocking call with a
// timeout, returning either the delivered value or a timeout marker.
package await

import (
	"context"
	"time"
)

// Result 是一次等待的结果：要么拿到值，要么超时或被取消。
type Result[T any] struct {
	Value     T
	Delivered bool
	TimedOut  bool
	Cancelled bool
}

// Ok 表示值已送达。
func (r Result[T]) Ok() bool { return r.Delivered }

// Do 调用 start 并阻塞等待其通过 reply 回传一个值。reply 只有第一次调用有效，
// 超时后的回调被丢弃。timeout <= 0 时只受 ctx 约束。
func Do[T any](ctx context.Context, timeout time.Duration, start func(reply func(T))) Result[T] {
	slot := make(chan T, 1)
	reply := func(v T) {
		select {
		case slot <- v:
		default:
		}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	go start(reply)

	select {
	case v := <-slot:
		return Result[T]{Value: v, Delivered: true}
	case <-timer:
		return Result[T]{TimedOut: true}
	case <-ctx.Done():
		return Result[T]{Cancelled: true}
	}
}
