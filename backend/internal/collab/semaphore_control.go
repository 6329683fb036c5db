package collab

import (
	"context"
	"errors"
)

var ErrSemaphoreTimeout = errors.New("acquire reached time limit")
var ErrSemaphoreNotHeld = errors.New("release failed, semaphore is not acquired")

// SemaphoreControl 限制并发的存储写入 / kafka 发送数量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = 1
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrSemaphoreTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotHeld
	}
}
