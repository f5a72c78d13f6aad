package collab

import (
	"context"
	"errors"
)

var DefaultSemaphoreSize = 100

var ErrSemaphoreTimeout = errors.New("Acquire Reach time limit")

type SemaphoreControl struct {
	ch chan struct{}
}

// size <= 0 时使用 DefaultSemaphoreSize
func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
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
		return errors.New("Release Failed, semaphore is not acquired")
	}
}

// InUse 当前已占用的数量
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
