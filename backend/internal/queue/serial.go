package queue

import (
	"sync"

	"github.com/golang/glog"
)

// Serial：单 worker 的无界 FIFO 队列。
// - 提交方只负责入队，从不阻塞
// - 任务严格按提交顺序、一个接一个执行
// - Close 之后的任务直接丢弃
type Serial struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	done chan struct{}
}

func NewSerial(name string) *Serial {
	s := &Serial{name: name, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.workerLoop()
	return s
}

// Go 入队一个任务，队列已关闭时返回 false
func (s *Serial) Go(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks = append(s.tasks, fn)
	s.cond.Signal()
	return true
}

// Len 返回尚未开始执行的任务数
func (s *Serial) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close 停止接收新任务并丢弃未执行的任务；正在执行的任务不受影响。
// 可以在任务内部调用，不会死锁；需要等待 worker 退出时用 Done。
func (s *Serial) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if n := len(s.tasks); n > 0 {
		glog.V(1).Infof("queue %s closed, drop %d pending tasks", s.name, n)
	}
	s.tasks = nil
	s.cond.Broadcast()
}

func (s *Serial) Done() <-chan struct{} { return s.done }

func (s *Serial) workerLoop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.tasks) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		fn := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()

		s.run(fn)
	}
}

func (s *Serial) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("queue %s: task panic: %v", s.name, r)
		}
	}()
	fn()
}
