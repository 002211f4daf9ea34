package queue

import (
	"sync"

	"ordergate/internal/logger"
)

var queueLog = logger.With("queue")

// Serial runs tasks one at a time, in push order, on its own goroutine.
// Push never blocks, so it is safe to call from an order monitor.
type Serial struct {
	name string

	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(name string) *Serial {
	q := &Serial{
		name:   name,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.runLoop()
	return q
}

// Push queues task. It returns false once the queue is closed.
func (q *Serial) Push(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Close rejects further tasks, runs the ones already queued and waits for
// the loop to exit.
func (q *Serial) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stopCh)
	q.wg.Wait()
}

func (q *Serial) runLoop() {
	defer q.wg.Done()
	for {
		if task, ok := q.pop(); ok {
			q.run(task)
			continue
		}
		select {
		case <-q.wake:
		case <-q.stopCh:
			for {
				task, ok := q.pop()
				if !ok {
					return
				}
				q.run(task)
			}
		}
	}
}

func (q *Serial) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return task, true
}

func (q *Serial) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			queueLog.Errorf("%s task panic: %v", q.name, r)
		}
	}()
	task()
}
