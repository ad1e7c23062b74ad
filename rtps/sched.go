package rtps

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Task is a scheduled callback. A Task is either one-shot (After) or
// periodic (Every).
type Task struct {
	s         *Scheduler
	fn        func()
	at        time.Time
	period    time.Duration
	seq       uint64 // tie breaker, keeps FIFO order for equal deadlines
	heapIndex int    // -1 when not queued
}

// Cancel removes the task. Cancelling a task that already ran or was
// already cancelled is a no-op.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.heapIndex >= 0 {
		heap.Remove(&t.s.queue, t.heapIndex)
	}
	t.period = 0
}

// Scheduler runs timed protocol work (heartbeats, response delays,
// announcements, lease checks) from a single goroutine.
type Scheduler struct {
	clock clock.Clock

	mu    sync.Mutex
	queue taskQueue
	seq   uint64
	wake  chan struct{}
}

func NewScheduler(clk clock.Clock) *Scheduler {
	s := &Scheduler{
		clock: clk,
		wake:  make(chan struct{}, 1),
	}
	heap.Init(&s.queue)
	return s
}

// After runs fn once, d from now.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	return s.add(d, 0, fn)
}

// Every runs fn every period, the first time one period from now.
func (s *Scheduler) Every(period time.Duration, fn func()) *Task {
	if period <= 0 {
		panic("rtps: non-positive scheduler period")
	}
	return s.add(period, period, fn)
}

func (s *Scheduler) add(d, period time.Duration, fn func()) *Task {
	s.mu.Lock()
	s.seq++
	t := &Task{
		s:      s,
		fn:     fn,
		at:     s.clock.Now().Add(d),
		period: period,
		seq:    s.seq,
	}
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t
}

// next pops the earliest task if it is due.
func (s *Scheduler) next(now time.Time) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 || s.queue[0].at.After(now) {
		return nil
	}
	t := heap.Pop(&s.queue).(*Task)
	if t.period > 0 {
		t.at = t.at.Add(t.period)
		if !t.at.After(now) {
			t.at = now.Add(t.period)
		}
		s.seq++
		t.seq = s.seq
		heap.Push(&s.queue, t)
	}
	return t
}

// RunDue runs every task whose deadline has passed and returns how many ran.
// Callbacks run without the scheduler lock held and may schedule or cancel tasks.
func (s *Scheduler) RunDue() int {
	now := s.clock.Now()
	n := 0
	for {
		t := s.next(now)
		if t == nil {
			return n
		}
		t.fn()
		n++
	}
}

// nextDeadline is how long until the earliest task is due.
func (s *Scheduler) nextDeadline() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0].at.Sub(s.clock.Now()), true
}

// Len is the number of queued tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run executes tasks as they come due until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.RunDue()

		d, ok := s.nextDeadline()
		if !ok {
			d = time.Hour
		}
		timer := s.clock.Timer(max(d, 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// heap.Interface

type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	t.heapIndex = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*q = old[:n-1]
	return t
}
