// Package scheduler holds not-yet-due tasks (delayed and recurring) in a
// sharded priority structure keyed by next-run time, releasing them to the
// queue manager when due.
package scheduler

import (
	"container/heap"
	"context"
	"log"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/runloom/taskengine/metrics"
)

// maxSleep bounds a shard's sleep so it periodically re-checks liveness
// even under clock skew or a missed wake-up signal.
const maxSleep = 90 * time.Minute

// Entry is one scheduled occurrence: a task due at DueUtc.
type Entry struct {
	TaskId    string
	QueueName string
	DueUtc    time.Time

	index int // heap bookkeeping
}

// Dispatch is called by a shard when an entry becomes due. It is the
// engine's hook to route the task back to the queue manager or recompute
// the next recurring occurrence; errors are logged and must not stop the
// shard.
type Dispatch func(ctx context.Context, entry Entry) error

type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].DueUtc.Before(h[j].DueUtc) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*Entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type shard struct {
	mu   sync.Mutex
	heap entryHeap
	wake chan struct{}
}

func newShard() *shard {
	return &shard{wake: make(chan struct{}, 1)}
}

func (s *shard) push(e *Entry) {
	s.mu.Lock()
	heap.Push(&s.heap, e)
	earliest := s.heap[0] == e
	s.mu.Unlock()
	if earliest {
		s.signalWake()
	}
}

func (s *shard) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) peek() (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return nil, false
	}
	return s.heap[0], true
}

func (s *shard) popIfEarliestIs(e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 || s.heap[0] != e {
		return false
	}
	heap.Pop(&s.heap)
	return true
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// fnvHash reproduces the sharding hash used across the engine's
// consistent-hashing surfaces, so a given task id always lands on the same
// shard.
func fnvHash(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h *= 16777619
		h ^= uint32(s[i])
	}
	return h
}

// Scheduler holds S independent shards, each with its own loop goroutine
// and wake-up channel. A shard's failure (a panic-free dispatch error) is
// isolated: it is logged and the shard continues.
type Scheduler struct {
	shards   []*shard
	dispatch Dispatch

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// DefaultShardCount returns max(4, cpuCount), per spec.
func DefaultShardCount() int {
	n := runtime.NumCPU()
	if n < 4 {
		return 4
	}
	return n
}

// New builds a Scheduler with shardCount shards (DefaultShardCount() if
// <= 0) and starts their loops. dispatch is invoked when an entry becomes
// due; it must be safe for concurrent use across shards.
func New(shardCount int, dispatch Dispatch) *Scheduler {
	if shardCount <= 0 {
		shardCount = DefaultShardCount()
	}
	s := &Scheduler{
		shards:   make([]*shard, shardCount),
		dispatch: dispatch,
		stop:     make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	for i := range s.shards {
		s.wg.Add(1)
		go s.runShard(i)
	}
	return s
}

func (s *Scheduler) shardFor(taskId string) *shard {
	return s.shards[fnvHash(taskId)%uint32(len(s.shards))]
}

// Schedule places a task's next occurrence on its shard. due is the
// absolute fire time; an explicit nextRecurringRun supersedes the task's
// base ExecuteAt, per spec.
func (s *Scheduler) Schedule(taskId, queueName string, due time.Time) {
	sh := s.shardFor(taskId)
	sh.push(&Entry{TaskId: taskId, QueueName: queueName, DueUtc: due})
	s.updatePendingMetric(taskId, sh)
}

func (s *Scheduler) updatePendingMetric(taskId string, sh *shard) {
	for i, candidate := range s.shards {
		if candidate == sh {
			metrics.SchedulerPending.WithLabelValues(shardLabel(i)).Set(float64(sh.len()))
			return
		}
	}
	_ = taskId
}

func shardLabel(i int) string {
	return strconv.Itoa(i)
}

func (s *Scheduler) runShard(index int) {
	defer s.wg.Done()
	sh := s.shards[index]
	label := shardLabel(index)

	for {
		entry, ok := sh.peek()
		if !ok {
			select {
			case <-sh.wake:
				continue
			case <-s.stop:
				return
			}
		}

		delay := time.Until(entry.DueUtc)
		if delay <= 0 {
			if sh.popIfEarliestIs(entry) {
				metrics.SchedulerPending.WithLabelValues(label).Set(float64(sh.len()))
				if err := s.dispatch(context.Background(), *entry); err != nil {
					log.Printf("[scheduler] shard %d: dispatch %s failed: %v", index, entry.TaskId, err)
				}
			}
			continue
		}

		if delay > maxSleep {
			delay = maxSleep
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-sh.wake:
			timer.Stop()
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// Stop halts every shard loop. In-heap entries are abandoned; it is the
// caller's responsibility to re-derive them from storage on the next
// recovery pass.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
