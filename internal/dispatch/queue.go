package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// job is one delivery attempt. settle runs on the lane goroutine after run
// returns and before the job's id is released for resubmission.
type job struct {
	id     string
	run    func(ctx context.Context) error
	settle func(err error)
}

// lane is the serialized execution lane of one device. A single goroutine
// consumes an unbounded FIFO, so jobs never overlap and keep submission order.
type lane struct {
	device pubkey.DeviceID

	mu          sync.Mutex
	queue       []job
	outstanding map[string]struct{}
	closed      bool

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

func newLane(ctx context.Context, device pubkey.DeviceID) *lane {
	l := &lane{
		device:      device,
		outstanding: make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go l.loop(ctx)
	return l
}

// submitIfAbsent enqueues j unless a job with the same id is queued or
// running. Reports whether j was enqueued.
func (l *lane) submitIfAbsent(j job) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if _, ok := l.outstanding[j.id]; ok {
		l.mu.Unlock()
		return false
	}
	l.outstanding[j.id] = struct{}{}
	l.queue = append(l.queue, j)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// isOutstanding reports whether id is queued or running on this lane.
func (l *lane) isOutstanding(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.outstanding[id]
	return ok
}

func (l *lane) loop(ctx context.Context) {
	defer close(l.stopped)
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-l.stop:
				return
			}
		}
		j := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		err := runJob(ctx, j)
		if j.settle != nil {
			j.settle(err)
		}

		l.mu.Lock()
		delete(l.outstanding, j.id)
		l.mu.Unlock()
	}
}

// runJob turns a panicking job into a failed one so the lane keeps serving.
func runJob(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: job %s panicked: %v\n%s", j.id, r, debug.Stack())
		}
	}()
	return j.run(ctx)
}

// close stops the lane after its current job. Queued jobs are discarded;
// their messages are still staged.
func (l *lane) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.stopped
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.stop)
	<-l.stopped
}

// lanes is the per-process arena of device lanes. Lanes are created on first
// use and live until close.
type lanes struct {
	ctx context.Context

	mu      sync.Mutex
	byID    map[pubkey.DeviceID]*lane
	onNew   func()
	stopped bool
}

func newLanes(ctx context.Context, onNew func()) *lanes {
	return &lanes{ctx: ctx, byID: make(map[pubkey.DeviceID]*lane), onNew: onNew}
}

// get returns the lane of device, creating it atomically. Returns nil after close.
func (ls *lanes) get(device pubkey.DeviceID) *lane {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.stopped {
		return nil
	}
	if l, ok := ls.byID[device]; ok {
		return l
	}
	l := newLane(ls.ctx, device)
	ls.byID[device] = l
	if ls.onNew != nil {
		ls.onNew()
	}
	return l
}

func (ls *lanes) len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.byID)
}

func (ls *lanes) close() {
	ls.mu.Lock()
	ls.stopped = true
	all := make([]*lane, 0, len(ls.byID))
	for _, l := range ls.byID {
		all = append(all, l)
	}
	ls.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.close()
		}()
	}
	wg.Wait()
}
