package inspector

import (
	"context"
	"sync"

	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/metrics"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// job is one unit of background work. ctx is cancelled when the session
// disconnects.
type job func(ctx context.Context)

// dispatcher runs jobs on a fixed set of workers fed by a bounded queue, so
// the UI thread never blocks on the service.
type dispatcher struct {
	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	log    zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func newDispatcher(workers, capacity int, log zerolog.Logger) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		queue:  make(chan job, capacity),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
	for i := 0; i < workers; i++ {
		d.wg.Go(func() { d.worker(i) })
	}
	return d
}

// Submit queues j without blocking.
func (d *dispatcher) Submit(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrNotConnected
	}
	select {
	case d.queue <- j:
		metrics.SetDispatchQueueDepth(len(d.queue))
		return nil
	default:
		metrics.RecordDispatchRejected()
		return ErrQueueFull
	}
}

func (d *dispatcher) worker(id int) {
	d.log.Trace().Int("worker_id", id).Msg("dispatch worker started")
	for j := range d.queue {
		metrics.SetDispatchQueueDepth(len(d.queue))
		d.run(j)
	}
	d.log.Trace().Int("worker_id", id).Msg("dispatch worker stopped")
}

func (d *dispatcher) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("background job panicked")
		}
	}()
	j(d.ctx)
}

// Close cancels the job context, lets queued jobs observe the cancellation
// and waits for every worker to exit.
func (d *dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cancel()
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	metrics.SetDispatchQueueDepth(0)
}
