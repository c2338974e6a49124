package concurrent

import (
	"context"
	"time"

	"github.com/kasuganosora/versdb/pkg/log"
	"go.uber.org/zap"
)

// DrainHandler applies one dequeued write while the table lock is held.
type DrainHandler func(table string, w *PendingWrite) error

// Drainer is the background consumer of a table's pending queue. Items
// are drained FIFO; the lock is re-acquired per item so foreground
// writers interleave fairly.
type Drainer struct {
	basePath string
	table    string
	handler  DrainHandler
	interval time.Duration
	timeout  time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewDrainer 创建队列消费者
func NewDrainer(basePath, table string, handler DrainHandler) *Drainer {
	return &Drainer{
		basePath: basePath,
		table:    table,
		handler:  handler,
		interval: 200 * time.Millisecond,
		timeout:  5 * time.Second,
	}
}

// Start launches the consumer goroutine.
func (d *Drainer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.drainOnce()
			}
		}
	}()
}

// Stop halts the consumer and waits for the in-flight item.
func (d *Drainer) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// DrainAll synchronously drains until the queue is empty, used on
// shutdown and by tests.
func (d *Drainer) DrainAll() error {
	for {
		processed, err := d.processNext()
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

func (d *Drainer) drainOnce() {
	for {
		processed, err := d.processNext()
		if err != nil {
			log.L().Warn("queue drain failed",
				zap.String("table", d.table), zap.Error(err))
			return
		}
		if !processed {
			return
		}
	}
}

// processNext handles one item under the table lock. Returns false when
// the queue is empty.
func (d *Drainer) processNext() (bool, error) {
	id, w, ok, err := NextPending(d.basePath, d.table)
	if err != nil || !ok {
		return false, err
	}

	lock, err := AcquireLock(d.basePath, d.table, d.timeout)
	if err != nil {
		return false, err
	}
	defer lock.Release()

	if err := d.handler(d.table, w); err != nil {
		return false, err
	}
	return true, Remove(d.basePath, d.table, id)
}
