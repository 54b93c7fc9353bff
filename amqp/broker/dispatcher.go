// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/amqpd/queue"
)

// dispatcher moves ready messages from queues to their consumers. Each queue
// with consumers gets one worker goroutine.
type dispatcher struct {
	mgr    *queue.Manager
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*queueWorker
}

var _ queue.Dispatcher = (*dispatcher)(nil)

func newDispatcher(mgr *queue.Manager, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		mgr:     mgr,
		logger:  logger,
		workers: make(map[string]*queueWorker),
	}
}

// register adds c to its queue's worker, starting the worker if needed.
func (d *dispatcher) register(c *Consumer) {
	d.mu.Lock()
	w, ok := d.workers[c.Queue]
	if !ok {
		w = newQueueWorker(c.Queue, d.mgr, d.logger)
		d.workers[c.Queue] = w
		go w.run()
	}
	w.add(c)
	d.mu.Unlock()
	w.notify()
}

// unregister removes c and stops its queue's worker once it has no
// consumers left.
func (d *dispatcher) unregister(c *Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[c.Queue]
	if !ok {
		return
	}
	if w.remove(c) == 0 {
		delete(d.workers, c.Queue)
		w.stop()
	}
}

// Notify wakes the worker of queue. It never blocks.
func (d *dispatcher) Notify(queue string) {
	d.mu.Lock()
	w, ok := d.workers[queue]
	d.mu.Unlock()
	if ok {
		w.notify()
	}
}

// QueueDeleted cancels every consumer of queue.
func (d *dispatcher) QueueDeleted(queue string) {
	d.mu.Lock()
	w, ok := d.workers[queue]
	delete(d.workers, queue)
	d.mu.Unlock()
	if !ok {
		return
	}
	w.stop()
	for _, c := range w.snapshot() {
		c.ch.cancelByServer(c)
	}
}

// stop terminates every worker.
func (d *dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, w := range d.workers {
		w.stop()
		delete(d.workers, name)
	}
}

type queueWorker struct {
	queue  string
	mgr    *queue.Manager
	logger *slog.Logger

	mu        sync.Mutex
	consumers []*Consumer
	next      int

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newQueueWorker(name string, mgr *queue.Manager, logger *slog.Logger) *queueWorker {
	return &queueWorker{
		queue:    name,
		mgr:      mgr,
		logger:   logger,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (w *queueWorker) run() {
	// Ticker as fallback for notifications that raced with a consumer
	// becoming ready.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.notifyCh:
			w.dispatch()
		case <-ticker.C:
			w.dispatch()
		}
	}
}

func (w *queueWorker) notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *queueWorker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *queueWorker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// dispatch delivers until the queue is empty or no consumer is ready.
func (w *queueWorker) dispatch() {
	for !w.stopped() {
		c := w.pick()
		if c == nil {
			return
		}
		msg := w.mgr.Pop(w.queue)
		if msg == nil {
			return
		}
		c.ch.deliver(c, msg)
	}
}

// pick returns the next ready consumer in round-robin order.
func (w *queueWorker) pick() *Consumer {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.consumers)
	for i := 0; i < n; i++ {
		c := w.consumers[(w.next+i)%n]
		if c.Ready() {
			w.next = (w.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (w *queueWorker) add(c *Consumer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consumers = append(w.consumers, c)
}

func (w *queueWorker) remove(c *Consumer) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, cc := range w.consumers {
		if cc == c {
			w.consumers = append(w.consumers[:i], w.consumers[i+1:]...)
			break
		}
	}
	if w.next >= len(w.consumers) {
		w.next = 0
	}
	return len(w.consumers)
}

func (w *queueWorker) snapshot() []*Consumer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Consumer(nil), w.consumers...)
}
