// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"
	"sync"
)

// defaultWorkerQueue is how many jobs can wait for the worker before submit
// blocks.
const defaultWorkerQueue = 8

// worker runs jobs one at a time on a single background goroutine, so at most
// one network operation is in flight per Orchestrator.  Jobs still queued when
// the worker stops are dropped.
type worker struct {
	jobs chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newWorker(queue int) *worker {
	w := &worker{
		jobs: make(chan func(), queue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case fn := <-w.jobs:
			select {
			case <-w.quit:
				return
			default:
			}
			fn()
		}
	}
}

// submit queues fn.  It blocks while the queue is full and fails once the
// worker is stopped.
func (w *worker) submit(fn func()) error {
	const op = "worker.submit"
	select {
	case <-w.quit:
		return fmt.Errorf("%s: %w", op, ErrDisposed)
	default:
	}
	select {
	case <-w.quit:
		return fmt.Errorf("%s: %w", op, ErrDisposed)
	case w.jobs <- fn:
		return nil
	}
}

// stop signals the worker and waits for the running job, if any, to return.
func (w *worker) stop() {
	w.once.Do(func() { close(w.quit) })
	<-w.done
}

// stopped is closed once the worker has exited.
func (w *worker) stopped() <-chan struct{} {
	return w.done
}
