// SPDX-License-Identifier: Apache-2.0

// Package worker provides a tiny lifecycle manager for background goroutines.
package worker

import "sync"

// Worker owns a set of background goroutines that share a halt signal.
// The zero value is ready to use.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh chan struct{}
}

// Go runs fn in a new goroutine tracked by the Worker. fn must watch the
// channel returned by HaltCh and return when it is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt closes the halt channel and blocks until every goroutine started via
// Go has returned.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	close(w.haltCh)
	w.Wait()
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}
