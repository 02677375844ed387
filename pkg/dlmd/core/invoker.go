package core

import "sync"

// Invoker spawns a function as a tracked goroutine. Connection
// acceptors, kernel-write completions, and the uevent listener all go
// through an Invoker instead of a bare "go" statement, the same
// indirection pkg/mcast/core/peer.go uses (p.invoker.Spawn(p.poll)) so
// that tests can wait for every spawned goroutine to exit.
type Invoker interface {
	Spawn(f func())
}

// WaitGroupInvoker is the production Invoker: it spawns f on a new
// goroutine and tracks it on a sync.WaitGroup so Wait can block until
// every spawned goroutine has returned; Daemon.Wait uses it at
// shutdown and waits without a timeout.
type WaitGroupInvoker struct {
	wg sync.WaitGroup
}

// NewWaitGroupInvoker returns a ready WaitGroupInvoker.
func NewWaitGroupInvoker() *WaitGroupInvoker {
	return &WaitGroupInvoker{}
}

// Spawn runs f on a new goroutine tracked by the invoker's WaitGroup.
func (w *WaitGroupInvoker) Spawn(f func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		f()
	}()
}

// Wait blocks until every goroutine spawned through Spawn has
// returned.
func (w *WaitGroupInvoker) Wait() {
	w.wg.Wait()
}

var _ Invoker = (*WaitGroupInvoker)(nil)
