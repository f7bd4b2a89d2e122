package transpose

import (
	"sync"
)

type waiter interface{ Wait() }

// lifecycleCoordinator runs the final shutdown sequence of an Acceptor. It
// is a wiring helper: it doesn't own channels; it orchestrates the stop,
// the waits and the channel closures in a deterministic order.
//
// Close() is safe for concurrent calls; the sequence executes exactly once.
type lifecycleCoordinator struct {
	stopAccepting func()
	cancel        func()
	// acceptLoop must be gone before receivers is waited on, so no receiver is added late
	acceptLoop  func()
	receivers   waiter
	closeCh     chan struct{}
	forwarderWG *sync.WaitGroup
	sendWG      *sync.WaitGroup
	closeErrors func()

	once sync.Once
}

// Close executes the shutdown sequence exactly once:
// 1) stop accepting new connections
// 2) cancel the receivers' context
// 3) wait for the accept loop to exit
// 4) wait for every receiver to return
// 5) close closeCh to stop the error forwarder and its detached senders
// 6) wait forwarderWG and sendWG
// 7) close the outward errors channel
func (lc *lifecycleCoordinator) Close() {
	lc.once.Do(func() {
		if lc.stopAccepting != nil {
			lc.stopAccepting()
		}
		if lc.cancel != nil {
			lc.cancel()
		}
		if lc.acceptLoop != nil {
			lc.acceptLoop()
		}
		if lc.receivers != nil {
			lc.receivers.Wait()
		}
		if lc.closeCh != nil {
			close(lc.closeCh)
		}
		if lc.forwarderWG != nil {
			lc.forwarderWG.Wait()
		}
		if lc.sendWG != nil {
			lc.sendWG.Wait()
		}
		if lc.closeErrors != nil {
			lc.closeErrors()
		}
	})
}
