package transpose

import "sync"

// errorForwarder moves connection failures from the receivers (in) to the
// Acceptor's outward errors channel (out). A receiver never waits for a
// reader of out: when out is not immediately writable the error goes to a
// detached sender tracked by sendWG, which delivers it later or drops it on
// closeCh. After closeCh is closed the forwarder drains in and exits.
//
// The owner controls lifecycle: errorForwarder does not close any channels.
type errorForwarder struct {
	in      <-chan error
	out     chan<- error
	closeCh <-chan struct{}
	sendWG  *sync.WaitGroup
	dropped func()
}

func newErrorForwarder(in <-chan error, out chan<- error, closeCh <-chan struct{}, sendWG *sync.WaitGroup, dropped func()) *errorForwarder {
	return &errorForwarder{in: in, out: out, closeCh: closeCh, sendWG: sendWG, dropped: dropped}
}

func (f *errorForwarder) run() {
	for {
		select {
		case e := <-f.in:
			select {
			case f.out <- e:
			default:
				f.sendWG.Add(1)
				go func(err error) {
					defer f.sendWG.Done()
					select {
					case f.out <- err:
					case <-f.closeCh:
						f.drop()
					}
				}(e)
			}
		case <-f.closeCh:
			for {
				select {
				case <-f.in:
					f.drop()
				default:
					return
				}
			}
		}
	}
}

func (f *errorForwarder) drop() {
	if f.dropped != nil {
		f.dropped()
	}
}
