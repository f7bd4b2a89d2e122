package transpose

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Jeffail/shutdown"
	"github.com/sourcegraph/conc"
	"github.com/ygrebnov/errorc"
)

// Acceptor accepts inbound connections until shut down and runs one Receiver
// per connection. A failing connection never affects its siblings.
//
// Shutdown is either graceful (Kill: wait for the expected producers, let
// every connection drain, then finish the Collectors) or hard (Abort: close
// everything at once without finishing).
type Acceptor struct {
	l      net.Listener
	router *Router

	cfg *config
	log *slog.Logger
	m   instruments

	shutSig    *shutdown.Signaller
	acceptDone chan struct{}
	startOnce  sync.Once
	cancel     context.CancelFunc
	receivers  conc.WaitGroup
	lc         *lifecycleCoordinator

	// connection failures: receivers -> connErrs -> forwarder -> errs
	connErrs    chan error
	errs        chan error
	closeCh     chan struct{}
	forwarderWG sync.WaitGroup
	sendWG      sync.WaitGroup

	mu      sync.Mutex
	active  map[*Receiver]struct{}
	clients int
	// changed is closed and replaced whenever clients grows
	changed chan struct{}
	aborted bool
}

// NewAcceptor returns an Acceptor serving l. Call Start to begin accepting.
func NewAcceptor(l net.Listener, router *Router, opts ...Option) (*Acceptor, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if l == nil || router == nil {
		return nil, errorc.With(ErrInvalidConfig, errorc.String("", "acceptor requires a listener and a router"))
	}
	a := &Acceptor{
		l:          l,
		router:     router,
		cfg:        cfg,
		log:        cfg.Logger.With("component", "acceptor", "addr", l.Addr().String()),
		m:          newInstruments(cfg.Metrics),
		shutSig:    shutdown.NewSignaller(),
		acceptDone: make(chan struct{}),
		connErrs:   make(chan error, cfg.ErrorsBufferSize),
		errs:       make(chan error, cfg.ErrorsBufferSize),
		closeCh:    make(chan struct{}),
		active:     make(map[*Receiver]struct{}),
		changed:    make(chan struct{}),
	}
	a.lc = &lifecycleCoordinator{
		stopAccepting: a.stopAccepting,
		cancel: func() {
			if a.cancel != nil {
				a.cancel()
			}
		},
		acceptLoop:  func() { _ = a.waitAcceptLoop(context.Background()) },
		receivers:   &a.receivers,
		closeCh:     a.closeCh,
		forwarderWG: &a.forwarderWG,
		sendWG:      &a.sendWG,
		closeErrors: func() { close(a.errs) },
	}
	return a, nil
}

// Start launches the accept loop. Receivers run with a context derived from ctx.
func (a *Acceptor) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)

		fwd := newErrorForwarder(a.connErrs, a.errs, a.closeCh, &a.sendWG, func() { a.m.connDropped.Add(1) })
		a.forwarderWG.Add(1)
		go func() {
			defer a.forwarderWG.Done()
			fwd.run()
		}()

		go a.acceptLoop(ctx)
	})
}

// Errors delivers the error of every connection that failed. It is closed
// once the Acceptor has stopped; errors nobody reads by then are dropped.
func (a *Acceptor) Errors() <-chan error { return a.errs }

// Clients is the number of connections accepted so far.
func (a *Acceptor) Clients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clients
}

// Done is closed once the Acceptor has fully stopped.
func (a *Acceptor) Done() <-chan struct{} { return a.shutSig.HasStoppedChan() }

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (a *Acceptor) acceptLoop(ctx context.Context) {
	defer close(a.acceptDone)

	dl, hasDeadline := a.l.(deadliner)
	for !a.shutSig.IsSoftStopSignalled() {
		if hasDeadline {
			_ = dl.SetDeadline(time.Now().Add(a.cfg.AcceptTimeout))
		}
		conn, err := a.l.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if a.shutSig.IsSoftStopSignalled() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn("accept failed", "error", err)
			continue
		}
		a.spawn(ctx, conn)
	}
}

func (a *Acceptor) spawn(ctx context.Context, conn net.Conn) {
	r := newReceiver(conn, a.router, a.cfg)

	a.mu.Lock()
	if a.aborted {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.active[r] = struct{}{}
	a.clients++
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()

	a.m.connections.Add(1)
	r.log.Info("connection accepted")

	a.receivers.Go(func() {
		defer func() {
			a.mu.Lock()
			delete(a.active, r)
			a.mu.Unlock()
			a.m.connections.Add(-1)
			_ = conn.Close()
		}()
		if err := r.Run(ctx); err != nil {
			r.log.Warn("connection failed", "error", err)
			a.connErrs <- err
			return
		}
		r.log.Info("connection finished")
	})
}

// Kill shuts down gracefully. It waits until at least minClients connections
// were accepted, stops accepting, waits for every open connection to reach
// end of stream and then finishes every Collector of the router.
//
// ctx bounds the waits; when it expires the Acceptor keeps running and the
// caller may still Abort.
func (a *Acceptor) Kill(ctx context.Context, minClients int) error {
	for {
		a.mu.Lock()
		n, changed := a.clients, a.changed
		a.mu.Unlock()
		if n >= minClients {
			break
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.stopAccepting()
	if err := a.waitAcceptLoop(ctx); err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		a.receivers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := a.router.Finish(ctx)
	a.lc.Close()
	a.log.Info("acceptor stopped", "clients", a.Clients())
	a.shutSig.TriggerHasStopped()
	return err
}

// Abort shuts down immediately: every connection is closed and no Collector
// is finished.
func (a *Acceptor) Abort() {
	a.mu.Lock()
	a.aborted = true
	for r := range a.active {
		r.Kill()
	}
	a.mu.Unlock()

	a.shutSig.TriggerHardStop()
	a.lc.Close()

	a.log.Info("acceptor aborted", "clients", a.Clients())
	a.shutSig.TriggerHasStopped()
}

func (a *Acceptor) stopAccepting() {
	a.shutSig.TriggerSoftStop()
	// the accept timeout notices the signal; closing also unblocks listeners without deadlines
	_ = a.l.Close()
}

func (a *Acceptor) waitAcceptLoop(ctx context.Context) error {
	started := true
	a.startOnce.Do(func() {
		started = false
		close(a.acceptDone)
	})
	if !started {
		return nil
	}
	select {
	case <-a.acceptDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
