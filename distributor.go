package transpose

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc"
	"github.com/ygrebnov/errorc"
	"go.uber.org/multierr"
)

// HostMap routes each file index to the "host:port" that stores it.
type HostMap map[uint64]string

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

func defaultDialer() Dialer { return &net.Dialer{Timeout: 5 * time.Second} }

// Distributor fans fragments out to their destination hosts. Every distinct
// host gets its own bounded queue and its own worker, so a slow or dead host
// never stalls the others.
type Distributor struct {
	hosts  HostMap
	queues map[string]*hostQueue

	cfg *config
	log *slog.Logger
	m   instruments
}

// NewDistributor builds one queue per distinct host of hosts. The map is
// copied; later changes to it have no effect.
func NewDistributor(hosts HostMap, opts ...Option) (*Distributor, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, errorc.With(ErrInvalidConfig, errorc.String("", "distributor requires at least one host"))
	}

	d := &Distributor{
		hosts:  make(HostMap, len(hosts)),
		queues: make(map[string]*hostQueue),
		cfg:    cfg,
		log:    cfg.Logger.With("component", "distributor"),
		m:      newInstruments(cfg.Metrics),
	}
	for file, host := range hosts {
		if host == "" {
			return nil, errorc.With(ErrInvalidConfig, errorc.String("file without host", u64(file)))
		}
		d.hosts[file] = host
		if _, ok := d.queues[host]; !ok {
			d.queues[host] = newHostQueue(cfg.QueueSize, cfg.QueueDropping)
		}
	}
	return d, nil
}

// Hosts lists the distinct destination hosts in sorted order.
func (d *Distributor) Hosts() []string {
	hosts := make([]string, 0, len(d.queues))
	for h := range d.queues {
		hosts = append(hosts, h)
	}
	slices.Sort(hosts)
	return hosts
}

// Append queues f for the host of its file. It reports false when f was
// discarded: the queue drops and is full, the queue is finished, or the
// host's worker has failed. Until it is written, f belongs to the Distributor.
func (d *Distributor) Append(f *Fragment) (bool, error) {
	host, ok := d.hosts[f.ID.FileIndex]
	if !ok {
		return false, errorc.With(ErrUnknownFile, errorc.String("file", u64(f.ID.FileIndex)))
	}
	if !d.queues[host].append(f) {
		d.m.sendDropped.Add(1)
		return false, nil
	}
	return true, nil
}

// Finish closes every queue. Workers write what is queued and then exit.
func (d *Distributor) Finish() {
	for _, q := range d.queues {
		q.close()
	}
}

// Run starts one worker per host and blocks until all of them exit. Worker
// failures are independent; Run returns them combined.
func (d *Distributor) Run(ctx context.Context) error {
	var (
		wg   conc.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for host, q := range d.queues {
		wg.Go(func() {
			if err := d.work(ctx, host, q); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errs
}

func (d *Distributor) work(ctx context.Context, host string, q *hostQueue) error {
	log := d.log.With("host", host)

	conn, err := d.dial(ctx, host, log)
	if err != nil {
		q.fail()
		log.Error("giving up on host", "error", err)
		return errorc.With(transport(err), errorc.String("host", host))
	}
	defer conn.Close()
	log.Info("connected")

	var sent int64
	for {
		select {
		case f, ok := <-q.items:
			if !ok {
				log.Info("queue drained", "sent", sent)
				return nil
			}
			start := time.Now()
			if err := f.WriteFrame(conn); err != nil {
				q.fail()
				log.Error("write failed", "error", err, "sent", sent)
				return errorc.With(transport(err), errorc.String("host", host))
			}
			d.m.writeSeconds.Record(time.Since(start).Seconds())
			d.m.sent.Add(1)
			sent++
		case <-ctx.Done():
			q.fail()
			return ctx.Err()
		}
	}
}

func (d *Distributor) dial(ctx context.Context, host string, log *slog.Logger) (net.Conn, error) {
	var conn net.Conn
	op := func() error {
		c, err := d.cfg.Dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("dial failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(d.cfg.DialBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// hostQueue is a bounded best-effort queue with a single consumer.
type hostQueue struct {
	items chan *Fragment
	drop  bool

	// dead is closed when the consumer gives up, releasing blocked producers
	dead     chan struct{}
	failOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

func newHostQueue(size uint, drop bool) *hostQueue {
	return &hostQueue{
		items: make(chan *Fragment, size),
		drop:  drop,
		dead:  make(chan struct{}),
	}
}

func (q *hostQueue) append(f *Fragment) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case <-q.dead:
		return false
	default:
	}

	if q.drop {
		select {
		case q.items <- f:
			return true
		default:
			return false
		}
	}

	select {
	case q.items <- f:
		return true
	case <-q.dead:
		return false
	}
}

func (q *hostQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
}

func (q *hostQueue) fail() {
	q.failOnce.Do(func() { close(q.dead) })
}
