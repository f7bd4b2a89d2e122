package transpose

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
)

// Receiver reads fragments from one inbound connection and routes each to
// the Collector of its file.
type Receiver struct {
	id     string
	remote string
	conn   net.Conn
	router *Router

	cfg *config
	log *slog.Logger
	m   instruments

	killed atomic.Bool
}

// NewReceiver wraps conn. The Receiver does nothing until Run.
func NewReceiver(conn net.Conn, router *Router, opts ...Option) (*Receiver, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newReceiver(conn, router, cfg), nil
}

func newReceiver(conn net.Conn, router *Router, cfg *config) *Receiver {
	id, remote := uuid.NewString(), conn.RemoteAddr().String()
	return &Receiver{
		id:     id,
		remote: remote,
		conn:   conn,
		router: router,
		cfg:    cfg,
		log:    cfg.Logger.With("component", "receiver", "conn", id, "remote", remote),
		m:      newInstruments(cfg.Metrics),
	}
}

// ID identifies the connection in logs.
func (r *Receiver) ID() string { return r.id }

// Run reads frames until the peer closes the connection, which returns nil.
//
// A transport failure or an unroutable file ends this connection only and is
// returned. A protocol violation is passed to the fatal handler before being
// returned. Every returned error is a ConnMetaError. Run does not close the
// connection.
func (r *Receiver) Run(ctx context.Context) error {
	var (
		f     Fragment
		count int64
	)
	for {
		if err := f.ReadFrame(r.conn); err != nil {
			if errors.Is(err, io.EOF) {
				r.log.Debug("connection closed by peer", "fragments", count)
				return nil
			}
			if r.killed.Load() {
				return nil
			}
			return r.tag(transport(err))
		}
		count++

		c, err := r.router.Route(f.ID.FileIndex)
		if err != nil {
			return r.tag(err)
		}
		if err := c.AddFragment(ctx, &f); err != nil {
			err = r.tag(err)
			if errors.Is(err, ErrProtocolViolation) {
				r.cfg.FatalHandler(err)
			}
			return err
		}
	}
}

func (r *Receiver) tag(err error) error { return newConnTaggedError(err, r.id, r.remote) }

// Kill aborts Run by closing the connection.
func (r *Receiver) Kill() {
	r.killed.Store(true)
	_ = r.conn.Close()
}
