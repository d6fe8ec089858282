// Package server runs the network table: one goroutine owns the tree, the
// subscription table and every endpoint, and services them as they become
// readable.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/UBCSailbot/network-table/proto"
	"github.com/UBCSailbot/network-table/store"
	"github.com/UBCSailbot/network-table/transport"
)

const DefaultAdmitTimeout = 30 * time.Second

// ErrStopped is returned by View once Run has returned.
var ErrStopped = errors.New("server stopped")

type Config struct {
	// Addr is the rendezvous address clients send "connect" to.
	Addr string

	// SendHWM bounds the frames queued to one slow client before further
	// replies and notifications to it are dropped.
	SendHWM int

	// RateLimit is the number of requests per second accepted from one
	// connection, with bursts of RateBurst. Zero means no limit.
	RateLimit float64
	RateBurst int

	// AdmitTimeout is how long an admitted endpoint may go undialed before
	// it is released.
	AdmitTimeout time.Duration

	// Registerer receives the server's metrics. Nil means none are
	// registered anywhere.
	Registerer prometheus.Registerer
}

type Server struct {
	cfg    Config
	ln     transport.Listener
	alloc  *transport.Allocator
	poller *transport.Poller
	met    *metrics

	// Owned by the Run goroutine.
	tree    *store.Tree
	subs    subscriptions
	conns   map[transport.Pollable]*conn
	pending map[*conn]struct{}
	reaper  *time.Timer

	tasks chan func(*store.Tree)
	done  chan struct{}
}

// New binds the rendezvous address. Call Run to start serving.
func New(cfg Config) (*Server, error) {
	if cfg.SendHWM <= 0 {
		cfg.SendHWM = transport.DefaultHWM
	}
	if cfg.AdmitTimeout <= 0 {
		cfg.AdmitTimeout = DefaultAdmitTimeout
	}
	alloc, err := transport.NewAllocator(cfg.Addr)
	if err != nil {
		return nil, err
	}
	ln, err := transport.Listen(cfg.Addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		ln:      ln,
		alloc:   alloc,
		poller:  transport.NewPoller(),
		met:     newMetrics(cfg.Registerer),
		tree:    store.New(),
		subs:    make(subscriptions),
		conns:   make(map[transport.Pollable]*conn),
		pending: make(map[*conn]struct{}),
		tasks:   make(chan func(*store.Tree)),
		done:    make(chan struct{}),
	}
	// The rendezvous is always the first member, so it comes first in
	// every ready snapshot.
	s.poller.Add(ln)
	return s, nil
}

// Addr returns the rendezvous address, with any ephemeral port resolved.
func (s *Server) Addr() string { return s.ln.Addr() }

// Run serves until ctx is done, then releases every endpoint.
func (s *Server) Run(ctx context.Context) error {
	defer s.shutdown()
	glog.V(1).Infof("serving at %s", s.Addr())
	for {
		ready := s.poller.Ready()
		if len(ready) == 0 {
			select {
			case <-s.poller.C():
			case f := <-s.tasks:
				f(s.tree)
			case now := <-s.reapC():
				s.reap(now)
			case <-ctx.Done():
				return nil
			}
			continue
		}
		s.wake(ctx, ready)

		// Don't let a busy poll set starve View or the reaper.
		select {
		case f := <-s.tasks:
			f(s.tree)
		case now := <-s.reapC():
			s.reap(now)
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// View runs fn against the tree on the serving goroutine. fn must not
// retain the tree; nodes it reads are immutable and may be kept.
func (s *Server) View(ctx context.Context, fn func(*store.Tree)) error {
	ran := make(chan struct{})
	task := func(t *store.Tree) {
		defer close(ran)
		fn(t)
	}
	select {
	case s.tasks <- task:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// wake services one snapshot of ready members. Members released while
// handling the snapshot are skipped; nothing is handled twice.
func (s *Server) wake(ctx context.Context, ready []transport.Pollable) {
	for _, p := range ready {
		if p == transport.Pollable(s.ln) {
			s.admit(ctx)
			continue
		}
		if c, ok := s.conns[p]; ok {
			s.serve(ctx, c)
		}
	}
}

func (s *Server) admit(ctx context.Context) {
	req, err := s.ln.Accept(ctx)
	if err != nil {
		return
	}
	if !proto.IsControl(req.Body, proto.Connect) {
		glog.Warningf("rendezvous: unknown request %q", req.Body)
		s.met.dropped.WithLabelValues("unknown").Inc()
		req.Reply([]byte(proto.UnknownRequest(req.Body)))
		return
	}

	ep, err := s.alloc.Bind(transport.WithHWM(s.cfg.SendHWM))
	if err != nil {
		glog.Errorf("admit: %v", err)
		req.Reply([]byte("error " + err.Error()))
		return
	}
	c := newConn(ep, s.cfg.RateLimit, s.cfg.RateBurst)
	s.conns[ep] = c
	s.poller.Add(ep)
	s.met.connections.Inc()

	if err := req.Reply([]byte(ep.Addr())); err != nil {
		glog.Warningf("admit %s: %v", c, err)
		s.release(c)
		return
	}
	s.pending[c] = struct{}{}
	if s.reaper == nil {
		s.reaper = time.NewTimer(s.cfg.AdmitTimeout)
	}
	glog.V(1).Infof("admitted %s", c)
}

// serve reads and dispatches one frame from c.
func (s *Server) serve(ctx context.Context, c *conn) {
	frame, err := c.ep.Recv(ctx)
	if errors.Is(err, transport.ErrClosed) {
		glog.V(1).Infof("%s hung up", c)
		s.release(c)
		return
	}
	if err != nil {
		return
	}
	if proto.IsControl(frame, proto.Disconnect) {
		glog.V(1).Infof("%s disconnected", c)
		s.release(c)
		return
	}

	req, err := proto.UnmarshalRequest(frame)
	if err != nil {
		glog.Warningf("%s: dropping request: %v", c, err)
		s.met.dropped.WithLabelValues("malformed").Inc()
		return
	}
	if !c.allow() {
		glog.Warningf("%s: rate limited, dropping %v %s", c, req.Verb, req.Path)
		s.met.dropped.WithLabelValues("rate").Inc()
		return
	}
	f, ok := ops[req.Verb]
	if !ok {
		glog.Warningf("%s: dropping unknown verb %v", c, req.Verb)
		s.met.dropped.WithLabelValues("unknown").Inc()
		return
	}
	s.met.requests.WithLabelValues(req.Verb.String()).Inc()
	glog.V(2).Infof("%s: tag %d %v %s", c, req.Tag, req.Verb, req.Path)
	f(&txn{s: s, c: c, req: req})
}

// send is best effort. A full or closed endpoint loses the frame; a closed
// one is released when the loop next sees it hung up.
func (s *Server) send(c *conn, frame []byte, what string) bool {
	err := c.ep.Send(frame)
	switch {
	case err == nil:
		return true
	case errors.Is(err, transport.ErrWouldBlock):
		glog.Warningf("%s: send queue full, dropping %s", c, what)
		s.met.dropped.WithLabelValues("hwm").Inc()
	case errors.Is(err, transport.ErrFrameSize):
		glog.Warningf("%s: dropping %s: %v", c, what, err)
		s.met.dropped.WithLabelValues("size").Inc()
	default:
		glog.V(1).Infof("%s: dropping %s: %v", c, what, err)
		s.met.dropped.WithLabelValues("closed").Inc()
	}
	return false
}

// release forgets c everywhere and frees its address.
func (s *Server) release(c *conn) {
	s.subs.drop(c)
	s.poller.Remove(c.ep)
	delete(s.conns, c.ep)
	delete(s.pending, c)
	if err := s.alloc.Release(c.ep); err != nil {
		glog.Warningf("release %s: %v", c, err)
	}
	s.met.connections.Dec()
}

// reapC fires when the oldest undialed endpoint is due. It is nil, and
// never fires, while nothing is pending.
func (s *Server) reapC() <-chan time.Time {
	if s.reaper == nil {
		return nil
	}
	return s.reaper.C
}

// reap releases endpoints nobody dialed in time and rearms the timer for
// the rest.
func (s *Server) reap(now time.Time) {
	var next time.Time
	for c := range s.pending {
		switch {
		case c.ep.Peered():
			delete(s.pending, c)
		case now.Sub(c.admitted) >= s.cfg.AdmitTimeout:
			glog.Warningf("%s: never dialed, releasing", c)
			s.met.dropped.WithLabelValues("undialed").Inc()
			s.release(c)
		default:
			if d := c.admitted.Add(s.cfg.AdmitTimeout); next.IsZero() || d.Before(next) {
				next = d
			}
		}
	}
	if next.IsZero() {
		s.reaper = nil
		return
	}
	s.reaper.Reset(next.Sub(now))
}

func (s *Server) shutdown() {
	close(s.done)
	if s.reaper != nil {
		s.reaper.Stop()
	}
	for _, c := range s.conns {
		s.release(c)
	}
	s.poller.Remove(s.ln)
	s.ln.Close()
	glog.V(1).Infof("stopped serving at %s", s.Addr())
}
