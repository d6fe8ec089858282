package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/UBCSailbot/network-table/proto"
	"github.com/UBCSailbot/network-table/store"
	"github.com/UBCSailbot/network-table/transport"
)

type op int

const (
	opSend op = iota
	opCall
	opForget
	opSubscribe
	opUnsubscribe
	opDisconnect
)

type result struct {
	reply *proto.Reply
	err   error
}

// message is what the foreground hands the background goroutine. res has
// room for exactly one result.
type message struct {
	op      op
	req     *proto.Request
	handler Handler
	res     chan result
}

// session is one connection's background goroutine and everything it
// owns. Only msgs and done are touched from outside.
type session struct {
	addr      string
	connected *atomic.Bool
	msgs      chan *message
	done      chan struct{}

	ep       transport.Endpoint
	handlers map[string]Handler
	pending  map[int32]*message
}

func newSession(addr string, connected *atomic.Bool) *session {
	return &session{
		addr:      addr,
		connected: connected,
		msgs:      make(chan *message),
		done:      make(chan struct{}),
		handlers:  make(map[string]Handler),
		pending:   make(map[int32]*message),
	}
}

// run connects, reports the outcome on up, and then serves until
// disconnected or the server goes away.
func (s *session) run(ctx context.Context, up chan<- error) {
	defer close(s.done)
	ep, err := handshake(ctx, s.addr)
	if err != nil {
		up <- err
		return
	}
	s.ep = ep
	s.connected.Store(true)
	glog.V(1).Infof("connected to %s via %s", s.addr, ep.Addr())
	up <- nil
	s.loop()
}

func handshake(ctx context.Context, addr string) (transport.Endpoint, error) {
	var ep transport.Endpoint
	attempt := func() error {
		body, err := transport.Call(ctx, addr, []byte(proto.Connect))
		if errors.Is(err, transport.ErrBadAddr) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		if bytes.HasPrefix(body, []byte("error")) {
			return fmt.Errorf("server refused: %s", body)
		}
		ep, err = transport.Dial(ctx, string(body))
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		glog.V(1).Infof("connect %s: %v; retrying in %v", addr, err, d)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxErr(ctx)
		}
		return nil, err
	}
	return ep, nil
}

func (s *session) loop() {
	p := transport.NewPoller()
	p.Add(s.ep)
	for {
		select {
		case m := <-s.msgs:
			if m.op == opDisconnect {
				s.close(true)
				return
			}
			s.handle(m)
		case <-p.C():
			if !s.receive() {
				s.close(false)
				return
			}
		}
	}
}

func (s *session) handle(m *message) {
	if m.op == opForget {
		delete(s.pending, m.req.Tag)
		return
	}

	path := store.Clean(m.req.Path)
	prev, had := s.handlers[path]
	switch m.op {
	case opSubscribe:
		s.handlers[path] = m.handler
	case opUnsubscribe:
		delete(s.handlers, path)
	}

	if err := s.ep.Send(proto.MarshalRequest(m.req)); err != nil {
		// The server never heard of it, so its view of our
		// subscriptions is unchanged and so is ours.
		switch {
		case m.op != opSubscribe && m.op != opUnsubscribe:
		case had:
			s.handlers[path] = prev
		default:
			delete(s.handlers, path)
		}
		m.res <- result{err: fmt.Errorf("%w: %w", ErrTimeout, err)}
		return
	}
	if m.op == opCall {
		s.pending[m.req.Tag] = m
		return
	}
	m.res <- result{}
}

// receive handles every frame waiting on the endpoint. It returns false
// once the server has hung up.
func (s *session) receive() bool {
	for s.ep.Readable() {
		frame, err := s.ep.Recv(context.Background())
		if err != nil {
			return false
		}
		s.dispatch(frame)
	}
	return true
}

func (s *session) dispatch(frame []byte) {
	r, err := proto.UnmarshalReply(frame)
	if err != nil {
		glog.Warningf("%s: dropping reply: %v", s.addr, err)
		return
	}
	if r.Type == proto.SubscribeReply {
		h, ok := s.handlers[store.Clean(r.Path)]
		if !ok {
			// Unsubscribed while this was in flight.
			glog.V(1).Infof("%s: dropping notification for %s", s.addr, r.Path)
			return
		}
		s.notify(h, r.Path, r.Value)
		return
	}

	m, ok := s.pending[r.Tag]
	if !ok && r.Tag == 0 {
		m, ok = s.oldest()
	}
	if !ok {
		glog.V(1).Infof("%s: dropping %v reply with tag %d", s.addr, r.Type, r.Tag)
		return
	}
	delete(s.pending, m.req.Tag)
	m.res <- result{reply: r}
}

// oldest returns the outstanding call with the smallest tag.
func (s *session) oldest() (*message, bool) {
	var o *message
	for tag, m := range s.pending {
		if o == nil || tag < o.req.Tag {
			o = m
		}
	}
	return o, o != nil
}

func (s *session) notify(h Handler, path string, v store.Value) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("%s: handler for %s panicked: %v", s.addr, path, r)
		}
	}()
	h.Notify(path, v)
}

// close tears the session down. polite means we are leaving and should
// say so; otherwise the server already left.
func (s *session) close(polite bool) {
	if polite {
		if err := s.ep.Send([]byte(proto.Disconnect)); err != nil {
			glog.Warningf("%s: sending disconnect: %v", s.addr, err)
		}
	} else {
		glog.Warningf("%s: server hung up", s.addr)
	}
	s.connected.Store(false)
	s.ep.Close()
	if err := transport.Unlink(s.ep.Addr()); err != nil {
		glog.Warningf("%s: %v", s.addr, err)
	}
	for tag, m := range s.pending {
		delete(s.pending, tag)
		m.res <- result{err: ErrNotConnected}
	}
	glog.V(1).Infof("disconnected from %s", s.addr)
}
