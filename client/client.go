// Package client talks to a network table server.
//
// A Conn hands every network operation to a background goroutine that
// owns the endpoint. Foreground calls block until that goroutine reports
// back or the connection's timeout passes.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UBCSailbot/network-table/proto"
	"github.com/UBCSailbot/network-table/store"
)

var (
	// ErrTimeout is returned when a call does not complete within the
	// connection's timeout. Transport failures are reported as ErrTimeout
	// too; the caller cannot tell them apart.
	ErrTimeout = errors.New("network table: timed out")

	ErrNotConnected = errors.New("network table: not connected")
	ErrConnected    = errors.New("network table: already connected")
)

// ReplyError is an error reply from the server. One of kind NotFound
// matches store.ErrNotFound with errors.Is.
type ReplyError struct {
	Kind    proto.ErrorKind
	Message string
}

func (e *ReplyError) Error() string {
	return "network table: " + (&proto.Error{Kind: e.Kind, Message: e.Message}).Error()
}

func (e *ReplyError) Is(target error) bool {
	return e.Kind == proto.NotFound && target == store.ErrNotFound
}

// Handler receives notifications for a subscribed path. Notify runs on the
// connection's background goroutine and must return promptly; a panic is
// logged and otherwise ignored. After Unsubscribe returns, one more
// notification for the path may still be delivered.
//
// Notify must not call methods of the Conn it was registered on: the
// background goroutine is busy running Notify and cannot serve the call,
// which then blocks until the Conn's timeout, or forever without one.
// Hand such work to another goroutine.
type Handler interface {
	Notify(path string, v store.Value)
}

type HandlerFunc func(path string, v store.Value)

func (f HandlerFunc) Notify(path string, v store.Value) { f(path, v) }

type Conn struct {
	addr      string
	timeout   atomic.Int64
	connected atomic.Bool
	sess      atomic.Pointer[session]
	tags      atomic.Int32

	// Held across Connect and Disconnect.
	mu sync.Mutex
}

// New returns an unconnected Conn for the server whose rendezvous address
// is addr. The timeout starts at zero, meaning calls wait forever.
func New(addr string) *Conn {
	return &Conn{addr: addr}
}

// SetTimeout bounds every later blocking call. d <= 0 means no bound.
func (c *Conn) SetTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
}

func (c *Conn) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

func (c *Conn) Connected() bool {
	return c.connected.Load()
}

func (c *Conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := c.Timeout(); d > 0 {
		return context.WithTimeoutCause(ctx, d, ErrTimeout)
	}
	return context.WithCancel(ctx)
}

// ctxErr reports why ctx ended, as ErrTimeout if our own deadline passed.
func ctxErr(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		return ErrTimeout
	}
	return ctx.Err()
}

// Connect performs the admission handshake and starts the background
// goroutine. It retries until the server answers or the timeout passes.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return ErrConnected
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	s := newSession(c.addr, &c.connected)
	c.sess.Store(s)
	up := make(chan error, 1)
	go s.run(ctx, up)
	return <-up
}

// Disconnect tells the server goodbye and releases the endpoint. It waits
// for the background goroutine to finish.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sess.Load()
	if s == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	select {
	case s.msgs <- &message{op: opDisconnect}:
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctxErr(ctx)
	}
	select {
	case <-s.done:
		c.sess.Store(nil)
		return nil
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

func (c *Conn) nextTag() int32 {
	for {
		if t := c.tags.Add(1) & 0x7fffffff; t != 0 {
			return t
		}
	}
}

// do hands m to the background goroutine and waits for its result.
func (c *Conn) do(ctx context.Context, m *message) (*proto.Reply, error) {
	s := c.sess.Load()
	if s == nil || !c.connected.Load() {
		return nil, ErrNotConnected
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	m.res = make(chan result, 1)
	select {
	case s.msgs <- m:
	case <-s.done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
	select {
	case r := <-m.res:
		return r.reply, r.err
	case <-s.done:
		// The goroutine may have answered just before exiting.
		select {
		case r := <-m.res:
			return r.reply, r.err
		default:
		}
		return nil, ErrNotConnected
	case <-ctx.Done():
		if m.req != nil && m.req.Tag != 0 {
			select {
			case s.msgs <- &message{op: opForget, req: m.req}:
			case <-s.done:
			}
		}
		return nil, ctxErr(ctx)
	}
}

// roundTrip sends req. Verbs the server does not answer return once the
// request is on its way; the rest are tagged and wait for their reply.
func (c *Conn) roundTrip(ctx context.Context, req *proto.Request) (*proto.Reply, error) {
	m := &message{op: opSend, req: req}
	if req.Verb.HasReply() {
		req.Tag = c.nextTag()
		m.op = opCall
	}
	r, err := c.do(ctx, m)
	if err != nil || r == nil {
		return nil, err
	}
	if r.Type == proto.ErrorReply && r.Err != nil {
		return nil, &ReplyError{Kind: r.Err.Kind, Message: r.Err.Message}
	}
	return r, nil
}

func (c *Conn) send(ctx context.Context, req *proto.Request) error {
	_, err := c.roundTrip(ctx, req)
	return err
}

func (c *Conn) call(ctx context.Context, req *proto.Request, want proto.ReplyType) (*proto.Reply, error) {
	r, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("network table: %v has no reply", req.Verb)
	}
	if r.Type != want {
		return nil, fmt.Errorf("network table: %v reply to %v request", r.Type, req.Verb)
	}
	return r, nil
}

// SetValue writes v at path. It returns once the request is on its way;
// the server does not acknowledge writes.
func (c *Conn) SetValue(ctx context.Context, path string, v store.Value) error {
	return c.send(ctx, &proto.Request{Verb: proto.SetValue, Path: path, Value: v})
}

func (c *Conn) SetValues(ctx context.Context, values map[string]store.Value) error {
	return c.send(ctx, &proto.Request{Verb: proto.SetValues, Values: values})
}

// GetValue reads the value at path. A path never written reads as None.
// A path that runs through a leaf fails with an error matching
// store.ErrNotFound.
func (c *Conn) GetValue(ctx context.Context, path string) (store.Value, error) {
	r, err := c.call(ctx, &proto.Request{Verb: proto.GetValue, Path: path}, proto.GetValueReply)
	if err != nil {
		return store.Value{}, err
	}
	return r.Value, nil
}

// GetValues reads several values at once. The result is keyed by the
// paths as given.
func (c *Conn) GetValues(ctx context.Context, paths ...string) (map[string]store.Value, error) {
	r, err := c.call(ctx, &proto.Request{Verb: proto.GetValues, Paths: paths}, proto.GetValuesReply)
	if err != nil {
		return nil, err
	}
	if r.Values == nil {
		r.Values = map[string]store.Value{}
	}
	return r.Values, nil
}

// GetNode reads the whole subtree at path.
func (c *Conn) GetNode(ctx context.Context, path string) (store.Node, error) {
	nodes, err := c.GetNodes(ctx, path)
	if err != nil {
		return store.Node{}, err
	}
	return nodes[path], nil
}

func (c *Conn) GetNodes(ctx context.Context, paths ...string) (map[string]store.Node, error) {
	r, err := c.call(ctx, &proto.Request{Verb: proto.GetNodes, Paths: paths}, proto.GetNodesReply)
	if err != nil {
		return nil, err
	}
	if r.Nodes == nil {
		r.Nodes = map[string]store.Node{}
	}
	return r.Nodes, nil
}

// Subscribe calls h with every new value written at exactly path.
// Subscribing again replaces the handler.
func (c *Conn) Subscribe(ctx context.Context, path string, h Handler) error {
	_, err := c.do(ctx, &message{
		op:      opSubscribe,
		req:     &proto.Request{Verb: proto.Subscribe, Path: path},
		handler: h,
	})
	return err
}

func (c *Conn) Unsubscribe(ctx context.Context, path string) error {
	_, err := c.do(ctx, &message{
		op:  opUnsubscribe,
		req: &proto.Request{Verb: proto.Unsubscribe, Path: path},
	})
	return err
}
