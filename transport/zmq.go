package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// ipc, unix and tcp addresses are ZeroMQ sockets. A bound Endpoint is a
// listening PAIR and a dialed one is the PAIR that connects to it; the
// rendezvous is a ROUTER answering one-shot REQ sockets.

const (
	zmqLinger       = 250 * time.Millisecond
	zmqDialTimeout  = time.Second
	zmqReplyTimeout = time.Second
)

// zmqLog sends the socket library's own chatter to glog.
var zmqLog = log.New(glogWriter{}, "", 0)

type glogWriter struct{}

func (glogWriter) Write(p []byte) (int, error) {
	glog.V(2).Infof("zmq: %s", bytes.TrimSpace(p))
	return len(p), nil
}

// attachMsg is what a dialed PAIR sends first so the bound side learns it
// has a peer. Data frames are always single-part, so it cannot be mistaken
// for one.
func attachMsg() zmq4.Msg {
	return zmq4.NewMsgFrom([]byte{}, []byte("attach"))
}

func zmqAddr(pa parsedAddr) string {
	if pa.network == "unix" {
		return "ipc://" + pa.address
	}
	return "tcp://" + pa.address
}

// boundAddr is the address to hand out for a listening socket, with an
// ephemeral tcp port resolved.
func boundAddr(pa parsedAddr, sck zmq4.Socket) string {
	if pa.network == "tcp" && sck.Addr() != nil {
		return pa.scheme + "://" + sck.Addr().String()
	}
	return pa.scheme + "://" + pa.address
}

func unlinkSocket(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// prepareSocket makes room for a unix socket at pa: its directory is
// created and a socket file left by a dead process is removed. One with a
// live process behind it is not ours to take.
func prepareSocket(pa parsedAddr) error {
	if pa.network != "unix" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(pa.address), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(pa.address); err != nil {
		return nil
	}
	if c, err := net.DialTimeout("unix", pa.address, time.Second); err == nil {
		c.Close()
		return fmt.Errorf("%w: %s", ErrAddrInUse, pa.address)
	}
	return unlinkSocket(pa.address)
}

type zmqEndpoint struct {
	*queue[[]byte]
	addr     string
	sck      zmq4.Socket
	cancel   context.CancelFunc
	sockPath string // bound unix side only

	out      chan []byte
	stop     chan struct{}
	attached chan struct{}
	flushed  chan struct{}
	peered   atomic.Bool

	closeOnce sync.Once
}

func newZmqEndpoint(addr string, sck zmq4.Socket, cancel context.CancelFunc, o options) *zmqEndpoint {
	return &zmqEndpoint{
		queue:    newQueue[[]byte](),
		addr:     addr,
		sck:      sck,
		cancel:   cancel,
		out:      make(chan []byte, o.hwm),
		stop:     make(chan struct{}),
		attached: make(chan struct{}),
		flushed:  make(chan struct{}),
	}
}

func (e *zmqEndpoint) start() {
	go e.readLoop()
	go e.writeLoop()
}

func zmqBind(pa parsedAddr, o options) (Endpoint, error) {
	if err := prepareSocket(pa); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sck := zmq4.NewPair(ctx, zmq4.WithLogger(zmqLog))
	if err := sck.Listen(zmqAddr(pa)); err != nil {
		cancel()
		sck.Close()
		return nil, fmt.Errorf("listen %s: %w", zmqAddr(pa), err)
	}
	e := newZmqEndpoint(boundAddr(pa, sck), sck, cancel, o)
	if pa.network == "unix" {
		e.sockPath = pa.address
	}
	e.start()
	return e, nil
}

func zmqDial(ctx context.Context, pa parsedAddr, o options) (Endpoint, error) {
	sctx, cancel := context.WithCancel(context.Background())
	sck := zmq4.NewPair(sctx,
		zmq4.WithLogger(zmqLog),
		zmq4.WithDialerMaxRetries(0),
		zmq4.WithDialerTimeout(zmqDialTimeout),
	)
	fail := func(err error) (Endpoint, error) {
		cancel()
		sck.Close()
		return nil, err
	}

	// The socket outlives ctx, so ctx only cancels the dial itself.
	abort := context.AfterFunc(ctx, cancel)
	err := sck.Dial(zmqAddr(pa))
	if !abort() {
		return fail(ctx.Err())
	}
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrNoEndpoint, err))
	}
	if err := sck.SendMulti(attachMsg()); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrNoEndpoint, err))
	}

	e := newZmqEndpoint(pa.scheme+"://"+pa.address, sck, cancel, o)
	e.markPeered()
	e.start()
	return e, nil
}

func (e *zmqEndpoint) markPeered() {
	if e.peered.CompareAndSwap(false, true) {
		close(e.attached)
	}
}

func (e *zmqEndpoint) readLoop() {
	for {
		msg, err := e.sck.Recv()
		if err != nil {
			e.hangup()
			return
		}
		e.markPeered()
		if len(msg.Frames) != 1 {
			continue
		}
		e.push(msg.Frames[0])
	}
}

// writeLoop holds frames back until a peer has attached, so the socket
// never blocks on an empty connection set.
func (e *zmqEndpoint) writeLoop() {
	defer close(e.flushed)
	select {
	case <-e.attached:
	case <-e.stop:
		return
	}
	for {
		select {
		case f := <-e.out:
			if !e.write(f) {
				return
			}
		case <-e.stop:
			for {
				select {
				case f := <-e.out:
					if !e.write(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (e *zmqEndpoint) write(f []byte) bool {
	if err := e.sck.Send(zmq4.NewMsg(f)); err != nil {
		glog.V(1).Infof("%s: %v", e.addr, err)
		e.hangup()
		return false
	}
	return true
}

func (e *zmqEndpoint) Addr() string { return e.addr }

func (e *zmqEndpoint) Send(frame []byte) error {
	if e.gone() {
		return ErrClosed
	}
	if err := checkFrame(frame); err != nil {
		return err
	}
	select {
	case e.out <- clone(frame):
		return nil
	default:
		return ErrWouldBlock
	}
}

func (e *zmqEndpoint) Peered() bool { return e.peered.Load() }

func (e *zmqEndpoint) Recv(ctx context.Context) ([]byte, error) {
	return e.pop(ctx)
}

func (e *zmqEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.close()
		close(e.stop)
		select {
		case <-e.flushed:
		case <-time.After(zmqLinger):
		}
		e.cancel()
		e.sck.Close()
		if e.sockPath != "" {
			unlinkSocket(e.sockPath)
		}
	})
	return nil
}

type zmqListener struct {
	*queue[*Request]
	addr     string
	sck      zmq4.Socket
	cancel   context.CancelFunc
	sockPath string

	// Replies may come from any goroutine.
	mu   sync.Mutex
	once sync.Once
}

func zmqListen(pa parsedAddr) (Listener, error) {
	if err := prepareSocket(pa); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sck := zmq4.NewRouter(ctx,
		zmq4.WithLogger(zmqLog),
		zmq4.WithTimeout(zmqReplyTimeout),
	)
	if err := sck.Listen(zmqAddr(pa)); err != nil {
		cancel()
		sck.Close()
		return nil, fmt.Errorf("listen %s: %w", zmqAddr(pa), err)
	}
	l := &zmqListener{
		queue:  newQueue[*Request](),
		addr:   boundAddr(pa, sck),
		sck:    sck,
		cancel: cancel,
	}
	if pa.network == "unix" {
		l.sockPath = pa.address
	}
	go l.readLoop(ctx)
	return l, nil
}

// readLoop turns each routed request into a Request. The routing envelope
// (the requester's identity and any delimiter) is everything before the
// last frame and goes back in front of the reply.
func (l *zmqListener) readLoop(ctx context.Context) {
	for {
		msg, err := l.sck.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.V(2).Infof("%s: %v", l.addr, err)
			continue
		}
		n := len(msg.Frames)
		if n < 2 {
			continue
		}
		envelope := msg.Frames[:n-1]

		var once sync.Once
		req := &Request{Body: msg.Frames[n-1]}
		req.reply = func(frame []byte) error {
			err := ErrClosed
			once.Do(func() {
				frames := append(append([][]byte(nil), envelope...), clone(frame))
				l.mu.Lock()
				defer l.mu.Unlock()
				if err = l.sck.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
					err = fmt.Errorf("%w: %v", ErrClosed, err)
				}
			})
			return err
		}
		req.discard = func() { once.Do(func() {}) }
		if !l.push(req) {
			return
		}
	}
}

func (l *zmqListener) Addr() string { return l.addr }

func (l *zmqListener) Accept(ctx context.Context) (*Request, error) {
	return l.pop(ctx)
}

func (l *zmqListener) Close() error {
	var err error
	l.once.Do(func() {
		for _, r := range l.close() {
			r.discard()
		}
		l.cancel()
		err = l.sck.Close()
		if l.sockPath != "" {
			unlinkSocket(l.sockPath)
		}
	})
	return err
}

func zmqCall(ctx context.Context, pa parsedAddr, body []byte) ([]byte, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sck := zmq4.NewReq(sctx,
		zmq4.WithID(zmq4.SocketIdentity(ulid.Make().String())),
		zmq4.WithLogger(zmqLog),
		zmq4.WithDialerMaxRetries(0),
		zmq4.WithDialerTimeout(zmqDialTimeout),
	)
	defer sck.Close()

	if err := sck.Dial(zmqAddr(pa)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNoEndpoint, err)
	}
	if err := sck.Send(zmq4.NewMsg(body)); err != nil {
		return nil, callErr(ctx, err)
	}
	msg, err := sck.Recv()
	if err != nil {
		return nil, callErr(ctx, err)
	}
	if len(msg.Frames) == 0 {
		return nil, ErrClosed
	}
	return msg.Frames[len(msg.Frames)-1], nil
}

func callErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}
