// Package transport moves opaque frames between network table processes.
//
// Three kinds of thing live at an address:
//
//   - a Listener, the rendezvous point: request/reply, one reply per request;
//   - a bound Endpoint, waiting for exactly one peer to Dial it;
//   - a dialed Endpoint, the other half of that pair.
//
// Addresses carry a scheme: mem://name (in-process), unix:///path or
// ipc:///path (ZeroMQ over Unix domain sockets) and tcp://host:port
// (ZeroMQ over TCP).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

const (
	// MaxFrameSize bounds a single frame on every transport.
	MaxFrameSize = 1 << 20

	// DefaultHWM is the default number of frames an endpoint queues for
	// sending before Send starts failing with ErrWouldBlock.
	DefaultHWM = 1000
)

var (
	ErrClosed     = errors.New("endpoint closed")
	ErrWouldBlock = errors.New("send would block")
	ErrNoEndpoint = errors.New("nothing listening at address")
	ErrAddrInUse  = errors.New("address in use")
	ErrBadAddr    = errors.New("bad address")
	ErrFrameSize  = errors.New("frame too large")
)

// Pollable is anything a Poller can wait on. Only this package's types
// implement it.
type Pollable interface {
	// Readable reports whether a receive would return without blocking,
	// either with data or with ErrClosed after the peer hung up.
	Readable() bool
	watch(c chan struct{})
	unwatch(c chan struct{})
}

// Endpoint is one half of an exclusive bidirectional channel.
type Endpoint interface {
	Pollable
	Addr() string

	// Send queues frame for delivery and never blocks. It fails with
	// ErrWouldBlock when the high-water mark is reached, ErrFrameSize for
	// a frame over MaxFrameSize and ErrClosed once either side has closed.
	Send(frame []byte) error

	// Recv returns the next frame. After the peer hangs up it returns the
	// frames already received and then ErrClosed.
	Recv(ctx context.Context) ([]byte, error)

	// Peered reports whether the other half has attached. A dialed
	// endpoint is always peered.
	Peered() bool

	// Close releases the endpoint, including any name it holds in the
	// file system or the process-wide registry.
	Close() error
}

// Listener is a rendezvous endpoint: each incoming request gets one reply.
type Listener interface {
	Pollable
	Addr() string
	Accept(ctx context.Context) (*Request, error)
	Close() error
}

// Request is a message received by a Listener.
type Request struct {
	Body    []byte
	reply   func([]byte) error
	discard func()
}

// Reply answers the request. It fails if the requester has gone away.
func (r *Request) Reply(frame []byte) error {
	return r.reply(frame)
}

type options struct {
	hwm int
}

type Option func(*options)

// WithHWM sets the send high-water mark.
func WithHWM(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.hwm = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{hwm: DefaultHWM}
	for _, f := range opts {
		f(&o)
	}
	return o
}

type parsedAddr struct {
	scheme string
	// network and address are what package net wants; for mem, address
	// is the registry name.
	network string
	address string
}

func parse(addr string) (parsedAddr, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return parsedAddr{}, fmt.Errorf("%w: %q: %v", ErrBadAddr, addr, err)
	}
	switch u.Scheme {
	case "mem":
		name := u.Host + u.Path
		if name == "" {
			break
		}
		return parsedAddr{scheme: "mem", address: name}, nil
	case "unix", "ipc":
		if u.Path == "" || u.Host != "" {
			break
		}
		return parsedAddr{scheme: u.Scheme, network: "unix", address: u.Path}, nil
	case "tcp":
		if u.Host == "" {
			break
		}
		return parsedAddr{scheme: "tcp", network: "tcp", address: u.Host}, nil
	}
	return parsedAddr{}, fmt.Errorf("%w: %q", ErrBadAddr, addr)
}

// Listen creates a rendezvous listener at addr.
func Listen(addr string) (Listener, error) {
	pa, err := parse(addr)
	if err != nil {
		return nil, err
	}
	if pa.scheme == "mem" {
		return memListen(pa)
	}
	return zmqListen(pa)
}

// Bind creates an endpoint at addr and waits for a single peer to Dial it.
// Frames sent before the peer arrives are queued.
func Bind(addr string, opts ...Option) (Endpoint, error) {
	pa, err := parse(addr)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	if pa.scheme == "mem" {
		return memBind(pa, o)
	}
	return zmqBind(pa, o)
}

// Dial connects to an endpoint created with Bind.
func Dial(ctx context.Context, addr string, opts ...Option) (Endpoint, error) {
	pa, err := parse(addr)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	if pa.scheme == "mem" {
		return memDial(pa, o)
	}
	return zmqDial(ctx, pa, o)
}

// Call sends body to the Listener at addr and waits for its reply.
func Call(ctx context.Context, addr string, body []byte) ([]byte, error) {
	pa, err := parse(addr)
	if err != nil {
		return nil, err
	}
	if pa.scheme == "mem" {
		return memCall(ctx, pa, body)
	}
	return zmqCall(ctx, pa, body)
}

// Unlink removes any file system name left behind at addr. It is for the
// dialing side, when the binding side may have died without cleaning up.
func Unlink(addr string) error {
	pa, err := parse(addr)
	if err != nil {
		return err
	}
	if pa.network == "unix" {
		return unlinkSocket(pa.address)
	}
	return nil
}

func checkFrame(f []byte) error {
	if len(f) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameSize, len(f))
	}
	return nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
