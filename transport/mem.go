package transport

import (
	"context"
	"fmt"
	"sync"
)

// The mem transport connects endpoints within one process. Names live in a
// process-wide registry and are released on Close.
var registry = struct {
	sync.Mutex
	m map[string]any // *memEndpoint (bound) or *memListener
}{m: make(map[string]any)}

func register(name string, x any) error {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.m[name]; ok {
		return fmt.Errorf("%w: mem://%s", ErrAddrInUse, name)
	}
	registry.m[name] = x
	return nil
}

func unregister(name string, x any) {
	registry.Lock()
	defer registry.Unlock()
	if registry.m[name] == x {
		delete(registry.m, name)
	}
}

func lookup(name string) any {
	registry.Lock()
	defer registry.Unlock()
	return registry.m[name]
}

type memEndpoint struct {
	*queue[[]byte]
	addr  string
	name  string // registry name, if this side bound it
	hwm   int
	mu    sync.Mutex
	peer  *memEndpoint
	held  [][]byte // sent before a peer attached
	done  bool
	taken bool // a peer has dialed this bound endpoint
}

func newMemEndpoint(addr string, o options) *memEndpoint {
	return &memEndpoint{queue: newQueue[[]byte](), addr: addr, hwm: o.hwm}
}

func memBind(pa parsedAddr, o options) (Endpoint, error) {
	e := newMemEndpoint("mem://"+pa.address, o)
	e.name = pa.address
	if err := register(pa.address, e); err != nil {
		return nil, err
	}
	return e, nil
}

func memDial(pa parsedAddr, o options) (Endpoint, error) {
	b, ok := lookup(pa.address).(*memEndpoint)
	if !ok {
		return nil, fmt.Errorf("%w: mem://%s", ErrNoEndpoint, pa.address)
	}
	d := newMemEndpoint("mem://"+pa.address, o)

	b.mu.Lock()
	if b.done || b.taken {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: mem://%s", ErrAddrInUse, pa.address)
	}
	// Held frames go in ahead of anything b sends once it can see d.
	for _, f := range b.held {
		d.push(f)
	}
	b.held = nil
	b.taken = true
	b.peer = d
	d.peer = b
	b.mu.Unlock()
	return d, nil
}

func (e *memEndpoint) Addr() string { return e.addr }

func (e *memEndpoint) Send(frame []byte) error {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return ErrClosed
	}
	if err := checkFrame(frame); err != nil {
		e.mu.Unlock()
		return err
	}
	peer := e.peer
	if peer == nil {
		defer e.mu.Unlock()
		if len(e.held) >= e.hwm {
			return ErrWouldBlock
		}
		e.held = append(e.held, clone(frame))
		return nil
	}
	e.mu.Unlock()

	if peer.len() >= e.hwm {
		return ErrWouldBlock
	}
	if !peer.push(clone(frame)) {
		return ErrClosed
	}
	return nil
}

func (e *memEndpoint) Peered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer != nil
}

func (e *memEndpoint) Recv(ctx context.Context) ([]byte, error) {
	return e.pop(ctx)
}

func (e *memEndpoint) Close() error {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return nil
	}
	e.done = true
	peer := e.peer
	e.held = nil
	e.mu.Unlock()

	if e.name != "" {
		unregister(e.name, e)
	}
	e.close()
	if peer != nil {
		peer.hangup()
	}
	return nil
}

type memListener struct {
	*queue[*Request]
	name string
}

func memListen(pa parsedAddr) (Listener, error) {
	l := &memListener{queue: newQueue[*Request](), name: pa.address}
	if err := register(pa.address, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *memListener) Addr() string { return "mem://" + l.name }

func (l *memListener) Accept(ctx context.Context) (*Request, error) {
	return l.pop(ctx)
}

func (l *memListener) Close() error {
	unregister(l.name, l)
	for _, r := range l.close() {
		r.discard()
	}
	return nil
}

func memCall(ctx context.Context, pa parsedAddr, body []byte) ([]byte, error) {
	l, ok := lookup(pa.address).(*memListener)
	if !ok {
		return nil, fmt.Errorf("%w: mem://%s", ErrNoEndpoint, pa.address)
	}

	var (
		mu    sync.Mutex
		gone  bool
		reply = make(chan []byte, 1)
	)
	defer func() {
		mu.Lock()
		gone = true
		mu.Unlock()
	}()

	req := &Request{
		Body: clone(body),
		reply: func(frame []byte) error {
			mu.Lock()
			defer mu.Unlock()
			if gone {
				return ErrClosed
			}
			gone = true
			reply <- clone(frame)
			return nil
		},
		discard: func() {
			mu.Lock()
			defer mu.Unlock()
			if !gone {
				gone = true
				close(reply)
			}
		},
	}
	if !l.push(req) {
		return nil, fmt.Errorf("%w: mem://%s", ErrNoEndpoint, pa.address)
	}

	select {
	case frame, ok := <-reply:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
