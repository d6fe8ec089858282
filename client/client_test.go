package client

import (
	"context"
	"errors"
	"github.com/bmizerany/assert"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/UBCSailbot/network-table/proto"
	_ "github.com/UBCSailbot/network-table/quiet"
	"github.com/UBCSailbot/network-table/server"
	"github.com/UBCSailbot/network-table/store"
	"github.com/UBCSailbot/network-table/transport"
)

var bg = context.Background()

func memAddr() string {
	return "mem://client-test/" + ulid.Make().String()
}

// serve runs a server at addr until the returned func is called or the
// test ends.
func serve(t *testing.T, addr string) (stop func()) {
	s, err := server.New(server.Config{Addr: addr})
	assert.Equal(t, nil, err)
	ctx, cancel := context.WithCancel(bg)
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func connect(t *testing.T, addr string) *Conn {
	c := New(addr)
	c.SetTimeout(5 * time.Second)
	assert.Equal(t, nil, c.Connect(bg))
	t.Cleanup(func() { c.Disconnect(bg) })
	return c
}

// fake answers one "connect" and hands over the endpoint it bound, so a
// test can play server by hand.
func fake(t *testing.T) (addr string, eps <-chan transport.Endpoint) {
	addr = memAddr()
	l, err := transport.Listen(addr)
	assert.Equal(t, nil, err)
	t.Cleanup(func() { l.Close() })
	ch := make(chan transport.Endpoint, 1)
	go func() {
		req, err := l.Accept(bg)
		if err != nil {
			return
		}
		ep, err := transport.Bind(addr + "/ep")
		if err != nil {
			return
		}
		t.Cleanup(func() { ep.Close() })
		req.Reply([]byte(ep.Addr()))
		ch <- ep
	}()
	return addr, ch
}

func recvRequest(t *testing.T, ep transport.Endpoint) *proto.Request {
	ctx, cancel := context.WithTimeout(bg, 5*time.Second)
	defer cancel()
	f, err := ep.Recv(ctx)
	assert.Equal(t, nil, err)
	req, err := proto.UnmarshalRequest(f)
	assert.Equal(t, nil, err)
	return req
}

func TestNotConnected(t *testing.T) {
	c := New(memAddr())
	assert.Equal(t, false, c.Connected())
	assert.Equal(t, ErrNotConnected, c.SetValue(bg, "/x", store.IntValue(1)))
	_, err := c.GetValue(bg, "/x")
	assert.Equal(t, ErrNotConnected, err)
	assert.Equal(t, ErrNotConnected, c.Subscribe(bg, "/x", HandlerFunc(func(string, store.Value) {})))
	assert.Equal(t, ErrNotConnected, c.Disconnect(bg))
}

func TestConnectTimeout(t *testing.T) {
	c := New(memAddr())
	c.SetTimeout(50 * time.Millisecond)
	start := time.Now()
	assert.Equal(t, ErrTimeout, c.Connect(bg))
	assert.T(t, time.Since(start) < 2*time.Second)
	assert.Equal(t, false, c.Connected())
}

func TestConnectCanceled(t *testing.T) {
	c := New(memAddr())
	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, c.Connect(ctx))
}

func TestConnectBadAddr(t *testing.T) {
	c := New("carrier-pigeon://coop")
	c.SetTimeout(time.Second)
	err := c.Connect(bg)
	assert.T(t, errors.Is(err, transport.ErrBadAddr))
}

func TestConnectWaitsForServer(t *testing.T) {
	addr := memAddr()
	c := New(addr)
	c.SetTimeout(5 * time.Second)
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(bg) }()

	time.Sleep(50 * time.Millisecond)
	serve(t, addr)
	assert.Equal(t, nil, <-errc)
	assert.Equal(t, true, c.Connected())
	c.Disconnect(bg)
}

func TestConnectTwice(t *testing.T) {
	addr := memAddr()
	serve(t, addr)
	c := connect(t, addr)
	assert.Equal(t, ErrConnected, c.Connect(bg))
}

func TestRoundTrip(t *testing.T) {
	addr := memAddr()
	serve(t, addr)
	c := connect(t, addr)

	assert.Equal(t, nil, c.SetValue(bg, "windspeed", store.IntValue(100)))
	v, err := c.GetValue(bg, "/windspeed")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.IntValue(100), v)

	assert.Equal(t, nil, c.SetValues(bg, map[string]store.Value{
		"/gps/lat": store.FloatValue(49.26),
		"/gps/lon": store.FloatValue(-123.25),
	}))
	vals, err := c.GetValues(bg, "/gps/lat", "/gps/lon", "/garbage")
	assert.Equal(t, nil, err)
	assert.Equal(t, map[string]store.Value{
		"/gps/lat": store.FloatValue(49.26),
		"/gps/lon": store.FloatValue(-123.25),
		"/garbage": {},
	}, vals)

	n, err := c.GetNode(bg, "/gps")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"lat", "lon"}, n.Names())

	nodes, err := c.GetNodes(bg, "/gps/lat", "/windspeed")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.Leaf(store.FloatValue(49.26)), nodes["/gps/lat"])
	assert.Equal(t, store.Leaf(store.IntValue(100)), nodes["/windspeed"])
}

func TestThroughLeaf(t *testing.T) {
	addr := memAddr()
	serve(t, addr)
	c := connect(t, addr)

	c.SetValue(bg, "/a/b", store.IntValue(1))
	n, err := c.GetNode(bg, "/a")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.Leaf(store.IntValue(1)), n.Children["b"])

	c.SetValue(bg, "/a", store.IntValue(2))
	_, err = c.GetValue(bg, "/a/b")
	assert.T(t, errors.Is(err, store.ErrNotFound))
	var re *ReplyError
	assert.T(t, errors.As(err, &re))
	assert.Equal(t, proto.NotFound, re.Kind)

	// the connection is still good
	v, err := c.GetValue(bg, "/a")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.IntValue(2), v)
}

type update struct {
	path string
	v    store.Value
}

func TestSubscribe(t *testing.T) {
	addr := memAddr()
	serve(t, addr)
	a := connect(t, addr)
	b := connect(t, addr)

	got := make(chan update, 10)
	err := b.Subscribe(bg, "windspeed", HandlerFunc(func(path string, v store.Value) {
		got <- update{path, v}
	}))
	assert.Equal(t, nil, err)
	// A round trip on b puts the subscription ahead of a's write.
	b.GetValue(bg, "/")

	a.SetValue(bg, "/windspeed", store.IntValue(200))
	a.SetValue(bg, "/winds", store.IntValue(1))
	select {
	case u := <-got:
		assert.Equal(t, update{"/windspeed", store.IntValue(200)}, u)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	assert.Equal(t, nil, b.Unsubscribe(bg, "/windspeed"))
	b.GetValue(bg, "/")
	a.SetValue(bg, "/windspeed", store.IntValue(300))
	a.GetValue(bg, "/")
	b.GetValue(bg, "/")
	select {
	case u := <-got:
		t.Fatalf("notified after unsubscribe: %v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerHandsOff(t *testing.T) {
	addr := memAddr()
	serve(t, addr)
	c := connect(t, addr)
	w := connect(t, addr)

	vc := make(chan store.Value, 1)
	c.Subscribe(bg, "/p", HandlerFunc(func(path string, _ store.Value) {
		go func() {
			v, err := c.GetValue(bg, path)
			if err == nil {
				vc <- v
			}
		}()
	}))
	c.GetValue(bg, "/")

	w.SetValue(bg, "/p", store.IntValue(3))
	select {
	case v := <-vc:
		assert.Equal(t, store.IntValue(3), v)
	case <-time.After(5 * time.Second):
		t.Fatal("read from handler never finished")
	}
}

func TestResubscribeFailureKeepsHandler(t *testing.T) {
	addr, eps := fake(t)
	c := New(addr)
	c.SetTimeout(5 * time.Second)
	assert.Equal(t, nil, c.Connect(bg))
	defer c.Disconnect(bg)
	ep := <-eps

	got := make(chan store.Value, 1)
	err := c.Subscribe(bg, "/p", HandlerFunc(func(_ string, v store.Value) { got <- v }))
	assert.Equal(t, nil, err)

	// Nothing reads on the server side, so the send queue fills up.
	for i := 0; err == nil && i <= 2*transport.DefaultHWM; i++ {
		err = c.SetValue(bg, "/q", store.IntValue(int64(i)))
	}
	assert.T(t, errors.Is(err, transport.ErrWouldBlock))
	err = c.Subscribe(bg, "p", HandlerFunc(func(string, store.Value) {
		t.Error("handler from a failed subscribe was called")
	}))
	assert.T(t, errors.Is(err, ErrTimeout))

	ep.Send(proto.MarshalReply(&proto.Reply{Type: proto.SubscribeReply, Path: "/p", Value: store.IntValue(7)}))
	select {
	case v := <-got:
		assert.Equal(t, store.IntValue(7), v)
	case <-time.After(5 * time.Second):
		t.Fatal("original handler was dropped")
	}
}

func TestHandlerPanic(t *testing.T) {
	addr := memAddr()
	serve(t, addr)
	c := connect(t, addr)

	c.Subscribe(bg, "/boom", HandlerFunc(func(string, store.Value) { panic("boom") }))
	c.SetValue(bg, "/boom", store.BoolValue(true))
	c.SetValue(bg, "/ok", store.BoolValue(true))
	v, err := c.GetValue(bg, "/ok")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.BoolValue(true), v)
	assert.Equal(t, true, c.Connected())
}

func TestDisconnectReconnect(t *testing.T) {
	addr := memAddr()
	serve(t, addr)
	c := connect(t, addr)

	assert.Equal(t, nil, c.Disconnect(bg))
	assert.Equal(t, false, c.Connected())
	assert.Equal(t, ErrNotConnected, c.SetValue(bg, "/x", store.IntValue(1)))
	assert.Equal(t, ErrNotConnected, c.Disconnect(bg))

	assert.Equal(t, nil, c.Connect(bg))
	v, err := c.GetValue(bg, "/x")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, v.IsNone())
}

func TestServerGone(t *testing.T) {
	addr := memAddr()
	stop := serve(t, addr)
	c := connect(t, addr)
	stop()

	deadline := time.Now().Add(5 * time.Second)
	for c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("still connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, err := c.GetValue(bg, "/x")
	assert.Equal(t, ErrNotConnected, err)
}

func TestCallTimeout(t *testing.T) {
	addr, eps := fake(t)
	c := New(addr)
	c.SetTimeout(time.Second)
	assert.Equal(t, nil, c.Connect(bg))
	defer c.Disconnect(bg)
	ep := <-eps

	c.SetTimeout(50 * time.Millisecond)
	_, err := c.GetValue(bg, "/slow")
	assert.Equal(t, ErrTimeout, err)
	first := recvRequest(t, ep)

	// A late answer to the abandoned call must not be taken as the
	// answer to the next one.
	c.SetTimeout(5 * time.Second)
	errc := make(chan error, 1)
	vc := make(chan store.Value, 1)
	go func() {
		v, err := c.GetValue(bg, "/fast")
		vc <- v
		errc <- err
	}()
	second := recvRequest(t, ep)
	assert.NotEqual(t, first.Tag, second.Tag)
	ep.Send(proto.MarshalReply(&proto.Reply{Tag: first.Tag, Type: proto.GetValueReply, Value: store.IntValue(1)}))
	ep.Send(proto.MarshalReply(&proto.Reply{Tag: second.Tag, Type: proto.GetValueReply, Value: store.IntValue(2)}))
	assert.Equal(t, store.IntValue(2), <-vc)
	assert.Equal(t, nil, <-errc)
}

func TestUntaggedReply(t *testing.T) {
	addr, eps := fake(t)
	c := New(addr)
	c.SetTimeout(5 * time.Second)
	assert.Equal(t, nil, c.Connect(bg))
	defer c.Disconnect(bg)
	ep := <-eps

	vc := make(chan store.Value, 1)
	go func() {
		v, _ := c.GetValue(bg, "/x")
		vc <- v
	}()
	recvRequest(t, ep)
	ep.Send([]byte{0xff}) // garbage is logged and skipped
	ep.Send(proto.MarshalReply(&proto.Reply{Type: proto.GetValueReply, Value: store.StringValue("fifo")}))
	assert.Equal(t, store.StringValue("fifo"), <-vc)
}

func TestDisconnectSendsControl(t *testing.T) {
	addr, eps := fake(t)
	c := New(addr)
	c.SetTimeout(5 * time.Second)
	assert.Equal(t, nil, c.Connect(bg))
	ep := <-eps

	assert.Equal(t, nil, c.Disconnect(bg))
	ctx, cancel := context.WithTimeout(bg, 5*time.Second)
	defer cancel()
	f, err := ep.Recv(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.Disconnect, string(f))
	_, err = ep.Recv(ctx)
	assert.Equal(t, transport.ErrClosed, err)
}

func TestUnixSockets(t *testing.T) {
	dir := t.TempDir()
	addr := "ipc://" + filepath.Join(dir, "NetworkTable")
	serve(t, addr)

	c := New(addr)
	c.SetTimeout(5 * time.Second)
	assert.Equal(t, nil, c.Connect(bg))
	assert.Equal(t, nil, c.SetValue(bg, "/rudder", store.FloatValue(-3.5)))
	v, err := c.GetValue(bg, "/rudder")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.FloatValue(-3.5), v)
	assert.Equal(t, nil, c.Disconnect(bg))

	// only the rendezvous socket is left once the server has caught up
	deadline := time.Now().Add(5 * time.Second)
	for {
		ents, err := os.ReadDir(dir)
		assert.Equal(t, nil, err)
		if len(ents) == 1 {
			assert.Equal(t, "NetworkTable", ents[0].Name())
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("leftover sockets: %v", ents)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReplyError(t *testing.T) {
	err := error(&ReplyError{Kind: proto.NotFound, Message: "/a/b: /a is a leaf"})
	assert.T(t, errors.Is(err, store.ErrNotFound))
	assert.Equal(t, "network table: NOT_FOUND: /a/b: /a is a leaf", err.Error())
	assert.T(t, !errors.Is(&ReplyError{Kind: proto.TooLarge}, store.ErrNotFound))
}
