package test

import (
	"context"
	"errors"
	"fmt"
	"github.com/bmizerany/assert"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UBCSailbot/network-table/client"
	"github.com/UBCSailbot/network-table/proto"
	_ "github.com/UBCSailbot/network-table/quiet"
	"github.com/UBCSailbot/network-table/store"
)

var bg = context.Background()

// recorder collects notifications.
type recorder struct {
	mu  sync.Mutex
	got []store.Value
	ch  chan store.Value
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan store.Value, 100)}
}

func (r *recorder) Notify(path string, v store.Value) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
	r.ch <- v
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) next(t *testing.T) store.Value {
	select {
	case v := <-r.ch:
		return v
	case <-time.After(Timeout):
		t.Fatal("no notification")
	}
	panic("unreachable")
}

// settle returns once every connection's earlier requests have been
// handled by the server and any resulting notifications have reached
// their handlers.
func settle(t *testing.T, cs ...*client.Conn) {
	for round := 0; round < 2; round++ {
		for _, c := range cs {
			_, err := c.GetValue(bg, "/")
			assert.Equal(t, nil, err)
		}
	}
}

func TestWindspeed(t *testing.T) {
	s := Server(t)
	a := Client(t, s.Addr())
	assert.Equal(t, nil, a.SetValue(bg, "windspeed", store.IntValue(100)))

	b := Client(t, s.Addr())
	rec := newRecorder()
	assert.Equal(t, nil, b.Subscribe(bg, "windspeed", rec))
	settle(t, b)

	assert.Equal(t, nil, a.SetValue(bg, "windspeed", store.IntValue(200)))
	assert.Equal(t, store.IntValue(200), rec.next(t))

	v, err := b.GetValue(bg, "windspeed")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.IntValue(200), v)
}

func TestGarbage(t *testing.T) {
	s := Server(t)
	a := Client(t, s.Addr())
	b := Client(t, s.Addr())

	v, err := a.GetValue(bg, "garbage")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.None, v.Kind())

	// still serving both connections
	assert.Equal(t, nil, a.SetValue(bg, "rudder", store.FloatValue(1.5)))
	v, err = a.GetValue(bg, "rudder")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.FloatValue(1.5), v)
	v, err = b.GetValue(bg, "rudder")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.FloatValue(1.5), v)
}

func TestOneNotificationPerWrite(t *testing.T) {
	s := Server(t)
	a := Client(t, s.Addr())
	b := Client(t, s.Addr())
	rec := newRecorder()
	b.Subscribe(bg, "/p", rec)
	settle(t, b)

	a.SetValue(bg, "/p", store.IntValue(1))
	b.SetValue(bg, "/p", store.IntValue(2))
	a.SetValues(bg, map[string]store.Value{"/p": store.IntValue(3), "/q": store.IntValue(0)})
	a.SetValue(bg, "/p/child", store.IntValue(4))
	a.SetValue(bg, "/unrelated", store.IntValue(5))
	settle(t, a, b)

	assert.Equal(t, 3, rec.count())
	got := map[int64]bool{}
	for i := 0; i < 3; i++ {
		n, _ := rec.next(t).Int()
		got[n] = true
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true, 3: true}, got)
}

func TestUnsubscribeStaleness(t *testing.T) {
	s := Server(t)
	a := Client(t, s.Addr())
	b := Client(t, s.Addr())
	rec := newRecorder()
	b.Subscribe(bg, "/p", rec)
	settle(t, b)

	// Race a write against the unsubscribe.
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.SetValue(bg, "/p", store.IntValue(1))
	}()
	assert.Equal(t, nil, b.Unsubscribe(bg, "/p"))
	<-done
	settle(t, a, b)
	assert.T(t, rec.count() <= 1)

	before := rec.count()
	for i := 0; i < 5; i++ {
		a.SetValue(bg, "/p", store.IntValue(int64(i)))
	}
	settle(t, a, b)
	assert.Equal(t, before, rec.count())
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	s := Server(t)
	a := Client(t, s.Addr())
	b := Client(t, s.Addr())
	c := Client(t, s.Addr())
	rb, rc := newRecorder(), newRecorder()
	b.Subscribe(bg, "/p", rb)
	c.Subscribe(bg, "/p", rc)
	settle(t, b, c)

	assert.Equal(t, nil, b.Disconnect(bg))
	assert.Equal(t, false, b.Connected())
	a.SetValue(bg, "/p", store.StringValue("after"))
	assert.Equal(t, store.StringValue("after"), rc.next(t))
	settle(t, a, c)
	assert.Equal(t, 0, rb.count())
	assert.Equal(t, 1, rc.count())
}

func TestTreeShape(t *testing.T) {
	s := Server(t)
	c := Client(t, s.Addr())

	c.SetValue(bg, "/a/b", store.IntValue(1))
	n, err := c.GetNode(bg, "/a")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, n.IsLeaf())
	assert.Equal(t, store.Leaf(store.IntValue(1)), n.Children["b"])

	c.SetValue(bg, "/a", store.IntValue(2))
	_, err = c.GetValue(bg, "/a/b")
	assert.T(t, errors.Is(err, store.ErrNotFound))
	v, err := c.GetValue(bg, "/a")
	assert.Equal(t, nil, err)
	assert.Equal(t, store.IntValue(2), v)
}

func TestDisjointWriters(t *testing.T) {
	const (
		conns  = 8
		rounds = 50
	)
	s := Server(t)
	cs := make([]*client.Conn, conns)
	for i := range cs {
		cs[i] = Client(t, s.Addr())
	}

	var (
		wg   sync.WaitGroup
		bad  atomic.Int32
		errs = make(chan error, conns)
	)
	for i, c := range cs {
		wg.Add(1)
		go func(i int, c *client.Conn) {
			defer wg.Done()
			path := fmt.Sprintf("/boat/%d/heading", i)
			for r := 0; r < rounds; r++ {
				want := store.IntValue(int64(i*1000 + r))
				if err := c.SetValue(bg, path, want); err != nil {
					errs <- err
					return
				}
				got, err := c.GetValue(bg, path)
				if err != nil {
					errs <- err
					return
				}
				if got != want {
					bad.Add(1)
				}
			}
		}(i, c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int32(0), bad.Load())

	n, err := cs[0].GetNode(bg, "/boat")
	assert.Equal(t, nil, err)
	assert.Equal(t, conns, len(n.Children))
	for i := 0; i < conns; i++ {
		v, err := cs[0].GetValue(bg, fmt.Sprintf("/boat/%d/heading", i))
		assert.Equal(t, nil, err)
		assert.Equal(t, store.IntValue(int64(i*1000+rounds-1)), v)
	}
}

func TestUnixWindspeed(t *testing.T) {
	s := ServerAt(t, "ipc://"+filepath.Join(t.TempDir(), "NetworkTable"))
	a := Client(t, s.Addr())
	b := Client(t, s.Addr())
	rec := newRecorder()
	b.Subscribe(bg, "windspeed", rec)
	settle(t, b)

	a.SetValue(bg, "windspeed", store.IntValue(200))
	assert.Equal(t, store.IntValue(200), rec.next(t))
}

func TestOversizedRead(t *testing.T) {
	s := ServerAt(t, "ipc://"+filepath.Join(t.TempDir(), "NetworkTable"))
	c := client.New(s.Addr())
	assert.Equal(t, nil, c.Connect(bg))
	defer c.Disconnect(bg)

	big := store.StringValue(strings.Repeat("x", 60<<10))
	for i := 0; i < 20; i++ {
		assert.Equal(t, nil, c.SetValue(bg, fmt.Sprintf("/log/%d", i), big))
	}

	// No timeout is set, so only a reply can end this call.
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetNode(bg, "/log")
		errc <- err
	}()
	select {
	case err := <-errc:
		var re *client.ReplyError
		assert.T(t, errors.As(err, &re))
		assert.Equal(t, proto.TooLarge, re.Kind)
	case <-time.After(Timeout):
		t.Fatal("no reply to an oversized read")
	}

	v, err := c.GetValue(bg, "/log/19")
	assert.Equal(t, nil, err)
	assert.Equal(t, big, v)
}
