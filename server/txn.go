package server

import (
	"errors"
	"fmt"
	"sort"

	"github.com/golang/glog"

	"github.com/UBCSailbot/network-table/proto"
	"github.com/UBCSailbot/network-table/store"
	"github.com/UBCSailbot/network-table/transport"
)

type txn struct {
	s   *Server
	c   *conn
	req *proto.Request
}

var ops = map[proto.Verb]func(*txn){
	proto.SetValue:    (*txn).setValue,
	proto.SetValues:   (*txn).setValues,
	proto.GetValue:    (*txn).getValue,
	proto.GetValues:   (*txn).getValues,
	proto.GetNodes:    (*txn).getNodes,
	proto.Subscribe:   (*txn).subscribe,
	proto.Unsubscribe: (*txn).unsubscribe,
}

func (t *txn) setValue() {
	t.s.set(t.req.Path, t.req.Value)
}

// setValues applies writes in path order, so of two overlapping paths the
// deeper one is written last.
func (t *txn) setValues() {
	paths := make([]string, 0, len(t.req.Values))
	for p := range t.req.Values {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		t.s.set(p, t.req.Values[p])
	}
}

func (t *txn) getValue() {
	n, err := t.s.lookup(t.req.Path)
	if err != nil {
		t.respondErr(err)
		return
	}
	t.respond(&proto.Reply{Type: proto.GetValueReply, Path: t.req.Path, Value: n.Value})
}

func (t *txn) getValues() {
	vals := make(map[string]store.Value, len(t.req.Paths))
	for _, p := range t.req.Paths {
		n, err := t.s.lookup(p)
		if err != nil {
			t.respondErr(err)
			return
		}
		vals[p] = n.Value
	}
	t.respond(&proto.Reply{Type: proto.GetValuesReply, Values: vals})
}

func (t *txn) getNodes() {
	nodes := make(map[string]store.Node, len(t.req.Paths))
	for _, p := range t.req.Paths {
		n, err := t.s.lookup(p)
		if err != nil {
			t.respondErr(err)
			return
		}
		nodes[p] = n
	}
	t.respond(&proto.Reply{Type: proto.GetNodesReply, Nodes: nodes})
}

func (t *txn) subscribe() {
	t.s.subs.add(store.Clean(t.req.Path), t.c)
}

func (t *txn) unsubscribe() {
	t.s.subs.remove(store.Clean(t.req.Path), t.c)
}

// respond sends r, or a TooLarge error in its place if r would not fit in
// a frame.
func (t *txn) respond(r *proto.Reply) {
	r.Tag = t.req.Tag
	frame := proto.MarshalReply(r)
	if len(frame) > transport.MaxFrameSize {
		glog.Warningf("%s: %v reply is %d bytes, over the frame limit", t.c, r.Type, len(frame))
		frame = proto.MarshalReply(&proto.Reply{
			Tag:  t.req.Tag,
			Type: proto.ErrorReply,
			Err: &proto.Error{
				Kind:    proto.TooLarge,
				Message: fmt.Sprintf("%v reply is %d bytes, limit %d", r.Type, len(frame), transport.MaxFrameSize),
			},
		})
		r = &proto.Reply{Type: proto.ErrorReply}
	}
	t.s.send(t.c, frame, r.Type.String())
}

func (t *txn) respondErr(err error) {
	t.respond(&proto.Reply{
		Type: proto.ErrorReply,
		Err:  &proto.Error{Kind: proto.NotFound, Message: err.Error()},
	})
}

// lookup reads a node for a client. An absent path reads as a None leaf;
// a path that runs through a leaf is an error.
func (s *Server) lookup(path string) (store.Node, error) {
	n, err := s.tree.GetNode(path)
	switch {
	case errors.Is(err, store.ErrNotDir):
		return store.Node{}, err
	case err != nil:
		return store.Leaf(store.Value{}), nil
	}
	return n, nil
}

// set writes v and pushes it to every connection watching exactly path.
func (s *Server) set(path string, v store.Value) {
	s.tree.SetNode(path, v)

	path = store.Clean(path)
	watchers := s.subs.watchers(path)
	if len(watchers) == 0 {
		return
	}
	frame := proto.MarshalReply(&proto.Reply{Type: proto.SubscribeReply, Path: path, Value: v})
	for c := range watchers {
		if s.send(c, frame, "notification for "+path) {
			s.met.notifications.Inc()
		}
	}
}
