// Package web serves a read-only HTTP view of a network table: JSON
// snapshots of the tree, a websocket feed of changes to one path, and the
// server's metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/UBCSailbot/network-table/client"
	"github.com/UBCSailbot/network-table/store"
)

const (
	writeWait = 5 * time.Second
	eventBuf  = 64
)

// Table is what the web view needs from a server.
type Table interface {
	Addr() string
	View(ctx context.Context, fn func(*store.Tree)) error
}

type handler struct {
	tbl      Table
	upgrader websocket.Upgrader
}

// New returns a handler for tbl. If g is nil, /metrics is not served.
func New(tbl Table, g prometheus.Gatherer) http.Handler {
	h := &handler{tbl: tbl}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/tree/", http.StatusTemporaryRedirect)
	})
	r.Get("/tree/*", h.tree)
	r.Get("/events/*", h.events)
	if g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	return r
}

type treeResponse struct {
	Path   string                 `json:"path"`
	Node   *store.Node            `json:"node,omitempty"`
	Leaves map[string]store.Value `json:"leaves,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// tree writes the node at the request path. With ?flat=1 it lists every
// leaf below instead.
func (h *handler) tree(w http.ResponseWriter, r *http.Request) {
	path := store.Clean(chi.URLParam(r, "*"))
	var (
		n   store.Node
		err error
	)
	verr := h.tbl.View(r.Context(), func(t *store.Tree) {
		n, err = t.GetNode(path)
	})
	if verr != nil {
		writeJSON(w, http.StatusServiceUnavailable, treeResponse{Path: path, Error: verr.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, treeResponse{Path: path, Error: err.Error()})
		return
	}

	resp := treeResponse{Path: path}
	if r.URL.Query().Get("flat") != "" {
		resp.Leaves = make(map[string]store.Value)
		store.Walk(n, path, func(p string, v store.Value) bool {
			resp.Leaves[p] = v
			return false
		})
	} else {
		resp.Node = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(1).Infof("web: %v", err)
	}
}

// Event is one message on the /events feed.
type Event struct {
	Path  string      `json:"path"`
	Value store.Value `json:"value"`
}

// events streams the current value of one path and then every change to
// it, through a client connection of its own.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	path := store.Clean(chi.URLParam(r, "*"))
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("web: upgrade: %v", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reading is only for noticing the peer leave.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	c := client.New(h.tbl.Addr())
	c.SetTimeout(writeWait)
	if err := c.Connect(ctx); err != nil {
		glog.Warningf("web: events %s: %v", path, err)
		return
	}
	defer c.Disconnect(context.Background())

	evs := make(chan Event, eventBuf)
	err = c.Subscribe(ctx, path, client.HandlerFunc(func(p string, v store.Value) {
		select {
		case evs <- Event{Path: p, Value: v}:
		default:
			glog.Warningf("web: events %s: watcher too slow, dropping", p)
		}
	}))
	if err != nil {
		glog.Warningf("web: events %s: %v", path, err)
		return
	}
	v, err := c.GetValue(ctx, path)
	if err == nil && !v.IsNone() {
		select {
		case evs <- Event{Path: path, Value: v}:
		default:
		}
	}

	glog.V(1).Infof("web: watching %s for %s", path, r.RemoteAddr)
	for {
		select {
		case ev := <-evs:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				glog.V(1).Infof("web: events %s: %v", path, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
