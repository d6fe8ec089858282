package web

import (
	"context"
	"encoding/json"
	"github.com/bmizerany/assert"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/UBCSailbot/network-table/client"
	_ "github.com/UBCSailbot/network-table/quiet"
	"github.com/UBCSailbot/network-table/server"
	"github.com/UBCSailbot/network-table/store"
)

var bg = context.Background()

func setup(t *testing.T) (*httptest.Server, *client.Conn) {
	reg := prometheus.NewRegistry()
	srv, err := server.New(server.Config{
		Addr:       "mem://web-test/" + ulid.Make().String(),
		Registerer: reg,
	})
	assert.Equal(t, nil, err)
	ctx, cancel := context.WithCancel(bg)
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	hs := httptest.NewServer(New(srv, reg))
	c := client.New(srv.Addr())
	c.SetTimeout(5 * time.Second)
	assert.Equal(t, nil, c.Connect(bg))
	t.Cleanup(func() {
		c.Disconnect(bg)
		hs.Close()
		cancel()
		<-done
	})
	return hs, c
}

func get(t *testing.T, url string) (int, treeResponse) {
	resp, err := http.Get(url)
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	var tr treeResponse
	assert.Equal(t, nil, json.NewDecoder(resp.Body).Decode(&tr))
	return resp.StatusCode, tr
}

func TestTree(t *testing.T) {
	hs, c := setup(t)
	c.SetValue(bg, "/gps/lat", store.FloatValue(49.26))
	c.SetValue(bg, "/gps/lon", store.FloatValue(-123.25))
	c.SetValue(bg, "/mode", store.StringValue("auto"))
	c.GetValue(bg, "/")

	code, tr := get(t, hs.URL+"/tree/gps")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/gps", tr.Path)
	assert.Equal(t, []string{"lat", "lon"}, tr.Node.Names())
	assert.Equal(t, store.Leaf(store.FloatValue(49.26)), tr.Node.Children["lat"])

	code, tr = get(t, hs.URL+"/tree/?flat=1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]store.Value{
		"/gps/lat": store.FloatValue(49.26),
		"/gps/lon": store.FloatValue(-123.25),
		"/mode":    store.StringValue("auto"),
	}, tr.Leaves)
}

func TestTreeNotFound(t *testing.T) {
	hs, c := setup(t)
	c.SetValue(bg, "/mode", store.StringValue("auto"))
	c.GetValue(bg, "/")

	code, tr := get(t, hs.URL+"/tree/nothing")
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEqual(t, "", tr.Error)

	code, _ = get(t, hs.URL+"/tree/mode/deeper")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRootRedirect(t *testing.T) {
	hs, _ := setup(t)
	code, tr := get(t, hs.URL+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "/", tr.Path)
}

func TestMetrics(t *testing.T) {
	hs, c := setup(t)
	c.GetValue(bg, "/")

	resp, err := http.Get(hs.URL + "/metrics")
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.T(t, strings.Contains(string(body), "nettable_connections 1"))
	assert.T(t, strings.Contains(string(body), `nettable_requests_total{verb="GETVALUE"} 1`))
}

func TestEvents(t *testing.T) {
	hs, c := setup(t)
	c.SetValue(bg, "/windspeed", store.IntValue(100))
	c.GetValue(bg, "/")

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/events/windspeed"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, nil, err)
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	// The current value comes first, after the subscription is in place.
	var ev Event
	assert.Equal(t, nil, ws.ReadJSON(&ev))
	assert.Equal(t, Event{"/windspeed", store.IntValue(100)}, ev)

	c.SetValue(bg, "/windspeed/", store.IntValue(200))
	c.SetValue(bg, "/other", store.IntValue(1))
	assert.Equal(t, nil, ws.ReadJSON(&ev))
	assert.Equal(t, Event{"/windspeed", store.IntValue(200)}, ev)
}
