package server

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/UBCSailbot/network-table/transport"
)

// conn is a client's dedicated endpoint. Subscriptions are not kept here;
// they live in the subscription table so teardown is one sweep.
type conn struct {
	ep       transport.Endpoint
	admitted time.Time
	lim      *rate.Limiter
}

func newConn(ep transport.Endpoint, limit float64, burst int) *conn {
	c := &conn{ep: ep, admitted: time.Now()}
	if limit > 0 {
		if burst < 1 {
			burst = 1
		}
		c.lim = rate.NewLimiter(rate.Limit(limit), burst)
	}
	return c
}

func (c *conn) allow() bool {
	return c.lim == nil || c.lim.Allow()
}

func (c *conn) String() string { return c.ep.Addr() }
