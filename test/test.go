// Package test starts throwaway network table servers and clients for
// tests.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/UBCSailbot/network-table/client"
	"github.com/UBCSailbot/network-table/server"
)

// Timeout is the client timeout Client sets.
const Timeout = 5 * time.Second

// Server runs a server on a fresh in-process address until the test ends.
func Server(t testing.TB) *server.Server {
	return ServerAt(t, "mem://test/"+ulid.Make().String())
}

func ServerAt(t testing.TB, addr string) *server.Server {
	s, err := server.New(server.Config{Addr: addr})
	if err != nil {
		t.Fatalf("server at %s: %v", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			t.Errorf("server at %s: %v", addr, err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// Client connects to addr, disconnecting when the test ends.
func Client(t testing.TB, addr string) *client.Conn {
	c := client.New(addr)
	c.SetTimeout(Timeout)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", addr, err)
	}
	t.Cleanup(func() {
		if c.Connected() {
			c.Disconnect(context.Background())
		}
	})
	return c
}
