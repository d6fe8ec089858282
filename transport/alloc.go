package transport

import (
	"fmt"
	"net"
	"path"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Allocator hands out unique endpoint addresses next to a rendezvous
// address and tracks which of them are in use.
type Allocator struct {
	pa parsedAddr

	mu   sync.Mutex
	live map[string]Endpoint
}

// NewAllocator derives per-connection addresses from rendezvous:
// a sibling socket file for unix, an ephemeral port on the same host for
// tcp, and a sub-name for mem.
func NewAllocator(rendezvous string) (*Allocator, error) {
	pa, err := parse(rendezvous)
	if err != nil {
		return nil, err
	}
	return &Allocator{pa: pa, live: make(map[string]Endpoint)}, nil
}

// Next returns a fresh address. It is not reserved until bound.
func (a *Allocator) Next() string {
	id := ulid.Make().String()
	switch a.pa.network {
	case "unix":
		return a.pa.scheme + "://" + path.Join(path.Dir(a.pa.address), id)
	case "tcp":
		host, _, err := net.SplitHostPort(a.pa.address)
		if err != nil {
			host = a.pa.address
		}
		return "tcp://" + net.JoinHostPort(host, "0")
	}
	return "mem://" + a.pa.address + "/" + id
}

// Bind allocates an address and binds an endpoint there.
func (a *Allocator) Bind(opts ...Option) (Endpoint, error) {
	addr := a.Next()
	ep, err := Bind(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	a.mu.Lock()
	a.live[ep.Addr()] = ep
	a.mu.Unlock()
	return ep, nil
}

// Release closes ep and forgets its address.
func (a *Allocator) Release(ep Endpoint) error {
	a.mu.Lock()
	delete(a.live, ep.Addr())
	a.mu.Unlock()
	return ep.Close()
}

// Live returns the number of endpoints bound and not yet released.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
