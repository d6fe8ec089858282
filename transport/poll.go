package transport

import "context"

// Poller waits on many listeners and endpoints at once. Readiness is level
// triggered: Ready reports everything readable right now, and C fires
// whenever any member may have become readable since the last receive.
//
// A Poller is not safe for concurrent use. It belongs to one loop.
type Poller struct {
	wake    chan struct{}
	members []Pollable
}

func NewPoller() *Poller {
	return &Poller{wake: make(chan struct{}, 1)}
}

// Add starts watching p. If p is already readable, C fires.
func (p *Poller) Add(x Pollable) {
	p.members = append(p.members, x)
	x.watch(p.wake)
}

func (p *Poller) Remove(x Pollable) {
	for i, m := range p.members {
		if m == x {
			x.unwatch(p.wake)
			p.members = append(p.members[:i], p.members[i+1:]...)
			return
		}
	}
}

func (p *Poller) Len() int { return len(p.members) }

// C fires after a member's readiness may have changed. Spurious wakeups
// happen; callers check Ready.
func (p *Poller) C() <-chan struct{} { return p.wake }

// Ready returns the members readable now, in the order they were added.
func (p *Poller) Ready() []Pollable {
	var r []Pollable
	for _, m := range p.members {
		if m.Readable() {
			r = append(r, m)
		}
	}
	return r
}

// Wait blocks until at least one member is readable or ctx is done.
func (p *Poller) Wait(ctx context.Context) ([]Pollable, error) {
	for {
		if r := p.Ready(); len(r) > 0 {
			return r, nil
		}
		select {
		case <-p.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
