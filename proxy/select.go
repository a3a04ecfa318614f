package proxy

import (
	"fmt"

	"github.com/kestrelrun/procgate/supervisor"
)

// Pool is one dispatcher's ordered set of on-demand backends sharing a
// port. Exactly one member should have BodyRegex == nil ("main").
type Pool struct {
	Path       string
	Port       int
	Backends   []*supervisor.OnDemand
}

// Select returns the first backend in registration order whose body_regex
// anchored-matches body, falling back to the unique main backend. It
// returns an error if no backend matches and no main exists, matching the
// "dispatcher logs an error and replies 500" rule.
func (p *Pool) Select(body []byte) (*supervisor.OnDemand, error) {
	for _, b := range p.Backends {
		if b.Matches(body) {
			return b, nil
		}
	}
	if m := p.main(); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("no main backend configured for pool on port %d", p.Port)
}

// Main returns the pool's fallback backend (the one with no body_regex),
// used for any request method other than POST/PUT/PATCH.
func (p *Pool) Main() (*supervisor.OnDemand, error) {
	if m := p.main(); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("no main backend configured for pool on port %d", p.Port)
}

func (p *Pool) main() *supervisor.OnDemand {
	for _, b := range p.Backends {
		if b.IsMain() {
			return b
		}
	}
	return nil
}
