// Package route holds server groups and picks the backend for a connection
// or a protocol unit.
package route

import (
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/utils/logger"
)

// Backend is a picked server.
type Backend struct {
	Group   string
	Name    string
	Address string
}

type server struct {
	name    string
	address string
	weight  int
	current int

	downUntil time.Time
	backoff   *backoff.Backoff
}

// Group selects among its servers by smooth weighted round robin. A server
// that failed to connect is skipped until its cool-down ends; the cool-down
// grows with consecutive failures.
type Group struct {
	Name string

	mu      sync.Mutex
	servers []*server
	now     func() time.Time
	minDown time.Duration
	maxDown time.Duration
}

func NewGroup(name string) *Group {
	return &Group{Name: name, now: time.Now, minDown: time.Second, maxDown: 30 * time.Second}
}

// SetCoolDown bounds the time a failed server is skipped.
func (g *Group) SetCoolDown(min, max time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.minDown, g.maxDown = min, max
}

func (g *Group) Add(name, address string, weight int) error {
	if weight <= 0 {
		return fmt.Errorf("server %s in %s: weight must be positive, got %d", name, g.Name, weight)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.servers {
		if s.name == name {
			return fmt.Errorf("server %s in %s: %w", name, g.Name, errdefs.ErrAlreadyExists)
		}
	}
	g.servers = append(g.servers, &server{name: name, address: address, weight: weight})
	logger.Debugf("server group %s: add %s %s weight %d", g.Name, name, address, weight)
	return nil
}

func (g *Group) Remove(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, s := range g.servers {
		if s.name == name {
			g.servers = append(g.servers[:i:i], g.servers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("server %s in %s: %w", name, g.Name, errdefs.ErrNotFound)
}

// Names lists servers in insertion order.
func (g *Group) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.servers))
	for _, s := range g.servers {
		names = append(names, s.name)
	}
	return names
}

// Next picks a server that is not cooling down.
func (g *Group) Next() (Backend, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	var best *server
	total := 0
	for _, s := range g.servers {
		if now.Before(s.downUntil) {
			continue
		}
		s.current += s.weight
		total += s.weight
		if best == nil || s.current > best.current {
			best = s
		}
	}
	if best == nil {
		return Backend{}, fmt.Errorf("server group %s: %w", g.Name, errdefs.ErrBackendUnavailable)
	}
	best.current -= total
	return Backend{Group: g.Name, Name: best.name, Address: best.address}, nil
}

// MarkDown starts or extends the cool-down of a server.
func (g *Group) MarkDown(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.servers {
		if s.name != name {
			continue
		}
		if s.backoff == nil {
			s.backoff = &backoff.Backoff{Min: g.minDown, Max: g.maxDown, Factor: 2}
		}
		d := s.backoff.Duration()
		s.downUntil = g.now().Add(d)
		logger.Warnf("server group %s: %s (%s) down for %s", g.Name, s.name, s.address, d)
		return
	}
}

// MarkUp clears the cool-down after a successful connect.
func (g *Group) MarkUp(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.servers {
		if s.name == name {
			if s.backoff != nil {
				s.backoff.Reset()
			}
			s.downUntil = time.Time{}
			return
		}
	}
}

// Groups is the registry of server groups.
type Groups struct {
	mu     sync.RWMutex
	names  []string
	groups map[string]*Group
}

func NewGroups() *Groups {
	return &Groups{groups: make(map[string]*Group)}
}

func (r *Groups) Add(g *Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.Name]; ok {
		return fmt.Errorf("server group %s: %w", g.Name, errdefs.ErrAlreadyExists)
	}
	r.groups[g.Name] = g
	r.names = append(r.names, g.Name)
	return nil
}

func (r *Groups) Get(name string) (*Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	if !ok {
		return nil, fmt.Errorf("server group %s: %w", name, errdefs.ErrNotFound)
	}
	return g, nil
}

func (r *Groups) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[name]; !ok {
		return fmt.Errorf("server group %s: %w", name, errdefs.ErrNotFound)
	}
	delete(r.groups, name)
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i:i], r.names[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Groups) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}
