// Package secure decides whether a client may use a load balancer.
package secure

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/wiloon/w-vproxy/errdefs"
)

// DefaultName is reserved for the built in allow-all group.
const DefaultName = "(allow-all)"

type Rule struct {
	Name    string
	Network *net.IPNet
	MinPort int
	MaxPort int
	Allow   bool
}

func (r *Rule) match(ip net.IP, port int) bool {
	return r.Network.Contains(ip) && port >= r.MinPort && port <= r.MaxPort
}

func (r *Rule) String() string {
	verdict := "deny"
	if r.Allow {
		verdict = "allow"
	}
	return fmt.Sprintf("%s -> %s %s ports %d,%d", r.Name, verdict, r.Network, r.MinPort, r.MaxPort)
}

// SecurityGroup is an ordered rule list; the first matching rule decides,
// DefaultAllow decides when nothing matches.
type SecurityGroup struct {
	Name         string
	DefaultAllow bool

	mu    sync.RWMutex
	rules []*Rule
}

func NewSecurityGroup(name string, defaultAllow bool) *SecurityGroup {
	return &SecurityGroup{Name: name, DefaultAllow: defaultAllow}
}

// AllowAll returns a fresh group that allows everything.
func AllowAll() *SecurityGroup {
	return NewSecurityGroup(DefaultName, true)
}

// NewRule parses a CIDR network and a "min,max" port range.
func NewRule(name, network, portRange string, allow bool) (*Rule, error) {
	_, ipNet, err := net.ParseCIDR(network)
	if err != nil {
		return nil, fmt.Errorf("rule %s: invalid network %q: %w", name, network, err)
	}
	minPort, maxPort, err := ParsePortRange(portRange)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", name, err)
	}
	return &Rule{Name: name, Network: ipNet, MinPort: minPort, MaxPort: maxPort, Allow: allow}, nil
}

// ParsePortRange parses "min,max" with 0 <= min <= max <= 65535.
func ParsePortRange(s string) (int, int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid format for port range %q", s)
	}
	minPort, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	maxPort, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || minPort < 0 || minPort > maxPort || maxPort > 65535 {
		return 0, 0, fmt.Errorf("invalid format for port range %q", s)
	}
	return minPort, maxPort, nil
}

func (g *SecurityGroup) AddRule(r *Rule) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.rules {
		if existing.Name == r.Name {
			return fmt.Errorf("rule %s in %s: %w", r.Name, g.Name, errdefs.ErrAlreadyExists)
		}
	}
	g.rules = append(g.rules, r)
	return nil
}

func (g *SecurityGroup) RemoveRule(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.rules {
		if r.Name == name {
			g.rules = append(g.rules[:i:i], g.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %s in %s: %w", name, g.Name, errdefs.ErrNotFound)
}

// Rules returns a copy in evaluation order.
func (g *SecurityGroup) Rules() []*Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Rule(nil), g.rules...)
}

// Allow reports whether ip may connect to a listener bound on port.
func (g *SecurityGroup) Allow(ip net.IP, port int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.rules {
		if r.match(ip, port) {
			return r.Allow
		}
	}
	return g.DefaultAllow
}

// SecurityGroupHolder keeps named security groups in insertion order.
type SecurityGroupHolder struct {
	mu     sync.RWMutex
	names  []string
	groups map[string]*SecurityGroup
}

func NewSecurityGroupHolder() *SecurityGroupHolder {
	return &SecurityGroupHolder{groups: make(map[string]*SecurityGroup)}
}

func (h *SecurityGroupHolder) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.names...)
}

func (h *SecurityGroupHolder) Add(name string, defaultAllow bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[name]; ok || name == DefaultName {
		return fmt.Errorf("security group %s: %w", name, errdefs.ErrAlreadyExists)
	}
	h.groups[name] = NewSecurityGroup(name, defaultAllow)
	h.names = append(h.names, name)
	return nil
}

// Get returns the named group. DefaultName always yields an allow-all group.
func (h *SecurityGroupHolder) Get(name string) (*SecurityGroup, error) {
	if name == DefaultName {
		return AllowAll(), nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.groups[name]
	if !ok {
		return nil, fmt.Errorf("security group %s: %w", name, errdefs.ErrNotFound)
	}
	return g, nil
}

func (h *SecurityGroupHolder) Remove(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[name]; !ok {
		return fmt.Errorf("security group %s: %w", name, errdefs.ErrNotFound)
	}
	delete(h.groups, name)
	for i, n := range h.names {
		if n == name {
			h.names = append(h.names[:i:i], h.names[i+1:]...)
			break
		}
	}
	return nil
}
