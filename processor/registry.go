package processor

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/wiloon/w-vproxy/errdefs"
)

// Factory starts a Session for one client connection.
type Factory func(peer Peer, front Source, client *net.TCPAddr) Session

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes p available under p.Name().
func Register[C any, S any](p Processor[C, S]) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[p.Name()]; ok {
		return fmt.Errorf("processor %s: %w", p.Name(), errdefs.ErrAlreadyExists)
	}
	registry[p.Name()] = func(peer Peer, front Source, client *net.TCPAddr) Session {
		return NewDriver(p, peer, front, client)
	}
	return nil
}

// MustRegister is Register for package init.
func MustRegister[C any, S any](p Processor[C, S]) {
	if err := Register(p); err != nil {
		panic(err)
	}
}

func Get(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("processor %s: %w", name, errdefs.ErrNotFound)
	}
	return f, nil
}

// Names lists registered processors, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
